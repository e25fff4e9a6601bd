// Package graph loads and validates declarative task graph files.
package graph

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/substratehq/substrate/internal/errdefs"
)

// supportedVersions is the set of graph file versions this build accepts.
var supportedVersions = map[string]bool{
	"1":   true,
	"1.0": true,
}

// TaskType categorizes what kind of work a task performs.
type TaskType string

const (
	TypeCoding   TaskType = "coding"
	TypeTesting  TaskType = "testing"
	TypeReview   TaskType = "review"
	TypeRefactor TaskType = "refactor"
	TypeDebug    TaskType = "debug"
	TypeDocument TaskType = "document"
	TypeAnalyze  TaskType = "analyze"
)

var validTaskTypes = map[TaskType]bool{
	TypeCoding: true, TypeTesting: true, TypeReview: true,
	TypeRefactor: true, TypeDebug: true, TypeDocument: true, TypeAnalyze: true,
}

// DefaultMaxRetries applies when a task declares no max_retries.
const DefaultMaxRetries = 2

// Graph is a parsed and validated task graph.
type Graph struct {
	Version string
	Session SessionMeta
	Tasks   map[string]*TaskDef

	// Warnings are non-fatal findings (unknown agent ids).
	Warnings []string
}

// SessionMeta is the graph's session block.
type SessionMeta struct {
	Name      string   `yaml:"name"`
	BudgetUSD *float64 `yaml:"budget_usd"`
}

// TaskDef is one task declaration.
type TaskDef struct {
	ID          string   `yaml:"-"`
	Name        string   `yaml:"name"`
	Prompt      string   `yaml:"prompt"`
	Type        TaskType `yaml:"type"`
	DependsOn   []string `yaml:"depends_on"`
	Agent       string   `yaml:"agent"`
	Description string   `yaml:"description"`
	MaxRetries  *int     `yaml:"max_retries"`
}

type graphFile struct {
	Version string              `yaml:"version"`
	Session SessionMeta         `yaml:"session"`
	Tasks   map[string]*TaskDef `yaml:"tasks"`
}

// Load reads, parses and validates the graph file at path. knownAgents may
// be nil; unknown agent ids produce warnings, never errors, so graphs can
// be authored before the full adapter set is installed.
func Load(path string, knownAgents map[string]bool) (*Graph, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user-supplied graph path
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindSystem, err, "reading graph file %s", path)
	}
	return Parse(data, knownAgents)
}

// Parse parses and validates graph file content.
func Parse(data []byte, knownAgents map[string]bool) (*Graph, error) {
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "parsing graph file")
	}

	if !supportedVersions[file.Version] {
		return nil, errdefs.Validation("unsupported graph version %q (supported: 1, 1.0)", file.Version)
	}
	if len(file.Tasks) == 0 && file.Tasks == nil {
		file.Tasks = map[string]*TaskDef{}
	}

	g := &Graph{Version: file.Version, Session: file.Session, Tasks: file.Tasks}
	for id, task := range g.Tasks {
		task.ID = id
		if err := validateTask(task); err != nil {
			return nil, err
		}
		if task.Agent != "" && knownAgents != nil && !knownAgents[task.Agent] {
			g.Warnings = append(g.Warnings,
				fmt.Sprintf("task %s references unknown agent %q", id, task.Agent))
		}
	}
	sort.Strings(g.Warnings)

	if err := g.validateEdges(); err != nil {
		return nil, err
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func validateTask(task *TaskDef) error {
	if task.Prompt == "" {
		return errdefs.Validation("task %s: prompt is required", task.ID)
	}
	if task.Type != "" && !validTaskTypes[task.Type] {
		return errdefs.Validation("task %s: invalid type %q", task.ID, task.Type)
	}
	if task.MaxRetries != nil && *task.MaxRetries < 0 {
		return errdefs.Validation("task %s: max_retries must be >= 0", task.ID)
	}
	return nil
}

func (g *Graph) validateEdges() error {
	for _, id := range g.TaskIDs() {
		for _, dep := range g.Tasks[id].DependsOn {
			if dep == id {
				return errdefs.Validation("Circular dependency detected: task %s depends on itself", id)
			}
			if _, ok := g.Tasks[dep]; !ok {
				return errdefs.Validation("task %s depends on undeclared task %q", id, dep)
			}
		}
	}
	return nil
}

// validateAcyclic runs a DFS and renders the first cycle found.
func (g *Graph) validateAcyclic() error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Tasks))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		state[id] = inStack
		stack = append(stack, id)

		deps := append([]string(nil), g.Tasks[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch state[dep] {
			case inStack:
				return errdefs.Validation("Circular dependency detected: %s", renderCycle(stack, dep))
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.TaskIDs() {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// renderCycle formats the portion of the DFS stack from the repeated node
// back to itself, e.g. "a → b → a".
func renderCycle(stack []string, repeat string) string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	parts := append(append([]string(nil), stack[start:]...), repeat)
	return strings.Join(parts, " → ")
}

// TaskIDs returns every task id in lexicographic order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MaxRetriesFor returns the task's retry limit, applying the default.
func (g *Graph) MaxRetriesFor(id string) int {
	if task, ok := g.Tasks[id]; ok && task.MaxRetries != nil {
		return *task.MaxRetries
	}
	return DefaultMaxRetries
}

// TopologicalOrder returns the task ids in dependency order using Kahn's
// algorithm; ties break lexicographically so the order is deterministic.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.Tasks))
	successors := make(map[string][]string, len(g.Tasks))
	for id, task := range g.Tasks {
		indegree[id] += 0
		for _, dep := range task.DependsOn {
			indegree[id]++
			successors[dep] = append(successors[dep], id)
		}
	}

	var frontier []string
	for _, id := range g.TaskIDs() {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	order := make([]string, 0, len(g.Tasks))
	for len(frontier) > 0 {
		sort.Strings(frontier)
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				frontier = append(frontier, succ)
			}
		}
	}
	return order
}

// Roots returns the ids with no dependencies, in lexicographic order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.TaskIDs() {
		if len(g.Tasks[id].DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
