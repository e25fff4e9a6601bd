package graph

import (
	"sort"
	"strings"
)

// RenderASCII renders a dependency DAG as an indented tree rooted at the
// dependency-free tasks. deps maps task id to the ids it depends on;
// annotate may return extra text appended to each node (status), or be nil.
// A task reached through more than one edge is expanded once and referenced
// afterwards.
func RenderASCII(ids []string, deps map[string][]string, annotate func(id string) string) string {
	successors := make(map[string][]string, len(ids))
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] += 0
	}
	for id, parents := range deps {
		for _, parent := range parents {
			successors[parent] = append(successors[parent], id)
			indegree[id]++
		}
	}
	for _, succ := range successors {
		sort.Strings(succ)
	}

	var roots []string
	for _, id := range ids {
		if indegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	var sb strings.Builder
	expanded := make(map[string]bool, len(ids))

	var render func(id, prefix string, last bool, top bool)
	render = func(id, prefix string, last, top bool) {
		if !top {
			connector := "├── "
			if last {
				connector = "└── "
			}
			sb.WriteString(prefix + connector)
		}
		sb.WriteString(id)
		if annotate != nil {
			if note := annotate(id); note != "" {
				sb.WriteString(" " + note)
			}
		}
		if expanded[id] {
			sb.WriteString(" (see above)\n")
			return
		}
		sb.WriteString("\n")
		expanded[id] = true

		children := successors[id]
		childPrefix := prefix
		if !top {
			if last {
				childPrefix += "    "
			} else {
				childPrefix += "│   "
			}
		}
		for i, child := range children {
			render(child, childPrefix, i == len(children)-1, false)
		}
	}

	for _, root := range roots {
		render(root, "", true, true)
	}
	return sb.String()
}
