package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(Config{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanTaskExecute)
	span.SetAttributes(
		attribute.String(AttrSessionID, "s1"),
		attribute.String(AttrTaskID, "a"),
	)
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	require.Equal(t, SpanTaskExecute, record.Name)
	require.Equal(t, "s1", record.Attributes[AttrSessionID])
	require.Equal(t, "a", record.Attributes[AttrTaskID])
	require.NotEmpty(t, record.TraceID)
	require.NotEmpty(t, record.SpanID)
}

func TestParentSpanIDRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: "file", FilePath: path})
	require.NoError(t, err)

	ctx, parent := p.Tracer().Start(context.Background(), SpanSessionRun)
	_, child := p.Tracer().Start(ctx, SpanTaskExecute)
	child.End()
	parent.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	byName := make(map[string]SpanRecord)
	for _, line := range lines {
		var record SpanRecord
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		byName[record.Name] = record
	}
	require.Equal(t, byName[SpanSessionRun].SpanID, byName[SpanTaskExecute].ParentSpanID)
	require.Equal(t, byName[SpanSessionRun].TraceID, byName[SpanTaskExecute].TraceID)
}

func TestFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNoneExporter(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	require.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}
