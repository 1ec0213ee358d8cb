package correlate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/optimize"
	"github.com/powerlab/etrace/internal/pidscan"
)

const sampleReport = `# tracer: nop
#
# entries-in-buffer/entries-written: 5/5
 app-3310  [002]  100.000000: sched_switch: prev_comm=app prev_pid=3310 next_comm=swapper next_pid=0
 <idle>-0  [001]  100.100000: cpu_idle: state=1 cpu_id=1
 app-3310  [002]  100.200000: binder_transaction: transaction=17 dest_node=42
 <idle>-0  [001]  100.300000: cpu_idle: state=4294967295 cpu_id=1
 Render Thread-3315  [003]  100.400000: sched_switch: prev_comm=Render prev_pid=3315 next_comm=app next_pid=3310
`

func parsedEvents(t *testing.T) []Event {
	t.Helper()
	events, err := ParseReport(strings.NewReader(sampleReport))
	require.NoError(t, err)
	require.Len(t, events, 5)
	return events
}

func TestParseReport(t *testing.T) {
	events := parsedEvents(t)

	first := events[0]
	assert.Equal(t, "app", first.Comm)
	assert.Equal(t, 3310, first.PID)
	assert.Equal(t, 2, first.CPU)
	assert.Equal(t, int64(100_000_000), first.TimestampUS)
	assert.Equal(t, "sched_switch", first.Name)

	prev, ok := first.Field("prev_comm")
	require.True(t, ok)
	assert.Equal(t, "app", prev)
	_, ok = first.Field("missing")
	assert.False(t, ok)

	// Comm names may contain spaces and dashes.
	assert.Equal(t, "Render Thread", events[4].Comm)
	assert.Equal(t, 3315, events[4].PID)

	idle := events[1]
	assert.Equal(t, "cpu_idle", idle.Name)
	state, ok := idle.Field("state")
	require.True(t, ok)
	assert.Equal(t, "1", state)
}

func TestParseFieldsPreservesOrderAndSpaces(t *testing.T) {
	fields := parseFields("prev_comm=Render Thread prev_pid=3315 next_comm=app")
	require.Len(t, fields, 3)
	assert.Equal(t, Field{Key: "prev_comm", Value: "Render Thread"}, fields[0])
	assert.Equal(t, Field{Key: "prev_pid", Value: "3315"}, fields[1])
	assert.Equal(t, Field{Key: "next_comm", Value: "app"}, fields[2])
}

func TestLoadReportEmptyArtifact(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadReport(filepath.Join(dir, "missing.report"))
	assert.ErrorIs(t, err, ErrEmptyArtifact)

	empty := filepath.Join(dir, "empty.report")
	require.NoError(t, os.WriteFile(empty, []byte("# tracer: nop\n"), 0o644))
	_, err = LoadReport(empty)
	assert.ErrorIs(t, err, ErrEmptyArtifact)

	valid := filepath.Join(dir, "valid.report")
	require.NoError(t, os.WriteFile(valid, []byte(sampleReport), 0o644))
	events, err := LoadReport(valid)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func testSnapshots() []metrics.Snapshot {
	return []metrics.Snapshot{
		{
			DeviceTimeUS: 99_000_000,
			CoreCount:    4,
			CoreFreqKHz:  []int64{600000, 600000, 2400000, 2400000},
			CoreLoadPct:  []float64{0, 0, 0, 0},
		},
		{
			DeviceTimeUS: 100_250_000,
			CoreCount:    4,
			CoreFreqKHz:  []int64{600000, 600000, 600000, 600000},
			CoreLoadPct:  []float64{0, 0, 0, 0},
		},
	}
}

func testIdentities() []pidscan.Identity {
	return []pidscan.Identity{
		{PID: 3310, User: "u0_a120", Name: "com.example.game", Thread: "main"},
		{PID: 3315, User: "u0_a120", Name: "com.example.game", Thread: "RenderThread"},
	}
}

func TestCorrelateLinksExecutionContexts(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 5)
	assert.Equal(t, 5, graph.TotalEvents)
	assert.Zero(t, graph.TrimmedEvents)

	// Thread 3310 chains sched_switch -> binder_transaction.
	first, third := graph.Nodes[0], graph.Nodes[2]
	require.Len(t, first.Edges, 1)
	assert.Same(t, third, first.Edges[0])
	assert.Same(t, first, third.Prev)

	// CPU 1 chains the two idle transitions.
	second, fourth := graph.Nodes[1], graph.Nodes[3]
	require.Len(t, second.Edges, 1)
	assert.Same(t, fourth, second.Edges[0])

	// Thread 3315 has no predecessor.
	assert.Nil(t, graph.Nodes[4].Prev)

	// Edges only ever point forward in time.
	for _, node := range graph.Nodes {
		for _, next := range node.Edges {
			assert.GreaterOrEqual(t, next.Event.TimestampUS, node.Event.TimestampUS)
		}
	}
}

func TestCorrelateAttachesNearestSnapshot(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)

	// Events before the second snapshot inherit the first.
	assert.Equal(t, int64(99_000_000), graph.Nodes[0].Metrics.DeviceTimeUS)
	assert.Equal(t, int64(99_000_000), graph.Nodes[2].Metrics.DeviceTimeUS)
	// Events after 100.25s inherit the second.
	assert.Equal(t, int64(100_250_000), graph.Nodes[3].Metrics.DeviceTimeUS)
	assert.Equal(t, int64(100_250_000), graph.Nodes[4].Metrics.DeviceTimeUS)
}

func TestCorrelateAttachesIdentities(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)

	require.NotNil(t, graph.Nodes[0].Identity)
	assert.Equal(t, "main", graph.Nodes[0].Identity.Thread)
	require.NotNil(t, graph.Nodes[4].Identity)
	assert.Equal(t, "RenderThread", graph.Nodes[4].Identity.Thread)
	assert.Nil(t, graph.Nodes[1].Identity) // idle task resolves to nothing
}

func TestCorrelatePreambleTrimming(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{
		Preamble: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	// The first two events fall inside the preamble window: excluded from
	// the graph but still counted in the total.
	assert.Equal(t, 5, graph.TotalEvents)
	assert.Equal(t, 2, graph.TrimmedEvents)
	require.Len(t, graph.Nodes, 3)
	assert.Equal(t, "binder_transaction", graph.Nodes[0].Event.Name)
}

func TestCorrelateMaxEventsCap(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{MaxEvents: 2})
	require.NoError(t, err)

	assert.Len(t, graph.Nodes, 2)
	assert.Equal(t, 3, graph.CappedEvents)
	assert.Equal(t, 5, graph.TotalEvents)
}

func TestCorrelateStableOrdering(t *testing.T) {
	events := []Event{
		{Name: "sched_switch", PID: 1, TimestampUS: 200},
		{Name: "sched_switch", PID: 2, TimestampUS: 100},
		{Name: "binder_transaction", PID: 3, TimestampUS: 100},
	}
	graph, err := Correlate(events, nil, nil, Options{})
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 3)

	// Equal timestamps keep their original record order.
	assert.Equal(t, 2, graph.Nodes[0].Event.PID)
	assert.Equal(t, 3, graph.Nodes[1].Event.PID)
	assert.Equal(t, 1, graph.Nodes[2].Event.PID)
}

func TestCorrelateEmptyInput(t *testing.T) {
	_, err := Correlate(nil, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrEmptyArtifact)
}

func TestAnnotateGraph(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)

	graph.Annotate(optimize.NewAnnotator())

	// Node 0 runs on core 2 at 2.4 GHz with zero load while slower cores
	// exist: both predicates fire.
	info := graph.Nodes[0].Info
	assert.True(t, info.DVFS)
	assert.True(t, info.Realloc)
	assert.NotZero(t, info.ID)

	// Node 4 sees the second snapshot where all cores idle at 600 MHz.
	assert.False(t, graph.Nodes[4].Info.Annotated())
}

func TestWriteResults(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)
	graph.Annotate(optimize.NewAnnotator())

	var buf strings.Builder
	require.NoError(t, WriteResults(&buf, graph))
	out := buf.String()

	assert.Contains(t, out, "total_events,5")
	assert.Contains(t, out, "trimmed_events,0")
	assert.Contains(t, out, "graph_nodes,5")
	assert.Contains(t, out, "event,count,first_us,last_us,annotated,dvfs,realloc")
	assert.Contains(t, out, "cpu_idle,2,")
	assert.Contains(t, out, "sched_switch,2,")
	assert.Contains(t, out, "binder_transaction,1,")
}

func TestWriteResultsFile(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), nil, nil, Options{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "app_results.csv")
	require.NoError(t, WriteResultsFile(path, graph))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "total_events,5")
}

func TestWriteDOT(t *testing.T) {
	graph, err := Correlate(parsedEvents(t), testSnapshots(), testIdentities(), Options{})
	require.NoError(t, err)
	graph.Annotate(optimize.NewAnnotator())

	var buf strings.Builder
	require.NoError(t, WriteDOT(&buf, graph, false))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "digraph trace {"))
	assert.Contains(t, out, "n0 -> n2;")
	assert.Contains(t, out, "n1 -> n3;")
	assert.Contains(t, out, "sched_switch")
	assert.Contains(t, out, "fillcolor=orange")

	var clustered strings.Builder
	require.NoError(t, WriteDOT(&clustered, graph, true))
	assert.Contains(t, clustered.String(), "subgraph cluster_0")
	assert.Contains(t, clustered.String(), `label="cpu:1"`)
}
