package correlate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/powerlab/etrace/internal/metrics"
	"github.com/powerlab/etrace/internal/optimize"
	"github.com/powerlab/etrace/internal/pidscan"
)

// Node is one scheduling/transaction unit in the correlated graph. Edges
// point only at nodes with timestamp greater than or equal to the node's
// own; Prev is a non-owning back-reference.
type Node struct {
	Event    Event
	Metrics  metrics.Snapshot
	Identity *pidscan.Identity
	Info     optimize.Info
	Edges    []*Node
	Prev     *Node
}

// Graph is the correlation result for a single run. It is append-only
// during that run.
type Graph struct {
	Nodes []*Node

	// TotalEvents counts every parsed record, including those trimmed by
	// the preamble window or the event cap.
	TotalEvents   int
	TrimmedEvents int
	CappedEvents  int
}

// Options configure a correlation run.
type Options struct {
	Preamble time.Duration
	// MaxEvents caps the number of events turned into nodes. 0 means
	// unlimited.
	MaxEvents int
}

// Correlate orders the parsed events, trims the preamble window, links
// consecutive events on the same execution context and attaches the nearest
// preceding metrics snapshot and matching process identity to each node.
func Correlate(events []Event, snapshots []metrics.Snapshot, identities []pidscan.Identity, opts Options) (*Graph, error) {
	if len(events) == 0 {
		return nil, ErrEmptyArtifact
	}

	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TimestampUS < ordered[j].TimestampUS
	})

	snaps := make([]metrics.Snapshot, len(snapshots))
	copy(snaps, snapshots)
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].DeviceTimeUS < snaps[j].DeviceTimeUS
	})

	byPID := make(map[int]*pidscan.Identity, len(identities))
	for i := range identities {
		byPID[identities[i].PID] = &identities[i]
	}

	graph := &Graph{TotalEvents: len(ordered)}
	cutoff := ordered[0].TimestampUS + opts.Preamble.Microseconds()
	last := make(map[string]*Node)

	for _, event := range ordered {
		if event.TimestampUS < cutoff {
			graph.TrimmedEvents++
			continue
		}
		if opts.MaxEvents > 0 && len(graph.Nodes) >= opts.MaxEvents {
			graph.CappedEvents++
			continue
		}

		node := &Node{
			Event:    event,
			Metrics:  nearestSnapshot(snaps, event.TimestampUS),
			Identity: byPID[event.PID],
		}

		key := contextKey(event)
		if prev, ok := last[key]; ok {
			prev.Edges = append(prev.Edges, node)
			node.Prev = prev
		}
		last[key] = node
		graph.Nodes = append(graph.Nodes, node)
	}

	return graph, nil
}

// Annotate runs the optimization classifier over every node.
func (g *Graph) Annotate(annotator *optimize.Annotator) {
	for _, node := range g.Nodes {
		pid := node.Event.PID
		if node.Identity != nil {
			pid = node.Identity.PID
		}
		annotator.Annotate(&node.Info, optimize.NodeContext{
			EventName:   node.Event.Name,
			CPU:         node.Event.CPU,
			ThreadPID:   pid,
			CoreFreqKHz: node.Metrics.CoreFreqKHz,
			CoreLoadPct: node.Metrics.CoreLoadPct,
			GPUUtilPct:  node.Metrics.GPUUtilPct,
		})
	}
}

// contextKey picks the execution context an event belongs to: idle
// transitions chain per CPU, scheduling and IPC events chain per thread.
func contextKey(event Event) string {
	if strings.HasPrefix(event.Name, "cpu_") || strings.HasPrefix(event.Name, "power") {
		return fmt.Sprintf("cpu:%d", event.CPU)
	}
	return fmt.Sprintf("pid:%d", event.PID)
}

// nearestSnapshot returns the latest snapshot taken at or before ts, or the
// earliest available snapshot when none precede ts.
func nearestSnapshot(sorted []metrics.Snapshot, ts int64) metrics.Snapshot {
	if len(sorted) == 0 {
		return metrics.Snapshot{}
	}
	idx := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].DeviceTimeUS > ts
	})
	if idx == 0 {
		return sorted[0]
	}
	return sorted[idx-1]
}
