// Package optimize classifies correlated graph nodes against a small set of
// energy-optimization categories.
package optimize

import (
	"fmt"
	"strings"
	"sync"
)

const (
	// Cores clocked at or above this while carrying little load are
	// candidates for downscaling.
	dvfsFreqFloorKHz = 1_500_000
	dvfsIdleLoadPct  = 10.0
)

// Info is the energy-optimization annotation attached to a graph node.
// Flags are only ever added, never cleared; the id is assigned the first
// time any flag is set and never changes afterwards. An id of 0 means
// unassigned.
type Info struct {
	ID      int    `json:"id"`
	DVFS    bool   `json:"dvfs"`
	Realloc bool   `json:"realloc"`
	Message string `json:"message,omitempty"`
}

// Annotated reports whether any optimization flag is set.
func (i Info) Annotated() bool {
	return i.DVFS || i.Realloc
}

// Summary renders the set flags as a comma-joined label list.
func (i Info) Summary() string {
	var labels []string
	if i.DVFS {
		labels = append(labels, "DVFS")
	}
	if i.Realloc {
		labels = append(labels, "Task Reallocation")
	}
	return strings.Join(labels, ", ")
}

// NodeContext is the view of a graph node the classification predicates
// operate on.
type NodeContext struct {
	EventName   string
	CPU         int
	ThreadPID   int
	CoreFreqKHz []int64
	CoreLoadPct []float64
	GPUUtilPct  int64
}

// Annotator owns the id counter used to label annotated nodes. Ids start at
// 1 so that 0 always means unassigned.
type Annotator struct {
	mu     sync.Mutex
	nextID int
}

func NewAnnotator() *Annotator {
	return &Annotator{nextID: 1}
}

// Annotate evaluates both classification predicates against node and applies
// the matching flags. Re-running on an already-flagged node is idempotent.
func (a *Annotator) Annotate(info *Info, node NodeContext) {
	if freq, load, ok := coreState(node); ok && freq >= dvfsFreqFloorKHz && load <= dvfsIdleLoadPct {
		a.MarkDVFS(info, fmt.Sprintf("core %d at %d kHz with %.0f%% load", node.CPU, freq, load))
	}
	if reallocCandidate(node) {
		a.MarkRealloc(info, fmt.Sprintf("thread %d on core %d, slower core available", node.ThreadPID, node.CPU))
	}
}

// MarkDVFS flags the annotation as a DVFS-inefficiency candidate.
func (a *Annotator) MarkDVFS(info *Info, message string) {
	a.assignID(info)
	info.DVFS = true
	if message != "" {
		info.Message = message
	}
}

// MarkRealloc flags the annotation as a task-reallocation candidate.
func (a *Annotator) MarkRealloc(info *Info, message string) {
	a.assignID(info)
	info.Realloc = true
	if message != "" {
		info.Message = message
	}
}

func (a *Annotator) assignID(info *Info) {
	if info.ID != 0 {
		return
	}
	a.mu.Lock()
	info.ID = a.nextID
	a.nextID++
	a.mu.Unlock()
}

func coreState(node NodeContext) (freq int64, load float64, ok bool) {
	if node.CPU < 0 || node.CPU >= len(node.CoreFreqKHz) {
		return 0, 0, false
	}
	freq = node.CoreFreqKHz[node.CPU]
	if node.CPU < len(node.CoreLoadPct) {
		load = node.CoreLoadPct[node.CPU]
	}
	return freq, load, true
}

// reallocCandidate holds when the node's thread runs on a core while another
// core is clocked strictly lower, so migration could reduce energy.
func reallocCandidate(node NodeContext) bool {
	if node.ThreadPID <= 0 {
		return false
	}
	freq, _, ok := coreState(node)
	if !ok {
		return false
	}
	for cpu, other := range node.CoreFreqKHz {
		if cpu != node.CPU && other < freq {
			return true
		}
	}
	return false
}
