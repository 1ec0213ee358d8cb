package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func busyContext() NodeContext {
	return NodeContext{
		EventName:   "sched_switch",
		CPU:         2,
		ThreadPID:   3310,
		CoreFreqKHz: []int64{600000, 600000, 2400000, 2400000},
		CoreLoadPct: []float64{0, 0, 0, 0},
	}
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "", Info{}.Summary())
	assert.Equal(t, "DVFS", Info{DVFS: true}.Summary())
	assert.Equal(t, "Task Reallocation", Info{Realloc: true}.Summary())
	assert.Equal(t, "DVFS, Task Reallocation", Info{DVFS: true, Realloc: true}.Summary())
}

func TestAnnotateAssignsSequentialIDs(t *testing.T) {
	a := NewAnnotator()

	var first, second Info
	a.MarkDVFS(&first, "")
	a.MarkRealloc(&second, "")

	assert.Equal(t, 1, first.ID)
	assert.Equal(t, 2, second.ID)
	assert.True(t, first.DVFS)
	assert.False(t, first.Realloc)
	assert.True(t, second.Realloc)
}

func TestAnnotateIdempotent(t *testing.T) {
	a := NewAnnotator()
	node := busyContext()

	var info Info
	a.Annotate(&info, node)
	assert.True(t, info.Annotated())
	id := info.ID
	assert.NotZero(t, id)

	snapshot := info
	a.Annotate(&info, node)
	assert.Equal(t, snapshot, info)
	assert.Equal(t, id, info.ID)
}

func TestFlagsNeverCleared(t *testing.T) {
	a := NewAnnotator()

	var info Info
	a.MarkDVFS(&info, "high clock")
	a.MarkRealloc(&info, "slower core available")

	assert.True(t, info.DVFS)
	assert.True(t, info.Realloc)
	assert.Equal(t, 1, info.ID)
}

func TestUnannotatedNodeKeepsZeroID(t *testing.T) {
	a := NewAnnotator()

	node := NodeContext{
		CPU:         0,
		ThreadPID:   0,
		CoreFreqKHz: []int64{600000, 600000},
		CoreLoadPct: []float64{0, 0},
	}
	var info Info
	a.Annotate(&info, node)

	assert.False(t, info.Annotated())
	assert.Zero(t, info.ID)
	assert.Empty(t, info.Summary())
}

func TestDVFSPredicate(t *testing.T) {
	a := NewAnnotator()

	node := busyContext()
	node.ThreadPID = 0 // no resolved thread, realloc cannot apply
	var info Info
	a.Annotate(&info, node)

	assert.True(t, info.DVFS)
	assert.False(t, info.Realloc)
}

func TestReallocNeedsSlowerCore(t *testing.T) {
	a := NewAnnotator()

	node := busyContext()
	node.CoreFreqKHz = []int64{600000, 600000, 600000, 600000}
	var info Info
	a.Annotate(&info, node)

	assert.False(t, info.Realloc)
}

func TestAnnotateOutOfRangeCPU(t *testing.T) {
	a := NewAnnotator()

	node := busyContext()
	node.CPU = 9
	var info Info
	a.Annotate(&info, node)

	assert.False(t, info.Annotated())
}
