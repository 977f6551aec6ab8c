package ptrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/trace"
)

// handOff records one CPU activity per event the way the profiler does and returns the activities by event.
func handOff(c *activity.Memory, results []*trace.Event) map[*activity.Activity]*trace.Event {
	cpu := activity.NewCPUTrace(0, "test")
	known := map[*activity.Activity]*trace.Event{}
	for i, ev := range results {
		a := cpu.AddCPUActivity(ev.Name(), activity.TypeCPUOp, activity.DeviceAndResource{}, uint64(i+1),
			int64(ev.Start/1000), int64(ev.EndTime()/1000))
		activity.SetIndex(a, i)
		known[a] = ev
	}
	c.Transfer(cpu, 1000)
	return known
}

func TestTransferReassociatesByIndex(t *testing.T) {
	var results []*trace.Event
	for i := 0; i < 5; i++ {
		results = append(results, op("op", 1, trace.Timestamp(i*1000), trace.Timestamp(i*1000+500)))
	}
	c := activity.NewMemory(1)
	c.CopyActivities = true
	known := handOff(c, results)
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(results, tr, known, 1, zaptest.NewLogger(t))

	require.Len(t, out, 5)
	for i, ev := range out {
		require.NotNil(t, ev.Activity)
		idx, ok := activity.Index(ev.Activity.Metadata)
		require.True(t, ok)
		assert.Equal(t, i, idx)
		_, wasKnown := known[ev.Activity]
		assert.False(t, wasKnown, "expected a copied activity")
	}
}

func TestTransferFlowOverridesLinked(t *testing.T) {
	o := op("aten::mm", 3, 0, 10_000)
	results := []*trace.Event{o}
	c := activity.NewMemory(1)
	known := handOff(c, results)
	var cpuOp *activity.Activity
	for a := range known {
		cpuOp = a
	}

	launch := &activity.Activity{
		Name: "cudaLaunchKernel", Type: activity.TypeCUDARuntime, Timestamp: 2, Duration: 1,
		Linked: cpuOp,
		Flow:   activity.Flow{ID: 7, Type: activity.LinkAsyncCPUGPU, Start: true},
	}
	kernel := &activity.Activity{
		Name: "gemm", Type: activity.TypeConcurrentKernel, Timestamp: 20, Duration: 5,
		Linked: cpuOp,
		Flow:   activity.Flow{ID: 7, Type: activity.LinkAsyncCPUGPU},
	}
	c.Add(launch)
	c.Add(kernel)
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(results, tr, known, 9, zaptest.NewLogger(t))

	require.Len(t, out, 3)
	l, k := out[1], out[2]
	assert.Equal(t, "cudaLaunchKernel", l.Name())
	assert.Equal(t, "gemm", k.Name())
	assert.Same(t, o, l.Parent)
	assert.Same(t, l, k.Parent)
	assert.Equal(t, []*trace.Event{l}, o.Children)
	assert.Equal(t, []*trace.Event{k}, l.Children)
	assert.True(t, l.Finished)
	assert.True(t, k.Finished)
	assert.False(t, o.Finished)
	assert.Equal(t, uint64(3), l.StartTID)
	assert.Equal(t, uint64(3), k.StartTID)
	assert.Equal(t, trace.Timestamp(20_000), k.Start)
	assert.Equal(t, trace.Timestamp(25_000), k.EndTime())
}

func TestTransferLinkedByCorrelation(t *testing.T) {
	o := op("aten::mm", 3, 0, 10_000)
	results := []*trace.Event{o}
	c := activity.NewMemory(1)
	known := handOff(c, results)
	c.Add(&activity.Activity{Name: "memcpy", Type: activity.TypeGPUMemcpy, Timestamp: 4, Duration: 1, CorrelationID: 1})
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(results, tr, known, 9, zaptest.NewLogger(t))

	require.Len(t, out, 2)
	assert.Same(t, o, out[1].Parent)
	assert.Equal(t, uint64(3), out[1].StartTID)
}

func TestTransferUnlinkedBecomesRoot(t *testing.T) {
	c := activity.NewMemory(1)
	c.Add(&activity.Activity{Name: "sync", Type: activity.TypeCUDARuntime, Timestamp: 4, Duration: 1})
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(nil, tr, nil, 9, zaptest.NewLogger(t))

	require.Len(t, out, 1)
	assert.Nil(t, out[0].Parent)
	assert.False(t, out[0].Finished)
	assert.Equal(t, uint64(9), out[0].StartTID)
}

func TestTransferDropsUnknownCPUActivities(t *testing.T) {
	results := []*trace.Event{op("a", 1, 0, 1000)}
	c := activity.NewMemory(1)
	known := handOff(c, results)
	stray := &activity.Activity{Name: "stray", Type: activity.TypeCPUOp, Timestamp: 5}
	activity.SetIndex(stray, 1)
	c.Add(stray)
	c.Add(&activity.Activity{Name: "no index", Type: activity.TypeUserAnnotation, Timestamp: 6})
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(results, tr, known, 1, zaptest.NewLogger(t))

	assert.Equal(t, []string{"a"}, names(out))
}

func TestTransferWarnsOnUnmatchedEvents(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	results := []*trace.Event{op("a", 1, 0, 1000), op("b", 1, 2000, 3000)}
	c := activity.NewMemory(1)
	known := handOff(c, results[:1])
	tr, err := c.Stop()
	require.NoError(t, err)

	Transfer(results, tr, known, 1, zap.New(core))

	assert.Equal(t, 1, logs.FilterMessageSnippet("failed to recover").Len())
	assert.Same(t, tr.Activities()[0], results[0].Activity)
	assert.Nil(t, results[1].Activity)
}

func TestTransferThenBuildTree(t *testing.T) {
	outer := op("outer", 1, 0, 100_000)
	inner := op("inner", 1, 10_000, 20_000)
	results := []*trace.Event{outer, inner}
	c := activity.NewMemory(1)
	known := handOff(c, results)
	c.Add(&activity.Activity{Name: "kernel", Type: activity.TypeConcurrentKernel, Timestamp: 500, Duration: 10, CorrelationID: 2})
	tr, err := c.Stop()
	require.NoError(t, err)

	out := Transfer(results, tr, known, 1, zaptest.NewLogger(t))
	BuildTree(out)

	require.NoError(t, Validate(out))
	assert.Same(t, outer, inner.Parent)
	require.Len(t, inner.Children, 1)
	assert.Equal(t, "kernel", inner.Children[0].Name())
}
