package ptrace

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/trace"
)

func TestBuildTreeSiblings(t *testing.T) {
	a := op("A", 1, 0, 100)
	b := op("B", 1, 10, 50)
	c := op("C", 1, 60, 90)
	evs := []*trace.Event{a, b, c}

	BuildTree(evs)

	assert.Nil(t, a.Parent)
	assert.Equal(t, []string{"B", "C"}, names(a.Children))
	assert.Same(t, a, b.Parent)
	assert.Same(t, a, c.Parent)
	require.NoError(t, Validate(evs))
}

func TestBuildTreeTiesKeepInputOrder(t *testing.T) {
	p := op("P", 1, 0, 100)
	x := op("X", 1, 10, 10)
	y := op("Y", 1, 10, 10)
	z := op("Z", 1, 10, 10)
	evs := []*trace.Event{p, x, y, z}

	BuildTree(evs)

	assert.Equal(t, []string{"X", "Y", "Z"}, names(p.Children))
	for _, ev := range evs {
		assert.True(t, ev.Finished, ev.Name())
	}
}

func TestBuildTreeThreadsAreIndependent(t *testing.T) {
	a := op("A", 1, 0, 100)
	b := op("B", 2, 10, 20)
	c := op("C", 1, 30, 40)
	evs := []*trace.Event{a, b, c}

	BuildTree(evs)

	assert.Nil(t, b.Parent)
	assert.Equal(t, []string{"C"}, names(a.Children))
	assert.Len(t, roots(evs), 2)
}

func TestBuildTreeOpenEnded(t *testing.T) {
	a := op("A", 1, 0, 100)
	u := op("U", 1, 10, trace.Unset)
	d := op("D", 1, 20, 30)
	e := op("E", 1, 110, 120)
	evs := []*trace.Event{a, u, d, e}

	BuildTree(evs)

	assert.Same(t, a, u.Parent)
	assert.Same(t, u, d.Parent)
	assert.Nil(t, e.Parent, "E starts after A ended")
	assert.True(t, u.Finished)
	assert.Equal(t, trace.Timestamp(100), u.EndTime())
	require.NoError(t, Validate(evs))
}

func TestBuildTreeOpenEndedRoot(t *testing.T) {
	u := op("U", 1, 10, trace.Unset)
	d := op("D", 1, 20, 30)
	evs := []*trace.Event{u, d}

	BuildTree(evs)

	assert.Same(t, u, d.Parent)
	assert.True(t, u.Finished)
	assert.Equal(t, trace.Timestamp(10), u.EndTime())
	require.NoError(t, Validate(evs))
}

func TestBuildTreeUnwindsUnclosedFrames(t *testing.T) {
	a := op("A", 1, 0, 100)
	u := op("U", 1, 10, trace.Unset)
	v := op("V", 1, 20, trace.Unset)
	next := op("N", 1, 200, 210)
	evs := []*trace.Event{a, u, v, next}

	BuildTree(evs)

	assert.Same(t, u, v.Parent)
	assert.Equal(t, trace.Timestamp(100), v.EndTime())
	assert.Nil(t, next.Parent)
	require.NoError(t, Validate(evs))
}

func TestBuildTreeForwardThread(t *testing.T) {
	fwd := op("forward", 1, 0, 100)
	bwd := op("backward", 2, 10, 20)
	bwd.Fields.(*trace.OpFields).ForwardTID = 1
	evs := []*trace.Event{fwd, bwd}

	BuildTree(evs)

	assert.Same(t, fwd, bwd.Parent)
	assert.Equal(t, []string{"backward"}, names(fwd.Children))
}

func TestBuildTreeSkipsExternallyParented(t *testing.T) {
	a := op("A", 1, 0, 100)
	k := trace.New(10_000, 1, activity.DeviceAndResource{}, &trace.ExternalFields{Name: "kernel", DurationUS: 1})
	launcher := op("launcher", 3, 0, 5)
	k.Parent = launcher
	launcher.Children = append(launcher.Children, k)
	k.Finished = true
	evs := []*trace.Event{a, launcher, k}

	BuildTree(evs)

	assert.Same(t, launcher, k.Parent)
	assert.Empty(t, a.Children)
}

func TestMarkFinishedTwicePanics(t *testing.T) {
	a := op("A", 1, 0, 10)
	markFinished(a)
	assert.Panics(t, func() { markFinished(a) })
}

func TestBuildTreeRejectsNegativeDuration(t *testing.T) {
	neg := op("neg", 1, 100, 40)
	assert.Panics(t, func() { BuildTree([]*trace.Event{neg}) })
}

func TestMarkFinishedRejectsInheritedEndBeforeStart(t *testing.T) {
	p := op("P", 1, 0, 5)
	c := op("C", 1, 10, trace.Unset)
	c.Parent = p
	assert.Panics(t, func() { markFinished(c) })
}

func TestValidateNegativeDuration(t *testing.T) {
	neg := op("neg", 1, 100, 40)
	neg.Finished = true
	assert.ErrorContains(t, Validate([]*trace.Event{neg}), "ends before it starts")
}

type genNode struct {
	ev       *trace.Event
	children []*genNode
}

// genTree generates a properly nested tree in [start, end).
func genTree(r *rand.Rand, tid uint64, start, end trace.Timestamp, depth int, all *[]*genNode) *genNode {
	n := &genNode{ev: op("n", tid, start, end)}
	*all = append(*all, n)
	if depth == 0 || end-start < 4 {
		return n
	}
	t := start + 1
	for t < end-2 && r.Intn(4) != 0 {
		cs := t + trace.Timestamp(r.Intn(int(end-t-1)))
		ce := cs + 1 + trace.Timestamp(r.Intn(int(end-cs-1)))
		if ce >= end {
			break
		}
		n.children = append(n.children, genTree(r, tid, cs, ce, depth-1, all))
		t = ce + 1
	}
	return n
}

func TestBuildTreeReconstructsNesting(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		var all []*genNode
		var start trace.Timestamp
		for tid := uint64(1); tid <= 3; tid++ {
			for i := 0; i < 3; i++ {
				genTree(r, tid, start, start+1000, 4, &all)
				start += 1001
			}
		}

		evs := make([]*trace.Event, len(all))
		for i, n := range all {
			evs[i] = n.ev
		}
		r.Shuffle(len(evs), func(i, j int) { evs[i], evs[j] = evs[j], evs[i] })
		slices.SortStableFunc(evs, func(a, b *trace.Event) int {
			switch {
			case a.Start < b.Start:
				return -1
			case a.Start > b.Start:
				return 1
			default:
				return 0
			}
		})

		BuildTree(evs)
		require.NoError(t, Validate(evs))

		for _, n := range all {
			require.Len(t, n.ev.Children, len(n.children))
			for i, c := range n.children {
				require.Same(t, c.ev, n.ev.Children[i])
			}
		}
	}
}

func TestBuildTreeForwardFrameDoesNotOutliveParent(t *testing.T) {
	fwd := op("forward", 1, 0, 100)
	bwd := op("backward", 2, 10, 20)
	bwd.Fields.(*trace.OpFields).ForwardTID = 1
	later := op("later", 2, 200, 210)
	evs := []*trace.Event{fwd, bwd, later}

	BuildTree(evs)

	assert.Nil(t, later.Parent)
	require.NoError(t, Validate(evs))
}
