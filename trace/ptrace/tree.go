package ptrace

import (
	"fmt"

	"golang.org/x/exp/slices"

	"honnef.co/go/opprof/container"
	"honnef.co/go/opprof/trace"
)

// BuildTree nests events into call trees by replaying their starts, in order, against a queue of pending ends.
// events must be stably sorted by start time. Events that already have a parent, because the external trace
// described their lineage, are left alone.
func BuildTree(events []*trace.Event) {
	b := treeBuilder{
		stacks: map[uint64]*trace.Event{},
		ends: container.NewHeap(func(a, b *trace.Event) bool {
			return a.EndTime() < b.EndTime()
		}),
	}

	for _, ev := range events {
		// A frame that ends before this event starts can't be its parent.
		for b.ends.Len() > 0 && b.ends.Peek().EndTime() < ev.Start {
			b.pop(b.ends.Pop())
		}
		b.push(ev)
	}

	for b.ends.Len() > 0 {
		b.pop(b.ends.Pop())
	}
	b.closeOpenFrames()

	if debug {
		if err := Validate(events); err != nil {
			panic(err)
		}
	}
}

type treeBuilder struct {
	// stacks maps a thread ID to its innermost open frame.
	stacks map[uint64]*trace.Event
	ends   *container.Heap[*trace.Event]
}

func (b *treeBuilder) push(ev *trace.Event) {
	if _, ok := ev.Fields.(*trace.ExternalFields); ok && ev.Finished {
		// Subtrees built from correlation IDs and flows are already final. Their roots aren't external events and get
		// placed normally.
		return
	}

	if ev.Parent != nil {
		panic(fmt.Sprintf("event already has a parent: %s", ev))
	}
	if ev.Finished {
		panic(fmt.Sprintf("event already finished: %s", ev))
	}
	for _, c := range ev.Children {
		if !c.Finished {
			panic(fmt.Sprintf("unfinished child %s of %s", c, ev))
		}
	}

	parent, ok := b.open(ev.StartTID)
	if !ok {
		if f, isOp := ev.Fields.(*trace.OpFields); isOp && f.ForwardTID != 0 {
			parent, ok = b.open(f.ForwardTID)
		}
	}
	if ok {
		ev.Parent = parent
		parent.Children = append(parent.Children, ev)
	}

	switch end := ev.EndTime(); {
	case end > ev.Start:
		b.stacks[ev.StartTID] = ev
		b.ends.Push(ev)
	case end == trace.Unset:
		// The event has no recorded end. Keep it open to receive children; its end will be inherited from its parent
		// once it is finished.
		b.stacks[ev.StartTID] = ev
	default:
		markFinished(ev)
	}
}

// open returns the innermost open frame of a thread. A thread can be left pointing at a finished frame that it borrowed
// from its forward thread; such frames are discarded.
func (b *treeBuilder) open(tid uint64) (*trace.Event, bool) {
	frame, ok := b.stacks[tid]
	if ok && frame.Finished {
		delete(b.stacks, tid)
		return nil, false
	}
	return frame, ok
}

func (b *treeBuilder) pop(ev *trace.Event) {
	if ev.Finished {
		// Finished by an earlier pop that unwound past it.
		return
	}

	tid := ev.StartTID
	frame, ok := b.stacks[tid]
	if !ok {
		panic(fmt.Sprintf("no open frame on thread %d while closing %s", tid, ev))
	}
	for frame != ev {
		if frame == nil {
			panic(fmt.Sprintf("%s is not on the stack of thread %d", ev, tid))
		}
		markFinished(frame)
		frame = frame.Parent
	}

	markFinished(ev)
	delete(b.stacks, tid)
	if ev.Parent != nil {
		b.stacks[tid] = ev.Parent
	}
}

// closeOpenFrames finishes frames that had no recorded end and thus were never queued.
func (b *treeBuilder) closeOpenFrames() {
	tids := make([]uint64, 0, len(b.stacks))
	for tid := range b.stacks {
		tids = append(tids, tid)
	}
	slices.Sort(tids)
	for _, tid := range tids {
		for frame := b.stacks[tid]; frame != nil && !frame.Finished; frame = frame.Parent {
			markFinished(frame)
		}
		delete(b.stacks, tid)
	}
}
