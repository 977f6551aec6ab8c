package main

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/collect"
	"honnef.co/go/opprof/trace"
)

var errStopped = errors.New("session stopped during replay")

// replayClock reports the time of the action being replayed.
type replayClock struct {
	now collect.ApproxTime
}

func (c *replayClock) Now() collect.ApproxTime { return c.now }

func identity(t collect.ApproxTime) trace.Timestamp { return trace.Timestamp(t) }

type actionKind uint8

const (
	actionBegin actionKind = iota
	actionEnd
	actionAlloc
)

type action struct {
	at    int64
	kind  actionKind
	op    *Op
	alloc *Allocation
}

// schedule flattens a thread's operations and allocations into the order in which they happened.
func schedule(th *Thread) []action {
	var out []action
	var walk func(op *Op)
	walk = func(op *Op) {
		out = append(out, action{at: op.Start, kind: actionBegin, op: op})
		for i := range op.Children {
			walk(&op.Children[i])
		}
		if op.End != nil {
			out = append(out, action{at: *op.End, kind: actionEnd, op: op})
		}
	}
	for i := range th.Ops {
		walk(&th.Ops[i])
	}
	for i := range th.Allocations {
		a := &th.Allocations[i]
		out = append(out, action{at: a.At, kind: actionAlloc, alloc: a})
	}
	slices.SortStableFunc(out, func(a, b action) int {
		switch {
		case a.at < b.at:
			return -1
		case a.at > b.at:
			return 1
		default:
			return 0
		}
	})
	return out
}

type replayer struct {
	q *collect.RecordQueue
	// collector receives the device activities of the workload. It may be nil.
	collector *activity.Memory
	flowIDs   atomic.Uint32
}

// Replay replays every thread of w on its own goroutine.
func (r *replayer) Replay(ctx context.Context, w *Workload) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.Threads {
		th := &w.Threads[i]
		g.Go(func() error {
			return r.replayThread(ctx, th)
		})
	}
	return g.Wait()
}

func (r *replayer) replayThread(ctx context.Context, th *Thread) error {
	clock := &replayClock{}
	t := collect.NewThread(th.TID)
	t.Clock = clock

	open := map[*Op]*collect.OpContext{}
	for i, a := range schedule(th) {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		clock.now = collect.ApproxTime(a.at)
		sq := r.q.Subqueue(t)
		switch a.kind {
		case actionBegin:
			inputs := make([]any, len(a.op.Inputs))
			for j, in := range a.op.Inputs {
				inputs[j] = in.value()
			}
			oc := sq.BeginOp(collect.Call{
				Name:           a.op.Name,
				Scope:          scopes[a.op.Scope],
				SequenceNumber: a.op.Seq,
				ForwardTID:     a.op.ForwardTID,
				Inputs:         inputs,
			})
			if oc == nil {
				return errStopped
			}
			open[a.op] = oc
			for _, k := range a.op.Kernels {
				r.launch(oc.CorrelationID(), k)
			}
		case actionEnd:
			open[a.op].End(th.TID)
			delete(open, a.op)
		case actionAlloc:
			if a.alloc.OOM {
				sq.RecordOutOfMemory(trace.OOMFields{AllocSize: a.alloc.Size})
			} else {
				sq.RecordAllocation(trace.AllocationFields{Ptr: a.alloc.Ptr, AllocSize: a.alloc.Size})
			}
		}
	}
	return nil
}

// launch records a kernel the way a device-side collector would: a runtime call that starts a flow, and the kernel
// continuing it.
func (r *replayer) launch(correlationID uint64, k Kernel) {
	if r.collector == nil {
		return
	}
	var flow activity.Flow
	if k.LaunchUS != 0 {
		flow = activity.Flow{ID: r.flowIDs.Add(1), Type: activity.LinkAsyncCPUGPU}
		start := flow
		start.Start = true
		r.collector.Add(&activity.Activity{
			Name:          "cudaLaunchKernel",
			Type:          activity.TypeCUDARuntime,
			Timestamp:     k.LaunchUS,
			CorrelationID: int64(correlationID),
			Flow:          start,
		})
	}
	r.collector.Add(&activity.Activity{
		Name:          k.Name,
		Type:          activity.TypeConcurrentKernel,
		Timestamp:     k.StartUS,
		Duration:      k.DurationUS,
		CorrelationID: int64(correlationID),
		Flow:          flow,
		DeviceID:      0,
		ResourceID:    7,
	})
}

// bounds returns the first and last timestamp of the workload, in microseconds.
func bounds(w *Workload) (startUS, endUS int64) {
	first := true
	see := func(ns int64) {
		us := ns / 1000
		if first || us < startUS {
			startUS = us
		}
		if first || us > endUS {
			endUS = us
		}
		first = false
	}
	var walk func(op *Op)
	walk = func(op *Op) {
		see(op.Start)
		if op.End != nil {
			see(*op.End)
		}
		for _, k := range op.Kernels {
			see((k.StartUS + k.DurationUS) * 1000)
		}
		for i := range op.Children {
			walk(&op.Children[i])
		}
	}
	for i := range w.Threads {
		for j := range w.Threads[i].Ops {
			walk(&w.Threads[i].Ops[j])
		}
		for _, a := range w.Threads[i].Allocations {
			see(a.At)
		}
	}
	return startUS, endUS
}
