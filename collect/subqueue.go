package collect

import (
	"strings"

	"go.uber.org/zap"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/mem"
	"honnef.co/go/opprof/trace"
)

// evaluateFunctionPrefix names the operation the autograd engine records around each backward node it runs.
const evaluateFunctionPrefix = "autograd::engine::evaluate_function: "

type timedAllocation struct {
	start  ApproxTime
	fields trace.AllocationFields
}

type timedOOM struct {
	start  ApproxTime
	fields trace.OOMFields
}

type interpreterCall struct {
	key   uint64
	start ApproxTime
}

// Subqueue is the private event log of one profiled thread. Its methods must only be called by the goroutine that owns
// the thread, with the exception of OpContext.End.
//
// The auxiliary channels (stacks, modules, extraArgs, fallbacks) are aligned with ops by position: when a channel is
// enabled, every operation appends exactly one entry to it.
type Subqueue struct {
	queue  *RecordQueue
	tid    uint64
	device activity.DeviceAndResource
	clock  Clock

	ops    opList
	inputs trace.Encoder

	stacks    mem.BucketSlice[[]string]
	modules   mem.BucketSlice[string]
	extraArgs mem.BucketSlice[map[string]trace.Scalar]
	fallbacks mem.BucketSlice[trace.DeviceFallback]

	allocations      mem.BucketSlice[timedAllocation]
	ooms             mem.BucketSlice[timedOOM]
	backends         mem.BucketSlice[trace.BackendFields]
	interpreterCalls mem.BucketSlice[interpreterCall]
}

func newSubqueue(q *RecordQueue, th *Thread) *Subqueue {
	sq := &Subqueue{
		queue: q,
		tid:   th.ID,
		clock: th.Clock,
	}
	if sq.clock == nil {
		sq.clock = q.clock
	}
	if q.collector != nil {
		sq.device = q.collector.RecordThread(th.ID)
	}
	return sq
}

func (sq *Subqueue) TID() uint64 { return sq.tid }

// OpContext is the handle of an operation that has begun.
type OpContext struct {
	sq            *Subqueue
	ev            *opEvent
	fallback      *trace.DeviceFallback
	correlationID uint64
	user          bool
}

// CorrelationID returns the ID that pairs the operation with the external collector's activities.
func (c *OpContext) CorrelationID() uint64 {
	if c == nil {
		return 0
	}
	return c.correlationID
}

// BeginOp records the start of an operation. It returns nil if the session has been stopped. The operation's end
// stays unset unless End is called on the returned context.
func (sq *Subqueue) BeginOp(call Call) *OpContext {
	q := sq.queue
	if q.stopped.Load() {
		return nil
	}
	cfg := &q.config

	ev, correlationID := sq.ops.grow()
	ev.OpBasics = trace.OpBasics{
		SequenceNumber: call.SequenceNumber,
		ForwardTID:     call.ForwardTID,
		Scope:          call.Scope,
		IsAsync:        call.IsAsync,
		DebugHandle:    call.DebugHandle,
		Name:           call.Name,
	}
	if cfg.ReportInputShapes {
		sq.inputs.Push(call.Inputs)
	}

	user := call.Scope == trace.ScopeUser
	if q.collector != nil {
		q.collector.PushCorrelationID(correlationID, user)
	}

	// Backward nodes don't have an interpreter context of their own; their source is that of the forward call. They
	// still get an empty entry so that the channels stay aligned.
	backward := call.Scope == trace.ScopeBackwardFunction
	ctxp := q.hooks.Context
	if cfg.WithStack {
		var stack []string
		if !backward && ctxp != nil {
			stack = ctxp.CallStack()
		}
		sq.stacks.Append(stack)
	}
	if cfg.WithModules {
		var module string
		if !backward && ctxp != nil {
			module = ctxp.ModuleHierarchy()
		}
		sq.modules.Append(module)
	}
	if cfg.WithFlops {
		var args map[string]trace.Scalar
		if q.hooks.ExtraArgs != nil {
			args = q.hooks.ExtraArgs(&call)
		}
		sq.extraArgs.Append(args)
	}

	ctx := &OpContext{sq: sq, ev: ev, correlationID: correlationID, user: user}
	if cfg.State == StateKinetoGPUFallback {
		ctx.fallback = sq.fallbacks.Grow()
		if q.hooks.Device != nil {
			m, err := q.hooks.Device.Record()
			if err != nil {
				q.log.Warn("failed to record device event", zap.String("op", call.Name), zap.Error(err))
			} else {
				ctx.fallback.Start = m
			}
		}
	}

	ev.start = sq.clock.Now()
	ev.allowTF32 = call.AllowTF32
	return ctx
}

// End records the end of the operation, on thread tid. It is safe to call on a nil context.
func (c *OpContext) End(tid uint64) {
	if c == nil {
		return
	}
	q := c.sq.queue
	c.ev.end = c.sq.clock.Now()
	c.ev.EndTID = tid

	if c.fallback != nil && c.fallback.Start != nil {
		m, err := q.hooks.Device.Record()
		if err != nil {
			q.log.Warn("failed to record device event", zap.String("op", c.ev.Name), zap.Error(err))
		} else {
			c.fallback.End = m
		}
	}

	if q.collector != nil {
		q.collector.PopCorrelationID(c.user)
	}
}

// RecordAllocation records an allocation, or a free if f.AllocSize is negative. Nothing is recorded unless the
// session profiles memory.
func (sq *Subqueue) RecordAllocation(f trace.AllocationFields) {
	if !sq.queue.config.ProfileMemory || sq.queue.stopped.Load() {
		return
	}
	f.ID.Reset()
	sq.allocations.Append(timedAllocation{start: sq.clock.Now(), fields: f})
}

func (sq *Subqueue) RecordOutOfMemory(f trace.OOMFields) {
	if !sq.queue.config.ProfileMemory || sq.queue.stopped.Load() {
		return
	}
	sq.ooms.Append(timedOOM{start: sq.clock.Now(), fields: f})
}

// RecordBackend records an operation that ran in another backend, which reports its own wall-clock times.
func (sq *Subqueue) RecordBackend(f trace.BackendFields) {
	if sq.queue.stopped.Load() {
		return
	}
	sq.backends.Append(f)
}

// RecordInterpreterEnter records that the thread called into the interpreter. key identifies the call for the
// interpreter tracer.
func (sq *Subqueue) RecordInterpreterEnter(key uint64) {
	if sq.queue.stopped.Load() {
		return
	}
	sq.interpreterCalls.Append(interpreterCall{key: key, start: sq.clock.Now()})
}

func stealOrDefault[T any](s *mem.BucketSlice[T], i int) T {
	if i < s.Len() {
		return s.Get(i)
	}
	return *new(T)
}

// materialize converts the subqueue's records to events, appends them to out and empties the subqueue. Interpreter
// calls are appended to enters.
func (sq *Subqueue) materialize(out []*trace.Event, convert Converter, enters []InterpreterEnter) ([]*trace.Event, []InterpreterEnter) {
	ops := &sq.ops
	for i := 0; i+1 < ops.len(); i++ {
		first, second := ops.at(i), ops.at(i+1)
		// The engine runs backward nodes from its own threads. Attribute the enclosing evaluate_function to the node.
		if first.Scope == trace.ScopeFunction &&
			second.Scope == trace.ScopeBackwardFunction &&
			strings.HasPrefix(first.Name, evaluateFunctionPrefix) {
			first.SequenceNumber = second.SequenceNumber
			first.ForwardTID = second.ForwardTID
		}
	}

	fallback := sq.queue.config.State == StateKinetoGPUFallback
	inputs := sq.inputs.Cursor()
	for i := 0; i < ops.len(); i++ {
		op := ops.at(i)
		f := &trace.OpFields{
			OpBasics:      op.OpBasics,
			CorrelationID: ops.correlationID(i),
			End:           convert.convert(op.end),
			Stack:         stealOrDefault(&sq.stacks, i),
			Module:        stealOrDefault(&sq.modules, i),
			ExtraArgs:     stealOrDefault(&sq.extraArgs, i),
			AllowTF32:     op.allowTF32,
		}
		if !inputs.Done() {
			f.Inputs = inputs.Next()
		}
		if fallback {
			if fb := stealOrDefault(&sq.fallbacks, i); fb.Start != nil {
				f.Fallback = &fb
			}
		}
		out = append(out, trace.New(convert.convert(op.start), sq.tid, sq.device, f))
	}

	for i := 0; i < sq.backends.Len(); i++ {
		f := sq.backends.Get(i)
		out = append(out, trace.New(trace.Timestamp(f.StartUS*1000), sq.tid, sq.device, &f))
	}
	for i := 0; i < sq.allocations.Len(); i++ {
		a := sq.allocations.Get(i)
		out = append(out, trace.New(convert.convert(a.start), sq.tid, sq.device, &a.fields))
	}
	for i := 0; i < sq.ooms.Len(); i++ {
		o := sq.ooms.Get(i)
		out = append(out, trace.New(convert.convert(o.start), sq.tid, sq.device, &o.fields))
	}
	for i := 0; i < sq.interpreterCalls.Len(); i++ {
		c := sq.interpreterCalls.Get(i)
		enters = append(enters, InterpreterEnter{Key: c.key, TID: sq.tid, Device: sq.device, Time: convert.convert(c.start)})
	}

	sq.ops.reset()
	sq.inputs.Reset()
	sq.stacks.Reset()
	sq.modules.Reset()
	sq.extraArgs.Reset()
	sq.fallbacks.Reset()
	sq.allocations.Reset()
	sq.ooms.Reset()
	sq.backends.Reset()
	sq.interpreterCalls.Reset()
	return out, enters
}
