package collect

import (
	"cmp"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/mysync"
	"honnef.co/go/opprof/trace"
	"honnef.co/go/opprof/trace/ptrace"
)

// sessionCounter gives every RecordQueue a process-wide unique ID. Zero is never used.
var sessionCounter atomic.Uint32

// Thread is the state of one profiled thread. It must only be used by the goroutine that represents the thread.
type Thread struct {
	ID uint64
	// Clock is the clock of the thread's subqueues. If nil, the session's clock is used.
	Clock Clock

	// cache is the subqueue the thread last resolved. It is only valid if session matches the ID of the session asking.
	cache struct {
		session uint32
		sq      *Subqueue
	}
}

func NewThread(id uint64) *Thread {
	return &Thread{ID: id}
}

// RecordQueue is a profiling session.
type RecordQueue struct {
	id         uint32
	config     Config
	activities []ActivityType
	log        *zap.Logger
	collector  activity.Collector
	hooks      Hooks
	clock      Clock
	tracer     InterpreterTracer

	stopped   atomic.Bool
	subqueues *mysync.Mutex[map[uint64]*Subqueue]
}

type Option func(q *RecordQueue)

func WithLogger(log *zap.Logger) Option {
	return func(q *RecordQueue) { q.log = log }
}

// WithCollector sets the external activity collector. Without one, the session records profiler events only.
func WithCollector(c activity.Collector) Option {
	return func(q *RecordQueue) { q.collector = c }
}

func WithHooks(h Hooks) Option {
	return func(q *RecordQueue) { q.hooks = h }
}

// WithInterpreterTracer sets the interpreter tracer. It is only used if the session records stacks and CPU activity.
func WithInterpreterTracer(t InterpreterTracer) Option {
	return func(q *RecordQueue) { q.tracer = t }
}

// WithClock sets the session clock, used by threads that don't have their own. It defaults to a MonotonicClock.
func WithClock(c Clock) Option {
	return func(q *RecordQueue) { q.clock = c }
}

func New(config Config, activities []ActivityType, opts ...Option) *RecordQueue {
	q := &RecordQueue{
		id:         sessionCounter.Add(1),
		config:     config,
		activities: activities,
		subqueues:  mysync.NewMutex(map[uint64]*Subqueue{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	if q.clock == nil {
		q.clock = NewMonotonicClock()
	}
	if !q.traceInterpreter() {
		q.tracer = nil
	}
	return q
}

func (q *RecordQueue) ID() uint32 { return q.id }

func (q *RecordQueue) Config() Config { return q.config }

func (q *RecordQueue) traceInterpreter() bool {
	return q.config.WithStack && slices.Contains(q.activities, ActivityCPU)
}

// Subqueue returns the subqueue of th, creating it on first use.
func (q *RecordQueue) Subqueue(th *Thread) *Subqueue {
	// Threads overwhelmingly keep calling into the same session, so we skip the directory and its lock when we can.
	if th.cache.session == q.id {
		return th.cache.sq
	}

	subqueues, u := q.subqueues.Lock()
	sq, ok := subqueues[th.ID]
	if !ok {
		sq = newSubqueue(q, th)
		subqueues[th.ID] = sq
	}
	u.Unlock()

	th.cache.session = q.id
	th.cache.sq = sq
	return sq
}

// Stop stops accepting new events and stops the interpreter tracer. Operations that have begun can still end.
func (q *RecordQueue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	if q.tracer != nil {
		q.tracer.Stop()
	}
}

// GetRecords drains all subqueues and returns the events of the session as a forest, together with the external
// collector's trace, if it was merged. startUS and endUS delimit the session in microseconds of the converted
// timebase. All goroutines recording events must have quiesced. GetRecords stops the session if it hasn't been stopped
// yet.
func (q *RecordQueue) GetRecords(convert Converter, startUS, endUS int64) ([]*trace.Event, activity.Trace) {
	q.Stop()

	var out []*trace.Event
	var enters []InterpreterEnter
	// Materializing empties the subqueues but leaves the directory alone.
	subqueues, u := q.subqueues.RLock()
	tids := make([]uint64, 0, len(subqueues))
	for tid := range subqueues {
		tids = append(tids, tid)
	}
	slices.Sort(tids)
	for _, tid := range tids {
		out, enters = subqueues[tid].materialize(out, convert, enters)
	}
	u.RUnlock()

	if q.tracer != nil {
		out = append(out, q.tracer.Events(convert, enters, trace.Timestamp(endUS*1000))...)
		q.tracer = nil
	}

	out, tr := q.addExternalEvents(out, startUS, endUS)

	slices.SortStableFunc(out, func(a, b *trace.Event) int {
		return cmp.Compare(a.Start, b.Start)
	})

	if q.config.ReportInputShapes && q.config.ProfileMemory {
		ptrace.CalculateUniqueTensorIDs(out)
	}

	ptrace.BuildTree(out)
	return out, tr
}

// addExternalEvents hands the events to the collector and merges the collector's trace into them.
func (q *RecordQueue) addExternalEvents(out []*trace.Event, startUS, endUS int64) ([]*trace.Event, activity.Trace) {
	if q.collector == nil {
		return out, nil
	}

	cpu := activity.NewCPUTrace(startUS, "opprof")
	known := make(map[*activity.Activity]*trace.Event, len(out))
	for i, ev := range out {
		start := int64(ev.Start / 1000)
		end := int64(ev.EndTime() / 1000)
		if end < start {
			end = start
		}
		a := cpu.AddCPUActivity(ev.Name(), ev.ActivityType(), ev.Device, ev.CorrelationID(), start, end)
		activity.SetIndex(a, i)
		known[a] = ev
	}
	q.collector.Transfer(cpu, endUS)

	// In on-demand mode the collector is driven by someone else, who also consumes its trace.
	if q.config.Global() {
		return out, nil
	}

	tr, err := q.collector.Stop()
	if err != nil {
		q.log.Error("failed to stop the activity collector; its trace won't be merged", zap.Error(err))
		return out, nil
	}

	var tid uint64
	if q.hooks.ThreadID != nil {
		tid = q.hooks.ThreadID()
	}
	return ptrace.Transfer(out, tr, known, tid, q.log), tr
}
