package collect

import (
	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/trace"
)

// Call describes an operation invocation at the point where it begins.
type Call struct {
	Name           string
	Scope          trace.Scope
	SequenceNumber int64
	// ForwardTID is the thread that logically submitted the operation, for work that is executed on a different thread
	// than the one that caused it. Zero means none.
	ForwardTID  uint64
	IsAsync     bool
	DebugHandle int64
	AllowTF32   bool
	// Inputs are encoded if the session reports input shapes. See trace.Encoder.Push for the accepted values.
	Inputs []any
}

// ContextProvider captures interpreter-level context of the calling thread.
type ContextProvider interface {
	CallStack() []string
	ModuleHierarchy() string
}

// DeviceTimer records device-side timing markers.
type DeviceTimer interface {
	Record() (trace.DeviceMarker, error)
}

// InterpreterEnter is a call into the interpreter, recorded with RecordInterpreterEnter.
type InterpreterEnter struct {
	Key    uint64
	TID    uint64
	Device activity.DeviceAndResource
	Time   trace.Timestamp
}

// InterpreterTracer traces interpreter-level calls alongside a session.
type InterpreterTracer interface {
	Stop()
	// Events returns the tracer's events. enters are the calls recorded by the session's subqueues, end is the end of
	// the session.
	Events(convert Converter, enters []InterpreterEnter, end trace.Timestamp) []*trace.Event
}

// Hooks connect a session to its environment. All fields are optional.
type Hooks struct {
	Context ContextProvider
	// ExtraArgs returns the arguments of a call that are needed to estimate its FLOPs.
	ExtraArgs func(*Call) map[string]trace.Scalar
	Device    DeviceTimer
	// ThreadID returns the thread that drains the session. External activities without a parent are attributed to it.
	ThreadID func() uint64
}
