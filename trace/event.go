// Package trace defines the events recorded by the profiler and the compact encoding of operator inputs.
//
// An Event is a node of the reconstructed call tree. Its payload is one of a closed set of field types, dispatched
// with a type switch; see Fields.
package trace

import (
	"fmt"
	"math"

	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/container"
)

// Timestamp is a wall clock time in nanoseconds.
type Timestamp int64

// Unset marks an end time that hasn't been recorded.
const Unset Timestamp = math.MinInt64

// NoTID is the thread ID of external events before it has been inherited from their ancestors.
const NoTID = math.MaxUint64

type Kind uint8

const (
	KindOperation Kind = iota
	KindBackend
	KindAllocation
	KindOutOfMemory
	KindExternal
	KindInterpreterCall
	KindInterpreterCCall
)

func (k Kind) String() string {
	switch k {
	case KindOperation:
		return "operation"
	case KindBackend:
		return "backend"
	case KindAllocation:
		return "allocation"
	case KindOutOfMemory:
		return "out of memory"
	case KindExternal:
		return "external"
	case KindInterpreterCall:
		return "interpreter call"
	case KindInterpreterCCall:
		return "interpreter C call"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Scope is the kind of call site that produced an operation.
type Scope uint8

const (
	ScopeFunction Scope = iota
	ScopeBackwardFunction
	ScopeTorchScriptFunction
	ScopeKernelFunctionDtype
	ScopeCustomClass
	ScopeBuildFeature
	ScopeLiteInterpreter
	ScopeUser
	ScopeStaticRuntimeOp
	ScopeStaticRuntimeModel
)

type DeviceType int8

const (
	DeviceCPU DeviceType = iota
	DeviceCUDA
)

func (d DeviceType) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	default:
		return fmt.Sprintf("DeviceType(%d)", int8(d))
	}
}

// TensorID identifies a unique data buffer across its lifetime.
type TensorID uint64

// Fields is the kind-specific payload of an Event. It is implemented by exactly the field types in this package.
type Fields interface {
	Kind() Kind
	isFields()
}

// DeviceMarker is an opaque handle to a device-side timing event.
type DeviceMarker any

// DeviceFallback holds device timing markers recorded around an operation when the external collector isn't
// available.
type DeviceFallback struct {
	Start DeviceMarker
	End   DeviceMarker
}

// OpBasics are the fields recorded on the hot path when an operation begins.
type OpBasics struct {
	SequenceNumber int64
	ForwardTID     uint64
	Scope          Scope
	IsAsync        bool
	DebugHandle    int64
	Name           string
	EndTID         uint64
}

type OpFields struct {
	OpBasics
	CorrelationID uint64
	End           Timestamp
	Inputs        Inputs
	Stack         []string
	Module        string
	ExtraArgs     map[string]Scalar
	Fallback      *DeviceFallback
	AllowTF32     bool
}

type BackendFields struct {
	StartUS     int64
	EndUS       int64
	DebugHandle int64
	Scope       Scope
	Name        string
	Backend     string
	Inputs      Inputs
}

type AllocationFields struct {
	Ptr            uint64
	ID             container.Option[TensorID]
	AllocSize      int64
	TotalAllocated int64
	TotalReserved  int64
	DeviceType     DeviceType
	DeviceIndex    int8
}

// Free reports whether the record describes a deallocation.
func (a *AllocationFields) Free() bool { return a.AllocSize < 0 }

type OOMFields struct {
	AllocSize      int64
	TotalAllocated int64
	TotalReserved  int64
	DeviceType     DeviceType
	DeviceIndex    int8
}

// ExternalFields describe an activity that was recorded by the external collector and couldn't be matched to a
// profiler event.
type ExternalFields struct {
	Name          string
	DurationUS    int64
	CorrelationID uint64
	Type          activity.Type
	Flow          activity.Flow
	// Linked is the event of the activity's linked activity, if any.
	Linked *Event
}

type Callsite struct {
	Filename string
	Line     int
	Funcname string
}

type ModuleInfo struct {
	ClassName string
	ID        uint64
}

type InterpreterCallFields struct {
	End      Timestamp
	Callsite Callsite
	Module   container.Option[ModuleInfo]
}

type InterpreterCCallFields struct {
	End          Timestamp
	FunctionName string
}

func (*OpFields) Kind() Kind               { return KindOperation }
func (*BackendFields) Kind() Kind          { return KindBackend }
func (*AllocationFields) Kind() Kind       { return KindAllocation }
func (*OOMFields) Kind() Kind              { return KindOutOfMemory }
func (*ExternalFields) Kind() Kind         { return KindExternal }
func (*InterpreterCallFields) Kind() Kind  { return KindInterpreterCall }
func (*InterpreterCCallFields) Kind() Kind { return KindInterpreterCCall }

func (*OpFields) isFields()               {}
func (*BackendFields) isFields()          {}
func (*AllocationFields) isFields()       {}
func (*OOMFields) isFields()              {}
func (*ExternalFields) isFields()         {}
func (*InterpreterCallFields) isFields()  {}
func (*InterpreterCCallFields) isFields() {}

// Event is a single profiled event and, after tree construction, a node of the call tree.
type Event struct {
	Start    Timestamp
	StartTID uint64
	Device   activity.DeviceAndResource
	Fields   Fields

	// Parent doesn't own the parent event; Children is the ownership path from roots to leaves. Children are in
	// discovery order.
	Parent   *Event
	Children []*Event
	// Finished is set once the event's end time is frozen and it can no longer receive children.
	Finished bool
	// Activity is the external activity that describes this event, if one could be reassociated.
	Activity *activity.Activity
}

func New(start Timestamp, tid uint64, dev activity.DeviceAndResource, fields Fields) *Event {
	return &Event{
		Start:    start,
		StartTID: tid,
		Device:   dev,
		Fields:   fields,
	}
}

func unknownFields(f Fields) string {
	return fmt.Sprintf("unexpected event fields %T", f)
}

//gcassert:inline
func (ev *Event) Kind() Kind { return ev.Fields.Kind() }

func (ev *Event) Name() string {
	switch f := ev.Fields.(type) {
	case *OpFields:
		return f.Name
	case *BackendFields:
		return f.Name
	case *AllocationFields:
		return "[memory]"
	case *OOMFields:
		return "[OutOfMemory]"
	case *ExternalFields:
		return f.Name
	case *InterpreterCallFields:
		if m, ok := f.Module.Get(); ok {
			return fmt.Sprintf("nn.Module: %s_%d", m.ClassName, m.ID)
		}
		return fmt.Sprintf("%s(%d): %s", f.Callsite.Filename, f.Callsite.Line, f.Callsite.Funcname)
	case *InterpreterCCallFields:
		return f.FunctionName
	default:
		panic(unknownFields(f))
	}
}

func scopeToType(scope Scope) activity.Type {
	if scope == ScopeUser {
		return activity.TypeUserAnnotation
	}
	return activity.TypeCPUOp
}

// ActivityType returns the type under which the event is handed to the external collector.
func (ev *Event) ActivityType() activity.Type {
	switch f := ev.Fields.(type) {
	case *OpFields:
		return scopeToType(f.Scope)
	case *BackendFields:
		return scopeToType(f.Scope)
	case *AllocationFields, *OOMFields:
		return activity.TypeCPUInstantEvent
	case *InterpreterCallFields, *InterpreterCCallFields:
		return activity.TypePythonFunction
	case *ExternalFields:
		return f.Type
	default:
		panic(unknownFields(f))
	}
}

func (ev *Event) CorrelationID() uint64 {
	switch f := ev.Fields.(type) {
	case *OpFields:
		return f.CorrelationID
	case *ExternalFields:
		if f.CorrelationID != 0 {
			return f.CorrelationID
		}
		if ev.Parent != nil {
			return ev.Parent.CorrelationID()
		}
		return 0
	case *BackendFields, *AllocationFields, *OOMFields, *InterpreterCallFields, *InterpreterCCallFields:
		return 0
	default:
		panic(unknownFields(f))
	}
}

// EndTime returns the event's end time. Operations that never recorded an end borrow their parent's end time once
// they are finished, which means that EndTime may not be meaningful until tree construction has completed. A finished
// event whose end is still unresolved, such as an open-ended root, reports its start time as its end. Recorded ends are
// returned as is, even if they precede the start.
func (ev *Event) EndTime() Timestamp {
	end := ev.resolvedEnd()
	if ev.Finished && end == Unset {
		return ev.Start
	}
	return end
}

// resolvedEnd returns the recorded or inherited end time, or Unset if there is none.
func (ev *Event) resolvedEnd() Timestamp {
	switch f := ev.Fields.(type) {
	case *OpFields:
		if f.End == Unset && ev.Finished && ev.Parent != nil {
			return ev.Parent.resolvedEnd()
		}
		return f.End
	case *BackendFields:
		return Timestamp(f.EndUS * 1000)
	case *AllocationFields, *OOMFields:
		return ev.Start
	case *ExternalFields:
		return ev.Start + Timestamp(f.DurationUS*1000)
	case *InterpreterCallFields:
		return f.End
	case *InterpreterCCallFields:
		return f.End
	default:
		panic(unknownFields(f))
	}
}

// EndTID returns the thread on which the event ended.
func (ev *Event) EndTID() uint64 {
	if f, ok := ev.Fields.(*OpFields); ok {
		return f.EndTID
	}
	return ev.StartTID
}

func (ev *Event) DeviceType() DeviceType {
	switch f := ev.Fields.(type) {
	case *AllocationFields:
		return f.DeviceType
	case *OOMFields:
		return f.DeviceType
	case *ExternalFields:
		if f.Type.OnDevice() {
			return DeviceCUDA
		}
		return DeviceCPU
	case *OpFields, *BackendFields, *InterpreterCallFields, *InterpreterCCallFields:
		return DeviceCPU
	default:
		panic(unknownFields(f))
	}
}

//gcassert:inline
func (ev *Event) Duration() Timestamp {
	return ev.EndTime() - ev.Start
}

func (ev *Event) String() string {
	return fmt.Sprintf("%s %q [%d, %d] tid=%d", ev.Kind(), ev.Name(), ev.Start, ev.EndTime(), ev.StartTID)
}
