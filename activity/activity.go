// Package activity describes the contract between the profiler and an external activity collector: a tracer that
// independently records device-side and asynchronous runtime work and correlates it with profiler events through
// correlation IDs, linked activities and flows.
package activity

import (
	"fmt"
	"strings"
	"sync"
)

type Type uint8

const (
	TypeCPUOp Type = iota
	TypeUserAnnotation
	TypeGPUUserAnnotation
	TypeGPUMemcpy
	TypeGPUMemset
	TypeConcurrentKernel
	TypeExternalCorrelation
	TypeCUDARuntime
	TypeCUDADriver
	TypeCPUInstantEvent
	TypePythonFunction
	TypeOverhead
	TypeLast
)

var typeNames = [TypeLast]string{
	TypeCPUOp:               "cpu_op",
	TypeUserAnnotation:      "user_annotation",
	TypeGPUUserAnnotation:   "gpu_user_annotation",
	TypeGPUMemcpy:           "gpu_memcpy",
	TypeGPUMemset:           "gpu_memset",
	TypeConcurrentKernel:    "kernel",
	TypeExternalCorrelation: "external_correlation",
	TypeCUDARuntime:         "cuda_runtime",
	TypeCUDADriver:          "cuda_driver",
	TypeCPUInstantEvent:     "cpu_instant_event",
	TypePythonFunction:      "python_function",
	TypeOverhead:            "overhead",
}

func (typ Type) String() string {
	if typ < TypeLast {
		return typeNames[typ]
	}
	return fmt.Sprintf("Type(%d)", uint8(typ))
}

// CPUSide reports whether activities of this type are produced by the profiler itself and handed to the collector,
// as opposed to being recorded by the collector.
func (typ Type) CPUSide() bool {
	switch typ {
	case TypeCPUOp, TypeCPUInstantEvent, TypeUserAnnotation, TypePythonFunction:
		return true
	default:
		return false
	}
}

// OnDevice reports whether activities of this type execute on an accelerator.
func (typ Type) OnDevice() bool {
	switch typ {
	case TypeGPUMemcpy, TypeGPUMemset, TypeConcurrentKernel, TypeGPUUserAnnotation:
		return true
	default:
		return false
	}
}

// Flow types.
const (
	LinkFwdBwd      uint32 = 1
	LinkAsyncCPUGPU uint32 = 2
)

// Flow marks an activity as the start or a continuation of an asynchronous causality chain.
type Flow struct {
	ID    uint32
	Type  uint32
	Start bool
}

type DeviceAndResource struct {
	Device   int32
	Resource int32
}

// Activity is a single record of an external trace. Timestamp and Duration are in microseconds.
type Activity struct {
	Name          string
	Type          Type
	Timestamp     int64
	Duration      int64
	CorrelationID int64
	Flow          Flow
	// Linked is the collector-reported causal predecessor, if any.
	Linked     *Activity
	DeviceID   int64
	ResourceID int64
	// Metadata is a JSON object fragment of the form `"key": value, "key2": value2`.
	Metadata string
}

// Trace is an external trace, as returned by a collector at the end of a session.
type Trace interface {
	Activities() []*Activity
}

// Collector is the external activity collector.
type Collector interface {
	// RecordThread registers a profiled thread and returns its locator.
	RecordThread(tid uint64) DeviceAndResource
	// PushCorrelationID and PopCorrelationID bracket the execution of a profiled operation. User-scope operations use a
	// separate stack.
	PushCorrelationID(id uint64, user bool)
	PopCorrelationID(user bool)
	// Transfer hands the profiler's own events to the collector.
	Transfer(cpu *CPUTrace, endUS int64)
	// Stop ends collection and returns the trace.
	Stop() (Trace, error)
}

// CPUTrace accumulates activities describing the profiler's own events.
type CPUTrace struct {
	Name    string
	StartUS int64
	EndUS   int64

	activities []*Activity
}

func NewCPUTrace(startUS int64, name string) *CPUTrace {
	return &CPUTrace{Name: name, StartUS: startUS}
}

func (t *CPUTrace) AddCPUActivity(name string, typ Type, dev DeviceAndResource, correlationID uint64, startUS, endUS int64) *Activity {
	a := &Activity{
		Name:          name,
		Type:          typ,
		Timestamp:     startUS,
		Duration:      endUS - startUS,
		CorrelationID: int64(correlationID),
		DeviceID:      int64(dev.Device),
		ResourceID:    int64(dev.Resource),
	}
	t.activities = append(t.activities, a)
	return a
}

func (t *CPUTrace) Activities() []*Activity { return t.activities }

// AddMetadata appends a key to the activity's metadata. value must already be valid JSON.
func AddMetadata(a *Activity, key, value string) {
	var sb strings.Builder
	sb.Grow(len(a.Metadata) + len(key) + len(value) + 6)
	sb.WriteString(a.Metadata)
	if a.Metadata != "" {
		sb.WriteString(", ")
	}
	sb.WriteByte('"')
	sb.WriteString(key)
	sb.WriteString(`": `)
	sb.WriteString(value)
	a.Metadata = sb.String()
}

// Memory is an in-process Collector. Device-side activities are added with Add; at Stop, activities without a linked
// activity are linked to the profiler activity that carries the same correlation ID.
type Memory struct {
	// CopyActivities makes Stop return copies of the transferred CPU activities instead of the originals, like
	// collectors that don't maintain address stability.
	CopyActivities bool

	mu      sync.Mutex
	cpu     []*Activity
	device  []*Activity
	threads map[uint64]DeviceAndResource
	pid     int32
	stopped bool
}

func NewMemory(pid int32) *Memory {
	return &Memory{pid: pid, threads: map[uint64]DeviceAndResource{}}
}

func (m *Memory) RecordThread(tid uint64) DeviceAndResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	dr, ok := m.threads[tid]
	if !ok {
		dr = DeviceAndResource{Device: m.pid, Resource: int32(tid)}
		m.threads[tid] = dr
	}
	return dr
}

func (m *Memory) PushCorrelationID(id uint64, user bool) {}
func (m *Memory) PopCorrelationID(user bool)             {}

// Add records a collector-side activity.
func (m *Memory) Add(a *Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device = append(m.device, a)
}

func (m *Memory) Transfer(cpu *CPUTrace, endUS int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpu.EndUS = endUS
	m.cpu = append(m.cpu, cpu.Activities()...)
}

type memoryTrace []*Activity

func (t memoryTrace) Activities() []*Activity { return t }

func (m *Memory) Stop() (Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, fmt.Errorf("collector already stopped")
	}
	m.stopped = true

	cpu := m.cpu
	if m.CopyActivities {
		cpu = make([]*Activity, len(m.cpu))
		for i, a := range m.cpu {
			c := *a
			cpu[i] = &c
		}
	}

	byCorrelation := make(map[int64]*Activity, len(cpu))
	for _, a := range cpu {
		if a.CorrelationID != 0 && a.Type == TypeCPUOp {
			if _, ok := byCorrelation[a.CorrelationID]; !ok {
				byCorrelation[a.CorrelationID] = a
			}
		}
	}
	for _, a := range m.device {
		if a.Linked == nil && a.CorrelationID != 0 {
			a.Linked = byCorrelation[a.CorrelationID]
		}
	}

	out := make(memoryTrace, 0, len(cpu)+len(m.device))
	out = append(out, cpu...)
	out = append(out, m.device...)
	return out, nil
}
