// Package collect records operations, allocations and other events per thread while a profiling session is active,
// and turns them into a forest of call trees once it ends.
//
// Each profiled thread appends to its own Subqueue without taking locks. A RecordQueue is the session: it hands out
// subqueues, and its GetRecords drains them, merges the trace of the external activity collector, resolves buffer
// identities and builds the trees.
package collect

import (
	"fmt"
)

type State uint8

const (
	StateDisabled State = iota
	// StateCPU records profiler events only.
	StateCPU
	// StateKinetoGPUFallback records device timing markers around operations, for when no external collector is
	// available.
	StateKinetoGPUFallback
	// StateKineto records profiler events and merges the external collector's trace.
	StateKineto
	// StateKinetoOnDemand hands profiler events to a collector that is driven by someone else. Its trace isn't merged.
	StateKinetoOnDemand
)

var stateNames = [...]string{
	StateDisabled:          "disabled",
	StateCPU:               "cpu",
	StateKinetoGPUFallback: "kineto-gpu-fallback",
	StateKineto:            "kineto",
	StateKinetoOnDemand:    "kineto-ondemand",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid profiler state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown profiler state %q", b)
}

// Config selects what a session records.
type Config struct {
	State State `yaml:"state"`
	// ReportInputShapes records the shapes, dtypes and scalar values of operation inputs.
	ReportInputShapes bool `yaml:"report_input_shapes"`
	// ProfileMemory records allocations. Together with ReportInputShapes it enables buffer identities.
	ProfileMemory bool `yaml:"profile_memory"`
	// WithStack records the interpreter call stack of every operation and enables the interpreter tracer.
	WithStack bool `yaml:"with_stack"`
	// WithFlops records the extra arguments needed to estimate FLOPs.
	WithFlops   bool `yaml:"with_flops"`
	WithModules bool `yaml:"with_modules"`
}

// Global reports whether the external collector is controlled by something other than the session.
func (c Config) Global() bool {
	return c.State == StateKinetoOnDemand
}

type ActivityType uint8

const (
	ActivityCPU ActivityType = iota
	ActivityCUDA
)

func (t ActivityType) String() string {
	switch t {
	case ActivityCPU:
		return "cpu"
	case ActivityCUDA:
		return "cuda"
	default:
		return fmt.Sprintf("ActivityType(%d)", uint8(t))
	}
}
