package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/golang/snappy"

	"honnef.co/go/opprof/trace"
)

// Workload is a recorded profiling session: what each thread did, and when. Times are in nanoseconds.
type Workload struct {
	// MainTID is the thread that drains the session.
	MainTID uint64   `json:"main_tid"`
	Threads []Thread `json:"threads"`
}

type Thread struct {
	TID         uint64       `json:"tid"`
	Ops         []Op         `json:"ops"`
	Allocations []Allocation `json:"allocations"`
}

type Op struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
	Start int64  `json:"start"`
	// End is nil for operations that never ended.
	End        *int64  `json:"end"`
	Seq        int64   `json:"seq"`
	ForwardTID uint64  `json:"forward_tid"`
	Inputs     []Input `json:"inputs"`
	// Kernels are launched by the operation and recorded by the device-side collector.
	Kernels  []Kernel `json:"kernels"`
	Children []Op     `json:"children"`
}

type Kernel struct {
	Name       string `json:"name"`
	StartUS    int64  `json:"start_us"`
	DurationUS int64  `json:"duration_us"`
	// LaunchUS is the time of the runtime call that launched the kernel. If zero, the launch isn't recorded.
	LaunchUS int64 `json:"launch_us"`
}

type Input struct {
	Tensor  *TensorInput  `json:"tensor"`
	Tensors []TensorInput `json:"tensors"`
	Float   *float64      `json:"float"`
	Int     *int64        `json:"int"`
	Bool    *bool         `json:"bool"`
}

type TensorInput struct {
	Impl    uint64  `json:"impl"`
	Data    uint64  `json:"data"`
	Dtype   string  `json:"dtype"`
	Sizes   []int64 `json:"sizes"`
	Strides []int64 `json:"strides"`
}

type Allocation struct {
	At   int64  `json:"at"`
	Ptr  uint64 `json:"ptr"`
	Size int64  `json:"size"`
	// OOM marks an allocation of Size bytes that failed. Ptr is ignored.
	OOM bool `json:"oom"`
}

var scopes = map[string]trace.Scope{
	"":         trace.ScopeFunction,
	"function": trace.ScopeFunction,
	"backward": trace.ScopeBackwardFunction,
	"user":     trace.ScopeUser,
}

func (t TensorInput) tensor() trace.Tensor {
	return trace.Tensor{
		Defined: true,
		Impl:    t.Impl,
		Data:    t.Data,
		Dtype:   t.Dtype,
		Layout:  trace.LayoutStrided,
		Sizes:   t.Sizes,
		Strides: t.Strides,
	}
}

// value converts the input to one of the values accepted by trace.Encoder.
func (in Input) value() any {
	switch {
	case in.Tensor != nil:
		return in.Tensor.tensor()
	case in.Tensors != nil:
		ts := make([]trace.Tensor, len(in.Tensors))
		for i, t := range in.Tensors {
			ts[i] = t.tensor()
		}
		return ts
	case in.Float != nil:
		return *in.Float
	case in.Int != nil:
		return *in.Int
	case in.Bool != nil:
		return *in.Bool
	default:
		// Unknown to the encoder; recorded as an opaque input.
		return struct{}{}
	}
}

// Validate checks that the workload can be replayed: every thread has a distinct ID, and every operation ends no
// earlier than it starts and lies within its parent, and no kernel has a negative duration.
func (w *Workload) Validate() error {
	seen := map[uint64]bool{}
	for _, th := range w.Threads {
		if seen[th.TID] {
			return fmt.Errorf("thread %d appears more than once", th.TID)
		}
		seen[th.TID] = true
		for i := range th.Ops {
			if err := validateOp(&th.Ops[i], nil); err != nil {
				return fmt.Errorf("thread %d: %w", th.TID, err)
			}
		}
	}
	return nil
}

func validateOp(op *Op, parent *Op) error {
	if _, ok := scopes[op.Scope]; !ok {
		return fmt.Errorf("op %q: unknown scope %q", op.Name, op.Scope)
	}
	if op.End != nil && *op.End < op.Start {
		return fmt.Errorf("op %q ends before it starts", op.Name)
	}
	for _, k := range op.Kernels {
		if k.DurationUS < 0 {
			return fmt.Errorf("op %q: kernel %q has a negative duration", op.Name, k.Name)
		}
	}
	if parent != nil {
		if op.Start < parent.Start {
			return fmt.Errorf("op %q starts before its parent %q", op.Name, parent.Name)
		}
		if parent.End != nil && op.End != nil && *op.End > *parent.End {
			return fmt.Errorf("op %q ends after its parent %q", op.Name, parent.Name)
		}
	}
	for i := range op.Children {
		if err := validateOp(&op.Children[i], op); err != nil {
			return err
		}
	}
	return nil
}

// ReadWorkload decodes a workload. Snappy-framed input is detected by its stream identifier.
func ReadWorkload(r io.Reader) (*Workload, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(snappyMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	var src io.Reader = br
	if string(magic) == snappyMagic {
		src = snappy.NewReader(br)
	}

	var w Workload
	if err := json.UnmarshalRead(src, &w, json.RejectUnknownMembers(true)); err != nil {
		return nil, fmt.Errorf("couldn't decode workload: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	return &w, nil
}

// snappyMagic is the stream identifier chunk that starts every snappy-framed stream.
const snappyMagic = "\xff\x06\x00\x00sNaPpY"

func LoadWorkload(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w, err := ReadWorkload(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.TrimPrefix(path, "./"), err)
	}
	return w, nil
}
