package container

import (
	"math/rand"
	"sort"
	"testing"
)

func TestHeapOrder(t *testing.T) {
	h := NewHeap(func(a, b int) bool { return a < b })
	r := rand.New(rand.NewSource(1))
	var want []int
	for i := 0; i < 500; i++ {
		v := r.Intn(100)
		want = append(want, v)
		h.Push(v)
	}
	sort.Ints(want)
	for i, w := range want {
		if got := h.Peek(); got != w {
			t.Fatalf("%d: h.Peek()=%d, want %d", i, got, w)
		}
		if got := h.Pop(); got != w {
			t.Fatalf("%d: h.Pop()=%d, want %d", i, got, w)
		}
	}
	if h.Len() != 0 {
		t.Errorf("h.Len()=%d, want 0", h.Len())
	}
}

func TestSet(t *testing.T) {
	s := Set[int]{}
	if s.Has(1) {
		t.Errorf("s.Has(1)=true on empty set")
	}
	s.Add(1)
	s.Add(1)
	if !s.Has(1) || len(s) != 1 {
		t.Errorf("s=%v, want {1}", s)
	}
}

func TestOption(t *testing.T) {
	o := None[int]()
	if o.Set() {
		t.Errorf("None().Set()=true")
	}
	if o.String() != "none" {
		t.Errorf("None().String()=%q, want none", o.String())
	}
	o = Some(7)
	if v, ok := o.Get(); !ok || v != 7 {
		t.Errorf("Some(7).Get()=(%d, %t), want (7, true)", v, ok)
	}
	if o.String() != "7" {
		t.Errorf("Some(7).String()=%q", o.String())
	}
}

func TestOptionStore(t *testing.T) {
	var o Option[string]
	if o.String() != "none" {
		t.Errorf("zero Option.String()=%q, want none", o.String())
	}
	p := &o
	p.Store("x")
	if v, ok := o.Get(); !ok || v != "x" {
		t.Errorf("after Store: Get()=(%q, %t)", v, ok)
	}
	p.Reset()
	if o.Set() {
		t.Errorf("Set()=true after Reset")
	}
}
