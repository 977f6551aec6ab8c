package main

import (
	"io"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	myslices "honnef.co/go/opprof/slices"
	"honnef.co/go/opprof/trace"
)

// printForest writes one line per event, children indented below their parents.
func printForest(w io.Writer, tag language.Tag, events []*trace.Event) error {
	p := message.NewPrinter(tag)

	type frame struct {
		ev    *trace.Event
		depth int
	}
	var roots []frame
	for _, ev := range events {
		if ev.Parent == nil {
			roots = append(roots, frame{ev: ev})
		}
	}
	stack := myslices.PushReversed([]frame(nil), roots...)

	for {
		fr, s, ok := myslices.Pop(stack)
		if !ok {
			break
		}
		stack = s

		ev := fr.ev
		if _, err := p.Fprintf(w, "%s%s [%s] start=%d dur=%d tid=%d%s\n",
			strings.Repeat("  ", fr.depth), ev.Name(), ev.Kind(), ev.Start, ev.Duration(), ev.StartTID, details(p, ev)); err != nil {
			return err
		}
		children := make([]frame, len(ev.Children))
		for i, c := range ev.Children {
			children[i] = frame{ev: c, depth: fr.depth + 1}
		}
		stack = myslices.PushReversed(stack, children...)
	}

	_, err := p.Fprintf(w, "%d events, %d roots\n", len(events), len(roots))
	return err
}

func details(p *message.Printer, ev *trace.Event) string {
	switch f := ev.Fields.(type) {
	case *trace.OpFields:
		var ids []string
		for _, t := range f.Inputs.Tensors {
			if t != nil && t.ID.Set() {
				ids = append(ids, t.ID.String())
			}
		}
		var sb strings.Builder
		sb.WriteString(p.Sprintf(" corr=%d", f.CorrelationID))
		if len(ids) > 0 {
			sb.WriteString(" ids=[" + strings.Join(ids, " ") + "]")
		}
		return sb.String()
	case *trace.AllocationFields:
		return p.Sprintf(" ptr=%#x size=%d id=%s", f.Ptr, f.AllocSize, f.ID)
	case *trace.ExternalFields:
		return p.Sprintf(" corr=%d type=%s", ev.CorrelationID(), f.Type)
	case *trace.OOMFields:
		return p.Sprintf(" size=%d", f.AllocSize)
	default:
		return ""
	}
}
