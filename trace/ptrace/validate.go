package ptrace

import (
	"fmt"

	"honnef.co/go/opprof/trace"
)

// openEnded reports whether the event's end time is borrowed from its parent or, for roots, from its start.
func openEnded(ev *trace.Event) bool {
	f, ok := ev.Fields.(*trace.OpFields)
	return ok && f.End == trace.Unset
}

// Validate checks that events form a well-formed forest: every event is finished, no event ends before it starts,
// parent and child links agree, and every child's interval lies within its parent's. Containment isn't checked for
// parents whose end time is borrowed, or for children that run asynchronously to their parent: external activities and
// events on other threads.
func Validate(events []*trace.Event) error {
	for _, ev := range events {
		if !ev.Finished {
			return fmt.Errorf("unfinished event %s", ev)
		}
		if ev.EndTime() < ev.Start {
			return fmt.Errorf("event %s ends before it starts", ev)
		}

		seen := 0
		for p := ev.Parent; p != nil; p = p.Parent {
			if p == ev {
				return fmt.Errorf("event %s is its own ancestor", ev)
			}
			seen++
			if seen > len(events) {
				return fmt.Errorf("parent chain of %s doesn't terminate", ev)
			}
		}

		for _, c := range ev.Children {
			if c.Parent != ev {
				return fmt.Errorf("child %s of %s has parent %v", c, ev, c.Parent)
			}
			if openEnded(ev) || c.StartTID != ev.StartTID {
				continue
			}
			if _, ok := c.Fields.(*trace.ExternalFields); ok {
				continue
			}
			if c.Start < ev.Start || c.EndTime() > ev.EndTime() {
				return fmt.Errorf("child %s isn't contained in %s", c, ev)
			}
		}
	}
	return nil
}
