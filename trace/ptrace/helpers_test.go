package ptrace

import (
	"honnef.co/go/opprof/activity"
	"honnef.co/go/opprof/trace"
)

func op(name string, tid uint64, start, end trace.Timestamp) *trace.Event {
	return trace.New(start, tid, activity.DeviceAndResource{}, &trace.OpFields{
		OpBasics: trace.OpBasics{Name: name, EndTID: tid},
		End:      end,
	})
}

func names(evs []*trace.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name()
	}
	return out
}

func roots(evs []*trace.Event) []*trace.Event {
	var out []*trace.Event
	for _, ev := range evs {
		if ev.Parent == nil {
			out = append(out, ev)
		}
	}
	return out
}
