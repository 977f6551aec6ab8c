package ptrace

import (
	"fmt"

	"go.uber.org/zap"

	"honnef.co/go/opprof/activity"
	myslices "honnef.co/go/opprof/slices"
	"honnef.co/go/opprof/trace"
)

// There are two mechanisms that connect profiler events and external activities. The first is the correlation ID: the
// profiler pushes a unique integer at the start of an operation, and the collector associates the activities it
// records with it and links them to the profiler's event.
//
// That alone loses the dependencies between external activities. A single operation may produce an operator event,
// a runtime launch and a device kernel; with only correlation IDs both the launch and the kernel would become children
// of the operator, instead of operator -> launch -> kernel. Collectors describe the latter with flows: the launch
// starts a flow and the kernel continues it. Flows therefore take precedence over linked activities. Activities that
// have neither are placed by the tree builder.

// Transfer merges the activities of an external trace into results and returns the extended list. Activities that
// describe events in results are reassociated with them, first through known, which maps the activities the profiler
// created to their events, then through the index stored in the activities' metadata. All other activities become
// external events. currentTID is used as the thread of external events that have no ancestor with a thread.
func Transfer(
	results []*trace.Event,
	tr activity.Trace,
	known map[*activity.Activity]*trace.Event,
	currentTID uint64,
	log *zap.Logger,
) []*trace.Event {
	if tr == nil {
		return results
	}
	t := &transfer{
		log:        log,
		results:    results,
		numKnown:   len(results),
		activities: tr.Activities(),
		events:     make(map[*activity.Activity]*trace.Event, len(known)),
		currentTID: currentTID,
	}
	for a, ev := range known {
		t.events[a] = ev
	}
	t.reassociate()
	t.extractEvents()
	t.setParents()
	return t.results
}

type transfer struct {
	log        *zap.Logger
	results    []*trace.Event
	numKnown   int
	activities []*activity.Activity
	events     map[*activity.Activity]*trace.Event
	currentTID uint64
}

func (t *transfer) lookup(a *activity.Activity) *trace.Event {
	if a == nil {
		return nil
	}

	if ev, ok := t.events[a]; ok {
		return ev
	}

	// The collector may have moved or copied the activity; fall back to the index we encoded in its metadata.
	if idx, ok := activity.Index(a.Metadata); ok && idx < t.numKnown {
		ev := t.results[idx]
		t.events[a] = ev
		return ev
	}

	return nil
}

func (t *transfer) reassociate() {
	matched := 0
	for _, a := range t.activities {
		if a == nil {
			panic("external trace contains a nil activity")
		}
		if ev := t.lookup(a); ev != nil {
			if ev.Activity != nil {
				panic(fmt.Sprintf("event reassociated with more than one activity: %s", ev))
			}
			ev.Activity = a
			matched++
		}
	}
	if matched != t.numKnown {
		t.log.Warn("failed to recover the relationship between all profiler events and external activities",
			zap.Int("events", t.numKnown),
			zap.Int("reassociated", matched))
	}
}

func (t *transfer) fromActivity(a *activity.Activity) *trace.Event {
	return trace.New(
		trace.Timestamp(a.Timestamp*1000),
		trace.NoTID,
		activity.DeviceAndResource{Device: int32(a.DeviceID), Resource: int32(a.ResourceID)},
		&trace.ExternalFields{
			Name:          a.Name,
			DurationUS:    a.Duration,
			CorrelationID: uint64(a.CorrelationID),
			Type:          a.Type,
			Flow:          a.Flow,
		},
	)
}

func (t *transfer) toResult(a *activity.Activity) *trace.Event {
	ev := t.lookup(a)
	if ev == nil && a.Type.CPUSide() {
		// The profiler most likely handed this activity to the collector, but we can no longer tell which event it
		// describes. Guessing risks attaching it to the wrong part of the tree.
		warnUnknownCPUActivity.Warn(t.log,
			"dropping an external activity that was likely produced by the profiler but matches no known event; the collector didn't maintain address stability",
			zap.String("name", a.Name),
			zap.Stringer("type", a.Type))
		return nil
	}

	if ev == nil {
		ev = t.fromActivity(a)
		t.results = append(t.results, ev)
		t.events[a] = ev
	}
	return ev
}

func (t *transfer) extractEvents() {
	for _, a := range t.activities {
		ev := t.toResult(a)
		if ev == nil || a.Linked == nil {
			continue
		}
		f, ok := ev.Fields.(*trace.ExternalFields)
		if !ok {
			panic(fmt.Sprintf("activity of non-external event has a linked activity: %s", ev))
		}
		f.Linked = t.toResult(a.Linked)
	}
}

func (t *transfer) setParents() {
	// First pass: collect flow starts and use the linked event as the parent.
	flows := map[uint32]*trace.Event{}
	for _, ev := range t.results {
		f, ok := ev.Fields.(*trace.ExternalFields)
		if !ok {
			continue
		}
		if f.Flow.Type == activity.LinkAsyncCPUGPU && f.Flow.Start {
			if _, dup := flows[f.Flow.ID]; dup {
				warnDuplicateFlow.Warn(t.log, "external trace contains duplicate flow starts; keeping the first",
					zap.Uint32("flow", f.Flow.ID))
			} else {
				flows[f.Flow.ID] = ev
			}
		}
		if ev.Parent != nil {
			panic(fmt.Sprintf("external event already has a parent: %s", ev))
		}
		ev.Parent = f.Linked
	}

	// Second pass: flows override linked events. Parented events are final.
	for _, ev := range t.results {
		f, ok := ev.Fields.(*trace.ExternalFields)
		if !ok {
			continue
		}
		if f.Flow.Type == activity.LinkAsyncCPUGPU && !f.Flow.Start {
			if start, ok := flows[f.Flow.ID]; ok {
				ev.Parent = start
			}
		}
		if ev.Parent != nil {
			ev.Parent.Children = append(ev.Parent.Children, ev)
			markFinished(ev)
		}
	}

	// Now that lineage is established, external events inherit the threads of their ancestors.
	for _, ev := range t.results {
		if ev.Parent == nil {
			t.setThreads(ev)
		}
	}
}

func (t *transfer) setThreads(root *trace.Event) {
	type frame struct {
		ev     *trace.Event
		parent *trace.Event
	}
	stack := []frame{{ev: root}}
	for {
		fr, s, ok := myslices.Pop(stack)
		if !ok {
			break
		}
		stack = s

		if _, ok := fr.ev.Fields.(*trace.ExternalFields); ok {
			if fr.ev.StartTID != trace.NoTID {
				panic(fmt.Sprintf("external event already has a thread: %s", fr.ev))
			}
			if fr.parent != nil {
				fr.ev.StartTID = fr.parent.StartTID
			} else {
				fr.ev.StartTID = t.currentTID
			}
		}
		for _, c := range fr.ev.Children {
			stack = append(stack, frame{ev: c, parent: fr.ev})
		}
	}
}

func markFinished(ev *trace.Event) {
	if ev.Finished {
		panic(fmt.Sprintf("event finished twice: %s", ev))
	}
	ev.Finished = true
	if end := ev.EndTime(); end < ev.Start {
		panic(fmt.Sprintf("event ends before it starts: %s", ev))
	}
}
