package collect

import (
	"sync/atomic"

	"honnef.co/go/opprof/mem"
	"honnef.co/go/opprof/trace"
)

// blockCounter hands out correlation ID blocks to op lists of all sessions.
var blockCounter atomic.Uint64

type opEvent struct {
	trace.OpBasics
	start     ApproxTime
	end       ApproxTime
	allowTF32 bool
}

// opList stores the operations of one subqueue. Every bucket owns a block of mem.BucketSize correlation IDs, which
// makes an operation's correlation ID a function of its position.
type opList struct {
	events   mem.BucketSlice[opEvent]
	idStarts []uint64
}

// grow appends a new operation and returns it with its correlation ID.
func (l *opList) grow() (*opEvent, uint64) {
	i := l.events.Len()
	if i%mem.BucketSize == 0 && i/mem.BucketSize == len(l.idStarts) {
		l.idStarts = append(l.idStarts, 1+mem.BucketSize*(blockCounter.Add(1)-1))
	}
	ev := l.events.Grow()
	*ev = opEvent{start: unsetTime, end: unsetTime}
	return ev, l.correlationID(i)
}

func (l *opList) correlationID(i int) uint64 {
	return l.idStarts[i/mem.BucketSize] + uint64(i%mem.BucketSize)
}

func (l *opList) len() int { return l.events.Len() }

func (l *opList) at(i int) *opEvent { return l.events.Ptr(i) }

// reset empties the list. Blocks are not reused, so correlation IDs stay unique after a reset.
func (l *opList) reset() {
	l.events.Reset()
	l.idStarts = l.idStarts[:0]
}
