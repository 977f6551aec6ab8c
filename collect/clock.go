package collect

import (
	"math"
	"time"

	"honnef.co/go/opprof/trace"
)

// ApproxTime is a reading of a cheap clock. Readings are only comparable with other readings of the same clock and
// need a Converter to become trace timestamps.
type ApproxTime int64

// unsetTime marks a time that was never recorded. Converters never see it.
const unsetTime ApproxTime = math.MinInt64

type Clock interface {
	Now() ApproxTime
}

// Converter maps approximate readings to trace timestamps. It is supplied when the session is drained, which keeps
// clock synchronization off the hot path.
type Converter func(ApproxTime) trace.Timestamp

// MonotonicClock reads the monotonic clock, as nanoseconds since the clock was created.
type MonotonicClock struct {
	base time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: time.Now()}
}

func (c *MonotonicClock) Now() ApproxTime {
	return ApproxTime(time.Since(c.base))
}

// Converter returns a Converter that maps readings of c to nanoseconds since the Unix epoch.
func (c *MonotonicClock) Converter() Converter {
	epoch := c.base.UnixNano()
	return func(t ApproxTime) trace.Timestamp {
		return trace.Timestamp(epoch + int64(t))
	}
}

func (conv Converter) convert(t ApproxTime) trace.Timestamp {
	if t == unsetTime {
		return trace.Unset
	}
	return conv(t)
}
