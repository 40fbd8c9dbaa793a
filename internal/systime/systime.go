// Package systime provides the monotonic nanosecond clock used for buffer
// timestamps and fence signal times.
package systime

// Clock returns a monotonic timestamp in nanoseconds.
type Clock func() int64

// Monotonic returns the current monotonic time in nanoseconds.
func Monotonic() int64 {
	return monotonic()
}

// OrDefault returns c, or Monotonic when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return Monotonic
	}
	return c
}
