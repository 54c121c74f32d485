package stream

import "time"

// Timer is a cancelable deferred call.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the coalescer so debounce behavior is testable
// without wall-clock waits.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock returns the wall-clock implementation.
func RealClock() Clock { return realClock{} }
