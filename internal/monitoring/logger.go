// Package monitoring holds the swappable diagnostic logger used on the frame
// hot path (mergers, dispatcher, playback loop).
package monitoring

import (
	"log"
	"sync/atomic"
)

// LogFunc matches log.Printf.
type LogFunc func(format string, v ...interface{})

var current atomic.Pointer[LogFunc]

func init() {
	f := LogFunc(log.Printf)
	current.Store(&f)
}

// Logf writes through the current package logger. It defaults to log.Printf.
// Safe to call from any goroutine while SetLogger runs concurrently.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the package logger and returns a func restoring the
// previous one. Passing nil installs a no-op logger.
func SetLogger(f LogFunc) (restore func()) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	prev := current.Swap(&f)
	return func() { current.Store(prev) }
}
