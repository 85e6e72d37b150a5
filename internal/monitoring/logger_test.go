package monitoring

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	var got []string
	restore := SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("[Fusion] dropped %d frames", 3)
	restore()

	if len(got) != 1 || got[0] != "[Fusion] dropped 3 frames" {
		t.Fatalf("custom logger captured %q", got)
	}

	// Restored logger must not write into the old capture.
	Logf("after restore")
	if len(got) != 1 {
		t.Errorf("logger was not restored, captured %q", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	restore := SetLogger(nil)
	defer restore()
	Logf("this goes nowhere %v", 1)
}

func TestLogfConcurrentWithSetLogger(t *testing.T) {
	restore := SetLogger(nil)
	defer restore()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("frame %d", j)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		r := SetLogger(nil)
		r()
	}
	wg.Wait()
}
