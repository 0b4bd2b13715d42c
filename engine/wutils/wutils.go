package wutils

import (
	"github.com/loomworld/loom/engine/wlog"
)

// RunPanicless runs f, recovering and logging any panic
func RunPanicless(f func()) (panicless bool) {
	defer func() {
		err := recover()
		panicless = err == nil
		if err != nil {
			wlog.TraceError("%v panic: %v", f, err)
		}
	}()

	f()
	return
}

// RepeatUntilPanicless runs f again and again until it finishes without panic
func RepeatUntilPanicless(f func()) {
	for !RunPanicless(f) {
	}
}

// NextLargerKey returns the next string that is larger than key,
// but smaller than any other string keys that are larger than key
func NextLargerKey(key string) string {
	return key + "\x00"
}
