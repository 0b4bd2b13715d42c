package post

import (
	"sync"

	"github.com/loomworld/loom/engine/wutils"
)

// PostCallback is the type of functions to be posted
type PostCallback func()

var (
	callbacks []PostCallback
	lock      sync.Mutex
)

// Post queues a callback to run on the session pump goroutine after the
// current tick's work is done.
//
// Post might be called from other goroutines, so we use a lock to protect
// the data
func Post(f PostCallback) {
	lock.Lock()
	callbacks = append(callbacks, f)
	lock.Unlock()
}

// Tick is called by the session pump to run all posted functions
func Tick() {
	for { // loop until there is no callbacks posted anymore
		lock.Lock() // lock to check number of callbacks
		if len(callbacks) == 0 {
			lock.Unlock()
			break
		}
		// switch callbacks in locked section
		callbacksCopy := callbacks
		callbacks = make([]PostCallback, 0, len(callbacks))
		lock.Unlock()

		for _, f := range callbacksCopy {
			wutils.RunPanicless(f)
		}
	}
}
