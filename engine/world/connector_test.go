package world

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestGateUnguardedBeforeRunning(t *testing.T) {
	w := newTestWorld("gate-idle")
	gate := w.Gate()
	assert.Equal(t, GateNone, gate.State())
	assert.T(t, gate.CanCurrentThreadModify(), "mutations are unguarded before Running")

	done := make(chan bool)
	go func() {
		done <- gate.CanCurrentThreadModify()
	}()
	assert.T(t, <-done, "any goroutine may mutate before Running")
}

func TestGateOwnership(t *testing.T) {
	w := newTestWorld("gate-own")
	w.TransitionTo(StateRunning)
	gate := w.Gate()

	assert.T(t, !gate.CanCurrentThreadModify(), "unheld gate denies everyone while Running")

	gate.DataModelLock()
	assert.Equal(t, GateDataModel, gate.State())
	assert.T(t, gate.CanCurrentThreadModify(), "lock holder may mutate")

	other := make(chan bool)
	go func() {
		other <- gate.CanCurrentThreadModify()
	}()
	assert.T(t, !<-other, "a non-holder goroutine may not mutate")

	gate.DataModelUnlock()
	assert.Equal(t, GateNone, gate.State())

	gate.ImplementerLock()
	assert.Equal(t, GateImplementer, gate.State())
	assert.T(t, gate.CanCurrentThreadModify(), "implementer holder may mutate")
	gate.ImplementerUnlock()
}

func TestGateDoubleLockPanics(t *testing.T) {
	w := newTestWorld("gate-double")
	gate := w.Gate()
	gate.DataModelLock()
	defer gate.DataModelUnlock()

	mustPanic(t, "locking a held gate", func() {
		gate.ImplementerLock()
	})
}

func TestGateWrongUnlockPanics(t *testing.T) {
	w := newTestWorld("gate-unlock")
	gate := w.Gate()

	mustPanic(t, "unlocking an unheld gate", func() {
		gate.DataModelUnlock()
	})
}

func TestThreadCheckPanicsForNonOwner(t *testing.T) {
	w := newTestWorld("gate-check")
	s := w.NewSlot("Guarded", nil)
	w.TransitionTo(StateRunning)
	gate := w.Gate()
	gate.DataModelLock()
	defer gate.DataModelUnlock()

	panicked := make(chan bool)
	go func() {
		defer func() {
			panicked <- recover() != nil
		}()
		s.Name.Set("illegal")
	}()
	assert.T(t, <-panicked, "a write from a non-owner goroutine must panic")

	// the holder itself writes fine
	s.Name.Set("legal")
	assert.Equal(t, "legal", s.Name.Get())
}
