package world

import (
	"bytes"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/loomworld/loom/engine/wlog"
)

// GateState is the state of the mutation-ownership gate
type GateState int32

const (
	// GateNone means no actor currently owns world mutation
	GateNone GateState = iota
	// GateDataModel means the network/sync actor owns world mutation
	GateDataModel
	// GateImplementer means the host-engine actor owns world mutation
	GateImplementer
)

func (s GateState) String() string {
	switch s {
	case GateNone:
		return "None"
	case GateDataModel:
		return "DataModel"
	case GateImplementer:
		return "Implementer"
	}
	return "Invalid"
}

// ConnectorManager is the single-writer arbitration between the network/sync
// actor and the host-engine actor. It is not a blocking mutex: the two actors
// run on separated execution contexts and each acquires and releases the gate
// once per cycle. A mutation attempt by a non-owner while the World is
// Running is a fatal logic error, not a recoverable condition.
type ConnectorManager struct {
	world  *World
	state  atomic.Int32
	holder atomic.Int64 // goroutine id of the current lock holder
}

func newConnectorManager(w *World) *ConnectorManager {
	return &ConnectorManager{world: w}
}

// State returns the current gate state
func (cm *ConnectorManager) State() GateState {
	return GateState(cm.state.Load())
}

// DataModelLock acquires the gate for the network/sync actor
func (cm *ConnectorManager) DataModelLock() {
	cm.lock(GateDataModel)
}

// DataModelUnlock releases the gate held by the network/sync actor
func (cm *ConnectorManager) DataModelUnlock() {
	cm.unlock(GateDataModel)
}

// ImplementerLock acquires the gate for the host-engine actor
func (cm *ConnectorManager) ImplementerLock() {
	cm.lock(GateImplementer)
}

// ImplementerUnlock releases the gate held by the host-engine actor
func (cm *ConnectorManager) ImplementerUnlock() {
	cm.unlock(GateImplementer)
}

func (cm *ConnectorManager) lock(target GateState) {
	if !cm.state.CompareAndSwap(int32(GateNone), int32(target)) {
		wlog.Panicf("ConnectorManager: %s lock attempted while gate is %s", target, cm.State())
	}
	cm.holder.Store(curGoroutineID())
}

func (cm *ConnectorManager) unlock(target GateState) {
	cm.holder.Store(0)
	if !cm.state.CompareAndSwap(int32(target), int32(GateNone)) {
		wlog.Panicf("ConnectorManager: %s unlock attempted while gate is %s", target, cm.State())
	}
}

// CanCurrentThreadModify returns true iff the calling goroutine currently
// holds the gate, or the World is not Running (mutations before and after a
// live session are unguarded since no concurrent actor exists yet)
func (cm *ConnectorManager) CanCurrentThreadModify() bool {
	if cm.world.State() != StateRunning {
		return true
	}
	if GateState(cm.state.Load()) == GateNone {
		return false
	}
	return cm.holder.Load() == curGoroutineID()
}

// ThreadCheck panics if the calling goroutine is not permitted to mutate
// world state. It is called at the start of every mutating operation.
func (cm *ConnectorManager) ThreadCheck() {
	if !cm.CanCurrentThreadModify() {
		wlog.Panicf("world %s mutated outside the mutation owner: gate=%s holder=%d caller=%d",
			cm.world.name, cm.State(), cm.holder.Load(), curGoroutineID())
	}
}

var goroutinePrefix = []byte("goroutine ")

// curGoroutineID parses the goroutine id out of the runtime stack header.
// The gate needs a caller identity and the runtime does not expose one.
func curGoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		wlog.Panicf("cannot parse goroutine id from %q", buf)
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		wlog.Panicf("cannot parse goroutine id from %q: %v", buf, err)
	}
	return id
}
