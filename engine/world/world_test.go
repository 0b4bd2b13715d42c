package world

import (
	"testing"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/common"
)

type counterComponent struct {
	Component

	Ticks *Field[int64]

	destroyCalled bool
}

func (c *counterComponent) OnAwake() {
	c.Ticks = NewField[int64](c, "Ticks", 0)
}

func (c *counterComponent) OnUpdate() {
	c.Ticks.Set(c.Ticks.Get() + 1)
}

func (c *counterComponent) OnDestroy() {
	c.destroyCalled = true
}

func init() {
	RegisterComponentType("counterComponent", &counterComponent{})
}

func newTestWorld(name string) *World {
	w := NewWorld(name)
	w.SetAuthority(common.AuthorityPeerID, true)
	w.SetLocalRange(RefRange{Start: 1, End: 1001})
	w.TransitionTo(StateInitializingDataModel)
	w.Initialize()
	return w
}

func mustPanic(t *testing.T, what string, f func()) {
	defer func() {
		if recover() == nil {
			t.Fatalf("%s should panic", what)
		}
	}()
	f()
}

func TestStateMachine(t *testing.T) {
	w := NewWorld("sm")
	assert.Equal(t, StateCreated, w.State())

	w.TransitionTo(StateInitializingNetwork)
	w.TransitionTo(StateWaitingForJoinGrant)
	w.TransitionTo(StateInitializingDataModel)
	w.TransitionTo(StateRunning)
	assert.Equal(t, StateRunning, w.State())

	mustPanic(t, "Running -> Running", func() {
		w.TransitionTo(StateRunning)
	})
	mustPanic(t, "Running -> Failed", func() {
		w.TransitionTo(StateFailed)
	})

	w.TransitionTo(StateDestroyed)
	assert.Equal(t, StateDestroyed, w.State())
}

func TestStateMachineFailure(t *testing.T) {
	w := NewWorld("sm-fail")
	w.TransitionTo(StateInitializingNetwork)
	w.TransitionTo(StateFailed)
	w.TransitionTo(StateDestroyed)

	w2 := NewWorld("sm-fail2")
	w2.TransitionTo(StateInitializingNetwork)
	w2.TransitionTo(StateWaitingForJoinGrant)
	w2.TransitionTo(StateFailed)
	assert.Equal(t, StateFailed, w2.State())
}

func TestInitialize(t *testing.T) {
	w := newTestWorld("init")
	root := w.RootSlot()
	if root == nil {
		t.Fatalf("no root slot")
	}
	assert.Equal(t, "Root", root.Name.Get())
	assert.T(t, root.Parent() == nil, "root must be parentless")
	assert.Equal(t, 1, w.NumElements())
}

func TestNewSlotDirtyTracking(t *testing.T) {
	w := newTestWorld("dirty")
	w.ClearDirtyElements()

	s := w.NewSlot("Arena", nil)
	dirty := w.GetDirtyElements()
	if len(dirty) != 1 {
		t.Fatalf("expecting 1 dirty element, got %d", len(dirty))
	}
	assert.T(t, dirty[0].Structural, "creation must be structural")
	assert.Equal(t, s.RefID(), dirty[0].Element.RefID())

	w.ClearDirtyElements()
	s.Name.Set("Lobby")
	s.Name.Set("Lobby2")
	dirty = w.GetDirtyElements()
	if len(dirty) != 1 {
		t.Fatalf("writes must coalesce, got %d dirty elements", len(dirty))
	}
	assert.T(t, !dirty[0].Structural, "field write is not structural")
	assert.T(t, dirty[0].Fields.Contains("Name"), "Name should be dirty")
	assert.Equal(t, 1, len(dirty[0].Fields))
}

func TestTransformOnly(t *testing.T) {
	w := newTestWorld("transform")
	s := w.NewSlot("Mover", nil)
	w.ClearDirtyElements()

	s.LocalPosition.Set(Vector3{1, 2, 3})
	s.LocalRotation.Set(IdentityQuaternion())
	s.LocalScale.Set(Vector3{2, 2, 2})
	dirty := w.GetDirtyElements()
	if len(dirty) != 1 {
		t.Fatalf("expecting 1 dirty element, got %d", len(dirty))
	}
	assert.T(t, dirty[0].IsTransformOnly(), "pure transform writes should be transform-only")

	s.Name.Set("Mover2")
	dirty = w.GetDirtyElements()
	assert.T(t, !dirty[0].IsTransformOnly(), "a Name write disqualifies transform-only")

	w.ClearDirtyElements()
	s.LocalPosition.Set(Vector3{4, 5, 6})
	s.SetTag("moving")
	dirty = w.GetDirtyElements()
	assert.T(t, !dirty[0].IsTransformOnly(), "structural change disqualifies transform-only")
}

func TestApplyTransformNoEcho(t *testing.T) {
	w := newTestWorld("apply-transform")
	s := w.NewSlot("Mover", nil)
	w.ClearDirtyElements()

	var observed Vector3
	s.LocalPosition.OnChanged(func(v Vector3) {
		observed = v
	})

	w.ApplyTransform(s.RefID(), Vector3{7, 8, 9}, IdentityQuaternion(), OneVector3())
	assert.Equal(t, Vector3{7, 8, 9}, observed)
	assert.Equal(t, Vector3{7, 8, 9}, s.LocalPosition.Get())
	if len(w.GetDirtyElements()) != 0 {
		t.Fatalf("applied transform must not mark the slot dirty")
	}

	// unknown RefIDs are ignored
	w.ApplyTransform(common.RefID(99999), Vector3{}, IdentityQuaternion(), OneVector3())
}

func TestApplySlotStateNoEcho(t *testing.T) {
	w := newTestWorld("apply-state")
	a := w.NewSlot("A", nil)
	b := w.NewSlot("B", nil)
	w.ClearDirtyElements()

	w.ApplySlotState(b.RefID(), a.RefID(), "tagged", false, true)
	assert.Equal(t, a, b.Parent())
	assert.Equal(t, "tagged", b.Tag())
	assert.T(t, !b.ActiveSelf(), "should be inactive")
	assert.T(t, b.IsPersistent(), "should be persistent")
	if len(w.GetDirtyElements()) != 0 {
		t.Fatalf("applied state must not mark the slot dirty")
	}

	// cyclic reparent requests are ignored
	w.ApplySlotState(a.RefID(), b.RefID(), "", true, false)
	assert.T(t, a.Parent() != b, "cyclic reparent must be ignored")
}

func TestDestroyByRefIDNoEcho(t *testing.T) {
	w := newTestWorld("remote-destroy")
	s := w.NewSlot("Doomed", nil)
	w.ClearDirtyElements()

	w.DestroyByRefID(s.RefID())
	assert.T(t, s.IsDestroyed(), "should be destroyed")
	if len(w.DestroyedRefIDs()) != 0 {
		t.Fatalf("remotely applied destroys must not re-queue for replication")
	}

	// unknown RefIDs are ignored
	w.DestroyByRefID(common.RefID(424242))
}

func TestLocalDestroyQueues(t *testing.T) {
	w := newTestWorld("local-destroy")
	s := w.NewSlot("Doomed", nil)
	w.ClearDirtyElements()

	id := s.RefID()
	s.Destroy()
	destroyed := w.DestroyedRefIDs()
	if len(destroyed) != 1 || destroyed[0] != id {
		t.Fatalf("local destroy should queue the RefID, got %v", destroyed)
	}
	if w.GetElement(id) != nil {
		t.Fatalf("destroyed element still registered")
	}
}

func TestStateVersionAdvancesOnAuthority(t *testing.T) {
	w := newTestWorld("version")
	v0 := w.StateVersion()
	w.NewSlot("Bump", nil)
	if w.StateVersion() <= v0 {
		t.Fatalf("authority mutations must advance the state version")
	}

	// fast-forward never goes backwards
	v := w.StateVersion()
	w.SetStateVersion(v - 1)
	assert.Equal(t, v, w.StateVersion())
	w.SetStateVersion(v + 10)
	assert.Equal(t, v+10, w.StateVersion())
}

func TestTagIndex(t *testing.T) {
	w := newTestWorld("tags")
	a := w.NewSlot("A", nil)
	b := w.NewSlot("B", nil)

	a.SetTag("enemy")
	b.SetTag("enemy")
	assert.Equal(t, 2, len(w.GetSlotsByTag("enemy")))

	b.SetTag("friend")
	assert.Equal(t, 1, len(w.GetSlotsByTag("enemy")))
	assert.Equal(t, 1, len(w.GetSlotsByTag("friend")))

	a.Destroy()
	assert.Equal(t, 0, len(w.GetSlotsByTag("enemy")))
	if got := w.GetSlotsByTag("never-used"); got != nil {
		t.Fatalf("unknown tag should yield nil, got %v", got)
	}
}

func TestComponentLifecycle(t *testing.T) {
	w := newTestWorld("components")
	s := w.NewSlot("Holder", nil)

	ic, err := w.AddComponent(s, "counterComponent")
	if err != nil {
		t.Fatal(err)
	}
	c := ic.(*counterComponent)
	if c.Ticks == nil {
		t.Fatalf("OnAwake should have declared the Ticks field")
	}
	assert.T(t, c.Enabled.Get(), "components start enabled")
	assert.Equal(t, ic, s.GetComponent("counterComponent"))

	w.TransitionTo(StateRunning)
	gate := w.Gate()

	gate.ImplementerLock()
	w.Tick()
	gate.ImplementerUnlock()
	assert.Equal(t, int64(1), c.Ticks.Get())

	gate.ImplementerLock()
	c.Enabled.Set(false)
	w.Tick()
	gate.ImplementerUnlock()
	assert.Equal(t, int64(1), c.Ticks.Get())

	gate.ImplementerLock()
	c.Destroy()
	w.Tick()
	gate.ImplementerUnlock()
	assert.T(t, c.destroyCalled, "OnDestroy should fire")
	assert.T(t, s.GetComponent("counterComponent") == nil, "component should detach")
}

func TestUnregisteredComponentType(t *testing.T) {
	w := newTestWorld("unknown-component")
	s := w.NewSlot("Holder", nil)
	if _, err := w.AddComponent(s, "noSuchType"); err == nil {
		t.Fatalf("unregistered type should fail")
	}
}

func TestUserEventsBuffered(t *testing.T) {
	w := newTestWorld("users")

	var order []EventKind
	w.RegisterEventReceiver(EventUserJoined, func(ev Event) {
		order = append(order, ev.Kind)
		assert.Equal(t, "alice", ev.User.Name)
	})
	w.RegisterEventReceiver(EventUserLeft, func(ev Event) {
		order = append(order, ev.Kind)
	})

	u := &User{PeerID: 2, Name: "alice"}
	w.AddUser(u)
	w.RemoveUser(2)
	if len(order) != 0 {
		t.Fatalf("events must not dispatch inline")
	}

	w.RunWorldEvents()
	if len(order) != 2 || order[0] != EventUserJoined || order[1] != EventUserLeft {
		t.Fatalf("wrong dispatch order: %v", order)
	}

	// already flushed
	w.RunWorldEvents()
	assert.Equal(t, 2, len(order))
}

func TestUnregisterEventReceiver(t *testing.T) {
	w := newTestWorld("receivers")
	fired := 0
	id := w.RegisterEventReceiver(EventFocusChanged, func(ev Event) {
		fired++
	})
	w.SetFocused(true)
	assert.Equal(t, 1, fired)

	w.UnregisterEventReceiver(EventFocusChanged, id)
	w.SetFocused(false)
	assert.Equal(t, 1, fired)
}

func TestWorldDestroy(t *testing.T) {
	w := newTestWorld("teardown")
	s := w.NewSlot("Child", nil)
	w.TransitionTo(StateRunning)

	destroyFired := false
	w.RegisterEventReceiver(EventWorldDestroy, func(ev Event) {
		destroyFired = true
	})

	w.Destroy()
	assert.T(t, destroyFired, "WorldDestroy should fire")
	assert.Equal(t, StateDestroyed, w.State())
	assert.T(t, s.IsDestroyed(), "slots cascade on world destroy")
	assert.Equal(t, 0, w.NumElements())

	// idempotent
	w.Destroy()
}

func TestRefIDExhaustionPanics(t *testing.T) {
	w := NewWorld("exhausted")
	w.SetAuthority(common.AuthorityPeerID, true)
	w.SetLocalRange(RefRange{Start: 1, End: 2})
	w.TransitionTo(StateInitializingDataModel)
	w.Initialize() // consumes RefID 1 for the root

	mustPanic(t, "minting past the range end", func() {
		w.NewSlot("TooMany", nil)
	})
}
