package world

import (
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/wutils"
)

// EventKind enumerates the world events receivers can subscribe to
type EventKind int

const (
	// EventUserJoined fires after a user joined the world
	EventUserJoined EventKind = iota
	// EventUserLeft fires after a user left the world
	EventUserLeft
	// EventFocusChanged fires when the world gains or loses focus
	EventFocusChanged
	// EventWorldDestroy fires once when the world is torn down
	EventWorldDestroy
)

func (k EventKind) String() string {
	switch k {
	case EventUserJoined:
		return "UserJoined"
	case EventUserLeft:
		return "UserLeft"
	case EventFocusChanged:
		return "FocusChanged"
	case EventWorldDestroy:
		return "WorldDestroy"
	}
	return "Invalid"
}

// Event is the value dispatched to event receivers
type Event struct {
	Kind    EventKind
	World   *World
	User    *User // set for UserJoined / UserLeft
	Focused bool  // set for FocusChanged
}

// EventHandler handles one kind of world event
type EventHandler func(ev Event)

// ReceiverID identifies a registered event receiver for unregistration
type ReceiverID int

type receiverEntry struct {
	id      ReceiverID
	handler EventHandler
}

// RegisterEventReceiver subscribes a handler to one event kind. Handlers for
// joins and leaves are invoked from the per-tick RunWorldEvents pass, never
// inline from AddUser/RemoveUser.
func (w *World) RegisterEventReceiver(kind EventKind, h EventHandler) ReceiverID {
	w.receiversLock.Lock()
	defer w.receiversLock.Unlock()
	w.nextReceiverID++
	id := w.nextReceiverID
	w.receivers[kind] = append(w.receivers[kind], receiverEntry{id: id, handler: h})
	return id
}

// UnregisterEventReceiver removes a previously registered handler
func (w *World) UnregisterEventReceiver(kind EventKind, id ReceiverID) {
	w.receiversLock.Lock()
	defer w.receiversLock.Unlock()
	entries := w.receivers[kind]
	for i, e := range entries {
		if e.id == id {
			w.receivers[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// dispatchEvent invokes all handlers registered for the event's kind. A
// panicking handler is logged and does not abort dispatch to the rest.
func (w *World) dispatchEvent(ev Event) {
	if consts.DEBUG_WORLD_EVENTS {
		wlog.Debugf("%s dispatching %s", w, ev.Kind)
	}

	w.receiversLock.Lock()
	entries := append([]receiverEntry(nil), w.receivers[ev.Kind]...)
	w.receiversLock.Unlock()

	for _, e := range entries {
		handler := e.handler
		wutils.RunPanicless(func() {
			handler(ev)
		})
	}
}
