package world

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"github.com/xiaonanln/typeconv"
)

// Field is a replicated field: the smallest unit of synchronized state. Every
// write through Set notifies subscribers synchronously in subscription order
// and registers the owning element in the World's dirty set. Writes are only
// legal from the current mutation owner (see ConnectorManager).
type Field[T any] struct {
	owner       Element
	name        string
	val         T
	subscribers []func(T)
}

// NewField creates a replicated field on the owner element and registers it
// under the given name for serialization
func NewField[T any](owner Element, name string, initial T) *Field[T] {
	f := &Field[T]{
		owner: owner,
		name:  name,
		val:   initial,
	}
	owner.declareField(name, f)
	return f
}

// Get returns the current field value
func (f *Field[T]) Get() T {
	return f.val
}

// Set writes the field value, notifies subscribers and marks the owning
// element dirty for the next replication flush
func (f *Field[T]) Set(v T) {
	w := f.owner.World()
	if w != nil {
		w.threadCheck()
	}

	f.val = v
	for _, cb := range f.subscribers {
		cb(v)
	}

	if w != nil {
		w.MarkFieldDirty(f.owner, f.name)
	}
}

// applyValue sets the value and fires subscribers without marking the owner
// dirty; used when applying locally computed remote state
func (f *Field[T]) applyValue(v T) {
	f.val = v
	for _, cb := range f.subscribers {
		cb(v)
	}
}

// SetAny converts a loosely-typed value (e.g. from UI or script input) to the
// field type and sets it
func (f *Field[T]) SetAny(v interface{}) {
	converted := typeconv.Convert(v, reflect.TypeOf(f.val))
	f.Set(converted.Interface().(T))
}

// OnChanged subscribes to writes of the field. Subscribers are invoked
// synchronously, in subscription order, on every write.
func (f *Field[T]) OnChanged(cb func(T)) {
	f.subscribers = append(f.subscribers, cb)
}

// encodeValue serializes the current value for a replication flush
func (f *Field[T]) encodeValue() ([]byte, error) {
	return msgpack.Marshal(f.val)
}

// applyEncoded applies a serialized remote value: it fires subscribers exactly
// once but does not re-mark the element dirty, so an applied delta never
// echoes back to the wire by itself
func (f *Field[T]) applyEncoded(data []byte) error {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return errors.Wrap(err, "unmarshal field value")
	}
	f.val = v
	for _, cb := range f.subscribers {
		cb(v)
	}
	return nil
}

func (f *Field[T]) clearSubscribers() {
	f.subscribers = nil
}
