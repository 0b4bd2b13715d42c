package world

import (
	"github.com/pkg/errors"
	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/wlog"
)

// Element is the common identity contract of everything addressable in a
// World: a stable RefID, the owning World, and a destroyed flag. Slot and
// Component both implement Element.
type Element interface {
	RefID() common.RefID
	World() *World
	IsDestroyed() bool
	Destroy()

	// FieldNames returns the names of all replicated fields, in declaration order
	FieldNames() []string
	// CaptureFields serializes every replicated field value
	CaptureFields() (map[string][]byte, error)
	// CaptureField serializes one replicated field value
	CaptureField(name string) ([]byte, error)
	// ApplyField applies a serialized field value received from a remote peer
	ApplyField(name string, data []byte) error

	declareField(name string, f fieldRef)
}

// fieldRef is the serialization hook every Field[T] provides to its element
type fieldRef interface {
	encodeValue() ([]byte, error)
	applyEncoded(data []byte) error
	clearSubscribers()
}

type baseElement struct {
	refID        common.RefID
	world        *World
	destroyed    bool
	fieldNames   []string
	fieldsByName map[string]fieldRef
}

func (e *baseElement) init(w *World, refID common.RefID) {
	e.world = w
	e.refID = refID
	e.fieldsByName = map[string]fieldRef{}
}

// RefID returns the element's stable reference ID
func (e *baseElement) RefID() common.RefID {
	return e.refID
}

// World returns the World owning the element
func (e *baseElement) World() *World {
	return e.world
}

// IsDestroyed returns if the element was destroyed
func (e *baseElement) IsDestroyed() bool {
	return e.destroyed
}

func (e *baseElement) declareField(name string, f fieldRef) {
	if _, ok := e.fieldsByName[name]; ok {
		wlog.Panicf("field %s declared twice on %s", name, e.refID)
	}
	e.fieldNames = append(e.fieldNames, name)
	e.fieldsByName[name] = f
}

// FieldNames returns the names of all replicated fields, in declaration order
func (e *baseElement) FieldNames() []string {
	return e.fieldNames
}

// CaptureFields serializes every replicated field value
func (e *baseElement) CaptureFields() (map[string][]byte, error) {
	fields := make(map[string][]byte, len(e.fieldNames))
	for name, f := range e.fieldsByName {
		data, err := f.encodeValue()
		if err != nil {
			return nil, errors.Wrapf(err, "encode field %s", name)
		}
		fields[name] = data
	}
	return fields, nil
}

// CaptureField serializes one replicated field value
func (e *baseElement) CaptureField(name string) ([]byte, error) {
	f, ok := e.fieldsByName[name]
	if !ok {
		return nil, errors.Errorf("element %s has no field %s", e.refID, name)
	}
	data, err := f.encodeValue()
	if err != nil {
		return nil, errors.Wrapf(err, "encode field %s", name)
	}
	return data, nil
}

// ApplyField applies a serialized field value received from a remote peer
func (e *baseElement) ApplyField(name string, data []byte) error {
	f, ok := e.fieldsByName[name]
	if !ok {
		return errors.Errorf("element %s has no field %s", e.refID, name)
	}
	return f.applyEncoded(data)
}

// finalize clears subscriber lists after the element is trashed
func (e *baseElement) finalize() {
	for _, f := range e.fieldsByName {
		f.clearSubscribers()
	}
}
