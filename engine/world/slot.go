package world

import (
	"fmt"

	"github.com/loomworld/loom/engine/wlog"
)

// Slot is one node of the world's scene graph. Slots own their child slots
// and attached components; the parent pointer is a weak back-reference.
type Slot struct {
	baseElement

	// Name is the slot's display name
	Name *Field[string]
	// LocalPosition / LocalRotation / LocalScale are the slot's transform
	// relative to its parent
	LocalPosition *Field[Vector3]
	LocalRotation *Field[Quaternion]
	LocalScale    *Field[Vector3]

	activeSelf bool
	persistent bool
	tag        string
	parent     *Slot
	children   []*Slot
	components []IComponent
}

func (s *Slot) String() string {
	if s == nil {
		return "Slot<nil>"
	}
	return fmt.Sprintf("Slot<%s %s>", s.Name.Get(), s.refID)
}

// Parent returns the slot's parent, nil for the root slot
func (s *Slot) Parent() *Slot {
	return s.parent
}

// Children returns a copy of the slot's ordered child list
func (s *Slot) Children() []*Slot {
	return append([]*Slot(nil), s.children...)
}

// Components returns a copy of the slot's ordered component list
func (s *Slot) Components() []IComponent {
	return append([]IComponent(nil), s.components...)
}

// ActiveSelf returns if the slot itself is active
func (s *Slot) ActiveSelf() bool {
	return s.activeSelf
}

// SetActive sets the slot's own active flag
func (s *Slot) SetActive(active bool) {
	s.world.threadCheck()
	if s.activeSelf == active {
		return
	}
	s.activeSelf = active
	s.world.MarkElementDirty(s)
}

// IsPersistent returns if the slot is saved with the world
func (s *Slot) IsPersistent() bool {
	return s.persistent
}

// SetPersistent marks the slot for world persistence
func (s *Slot) SetPersistent(persistent bool) {
	s.world.threadCheck()
	s.persistent = persistent
}

// Tag returns the slot's tag, "" if untagged
func (s *Slot) Tag() string {
	return s.tag
}

// SetTag tags the slot and updates the world's tag index
func (s *Slot) SetTag(tag string) {
	s.world.threadCheck()
	if s.tag == tag {
		return
	}
	s.world.retagSlot(s, s.tag, tag)
	s.tag = tag
	s.world.MarkElementDirty(s)
}

// SetParent moves the slot under another parent. Re-parenting under a
// descendant of the slot is illegal.
func (s *Slot) SetParent(parent *Slot) {
	s.world.threadCheck()
	if parent == nil {
		wlog.Panicf("%s.SetParent: parent must not be nil, only the root slot is parentless", s)
	}
	if parent.IsDestroyed() {
		wlog.Panicf("%s.SetParent: parent %s is destroyed", s, parent)
	}
	for p := parent; p != nil; p = p.parent {
		if p == s {
			wlog.Panicf("%s.SetParent: %s is a descendant of the slot", s, parent)
		}
	}

	if s.parent != nil {
		s.parent.removeChild(s)
	}
	s.parent = parent
	parent.children = append(parent.children, s)
	s.world.MarkElementDirty(s)
}

// FindChild returns the first direct child with the given name, nil if none
func (s *Slot) FindChild(name string) *Slot {
	for _, child := range s.children {
		if child.Name.Get() == name {
			return child
		}
	}
	return nil
}

// GetComponent returns the first attached component of the given type name,
// nil if none
func (s *Slot) GetComponent(typeName string) IComponent {
	for _, c := range s.components {
		if c.TypeName() == typeName {
			return c
		}
	}
	return nil
}

// Destroy destroys the slot, cascading to all descendants and attached
// components first. Destroying the root slot directly is illegal; it is torn
// down by World.Destroy.
func (s *Slot) Destroy() {
	if s.destroyed {
		return
	}
	if s.world.root == s {
		wlog.Panicf("%s: the root slot can only be destroyed with the world", s)
	}
	s.world.threadCheck()
	s.destroySlot()
}

func (s *Slot) destroySlot() {
	if s.destroyed {
		return
	}

	for _, child := range s.Children() {
		child.destroySlot()
	}
	for _, c := range s.Components() {
		destroyComponent(c)
	}

	s.destroyed = true
	if s.parent != nil {
		s.parent.removeChild(s)
		s.parent = nil
	}
	s.world.unregisterSlot(s)
}

func (s *Slot) removeChild(child *Slot) {
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i:i], s.children[i+1:]...)
			return
		}
	}
}

func (s *Slot) removeComponent(comp IComponent) {
	for i, c := range s.components {
		if c == comp {
			s.components = append(s.components[:i:i], s.components[i+1:]...)
			return
		}
	}
}
