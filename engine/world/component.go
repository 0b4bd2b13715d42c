package world

import (
	"fmt"
	"reflect"

	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/wutils"
)

// IComponent declares the contract of everything attachable to a Slot.
// Concrete component types embed Component and override the lifecycle hooks
// they care about.
type IComponent interface {
	Element

	// Slot returns the owning slot, non-nil for the component's lifetime
	Slot() *Slot
	// TypeName returns the registered type name of the component
	TypeName() string

	// OnAwake is called once when the component is attached to a slot.
	// Replicated fields must be declared here (or earlier), so that a
	// remote peer's field values can be applied right after attach.
	OnAwake()
	// OnStart is called once, after awake, before the first update
	OnStart()
	// OnUpdate is called every world tick while the component is enabled
	OnUpdate()
	// OnDestroy is called exactly once when the component is destroyed
	OnDestroy()

	base() *Component
}

// Component is the base struct of all components
type Component struct {
	baseElement

	// Enabled gates the component's periodic update
	Enabled *Field[bool]

	// I is the concrete component instance, for virtual dispatch of hooks
	I IComponent

	slot     *Slot
	typeName string
	started  bool
}

func (c *Component) base() *Component { return c }

func (c *Component) String() string {
	return fmt.Sprintf("%s<%s>", c.typeName, c.refID)
}

// Slot returns the owning slot
func (c *Component) Slot() *Slot {
	return c.slot
}

// TypeName returns the registered type name of the component
func (c *Component) TypeName() string {
	return c.typeName
}

// OnAwake is called once when the component is attached to a slot
func (c *Component) OnAwake() {}

// OnStart is called once, after awake, before the first update
func (c *Component) OnStart() {}

// OnUpdate is called every world tick while the component is enabled
func (c *Component) OnUpdate() {}

// OnDestroy is called exactly once when the component is destroyed
func (c *Component) OnDestroy() {}

// Destroy destroys the component and detaches it from its slot
func (c *Component) Destroy() {
	if c.destroyed {
		return
	}
	c.world.threadCheck()
	destroyComponent(c.I)
}

func destroyComponent(ic IComponent) {
	c := ic.base()
	if c.destroyed {
		return
	}

	wutils.RunPanicless(ic.OnDestroy)
	c.destroyed = true
	if c.slot != nil {
		c.slot.removeComponent(ic)
	}
	c.world.unregisterComponent(ic)
	c.slot = nil
}

var registeredComponentTypes = map[string]reflect.Type{}

// RegisterComponentType registers a concrete component type under a stable
// type name so remote peers can instantiate it from replicated state
func RegisterComponentType(typeName string, c IComponent) {
	if _, ok := registeredComponentTypes[typeName]; ok {
		wlog.Panicf("component type %s registered twice", typeName)
	}
	objType := reflect.Indirect(reflect.ValueOf(c)).Type()
	registeredComponentTypes[typeName] = objType
	wlog.Debugf("Registered component type %s => %s", typeName, objType.Name())
}

func createComponentInstance(typeName string) (IComponent, error) {
	objType, ok := registeredComponentTypes[typeName]
	if !ok {
		return nil, fmt.Errorf("component type %s is not registered", typeName)
	}
	ic := reflect.New(objType).Interface().(IComponent)
	c := ic.base()
	c.I = ic
	c.typeName = typeName
	return ic, nil
}
