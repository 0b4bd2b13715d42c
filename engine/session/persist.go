package session

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/xiaonanln/typeconv"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/storage"
	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/world"
)

// _WORLD_CATEGORY is the storage category of saved worlds
const _WORLD_CATEGORY = "world"

// SaveWorld captures every persistent slot of the session's world and writes
// the record to storage asynchronously. Must be called from the pump
// goroutine; the callback runs there too, on a later tick.
func (s *Session) SaveWorld(callback storage.SaveCallbackFunc) error {
	record, err := buildWorldRecord(s.world)
	if err != nil {
		return err
	}
	storage.Save(_WORLD_CATEGORY, s.world.Name(), record, callback)
	return nil
}

// LoadWorld loads a saved world record and applies it to the session's world.
// Only the authority may restore saved state; restored slots replicate to
// peers through the normal dirty tracking.
func (s *Session) LoadWorld(callback func(err error)) {
	if !s.isHost {
		callback(errors.Errorf("only the host can load a saved world"))
		return
	}

	name := s.world.Name()
	storage.Load(_WORLD_CATEGORY, name, func(data interface{}, err error) {
		if err != nil {
			callback(err)
			return
		}
		if data == nil {
			callback(errors.Errorf("world %s has no saved record", name))
			return
		}
		callback(applyWorldRecord(s.world, data))
	})
}

// buildWorldRecord walks the slot tree and captures persistent slots, parents
// before children so restore can attach in one forward pass. Field values are
// kept as base64 strings so the record survives every storage backend.
func buildWorldRecord(w *world.World) (map[string]interface{}, error) {
	var slots []interface{}

	var walk func(sl *world.Slot) error
	walk = func(sl *world.Slot) error {
		if sl.IsPersistent() {
			rec, err := slotRecord(sl)
			if err != nil {
				return err
			}
			slots = append(slots, rec)
		}
		for _, child := range sl.Children() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(w.RootSlot()); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"name":         w.Name(),
		"stateVersion": w.StateVersion(),
		"slots":        slots,
	}, nil
}

func slotRecord(sl *world.Slot) (map[string]interface{}, error) {
	fields, err := encodeFieldRecord(sl)
	if err != nil {
		return nil, err
	}

	var components []interface{}
	for _, c := range sl.Components() {
		cfields, err := encodeFieldRecord(c)
		if err != nil {
			return nil, err
		}
		components = append(components, map[string]interface{}{
			"id":     uint64(c.RefID()),
			"type":   c.TypeName(),
			"fields": cfields,
		})
	}

	parentID := uint64(0)
	if sl.Parent() != nil {
		parentID = uint64(sl.Parent().RefID())
	}
	return map[string]interface{}{
		"id":         uint64(sl.RefID()),
		"parent":     parentID,
		"tag":        sl.Tag(),
		"active":     sl.ActiveSelf(),
		"fields":     fields,
		"components": components,
	}, nil
}

func encodeFieldRecord(e world.Element) (map[string]interface{}, error) {
	captured, err := e.CaptureFields()
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(captured))
	for name, data := range captured {
		fields[name] = base64.URLEncoding.EncodeToString(data)
	}
	return fields, nil
}

func applyWorldRecord(w *world.World, data interface{}) error {
	record := typeconv.MapStringAnything(data)
	if record == nil {
		return errors.Errorf("malformed world record")
	}

	slots, _ := record["slots"].([]interface{})
	for _, item := range slots {
		if err := applySlotRecord(w, typeconv.MapStringAnything(item)); err != nil {
			return err
		}
	}
	return nil
}

func applySlotRecord(w *world.World, rec map[string]interface{}) error {
	if rec == nil {
		return errors.Errorf("malformed slot record")
	}

	refID := common.RefID(typeconv.Int(rec["id"]))
	parentID := common.RefID(typeconv.Int(rec["parent"]))

	var parent *world.Slot
	if !parentID.IsNil() {
		parent, _ = w.GetElement(parentID).(*world.Slot)
	}
	if parent == nil {
		parent = w.RootSlot()
	}

	sl, _ := w.GetElement(refID).(*world.Slot)
	if sl == nil {
		sl = w.NewSlot("", parent)
	}
	if tag, ok := rec["tag"].(string); ok && tag != "" {
		sl.SetTag(tag)
	}
	if active, ok := rec["active"].(bool); ok {
		sl.SetActive(active)
	}
	sl.SetPersistent(true)

	if err := applyFieldRecord(sl, rec["fields"]); err != nil {
		return err
	}

	components, _ := rec["components"].([]interface{})
	for _, item := range components {
		crec := typeconv.MapStringAnything(item)
		if crec == nil {
			continue
		}
		typeName, _ := crec["type"].(string)
		c := sl.GetComponent(typeName)
		if c == nil {
			var err error
			c, err = w.AddComponent(sl, typeName)
			if err != nil {
				wlog.Errorf("restore world: component type %s: %v", typeName, err)
				continue
			}
		}
		if err := applyFieldRecord(c, crec["fields"]); err != nil {
			return err
		}
	}
	return nil
}

func applyFieldRecord(e world.Element, v interface{}) error {
	fields := typeconv.MapStringAnything(v)
	for name, encoded := range fields {
		text, ok := encoded.(string)
		if !ok {
			continue
		}
		data, err := base64.URLEncoding.DecodeString(text)
		if err != nil {
			return errors.Wrapf(err, "decode field %s", name)
		}
		if err := e.ApplyField(name, data); err != nil {
			wlog.Debugf("restore world: field %s on %s: %v", name, e.RefID(), err)
		}
	}
	return nil
}
