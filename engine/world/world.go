package world

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	trie_tst "github.com/xiaonanln/go-trie-tst"
	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/wutils"
)

// WorldState is the state of the world's lifecycle state machine
type WorldState int32

const (
	// StateCreated is the initial state of a new world
	StateCreated WorldState = iota
	// StateInitializingNetwork means the session layer is bringing up transport
	StateInitializingNetwork
	// StateWaitingForJoinGrant means a joining client is waiting for the
	// authority-issued grant; the world can neither apply nor originate
	// mutations in this state
	StateWaitingForJoinGrant
	// StateInitializingDataModel means the element graph is being built
	StateInitializingDataModel
	// StateRunning is the only state in which per-tick processing executes
	StateRunning
	// StateFailed is reachable from any initializing state
	StateFailed
	// StateDestroyed is terminal
	StateDestroyed
)

func (s WorldState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializingNetwork:
		return "InitializingNetwork"
	case StateWaitingForJoinGrant:
		return "WaitingForJoinGrant"
	case StateInitializingDataModel:
		return "InitializingDataModel"
	case StateRunning:
		return "Running"
	case StateFailed:
		return "Failed"
	case StateDestroyed:
		return "Destroyed"
	}
	return "Invalid"
}

var validTransitions = map[WorldState][]WorldState{
	StateCreated:               {StateInitializingNetwork, StateInitializingDataModel},
	StateInitializingNetwork:   {StateWaitingForJoinGrant, StateInitializingDataModel, StateFailed},
	StateWaitingForJoinGrant:   {StateInitializingDataModel, StateFailed},
	StateInitializingDataModel: {StateRunning, StateFailed},
	StateRunning:               {StateDestroyed},
	StateFailed:                {StateDestroyed},
}

// World is the root aggregate of one world instance: it owns the root slot,
// the element registry, the tag index, the dirty set and the buffered event
// queues, and advances the per-tick simulation clock.
type World struct {
	name      string
	state     atomic.Int32
	connector *ConnectorManager

	root       *Slot
	registry   map[common.RefID]Element
	components []IComponent
	tagIndex   trie_tst.TST

	dirty        map[common.RefID]*DirtyState
	destroyedIDs common.RefIDSet
	trash        []Element

	users       map[common.PeerID]*User
	joinedQueue []*User
	leftQueue   []*User
	queueLock   sync.Mutex

	receivers      map[EventKind][]receiverEntry
	receiversLock  sync.Mutex
	nextReceiverID ReceiverID

	authorityID common.PeerID
	isAuthority bool

	stateVersion uint64
	syncTick     uint64

	localRange RefRange
	nextRefID  common.RefID

	applyingRemote bool

	// OnSlotAdded / OnSlotRemoved are engine hooks fired when slots enter or
	// leave the registry
	OnSlotAdded   func(*Slot)
	OnSlotRemoved func(*Slot)
}

// NewWorld creates a world in the Created state
func NewWorld(name string) *World {
	w := &World{
		name:         name,
		registry:     map[common.RefID]Element{},
		dirty:        map[common.RefID]*DirtyState{},
		destroyedIDs: common.RefIDSet{},
		users:        map[common.PeerID]*User{},
		receivers:    map[EventKind][]receiverEntry{},
	}
	w.connector = newConnectorManager(w)
	return w
}

func (w *World) String() string {
	return fmt.Sprintf("World<%s>", w.name)
}

// Name returns the world's name
func (w *World) Name() string {
	return w.name
}

// State returns the current lifecycle state
func (w *World) State() WorldState {
	return WorldState(w.state.Load())
}

// TransitionTo advances the lifecycle state machine; illegal transitions are
// fatal logic errors
func (w *World) TransitionTo(next WorldState) {
	cur := w.State()
	for _, allowed := range validTransitions[cur] {
		if allowed == next {
			w.state.Store(int32(next))
			wlog.Infof("%s state: %s -> %s", w, cur, next)
			return
		}
	}
	wlog.Panicf("%s: illegal state transition %s -> %s", w, cur, next)
}

// Gate returns the world's mutation-ownership gate
func (w *World) Gate() *ConnectorManager {
	return w.connector
}

func (w *World) threadCheck() {
	w.connector.ThreadCheck()
}

// SetAuthority records the authority peer and whether this process is it
func (w *World) SetAuthority(id common.PeerID, isAuthority bool) {
	w.authorityID = id
	w.isAuthority = isAuthority
}

// AuthorityID returns the peer whose view of world state is canonical
func (w *World) AuthorityID() common.PeerID {
	return w.authorityID
}

// IsAuthority returns if this process is the authority
func (w *World) IsAuthority() bool {
	return w.isAuthority
}

// SetLocalRange assigns the RefID range this world mints new element IDs from
func (w *World) SetLocalRange(r RefRange) {
	w.localRange = r
	w.nextRefID = r.Start
}

// LocalRange returns the locally assigned RefID range
func (w *World) LocalRange() RefRange {
	return w.localRange
}

func (w *World) newRefID() common.RefID {
	if w.localRange.IsNil() {
		wlog.Panicf("%s has no RefID range assigned", w)
	}
	if w.nextRefID >= w.localRange.End {
		wlog.Panicf("%s exhausted its RefID range %s", w, w.localRange)
	}
	id := w.nextRefID
	w.nextRefID++
	return id
}

// Initialize builds the initial data model. On the authority this creates the
// root slot; a joining client instead imports the root from the join grant's
// state snapshot.
func (w *World) Initialize() {
	if w.State() != StateInitializingDataModel {
		wlog.Panicf("%s.Initialize called in state %s", w, w.State())
	}
	if w.isAuthority && w.root == nil {
		w.makeSlot(w.newRefID(), "Root", nil)
	}
}

// RootSlot returns the world's root slot
func (w *World) RootSlot() *Slot {
	return w.root
}

// GetElement looks an element up by RefID, nil if unknown or destroyed
func (w *World) GetElement(id common.RefID) Element {
	return w.registry[id]
}

// NumElements returns the number of live elements
func (w *World) NumElements() int {
	return len(w.registry)
}

// NewSlot creates a slot with a locally minted RefID. A nil parent attaches
// the slot under the root.
func (w *World) NewSlot(name string, parent *Slot) *Slot {
	w.threadCheck()
	if parent == nil {
		parent = w.root
	}
	if parent == nil {
		wlog.Panicf("%s.NewSlot: world has no root slot yet", w)
	}
	s := w.makeSlot(w.newRefID(), name, parent)
	w.MarkElementDirty(s)
	return s
}

// ImportSlot creates a slot carrying a remotely minted RefID; used by the
// sync layer when applying replicated state. It does not mark the slot dirty.
func (w *World) ImportSlot(refID common.RefID, name string, parent *Slot) *Slot {
	return w.makeSlot(refID, name, parent)
}

func (w *World) makeSlot(refID common.RefID, name string, parent *Slot) *Slot {
	s := &Slot{activeSelf: true}
	s.init(w, refID)
	s.Name = NewField[string](s, "Name", name)
	s.LocalPosition = NewField[Vector3](s, "LocalPosition", Vector3{})
	s.LocalRotation = NewField[Quaternion](s, "LocalRotation", IdentityQuaternion())
	s.LocalScale = NewField[Vector3](s, "LocalScale", OneVector3())

	if parent != nil {
		s.parent = parent
		parent.children = append(parent.children, s)
	} else {
		if w.root != nil {
			wlog.Panicf("%s already has a root slot", w)
		}
		w.root = s
	}
	w.registerSlot(s)
	return s
}

// AddComponent instantiates a registered component type and attaches it to
// the slot with a locally minted RefID
func (w *World) AddComponent(slot *Slot, typeName string) (IComponent, error) {
	w.threadCheck()
	ic, err := createComponentInstance(typeName)
	if err != nil {
		return nil, err
	}
	w.attachComponent(ic, slot, w.newRefID())
	w.MarkElementDirty(ic)
	return ic, nil
}

// ImportComponent attaches a component carrying a remotely minted RefID; used
// by the sync layer when applying replicated state
func (w *World) ImportComponent(refID common.RefID, typeName string, slot *Slot) (IComponent, error) {
	ic, err := createComponentInstance(typeName)
	if err != nil {
		return nil, err
	}
	w.attachComponent(ic, slot, refID)
	return ic, nil
}

func (w *World) attachComponent(ic IComponent, slot *Slot, refID common.RefID) {
	c := ic.base()
	c.init(w, refID)
	c.slot = slot
	c.Enabled = NewField[bool](ic, "Enabled", true)
	slot.components = append(slot.components, ic)
	w.registerComponent(ic)
	wutils.RunPanicless(ic.OnAwake)
}

// DestroyByRefID applies a remotely originated destroy. Unknown RefIDs are
// ignored (the element may have been destroyed locally already). The destroy
// is not re-queued for replication.
func (w *World) DestroyByRefID(id common.RefID) {
	e := w.registry[id]
	if e == nil {
		return
	}
	w.applyingRemote = true
	defer func() { w.applyingRemote = false }()

	switch el := e.(type) {
	case *Slot:
		el.destroySlot()
	case IComponent:
		destroyComponent(el)
	default:
		wlog.Panicf("%s: unknown element kind for %s", w, id)
	}
}

func (w *World) registerSlot(s *Slot) {
	w.registry[s.refID] = s
	if w.OnSlotAdded != nil {
		w.OnSlotAdded(s)
	}
}

func (w *World) unregisterSlot(s *Slot) {
	delete(w.registry, s.refID)
	delete(w.dirty, s.refID)
	if s.tag != "" {
		w.retagSlot(s, s.tag, "")
	}
	w.noteDestroyed(s.refID)
	w.trash = append(w.trash, s)
	if w.OnSlotRemoved != nil {
		w.OnSlotRemoved(s)
	}
}

func (w *World) registerComponent(ic IComponent) {
	w.registry[ic.RefID()] = ic
	w.components = append(w.components, ic)
}

func (w *World) unregisterComponent(ic IComponent) {
	delete(w.registry, ic.RefID())
	delete(w.dirty, ic.RefID())
	for i, c := range w.components {
		if c == ic {
			w.components = append(w.components[:i:i], w.components[i+1:]...)
			break
		}
	}
	w.noteDestroyed(ic.RefID())
	w.trash = append(w.trash, ic)
}

func (w *World) noteDestroyed(id common.RefID) {
	if w.applyingRemote {
		return
	}
	w.destroyedIDs.Add(id)
	if w.isAuthority {
		w.stateVersion++
	}
}

func (w *World) retagSlot(s *Slot, oldTag, newTag string) {
	if oldTag != "" {
		if set := w.tagSlots(oldTag, false); set != nil {
			delete(set, s.refID)
		}
	}
	if newTag != "" {
		w.tagSlots(newTag, true)[s.refID] = s
	}
}

func (w *World) tagSlots(tag string, create bool) map[common.RefID]*Slot {
	t := w.tagIndex.Sub(tag)
	if t.Val == nil {
		if !create {
			return nil
		}
		t.Val = map[common.RefID]*Slot{}
	}
	return t.Val.(map[common.RefID]*Slot)
}

// GetSlotsByTag returns all live slots carrying the tag
func (w *World) GetSlotsByTag(tag string) []*Slot {
	set := w.tagSlots(tag, false)
	if set == nil {
		return nil
	}
	slots := make([]*Slot, 0, len(set))
	for _, s := range set {
		slots = append(slots, s)
	}
	return slots
}

// DirtyState records what changed on one element since the last flush
type DirtyState struct {
	Element Element
	// Fields holds the names of changed replicated fields
	Fields common.StringSet
	// Structural means creation, reparenting, tagging or activation changed
	// and the element's full state must replicate
	Structural bool
}

// IsTransformOnly reports if the change is limited to slot transform fields,
// which ride the unreliable background channel
func (d *DirtyState) IsTransformOnly() bool {
	if d.Structural || len(d.Fields) == 0 {
		return false
	}
	if _, ok := d.Element.(*Slot); !ok {
		return false
	}
	for name := range d.Fields {
		if name != "LocalPosition" && name != "LocalRotation" && name != "LocalScale" {
			return false
		}
	}
	return true
}

func (w *World) dirtyStateOf(e Element) *DirtyState {
	if e.IsDestroyed() {
		return nil
	}
	d := w.dirty[e.RefID()]
	if d == nil {
		d = &DirtyState{Element: e, Fields: common.StringSet{}}
		w.dirty[e.RefID()] = d
	}
	if w.isAuthority {
		w.stateVersion++
	}
	return d
}

// MarkElementDirty registers a structural change of the element. Repeated
// marks between two flushes coalesce to one replication unit.
func (w *World) MarkElementDirty(e Element) {
	if d := w.dirtyStateOf(e); d != nil {
		d.Structural = true
	}
}

// MarkFieldDirty registers a value change of one replicated field
func (w *World) MarkFieldDirty(e Element, field string) {
	if d := w.dirtyStateOf(e); d != nil {
		d.Fields.Add(field)
	}
}

// GetDirtyElements returns the changes since the last flush, in ascending
// RefID order. Call ClearDirtyElements after serializing them.
func (w *World) GetDirtyElements() []*DirtyState {
	dirty := make([]*DirtyState, 0, len(w.dirty))
	for _, d := range w.dirty {
		if !d.Element.IsDestroyed() {
			dirty = append(dirty, d)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Element.RefID() < dirty[j].Element.RefID() })
	return dirty
}

// DestroyedRefIDs returns the RefIDs destroyed since the last flush
func (w *World) DestroyedRefIDs() []common.RefID {
	return w.destroyedIDs.ToList()
}

// ClearDirtyElements empties the dirty set and the destroyed set
// unconditionally
func (w *World) ClearDirtyElements() {
	w.dirty = map[common.RefID]*DirtyState{}
	w.destroyedIDs = common.RefIDSet{}
}

// ApplyTransform applies a remotely originated transform update. It fires
// field subscribers but never marks the slot dirty; unknown RefIDs are
// ignored since transform updates may outrun or outlive their slot.
func (w *World) ApplyTransform(id common.RefID, pos Vector3, rot Quaternion, scale Vector3) {
	s, ok := w.registry[id].(*Slot)
	if !ok {
		return
	}
	s.LocalPosition.applyValue(pos)
	s.LocalRotation.applyValue(rot)
	s.LocalScale.applyValue(scale)
}

// StateVersion returns the monotonic authority change counter
func (w *World) StateVersion() uint64 {
	return w.stateVersion
}

// SetStateVersion fast-forwards the change counter (on clients, from grants
// and deltas)
func (w *World) SetStateVersion(v uint64) {
	if v > w.stateVersion {
		w.stateVersion = v
	}
}

// SyncTick returns the synchronization cycle counter
func (w *World) SyncTick() uint64 {
	return w.syncTick
}

// AdvanceSyncTick increments the synchronization cycle counter
func (w *World) AdvanceSyncTick() uint64 {
	w.syncTick++
	return w.syncTick
}

// SetSyncTick fast-forwards the synchronization cycle counter from a snapshot
func (w *World) SetSyncTick(v uint64) {
	if v > w.syncTick {
		w.syncTick = v
	}
}

// ApplySlotState applies remotely originated structural slot state: parent,
// tag, activation and persistence. It never re-marks the slot dirty.
func (w *World) ApplySlotState(id common.RefID, parentID common.RefID, tag string, active, persistent bool) {
	s, ok := w.registry[id].(*Slot)
	if !ok {
		return
	}

	if parentID != common.NilRefID {
		parent, ok := w.registry[parentID].(*Slot)
		if ok && parent != s.parent {
			cyclic := false
			for p := parent; p != nil; p = p.parent {
				if p == s {
					cyclic = true
					break
				}
			}
			if cyclic {
				wlog.Warnf("%s: ignoring cyclic reparent of %s under %s", w, s, parent)
			} else {
				if s.parent != nil {
					s.parent.removeChild(s)
				}
				s.parent = parent
				parent.children = append(parent.children, s)
			}
		}
	}

	if s.tag != tag {
		w.retagSlot(s, s.tag, tag)
		s.tag = tag
	}
	s.activeSelf = active
	s.persistent = persistent
}

// AddUser buffers a joined user; the UserJoined event fires from the next
// RunWorldEvents pass
func (w *World) AddUser(u *User) {
	w.queueLock.Lock()
	defer w.queueLock.Unlock()
	w.users[u.PeerID] = u
	w.joinedQueue = append(w.joinedQueue, u)
}

// RemoveUser buffers a left user; the UserLeft event fires from the next
// RunWorldEvents pass
func (w *World) RemoveUser(id common.PeerID) {
	w.queueLock.Lock()
	defer w.queueLock.Unlock()
	u := w.users[id]
	if u == nil {
		return
	}
	delete(w.users, id)
	w.leftQueue = append(w.leftQueue, u)
}

// GetUser returns the user with the PeerID, nil if unknown
func (w *World) GetUser(id common.PeerID) *User {
	w.queueLock.Lock()
	defer w.queueLock.Unlock()
	return w.users[id]
}

// Users returns all current users
func (w *World) Users() []*User {
	w.queueLock.Lock()
	defer w.queueLock.Unlock()
	users := make([]*User, 0, len(w.users))
	for _, u := range w.users {
		users = append(users, u)
	}
	return users
}

// RunWorldEvents flushes the buffered join/leave queues to the registered
// event receivers. Dispatch is deferred to this per-tick pass so a handler
// can never reentrantly mutate the receiver list mid-notification.
func (w *World) RunWorldEvents() {
	w.queueLock.Lock()
	joined := w.joinedQueue
	left := w.leftQueue
	w.joinedQueue = nil
	w.leftQueue = nil
	w.queueLock.Unlock()

	for _, u := range joined {
		w.dispatchEvent(Event{Kind: EventUserJoined, World: w, User: u})
	}
	for _, u := range left {
		w.dispatchEvent(Event{Kind: EventUserLeft, World: w, User: u})
	}
}

// SetFocused dispatches the FocusChanged event
func (w *World) SetFocused(focused bool) {
	w.dispatchEvent(Event{Kind: EventFocusChanged, World: w, Focused: focused})
}

// Tick runs one host-engine tick: buffered event dispatch, component updates
// and trash collection. Ticks are no-ops outside the Running state.
func (w *World) Tick() {
	if w.State() != StateRunning {
		return
	}

	w.RunWorldEvents()

	for _, ic := range append([]IComponent(nil), w.components...) {
		c := ic.base()
		if c.destroyed || !c.Enabled.Get() {
			continue
		}
		if !c.started {
			c.started = true
			wutils.RunPanicless(ic.OnStart)
		}
		wutils.RunPanicless(ic.OnUpdate)
	}

	w.collectTrash()
}

func (w *World) collectTrash() {
	if len(w.trash) == 0 {
		return
	}
	if consts.DEBUG_WORLD_EVENTS {
		wlog.Debugf("%s collecting %d trashed elements", w, len(w.trash))
	}
	for _, e := range w.trash {
		if fin, ok := e.(interface{ finalize() }); ok {
			fin.finalize()
		}
	}
	w.trash = nil
}

// Destroy tears the world down: the WorldDestroy event fires, the whole slot
// tree cascades and the state machine terminates
func (w *World) Destroy() {
	st := w.State()
	if st == StateDestroyed {
		return
	}
	if st != StateRunning && st != StateFailed {
		wlog.Panicf("%s.Destroy called in state %s", w, st)
	}

	w.dispatchEvent(Event{Kind: EventWorldDestroy, World: w})

	if w.root != nil {
		root := w.root
		w.root = nil
		root.destroySlot()
	}
	w.TransitionTo(StateDestroyed)
	w.collectTrash()
}
