package session

import (
	"github.com/pkg/errors"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/netutil"
	"github.com/loomworld/loom/engine/proto"
	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/world"
)

func (s *Session) handleHostMessage(peer *netutil.Peer, msgtype proto.MsgType, packet *netutil.Packet) {
	switch msgtype {
	case proto.MT_JOIN_REQUEST:
		var req proto.JoinRequest
		packet.ReadData(&req)
		s.handleJoinRequest(peer, &req)
	case proto.MT_DELTA_SYNC:
		var msg proto.DeltaSync
		packet.ReadData(&msg)
		s.applyDeltaSync(&msg)
		// the authority relays every peer's changes to everyone else
		s.broadcast(proto.MT_DELTA_SYNC, &msg, peer.ID())
	case proto.MT_LEAVE_SESSION:
		wlog.Infof("%s: peer %s leaving", s, peer)
		peer.Close()
	case proto.MT_SESSION_QUERY:
		s.sendMsg(peer, proto.MT_SESSION_INFO, &proto.SessionInfo{
			Name:     s.name,
			NumUsers: len(s.world.Users()),
			MaxUsers: s.cfg.MaxPeers,
			Protocol: proto.PROTOCOL_VERSION,
		})
		peer.Flush()
	default:
		wlog.TraceError("%s: unknown message type %d from %s", s, msgtype, peer)
	}
}

func (s *Session) handleClientMessage(peer *netutil.Peer, msgtype proto.MsgType, packet *netutil.Packet) {
	switch msgtype {
	case proto.MT_JOIN_GRANT:
		var grant proto.JoinGrant
		packet.ReadData(&grant)
		s.applyJoinGrant(&grant)
	case proto.MT_JOIN_REFUSED:
		var refused proto.JoinRefused
		packet.ReadData(&refused)
		wlog.Errorf("%s: join refused (%d): %s", s, refused.Code, refused.Reason)
		s.world.TransitionTo(world.StateFailed)
		s.terminating.Store(true)
	case proto.MT_DELTA_SYNC:
		var msg proto.DeltaSync
		packet.ReadData(&msg)
		s.applyDeltaSync(&msg)
	case proto.MT_USER_JOINED:
		var joined proto.UserJoined
		packet.ReadData(&joined)
		s.world.AddUser(userFromInfo(&joined.User))
	case proto.MT_USER_LEFT:
		var left proto.UserLeft
		packet.ReadData(&left)
		s.world.RemoveUser(common.PeerID(left.PeerID))
	default:
		wlog.TraceError("%s: unknown message type %d from host", s, msgtype)
	}
}

func (s *Session) handleJoinRequest(peer *netutil.Peer, req *proto.JoinRequest) {
	w := s.world

	if req.Protocol != proto.PROTOCOL_VERSION {
		s.refuseJoin(peer, proto.REFUSE_BAD_PROTOCOL, "protocol version mismatch")
		return
	}

	rng, err := s.allocator.AllocateRange(peer.ID())
	if err != nil {
		wlog.Errorf("%s: %v", s, err)
		s.refuseJoin(peer, proto.REFUSE_RANGES_EXHAUSTED, "no RefID range available")
		return
	}

	snapshot, err := s.buildSnapshot()
	if err != nil {
		wlog.Errorf("%s: snapshot for %s: %v", s, peer, err)
		s.refuseJoin(peer, proto.REFUSE_NOT_ACCEPTING, "snapshot failed")
		return
	}

	users := make([]proto.UserInfo, 0, len(w.Users()))
	for _, u := range w.Users() {
		users = append(users, userInfo(u))
	}

	grant := &proto.JoinGrant{
		PeerID:      uint32(peer.ID()),
		AuthorityID: uint32(w.AuthorityID()),
		RangeStart:  uint64(rng.Start),
		RangeEnd:    uint64(rng.End),
		Users:       users,
		Snapshot:    *snapshot,
	}
	if err := s.sendMsg(peer, proto.MT_JOIN_GRANT, grant); err != nil {
		wlog.Errorf("%s: send grant to %s: %v", s, peer, err)
		peer.Close()
		return
	}
	peer.Flush()

	s.peersLock.Lock()
	delete(s.pending, peer)
	s.peers[peer.ID()] = peer
	s.peersLock.Unlock()

	user := &world.User{PeerID: peer.ID(), Name: req.UserName, Range: rng}
	w.AddUser(user)
	s.broadcast(proto.MT_USER_JOINED, &proto.UserJoined{User: userInfo(user)}, peer.ID())
	wlog.Infof("%s: admitted %s as %s with range %s", s, req.UserName, peer.ID(), rng)
}

func (s *Session) refuseJoin(peer *netutil.Peer, code int, reason string) {
	s.sendMsg(peer, proto.MT_JOIN_REFUSED, &proto.JoinRefused{Code: code, Reason: reason})
	peer.Flush()
	peer.Close()
}

func (s *Session) applyJoinGrant(grant *proto.JoinGrant) {
	if s.granted {
		return
	}
	s.granted = true
	if s.grantTimer != nil {
		s.grantTimer.Cancel()
	}

	w := s.world
	s.localPeerID = common.PeerID(grant.PeerID)
	rng := world.RefRange{Start: common.RefID(grant.RangeStart), End: common.RefID(grant.RangeEnd)}

	w.SetAuthority(common.PeerID(grant.AuthorityID), false)
	w.SetLocalRange(rng)

	w.TransitionTo(world.StateInitializingDataModel)
	s.applySnapshot(&grant.Snapshot)

	for i := range grant.Users {
		w.AddUser(userFromInfo(&grant.Users[i]))
	}
	w.AddUser(&world.User{PeerID: s.localPeerID, Name: s.userName, Range: rng})

	w.TransitionTo(world.StateRunning)
	wlog.Infof("%s: join granted, peer %s, range %s, %d elements",
		s, s.localPeerID, rng, len(grant.Snapshot.Elements))
}

// buildSnapshot serializes the full element graph, parents before children
// and slots before their components
func (s *Session) buildSnapshot() (*proto.WorldSnapshot, error) {
	w := s.world
	root := w.RootSlot()
	snap := &proto.WorldSnapshot{
		RootID:       uint64(root.RefID()),
		StateVersion: w.StateVersion(),
		SyncTick:     w.SyncTick(),
	}

	var walk func(sl *world.Slot) error
	walk = func(sl *world.Slot) error {
		delta, err := fullSlotDelta(sl)
		if err != nil {
			return err
		}
		snap.Elements = append(snap.Elements, *delta)

		for _, c := range sl.Components() {
			cd, err := fullComponentDelta(c)
			if err != nil {
				return err
			}
			snap.Elements = append(snap.Elements, *cd)
		}
		for _, child := range sl.Children() {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Session) applySnapshot(snap *proto.WorldSnapshot) {
	w := s.world
	for i := range snap.Elements {
		s.applyElementDelta(&snap.Elements[i])
	}
	w.SetStateVersion(snap.StateVersion)
	w.SetSyncTick(snap.SyncTick)
}

func (s *Session) applyDeltaSync(msg *proto.DeltaSync) {
	w := s.world
	if consts.DEBUG_SYNC {
		wlog.Debugf("%s: applying delta tick=%d elements=%d destroyed=%d",
			s, msg.Tick, len(msg.Elements), len(msg.Destroyed))
	}

	for i := range msg.Elements {
		s.applyElementDelta(&msg.Elements[i])
	}
	for _, id := range msg.Destroyed {
		w.DestroyByRefID(common.RefID(id))
	}
	if !s.isHost {
		w.SetStateVersion(msg.StateVersion)
	}
}

func (s *Session) applyElementDelta(ed *proto.ElementDelta) {
	w := s.world
	refID := common.RefID(ed.RefID)
	e := w.GetElement(refID)

	if e == nil {
		switch ed.Kind {
		case proto.ELEMENT_SLOT:
			var parent *world.Slot
			if ed.ParentID != 0 {
				parent, _ = w.GetElement(common.RefID(ed.ParentID)).(*world.Slot)
				if parent == nil {
					// parent may have been destroyed concurrently; keep the
					// slot reachable rather than dropping its subtree
					wlog.Warnf("%s: parent %d of slot %d unknown, attaching under root", s, ed.ParentID, ed.RefID)
					parent = w.RootSlot()
				}
			} else if w.RootSlot() != nil {
				wlog.Warnf("%s: ignoring second root slot %d", s, ed.RefID)
				return
			}
			e = w.ImportSlot(refID, "", parent)
		case proto.ELEMENT_COMPONENT:
			owner, _ := w.GetElement(common.RefID(ed.OwnerID)).(*world.Slot)
			if owner == nil {
				wlog.Warnf("%s: owner %d of component %d unknown, dropping", s, ed.OwnerID, ed.RefID)
				return
			}
			ic, err := w.ImportComponent(refID, ed.TypeName, owner)
			if err != nil {
				wlog.Errorf("%s: import component %d: %v", s, ed.RefID, err)
				return
			}
			e = ic
		default:
			wlog.Errorf("%s: unknown element kind %d", s, ed.Kind)
			return
		}
	}

	if ed.Structural && ed.Kind == proto.ELEMENT_SLOT {
		w.ApplySlotState(refID, common.RefID(ed.ParentID), ed.Tag, ed.ActiveSelf, ed.Persistent)
	}

	for name, data := range ed.Fields {
		if err := e.ApplyField(name, data); err != nil {
			wlog.Debugf("%s: apply field %s on %s: %v", s, name, refID, err)
		}
	}
}

// flushOutbound serializes everything changed since the last sync tick.
// Transform-only slot changes ride the background channel; everything else
// goes out as one reliable DeltaSync.
func (s *Session) flushOutbound() {
	w := s.world
	dirty := w.GetDirtyElements()
	destroyed := w.DestroyedRefIDs()
	if len(dirty) == 0 && len(destroyed) == 0 {
		s.flushPeers()
		return
	}

	tick := w.AdvanceSyncTick()

	var deltas []proto.ElementDelta
	var transforms []proto.TransformSync
	for _, d := range dirty {
		if d.IsTransformOnly() {
			transforms = append(transforms, transformSyncOf(d.Element.(*world.Slot)))
			continue
		}
		delta, err := buildDelta(d)
		if err != nil {
			wlog.Errorf("%s: serialize %s: %v", s, d.Element.RefID(), err)
			continue
		}
		deltas = append(deltas, *delta)
	}
	w.ClearDirtyElements()

	if len(deltas) > 0 || len(destroyed) > 0 {
		msg := &proto.DeltaSync{
			Tick:         tick,
			StateVersion: w.StateVersion(),
			Elements:     deltas,
			Destroyed:    refIDsToWire(destroyed),
		}
		if consts.DEBUG_SYNC {
			wlog.Debugf("%s: flushing tick=%d elements=%d destroyed=%d", s, tick, len(deltas), len(destroyed))
		}
		if s.isHost {
			s.broadcast(proto.MT_DELTA_SYNC, msg, common.NilPeerID)
		} else if s.hostPeer != nil {
			s.sendMsg(s.hostPeer, proto.MT_DELTA_SYNC, msg)
		}
	}

	for i := range transforms {
		payload, err := netutil.MSG_PACKER.PackMsg(&transforms[i], nil)
		if err != nil {
			continue
		}
		s.sendBackgroundAll(payload)
	}

	s.flushPeers()
}

func (s *Session) sendBackgroundAll(payload []byte) {
	if s.isHost {
		s.peersLock.RLock()
		for _, peer := range s.peers {
			peer.SendBackground(payload)
		}
		s.peersLock.RUnlock()
	} else if s.hostPeer != nil {
		s.hostPeer.SendBackground(payload)
	}
}

func buildDelta(d *world.DirtyState) (*proto.ElementDelta, error) {
	switch e := d.Element.(type) {
	case *world.Slot:
		if d.Structural {
			return fullSlotDelta(e)
		}
		fields, err := captureDirtyFields(e, d.Fields)
		if err != nil {
			return nil, err
		}
		return &proto.ElementDelta{
			RefID:  uint64(e.RefID()),
			Kind:   proto.ELEMENT_SLOT,
			Fields: fields,
		}, nil
	case world.IComponent:
		if d.Structural {
			return fullComponentDelta(e)
		}
		fields, err := captureDirtyFields(e, d.Fields)
		if err != nil {
			return nil, err
		}
		return &proto.ElementDelta{
			RefID:  uint64(e.RefID()),
			Kind:   proto.ELEMENT_COMPONENT,
			Fields: fields,
		}, nil
	}
	return nil, errors.Errorf("unknown element type %T", d.Element)
}

func captureDirtyFields(e world.Element, names common.StringSet) (map[string][]byte, error) {
	fields := make(map[string][]byte, len(names))
	for name := range names {
		data, err := e.CaptureField(name)
		if err != nil {
			return nil, err
		}
		fields[name] = data
	}
	return fields, nil
}

func fullSlotDelta(sl *world.Slot) (*proto.ElementDelta, error) {
	fields, err := sl.CaptureFields()
	if err != nil {
		return nil, err
	}
	parentID := uint64(0)
	if sl.Parent() != nil {
		parentID = uint64(sl.Parent().RefID())
	}
	return &proto.ElementDelta{
		RefID:      uint64(sl.RefID()),
		Kind:       proto.ELEMENT_SLOT,
		Structural: true,
		ParentID:   parentID,
		Tag:        sl.Tag(),
		ActiveSelf: sl.ActiveSelf(),
		Persistent: sl.IsPersistent(),
		Fields:     fields,
	}, nil
}

func fullComponentDelta(c world.IComponent) (*proto.ElementDelta, error) {
	fields, err := c.CaptureFields()
	if err != nil {
		return nil, err
	}
	return &proto.ElementDelta{
		RefID:      uint64(c.RefID()),
		Kind:       proto.ELEMENT_COMPONENT,
		Structural: true,
		OwnerID:    uint64(c.Slot().RefID()),
		TypeName:   c.TypeName(),
		Fields:     fields,
	}, nil
}

func transformSyncOf(sl *world.Slot) proto.TransformSync {
	pos := sl.LocalPosition.Get()
	rot := sl.LocalRotation.Get()
	scale := sl.LocalScale.Get()
	return proto.TransformSync{
		RefID:    uint64(sl.RefID()),
		Position: [3]float32{float32(pos.X), float32(pos.Y), float32(pos.Z)},
		Rotation: [4]float32{float32(rot.X), float32(rot.Y), float32(rot.Z), float32(rot.W)},
		Scale:    [3]float32{float32(scale.X), float32(scale.Y), float32(scale.Z)},
	}
}

func refIDsToWire(ids []common.RefID) []uint64 {
	if len(ids) == 0 {
		return nil
	}
	wire := make([]uint64, len(ids))
	for i, id := range ids {
		wire[i] = uint64(id)
	}
	return wire
}

func userInfo(u *world.User) proto.UserInfo {
	return proto.UserInfo{
		PeerID:     uint32(u.PeerID),
		Name:       u.Name,
		IsHost:     u.IsHost,
		RangeStart: uint64(u.Range.Start),
		RangeEnd:   uint64(u.Range.End),
	}
}

func userFromInfo(ui *proto.UserInfo) *world.User {
	return &world.User{
		PeerID: common.PeerID(ui.PeerID),
		Name:   ui.Name,
		IsHost: ui.IsHost,
		Range: world.RefRange{
			Start: common.RefID(ui.RangeStart),
			End:   common.RefID(ui.RangeEnd),
		},
	}
}
