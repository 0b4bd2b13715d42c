// Package session connects a World to its peers: it hosts or joins a
// session, runs the admission handshake, pumps inbound state through the
// data-model gate and flushes locally originated changes every sync tick.
package session

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	timer "github.com/xiaonanln/goTimer"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/netutil"
	"github.com/loomworld/loom/engine/post"
	"github.com/loomworld/loom/engine/proto"
	"github.com/loomworld/loom/engine/punch"
	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/world"
	"github.com/loomworld/loom/engine/wutils"
)

// Session drives one World's networking. All world mutation happens on the
// session's pump goroutine; inbound state applies under the data-model gate
// and component updates run under the implementer gate.
type Session struct {
	world    *world.World
	cfg      *config.SessionConfig
	name     string
	userName string

	isHost      bool
	localPeerID common.PeerID

	listener    *netutil.Listener
	allocator   *world.RefIDAllocator
	punchClient *punch.Client

	hostPeer *netutil.Peer

	peersLock sync.RWMutex
	peers     map[common.PeerID]*netutil.Peer
	pending   map[*netutil.Peer]struct{}

	newPeerQueue *xnsyncutil.SyncQueue
	postQueue    *xnsyncutil.SyncQueue

	granted    bool
	grantTimer *timer.Timer

	lastFlush time.Time

	terminating xnsyncutil.AtomicBool
	terminated  *xnsyncutil.OneTimeCond
}

func newSession(w *world.World, sessionName, userName string) *Session {
	return &Session{
		world:        w,
		cfg:          config.GetSession(),
		name:         sessionName,
		userName:     userName,
		peers:        map[common.PeerID]*netutil.Peer{},
		pending:      map[*netutil.Peer]struct{}{},
		newPeerQueue: xnsyncutil.NewSyncQueue(),
		postQueue:    xnsyncutil.NewSyncQueue(),
		terminated:   xnsyncutil.NewOneTimeCond(),
	}
}

func (s *Session) String() string {
	if s.isHost {
		return fmt.Sprintf("Session<host %s>", s.name)
	}
	return fmt.Sprintf("Session<%s %s>", s.localPeerID, s.name)
}

// Host starts a hosted session for the world: this process becomes the
// authority and the world transitions to Running immediately
func Host(w *world.World, sessionName, userName string) (*Session, error) {
	s := newSession(w, sessionName, userName)
	s.isHost = true
	s.localPeerID = common.AuthorityPeerID

	w.TransitionTo(world.StateInitializingNetwork)

	listener, err := netutil.ServeSession(s.cfg.Ip, s.cfg.Port, s.cfg.MaxPeers, s.onNewPeer)
	if err != nil {
		w.TransitionTo(world.StateFailed)
		return nil, errors.Wrap(err, "host session")
	}
	s.listener = listener
	s.allocator = world.NewRefIDAllocator(config.GetWorld().RefIDRangeSize)

	w.SetAuthority(common.AuthorityPeerID, true)
	w.SetLocalRange(s.allocator.AuthorityRange())

	w.TransitionTo(world.StateInitializingDataModel)
	w.Initialize()
	w.AddUser(&world.User{
		PeerID: common.AuthorityPeerID,
		Name:   userName,
		Range:  s.allocator.AuthorityRange(),
		IsHost: true,
	})
	w.TransitionTo(world.StateRunning)

	if s.cfg.PunchServer != "" {
		s.registerWithPunchServer()
	}

	go s.run()
	wlog.Infof("%s hosting on %s", s, listener.Addr())
	return s, nil
}

// Join connects to a hosted session at addr ("host:port"). The world waits
// in WaitingForJoinGrant until the authority admits or refuses it; an
// unanswered request fails the world after the configured timeout.
func Join(w *world.World, addr string, userName string) (*Session, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad session address %s", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad session port %s", portStr)
	}

	s := newSession(w, addr, userName)
	w.TransitionTo(world.StateInitializingNetwork)

	peer, err := netutil.ConnectPeer(host, port)
	if err != nil {
		w.TransitionTo(world.StateFailed)
		return nil, errors.Wrap(err, "join session")
	}
	return s.joinWithPeer(peer)
}

// JoinViaPunch joins a session registered at a rendezvous server. The direct
// punched connection is attempted first; on timeout the join falls back to
// the server's relay endpoint.
func JoinViaPunch(w *world.World, server, token, userName string) (*Session, error) {
	s := newSession(w, token, userName)
	w.TransitionTo(world.StateInitializingNetwork)

	intro, err := punch.RequestJoin(server, token)
	if err != nil {
		w.TransitionTo(world.StateFailed)
		return nil, errors.Wrap(err, "rendezvous join")
	}

	peer, err := connectAddr(intro.HostAddr, consts.PUNCH_TIMEOUT)
	if err != nil && intro.RelayAddr != "" {
		wlog.Infof("%s: direct connect to %s failed (%v), falling back to relay %s", s, intro.HostAddr, err, intro.RelayAddr)
		peer, err = connectAddr(intro.RelayAddr, consts.CONNECT_TIMEOUT)
	}
	if err != nil {
		w.TransitionTo(world.StateFailed)
		return nil, errors.Wrap(err, "join session via punch")
	}
	return s.joinWithPeer(peer)
}

func connectAddr(addr string, timeout time.Duration) (*netutil.Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad address %s", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad port %s", portStr)
	}
	return netutil.ConnectPeerTimeout(host, port, timeout)
}

func (s *Session) joinWithPeer(peer *netutil.Peer) (*Session, error) {
	w := s.world
	s.hostPeer = peer
	s.localPeerID = peer.ID()

	if err := s.sendMsg(peer, proto.MT_JOIN_REQUEST, &proto.JoinRequest{
		UserName: s.userName,
		Protocol: proto.PROTOCOL_VERSION,
	}); err != nil {
		peer.Close()
		w.TransitionTo(world.StateFailed)
		return nil, errors.Wrap(err, "send join request")
	}
	peer.Flush()

	w.TransitionTo(world.StateWaitingForJoinGrant)
	s.grantTimer = timer.AddCallback(s.cfg.JoinGrantTimeout, s.onGrantTimeout)

	go s.run()
	return s, nil
}

// World returns the session's world
func (s *Session) World() *world.World {
	return s.world
}

// Name returns the session's display name
func (s *Session) Name() string {
	return s.name
}

// ListenAddr returns the address the session accepts peers on, "" for
// joined sessions
func (s *Session) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// LocalPeerID returns this endpoint's PeerID
func (s *Session) LocalPeerID() common.PeerID {
	return s.localPeerID
}

// IsHost returns if this endpoint is the session authority
func (s *Session) IsHost() bool {
	return s.isHost
}

// NumPeers returns the number of admitted remote peers
func (s *Session) NumPeers() int {
	s.peersLock.RLock()
	defer s.peersLock.RUnlock()
	return len(s.peers)
}

// PunchToken returns the token this session is registered under at the
// rendezvous server, "" if unregistered
func (s *Session) PunchToken() string {
	if s.punchClient == nil {
		return ""
	}
	return s.punchClient.Token()
}

// SetAccepting enables or disables admission of new peers (host only)
func (s *Session) SetAccepting(accepting bool) {
	if s.listener != nil {
		s.listener.SetAccepting(accepting)
	}
}

// Leave gracefully leaves the session and shuts the pump down
func (s *Session) Leave() {
	if s.terminating.Load() {
		return
	}
	if !s.isHost && s.hostPeer != nil && !s.hostPeer.IsClosed() {
		s.sendMsg(s.hostPeer, proto.MT_LEAVE_SESSION, &proto.UserLeft{PeerID: uint32(s.localPeerID)})
		s.hostPeer.Flush()
	}
	s.terminating.Store(true)
}

// WaitTerminated blocks until the session pump has shut down
func (s *Session) WaitTerminated() {
	s.terminated.Wait()
}

// onNewPeer runs on the accept goroutine; admission happens on the pump
func (s *Session) onNewPeer(peer *netutil.Peer) {
	s.newPeerQueue.Push(peer)
}

func (s *Session) registerWithPunchServer() {
	pc, err := punch.NewClient(s.cfg.PunchServer)
	if err != nil {
		wlog.Errorf("%s: rendezvous server unreachable: %v", s, err)
		return
	}
	s.punchClient = pc

	register := func() {
		pc.Register(s.name, s.listener.Port(), len(s.world.Users()), s.cfg.MaxPeers)
	}
	register()
	timer.AddTimer(consts.PUNCH_SERVER_SESSION_TTL/3, register)
	wlog.Infof("%s registered at %s with token %s", s, s.cfg.PunchServer, pc.Token())
}

func (s *Session) onGrantTimeout() {
	if s.granted || s.terminating.Load() {
		return
	}
	wlog.Errorf("%s: no join grant within %s", s, s.cfg.JoinGrantTimeout)
	s.world.TransitionTo(world.StateFailed)
	s.terminating.Store(true)
}

// run is the session pump: it drives timers, world ticks and sync flushes
// until the session terminates
func (s *Session) run() {
	tickInterval := config.GetWorld().TickInterval
	s.lastFlush = time.Now()

	for !s.terminating.Load() {
		time.Sleep(tickInterval)
		timer.Tick()
		s.tick()
	}
	s.finalize()
}

func (s *Session) tick() {
	w := s.world
	gate := w.Gate()

	if s.isHost {
		s.drainNewPeers()
	}

	gate.DataModelLock()
	s.pumpInbound()
	gate.DataModelUnlock()

	if w.State() == world.StateRunning {
		gate.ImplementerLock()
		s.drainPosts()
		post.Tick()
		w.Tick()
		gate.ImplementerUnlock()

		if time.Since(s.lastFlush) >= s.cfg.SyncTickInterval {
			s.lastFlush = time.Now()
			s.flushOutbound()
		}
	} else {
		s.drainPosts()
		post.Tick()
	}
}

// Post queues f to run on the pump goroutine under the implementer gate, the
// only context in which a running world may be mutated from outside
func (s *Session) Post(f func()) {
	s.postQueue.Push(f)
}

func (s *Session) drainPosts() {
	n := s.postQueue.Len()
	for i := 0; i < n; i++ {
		item := s.postQueue.Pop()
		if item == nil {
			break
		}
		wutils.RunPanicless(item.(func()))
	}
}

func (s *Session) finalize() {
	if s.grantTimer != nil {
		s.grantTimer.Cancel()
	}
	if s.punchClient != nil {
		s.punchClient.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.hostPeer != nil {
		s.hostPeer.Close()
	}

	s.peersLock.Lock()
	for _, peer := range s.peers {
		peer.Close()
	}
	s.peers = map[common.PeerID]*netutil.Peer{}
	for peer := range s.pending {
		peer.Close()
	}
	s.pending = map[*netutil.Peer]struct{}{}
	s.peersLock.Unlock()

	if st := s.world.State(); st == world.StateRunning || st == world.StateFailed {
		s.world.Destroy()
	}

	wlog.Infof("%s terminated", s)
	s.terminated.Signal()
}

func (s *Session) sendMsg(peer *netutil.Peer, msgtype proto.MsgType, msg interface{}) error {
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(msgtype))
	packet.AppendData(msg)
	return peer.SendRelease(packet)
}

// broadcast sends a message to every admitted peer except skip
func (s *Session) broadcast(msgtype proto.MsgType, msg interface{}, skip common.PeerID) {
	s.peersLock.RLock()
	peers := make([]*netutil.Peer, 0, len(s.peers))
	for id, peer := range s.peers {
		if id != skip {
			peers = append(peers, peer)
		}
	}
	s.peersLock.RUnlock()

	for _, peer := range peers {
		if err := s.sendMsg(peer, msgtype, msg); err != nil {
			wlog.Debugf("%s: broadcast to %s: %v", s, peer, err)
		}
	}
}

func (s *Session) drainNewPeers() {
	n := s.newPeerQueue.Len()
	for i := 0; i < n; i++ {
		item := s.newPeerQueue.Pop()
		if item == nil {
			break
		}
		peer := item.(*netutil.Peer)
		s.peersLock.Lock()
		s.pending[peer] = struct{}{}
		s.peersLock.Unlock()
		wlog.Infof("%s: peer %s connected, waiting for join request", s, peer)
	}
}

// pumpInbound drains every peer's receive queue and applies the messages.
// Runs with the data-model gate held.
func (s *Session) pumpInbound() {
	if s.isHost {
		s.peersLock.RLock()
		pending := make([]*netutil.Peer, 0, len(s.pending))
		for peer := range s.pending {
			pending = append(pending, peer)
		}
		admitted := make([]*netutil.Peer, 0, len(s.peers))
		for _, peer := range s.peers {
			admitted = append(admitted, peer)
		}
		s.peersLock.RUnlock()

		for _, peer := range pending {
			s.pumpPeer(peer)
		}
		for _, peer := range admitted {
			s.pumpPeer(peer)
		}
	} else if s.hostPeer != nil {
		s.pumpPeer(s.hostPeer)

		if s.hostPeer.IsClosed() && !s.terminating.Load() {
			s.onHostLost()
		}
	}
}

func (s *Session) pumpPeer(peer *netutil.Peer) {
	for _, in := range peer.Poll() {
		switch in.Channel {
		case netutil.CHANNEL_FOREGROUND, netutil.CHANNEL_BACKGROUND:
			// a malformed frame must only cost that frame, not the pump;
			// the frame-length prefix keeps later frames parseable
			in := in
			if !wutils.RunPanicless(func() { s.handleInbound(peer, in) }) {
				wlog.Errorf("%s: dropped malformed frame on channel %d from %s", s, in.Channel, peer)
			}
		default:
			wlog.Debugf("%s: dropping frame on channel %d from %s", s, in.Channel, peer)
			in.Packet.Release()
		}
	}

	if s.isHost && peer.IsClosed() {
		s.onPeerLost(peer)
	}
}

func (s *Session) handleInbound(peer *netutil.Peer, in netutil.InboundPacket) {
	defer in.Packet.Release()

	if in.Channel == netutil.CHANNEL_BACKGROUND {
		s.handleTransformSync(peer, in.Packet)
		return
	}

	msgtype := proto.MsgType(in.Packet.ReadUint16())
	if s.isHost {
		s.handleHostMessage(peer, msgtype, in.Packet)
	} else {
		s.handleClientMessage(peer, msgtype, in.Packet)
	}
}

func (s *Session) handleTransformSync(peer *netutil.Peer, packet *netutil.Packet) {
	var ts proto.TransformSync
	if err := netutil.MSG_PACKER.UnpackMsg(packet.Payload(), &ts); err != nil {
		wlog.Debugf("%s: bad transform sync from %s: %v", s, peer, err)
		return
	}

	s.world.ApplyTransform(common.RefID(ts.RefID),
		world.Vector3{X: world.Coord(ts.Position[0]), Y: world.Coord(ts.Position[1]), Z: world.Coord(ts.Position[2])},
		world.Quaternion{X: world.Coord(ts.Rotation[0]), Y: world.Coord(ts.Rotation[1]), Z: world.Coord(ts.Rotation[2]), W: world.Coord(ts.Rotation[3])},
		world.Vector3{X: world.Coord(ts.Scale[0]), Y: world.Coord(ts.Scale[1]), Z: world.Coord(ts.Scale[2])})

	if s.isHost {
		// relay to everyone else; droppable, so errors are ignored
		s.peersLock.RLock()
		for id, other := range s.peers {
			if id != peer.ID() {
				other.SendBackground(packet.Payload())
			}
		}
		s.peersLock.RUnlock()
	}
}

func (s *Session) onPeerLost(peer *netutil.Peer) {
	s.peersLock.Lock()
	_, wasPending := s.pending[peer]
	delete(s.pending, peer)
	_, wasAdmitted := s.peers[peer.ID()]
	delete(s.peers, peer.ID())
	s.peersLock.Unlock()

	if wasPending {
		wlog.Infof("%s: pending peer %s disconnected", s, peer)
		return
	}
	if !wasAdmitted {
		return
	}

	wlog.Infof("%s: peer %s disconnected", s, peer)
	s.world.RemoveUser(peer.ID())
	s.broadcast(proto.MT_USER_LEFT, &proto.UserLeft{PeerID: uint32(peer.ID())}, peer.ID())
	s.flushPeers()
}

func (s *Session) onHostLost() {
	if s.granted {
		wlog.Errorf("%s: lost connection to host", s)
		s.terminating.Store(true)
		return
	}
	wlog.Errorf("%s: connection closed before join grant", s)
	s.world.TransitionTo(world.StateFailed)
	s.terminating.Store(true)
}

func (s *Session) flushPeers() {
	if s.isHost {
		s.peersLock.RLock()
		for _, peer := range s.peers {
			peer.Flush()
		}
		s.peersLock.RUnlock()
	} else if s.hostPeer != nil {
		s.hostPeer.Flush()
	}
}
