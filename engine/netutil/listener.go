package netutil

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	kcp "github.com/xtaci/kcp-go"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
)

// Control opcodes of the transport handshake
const (
	// CTRL_ASSIGN_PEER_ID carries the PeerID the listener assigned
	CTRL_ASSIGN_PEER_ID byte = 1
	// CTRL_REFUSE carries a RefuseReason; the connection closes after it
	CTRL_REFUSE byte = 2
	// CTRL_HELLO is the dialer's first frame; KCP transmits nothing until
	// the dialer writes, so the hello is what makes the listener accept
	CTRL_HELLO byte = 3
)

// RefuseReason is why a listener refused a connection
type RefuseReason byte

const (
	// REFUSE_REASON_FULL means the listener reached its peer capacity
	REFUSE_REASON_FULL RefuseReason = 1
	// REFUSE_REASON_NOT_ACCEPTING means the listener disabled admissions
	REFUSE_REASON_NOT_ACCEPTING RefuseReason = 2
)

func (r RefuseReason) String() string {
	switch r {
	case REFUSE_REASON_FULL:
		return "session full"
	case REFUSE_REASON_NOT_ACCEPTING:
		return "not accepting connections"
	}
	return "refused"
}

// Listener accepts session peers. The reliable channels ride KCP on the
// listen port; the background datagram path is a raw UDP socket on the next
// port, shared by all accepted peers and demultiplexed by sender PeerID.
type Listener struct {
	addr        string
	port        int
	maxPeers    int
	kcpListener *kcp.Listener
	bgConn      *net.UDPConn

	peersLock  sync.RWMutex
	peers      map[common.PeerID]*Peer
	nextPeerID common.PeerID

	accepting   xnsyncutil.AtomicBool
	terminating xnsyncutil.AtomicBool

	onNewPeer func(*Peer)
}

// ServeSession starts listening for session peers on ip:port and delivers
// every accepted peer to onNewPeer from the accept goroutine
func ServeSession(ip string, port int, maxPeers int, onNewPeer func(*Peer)) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	kcpListener, err := kcp.ListenWithOptions(addr, nil, consts.KCP_DATA_SHARDS, consts.KCP_PARITY_SHARDS)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	if port == 0 {
		// pick the ephemeral port up so the background socket can pair with it
		port = kcpListener.Addr().(*net.UDPAddr).Port
		addr = fmt.Sprintf("%s:%d", ip, port)
	}

	bgConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ip), Port: port + 1})
	if err != nil {
		kcpListener.Close()
		return nil, errors.Wrapf(err, "listen background %s:%d", ip, port+1)
	}

	l := &Listener{
		addr:        addr,
		port:        port,
		maxPeers:    maxPeers,
		kcpListener: kcpListener,
		bgConn:      bgConn,
		peers:       map[common.PeerID]*Peer{},
		nextPeerID:  common.AuthorityPeerID,
		onNewPeer:   onNewPeer,
	}
	l.accepting.Store(true)

	wlog.Infof("Listening for session peers on %s ...", addr)
	go l.acceptLoop()
	go l.backgroundLoop()
	return l, nil
}

func (l *Listener) String() string {
	return fmt.Sprintf("Listener<%s>", l.addr)
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.kcpListener.AcceptKCP()
		if err != nil {
			if !l.terminating.Load() {
				wlog.Errorf("%s accept: %v", l, err)
			}
			return
		}
		go l.handleKCPConn(conn)
	}
}

func setupKCPConn(conn *kcp.UDPSession) {
	conn.SetReadBuffer(consts.BUFFERED_READ_BUFFSIZE)
	conn.SetWriteBuffer(consts.BUFFERED_WRITE_BUFFSIZE)
	// turbo mode, see https://github.com/skywind3000/kcp/blob/master/README.en.md#protocol-configuration
	conn.SetStreamMode(true)
	conn.SetWriteDelay(true)
	conn.SetNoDelay(1, 10, 2, 1)
}

func (l *Listener) handleKCPConn(conn *kcp.UDPSession) {
	wlog.Infof("%s: connection from %s", l, conn.RemoteAddr())
	setupKCPConn(conn)

	pconn := NewPacketConnection(NewBufferedConnection(conn))

	// the PeerID is assigned in response to the dialer's hello frame
	pconn.SetRecvDeadline(time.Now().Add(consts.CONNECT_TIMEOUT))
	channel, packet, err := pconn.RecvPacket()
	if err != nil {
		wlog.Errorf("%s: handshake with %s: %v", l, conn.RemoteAddr(), err)
		pconn.Close()
		return
	}
	helloOK := channel == CHANNEL_CONTROL && packet.GetPayloadLen() >= 1 && packet.ReadOneByte() == CTRL_HELLO
	packet.Release()
	if !helloOK {
		wlog.Errorf("%s: bad hello from %s, dropping connection", l, conn.RemoteAddr())
		pconn.Close()
		return
	}
	pconn.SetRecvDeadline(time.Time{})

	if l.terminating.Load() {
		pconn.Close()
		return
	}

	l.peersLock.Lock()
	var refuse RefuseReason
	if !l.accepting.Load() {
		refuse = REFUSE_REASON_NOT_ACCEPTING
	} else if len(l.peers) >= l.maxPeers {
		refuse = REFUSE_REASON_FULL
	}
	if refuse != 0 {
		l.peersLock.Unlock()
		l.refuseConn(pconn, refuse)
		return
	}

	l.nextPeerID++
	id := l.nextPeerID
	peer := newPeer(id, pconn, l.bgConn, false)
	peer.SetOnClose(l.onPeerClose)
	l.peers[id] = peer
	l.peersLock.Unlock()

	assign := NewPacket()
	assign.AppendByte(CTRL_ASSIGN_PEER_ID)
	assign.AppendPeerID(id)
	if err := peer.sendControl(assign); err != nil {
		assign.Release()
		wlog.Errorf("%s: handshake with %s: %v", l, conn.RemoteAddr(), err)
		peer.Close()
		return
	}
	assign.Release()

	peer.start()
	l.onNewPeer(peer)
}

func (l *Listener) refuseConn(pconn *PacketConnection, reason RefuseReason) {
	packet := NewPacket()
	packet.AppendByte(CTRL_REFUSE)
	packet.AppendByte(byte(reason))
	pconn.SendPacketRelease(CHANNEL_CONTROL, packet)
	pconn.Flush()
	pconn.Close()
	wlog.Infof("%s: refused connection: %s", l, reason)
}

func (l *Listener) backgroundLoop() {
	buf := make([]byte, consts.MAX_BACKGROUND_PAYLOAD+_BG_HEADER_SIZE)
	for {
		n, from, err := l.bgConn.ReadFromUDP(buf)
		if err != nil {
			if !l.terminating.Load() {
				wlog.Errorf("%s background recv: %v", l, err)
			}
			return
		}
		if n < _BG_HEADER_SIZE || buf[0] != CHANNEL_BACKGROUND {
			continue
		}

		sender := common.PeerID(packetEndian.Uint32(buf[1:5]))
		seq := packetEndian.Uint32(buf[5:9])

		l.peersLock.RLock()
		peer := l.peers[sender]
		l.peersLock.RUnlock()
		if peer != nil {
			peer.deliverBackground(from, seq, buf[_BG_HEADER_SIZE:n])
		}
	}
}

func (l *Listener) onPeerClose(peer *Peer) {
	l.peersLock.Lock()
	delete(l.peers, peer.id)
	l.peersLock.Unlock()
}

// Addr returns the address the listener accepts session peers on
func (l *Listener) Addr() string {
	return l.addr
}

// Port returns the bound session port
func (l *Listener) Port() int {
	return l.port
}

// SetAccepting enables or disables admission of new peers
func (l *Listener) SetAccepting(accepting bool) {
	l.accepting.Store(accepting)
}

// NumPeers returns the number of connected peers
func (l *Listener) NumPeers() int {
	l.peersLock.RLock()
	defer l.peersLock.RUnlock()
	return len(l.peers)
}

// GetPeer returns the connected peer with the ID, nil if unknown
func (l *Listener) GetPeer(id common.PeerID) *Peer {
	l.peersLock.RLock()
	defer l.peersLock.RUnlock()
	return l.peers[id]
}

// Close stops accepting and tears down all connected peers
func (l *Listener) Close() {
	l.terminating.Store(true)
	l.kcpListener.Close()
	l.bgConn.Close()

	l.peersLock.Lock()
	peers := make([]*Peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.peersLock.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// ConnectPeer dials a session listener and completes the transport handshake.
// The returned peer's ID is the locally assigned PeerID of this endpoint.
func ConnectPeer(host string, port int) (*Peer, error) {
	return ConnectPeerTimeout(host, port, consts.CONNECT_TIMEOUT)
}

// ConnectPeerTimeout is ConnectPeer with an explicit handshake timeout
func ConnectPeerTimeout(host string, port int, timeout time.Duration) (*Peer, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := kcp.DialWithOptions(addr, nil, consts.KCP_DATA_SHARDS, consts.KCP_PARITY_SHARDS)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	setupKCPConn(conn)

	pconn := NewPacketConnection(NewBufferedConnection(conn))
	pconn.SetRecvDeadline(time.Now().Add(timeout))

	hello := NewPacket()
	hello.AppendByte(CTRL_HELLO)
	if err := pconn.SendPacketRelease(CHANNEL_CONTROL, hello); err != nil {
		pconn.Close()
		return nil, errors.Wrap(err, "transport handshake")
	}
	if err := pconn.Flush(); err != nil {
		pconn.Close()
		return nil, errors.Wrap(err, "transport handshake")
	}

	channel, packet, err := pconn.RecvPacket()
	if err != nil {
		pconn.Close()
		return nil, errors.Wrap(err, "transport handshake")
	}
	defer packet.Release()

	if channel != CHANNEL_CONTROL || packet.GetPayloadLen() < 1 {
		pconn.Close()
		return nil, errors.Errorf("malformed handshake frame on channel %d", channel)
	}

	switch op := packet.ReadOneByte(); op {
	case CTRL_ASSIGN_PEER_ID:
		if packet.GetPayloadLen() < 5 {
			pconn.Close()
			return nil, errors.Errorf("undersized handshake frame: %d bytes", packet.GetPayloadLen())
		}
	case CTRL_REFUSE:
		if packet.GetPayloadLen() < 2 {
			pconn.Close()
			return nil, errors.Errorf("undersized handshake frame: %d bytes", packet.GetPayloadLen())
		}
		reason := RefuseReason(packet.ReadOneByte())
		pconn.Close()
		return nil, errors.Errorf("connection refused: %s", reason)
	default:
		pconn.Close()
		return nil, errors.Errorf("unexpected handshake opcode %d", op)
	}

	id := packet.ReadPeerID()
	pconn.SetRecvDeadline(time.Time{})

	bgAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port+1))
	var bgConn *net.UDPConn
	if err == nil {
		bgConn, err = net.DialUDP("udp", nil, bgAddr)
	}
	if err != nil {
		// background traffic is droppable; run without it
		wlog.Warnf("ConnectPeer: no background channel to %s: %v", addr, err)
		bgConn = nil
	}

	peer := newPeer(id, pconn, bgConn, true)
	peer.start()
	return peer, nil
}
