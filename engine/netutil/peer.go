package netutil

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
)

// background datagram layout: channel byte, sender PeerID, sequence number,
// payload
const _BG_HEADER_SIZE = 1 + 4 + 4

// InboundPacket pairs a received packet with the channel it arrived on
type InboundPacket struct {
	Channel byte
	Packet  *Packet
}

// Peer is one remote endpoint of a session: a reliable packet stream plus the
// unreliable background datagram path. Received packets queue up internally
// and are drained by Poll from the session tick.
type Peer struct {
	id    common.PeerID
	pconn *PacketConnection

	recvQueue *xnsyncutil.SyncQueue
	closed    xnsyncutil.AtomicBool
	closeOnce sync.Once

	// onClose is invoked exactly once after the peer is torn down
	onClose func(*Peer)

	bgConn     *net.UDPConn
	ownsBgConn bool
	bgRemote   atomic.Pointer[net.UDPAddr]
	bgSendSeq  uint32
	bgRecvSeq  uint32
}

func newPeer(id common.PeerID, pconn *PacketConnection, bgConn *net.UDPConn, ownsBgConn bool) *Peer {
	return &Peer{
		id:         id,
		pconn:      pconn,
		recvQueue:  xnsyncutil.NewSyncQueue(),
		bgConn:     bgConn,
		ownsBgConn: ownsBgConn,
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("Peer<%s %s>", p.id, p.pconn.RemoteAddr())
}

// ID returns the transport-level peer ID
func (p *Peer) ID() common.PeerID {
	return p.id
}

// RemoteAddr returns the remote address of the reliable stream
func (p *Peer) RemoteAddr() net.Addr {
	return p.pconn.RemoteAddr()
}

// SetOnClose registers the close callback; must be called before start
func (p *Peer) SetOnClose(cb func(*Peer)) {
	p.onClose = cb
}

func (p *Peer) start() {
	go p.recvLoop()
	if p.ownsBgConn && p.bgConn != nil {
		go p.bgRecvLoop()
	}
}

// Send queues one packet on the reliable foreground channel. The packet is
// not flushed to the wire until Flush.
func (p *Peer) Send(packet *Packet) error {
	return p.pconn.SendPacket(CHANNEL_FOREGROUND, packet)
}

// SendRelease sends one foreground packet and releases it
func (p *Peer) SendRelease(packet *Packet) error {
	return p.pconn.SendPacketRelease(CHANNEL_FOREGROUND, packet)
}

func (p *Peer) sendControl(packet *Packet) error {
	if err := p.pconn.SendPacket(CHANNEL_CONTROL, packet); err != nil {
		return err
	}
	return p.pconn.Flush()
}

// SendBackground sends one sequenced, droppable datagram. Payloads larger
// than one datagram are silently upgraded to the reliable stream, keeping
// their channel tag; upgraded frames bypass the staleness check since the
// stream is ordered already.
func (p *Peer) SendBackground(payload []byte) error {
	if len(payload) > consts.MAX_BACKGROUND_PAYLOAD {
		packet := NewPacket()
		packet.AppendBytes(payload)
		err := p.pconn.SendPacketRelease(CHANNEL_BACKGROUND, packet)
		if err != nil {
			return err
		}
		return p.pconn.Flush()
	}

	if p.bgConn == nil {
		return nil
	}

	buf := make([]byte, _BG_HEADER_SIZE+len(payload))
	buf[0] = CHANNEL_BACKGROUND
	packetEndian.PutUint32(buf[1:5], uint32(p.id))
	seq := atomic.AddUint32(&p.bgSendSeq, 1)
	packetEndian.PutUint32(buf[5:9], seq)
	copy(buf[_BG_HEADER_SIZE:], payload)

	var err error
	if p.ownsBgConn {
		_, err = p.bgConn.Write(buf)
	} else {
		remote := p.bgRemote.Load()
		if remote == nil {
			// the remote's background port is unknown until its first
			// datagram arrives; background traffic is droppable
			return nil
		}
		_, err = p.bgConn.WriteToUDP(buf, remote)
	}
	return err
}

// Flush flushes buffered reliable sends to the wire
func (p *Peer) Flush() error {
	return p.pconn.Flush()
}

// Poll drains and returns all packets received so far without blocking.
// The caller must Release every returned packet.
func (p *Peer) Poll() []InboundPacket {
	n := p.recvQueue.Len()
	if n == 0 {
		return nil
	}
	packets := make([]InboundPacket, 0, n)
	for i := 0; i < n; i++ {
		item := p.recvQueue.Pop()
		if item == nil {
			break
		}
		packets = append(packets, item.(InboundPacket))
	}
	return packets
}

// IsClosed returns if the peer connection is torn down
func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

// Close tears the peer down; safe to call more than once
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.pconn.Close()
		if p.ownsBgConn && p.bgConn != nil {
			p.bgConn.Close()
		}
		p.recvQueue.Close()
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

func (p *Peer) recvLoop() {
	defer p.Close()

	for {
		channel, packet, err := p.pconn.RecvPacket()
		if err != nil {
			if !p.closed.Load() && !IsConnectionError(err) {
				wlog.Errorf("%s recv: %v", p, err)
			}
			break
		}
		p.recvQueue.Push(InboundPacket{Channel: channel, Packet: packet})
	}
}

func (p *Peer) bgRecvLoop() {
	buf := make([]byte, consts.MAX_BACKGROUND_PAYLOAD+_BG_HEADER_SIZE)
	for {
		n, err := p.bgConn.Read(buf)
		if err != nil {
			break
		}
		if n < _BG_HEADER_SIZE || buf[0] != CHANNEL_BACKGROUND {
			continue
		}
		seq := packetEndian.Uint32(buf[5:9])
		p.deliverBackground(nil, seq, buf[_BG_HEADER_SIZE:n])
	}
}

// deliverBackground applies the staleness check and queues the datagram
// payload. Called from a single reader goroutine per peer.
func (p *Peer) deliverBackground(from *net.UDPAddr, seq uint32, payload []byte) {
	if from != nil {
		p.bgRemote.Store(from)
	}

	last := atomic.LoadUint32(&p.bgRecvSeq)
	if seq <= last {
		return // stale datagram overtaken by a newer one
	}
	atomic.StoreUint32(&p.bgRecvSeq, seq)

	packet := NewPacket()
	packet.AppendBytes(payload)
	p.recvQueue.Push(InboundPacket{Channel: CHANNEL_BACKGROUND, Packet: packet})
}
