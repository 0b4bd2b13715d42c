package netutil

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
)

// Channel IDs on a reliable stream. The background channel never rides the
// stream; it has its own datagram path.
const (
	// CHANNEL_FOREGROUND carries session messages, reliable and ordered
	CHANNEL_FOREGROUND byte = 0
	// CHANNEL_BACKGROUND carries sequenced transform updates over raw datagrams
	CHANNEL_BACKGROUND byte = 1
	// CHANNEL_CONTROL carries transport-level handshake frames
	CHANNEL_CONTROL byte = 0xFF
)

const _SIZE_FIELD_SIZE = 4

// PacketConnection sends and receives framed packets over a stream
// connection. Each frame is a little-endian uint32 length followed by one
// channel byte and the payload; the length counts the channel byte.
type PacketConnection struct {
	conn     Connection
	sendLock sync.Mutex
}

// NewPacketConnection creates a packet connection upon the stream connection
func NewPacketConnection(conn Connection) *PacketConnection {
	return &PacketConnection{
		conn: conn,
	}
}

// SendPacket sends one packet on the channel. The packet is not released;
// use SendPacketRelease for fire-and-forget sends.
func (pc *PacketConnection) SendPacket(channel byte, packet *Packet) error {
	payloadLen := packet.GetPayloadLen()
	if payloadLen > consts.MAX_PAYLOAD_LENGTH {
		wlog.Panicf("%s: packet payload too large: %d", pc, payloadLen)
	}
	if consts.DEBUG_PACKETS {
		wlog.Debugf("%s SEND PACKET: channel=%d, payload=%d", pc, channel, payloadLen)
	}

	var header [_SIZE_FIELD_SIZE + 1]byte
	packetEndian.PutUint32(header[:_SIZE_FIELD_SIZE], payloadLen+1)
	header[_SIZE_FIELD_SIZE] = channel

	pc.sendLock.Lock()
	defer pc.sendLock.Unlock()

	if err := writeAll(pc.conn, header[:]); err != nil {
		return err
	}
	return writeAll(pc.conn, packet.Payload())
}

// SendPacketRelease sends one packet on the channel and releases it
func (pc *PacketConnection) SendPacketRelease(channel byte, packet *Packet) error {
	err := pc.SendPacket(channel, packet)
	packet.Release()
	return err
}

// RecvPacket receives the next packet, blocking until one arrives. The caller
// owns the returned packet and must Release it.
func (pc *PacketConnection) RecvPacket() (byte, *Packet, error) {
	var header [_SIZE_FIELD_SIZE + 1]byte
	if _, err := io.ReadFull(pc.conn, header[:]); err != nil {
		return 0, nil, err
	}

	frameLen := packetEndian.Uint32(header[:_SIZE_FIELD_SIZE])
	if frameLen < 1 || frameLen > consts.MAX_PAYLOAD_LENGTH+1 {
		return 0, nil, errors.Errorf("%s: invalid frame length %d", pc, frameLen)
	}
	channel := header[_SIZE_FIELD_SIZE]
	payloadLen := frameLen - 1

	packet := NewPacket()
	packet.AssureCapacity(payloadLen)
	if _, err := io.ReadFull(pc.conn, packet.TotalPayload()[:payloadLen]); err != nil {
		packet.Release()
		return 0, nil, err
	}
	packet.SetPayloadLen(payloadLen)

	if consts.DEBUG_PACKETS {
		wlog.Debugf("%s RECV PACKET: channel=%d, payload=%d", pc, channel, payloadLen)
	}
	return channel, packet, nil
}

func writeAll(conn io.Writer, data []byte) error {
	left := len(data)
	for left > 0 {
		n, err := conn.Write(data)
		if n == left && err == nil { // most case
			return nil
		}

		if n > 0 {
			data = data[n:]
			left -= n
		}

		if err != nil {
			return errors.Wrap(err, "write packet")
		}
	}
	return nil
}

// Flush flushes the underlying buffered connection
func (pc *PacketConnection) Flush() error {
	pc.sendLock.Lock()
	defer pc.sendLock.Unlock()
	return pc.conn.Flush()
}

// SetRecvDeadline sets the read deadline of the underlying connection
func (pc *PacketConnection) SetRecvDeadline(deadline time.Time) error {
	return pc.conn.SetReadDeadline(deadline)
}

// Close closes the underlying connection
func (pc *PacketConnection) Close() error {
	return pc.conn.Close()
}

// RemoteAddr returns the remote address
func (pc *PacketConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (pc *PacketConnection) LocalAddr() net.Addr {
	return pc.conn.LocalAddr()
}

func (pc *PacketConnection) String() string {
	return fmt.Sprintf("[%s >>> %s]", pc.LocalAddr(), pc.RemoteAddr())
}
