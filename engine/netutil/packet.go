package netutil

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
)

const (
	_MIN_PAYLOAD_CAP = 128
	_CAP_GROW_SHIFT  = uint(2)

	_MAX_PAYLOAD_LENGTH = consts.MAX_PAYLOAD_LENGTH
)

var (
	packetEndian               = binary.LittleEndian
	predefinePayloadCapacities []uint32

	packetBufferPools = map[uint32]*sync.Pool{}
	packetPool        = sync.Pool{
		New: func() interface{} {
			p := &Packet{}
			p.bytes = p.initialBytes[:]
			return p
		},
	}
)

func init() {
	payloadCap := uint32(_MIN_PAYLOAD_CAP) << _CAP_GROW_SHIFT
	for payloadCap < _MAX_PAYLOAD_LENGTH {
		predefinePayloadCapacities = append(predefinePayloadCapacities, payloadCap)
		payloadCap <<= _CAP_GROW_SHIFT
	}
	predefinePayloadCapacities = append(predefinePayloadCapacities, _MAX_PAYLOAD_LENGTH)

	for _, payloadCap := range predefinePayloadCapacities {
		payloadCap := payloadCap
		packetBufferPools[payloadCap] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, payloadCap)
			},
		}
	}
}

func getPayloadCapOfPayloadLen(payloadLen uint32) uint32 {
	for _, payloadCap := range predefinePayloadCapacities {
		if payloadCap >= payloadLen {
			return payloadCap
		}
	}
	return _MAX_PAYLOAD_LENGTH
}

// Packet is a reusable buffer for sending and receiving framed payloads.
// Packets are reference counted and returned to the pool on Release.
type Packet struct {
	readCursor uint32
	payloadLen uint32
	refcount   int64

	bytes        []byte
	initialBytes [_MIN_PAYLOAD_CAP]byte
}

func allocPacket() *Packet {
	pkt := packetPool.Get().(*Packet)
	pkt.refcount = 1

	if pkt.payloadLen != 0 || pkt.readCursor != 0 {
		wlog.Panicf("allocPacket: pooled packet is not clean: payloadLen=%d, readCursor=%d", pkt.payloadLen, pkt.readCursor)
	}
	return pkt
}

// NewPacket allocates a new packet from the packet pool
func NewPacket() *Packet {
	return allocPacket()
}

// AddRefCount adds to the reference count of the packet
func (p *Packet) AddRefCount(add int64) {
	atomic.AddInt64(&p.refcount, add)
}

// Release returns the packet to the packet pool once the last reference drops
func (p *Packet) Release() {
	refcount := atomic.AddInt64(&p.refcount, -1)

	if refcount == 0 {
		payloadCap := p.PayloadCap()
		if payloadCap > _MIN_PAYLOAD_CAP {
			buffer := p.bytes
			p.bytes = p.initialBytes[:]
			packetBufferPools[payloadCap].Put(buffer)
		}

		p.readCursor = 0
		p.payloadLen = 0
		packetPool.Put(p)
	} else if refcount < 0 {
		wlog.Panicf("releasing packet with refcount=%d", refcount)
	}
}

// AssureCapacity grows the payload buffer so that need more bytes fit
func (p *Packet) AssureCapacity(need uint32) {
	requireCap := p.payloadLen + need
	oldCap := p.PayloadCap()

	if requireCap <= oldCap { // most case
		return
	}

	resizeToCap := getPayloadCapOfPayloadLen(requireCap)
	if resizeToCap < requireCap {
		wlog.Panicf("packet payload too large: %d > %d", requireCap, _MAX_PAYLOAD_LENGTH)
	}

	buffer := packetBufferPools[resizeToCap].Get().([]byte)
	copy(buffer, p.bytes[:p.payloadLen])
	oldBytes := p.bytes
	p.bytes = buffer

	if oldCap > _MIN_PAYLOAD_CAP {
		packetBufferPools[oldCap].Put(oldBytes)
	}
}

// Payload returns the written payload of the packet
func (p *Packet) Payload() []byte {
	return p.bytes[:p.payloadLen]
}

// UnreadPayload returns the payload not yet consumed by Read* calls
func (p *Packet) UnreadPayload() []byte {
	return p.bytes[p.readCursor:p.payloadLen]
}

// HasUnreadPayload returns if there is unread payload left
func (p *Packet) HasUnreadPayload() bool {
	return p.readCursor < p.payloadLen
}

// GetPayloadLen returns the payload length
func (p *Packet) GetPayloadLen() uint32 {
	return p.payloadLen
}

// SetPayloadLen sets the payload length after writing into the raw buffer
func (p *Packet) SetPayloadLen(plen uint32) {
	if plen > p.PayloadCap() {
		wlog.Panicf("SetPayloadLen: %d exceeds capacity %d", plen, p.PayloadCap())
	}
	p.payloadLen = plen
}

// PayloadCap returns the payload capacity of the current buffer
func (p *Packet) PayloadCap() uint32 {
	return uint32(len(p.bytes))
}

// TotalPayload returns the whole payload buffer regardless of written length
func (p *Packet) TotalPayload() []byte {
	return p.bytes
}

// ClearPayload resets the packet for reuse without releasing it
func (p *Packet) ClearPayload() {
	p.readCursor = 0
	p.payloadLen = 0
}

// AppendByte appends one byte to the end of payload
func (p *Packet) AppendByte(b byte) {
	p.AssureCapacity(1)
	p.bytes[p.payloadLen] = b
	p.payloadLen++
}

// assureUnread panics if the unread payload is shorter than size. Reading
// past the payload into pooled buffer bytes is never legal.
func (p *Packet) assureUnread(size uint32) {
	if p.readCursor+size > p.payloadLen {
		wlog.Panicf("Packet %p payload is %d, but reading %d+%d", p, p.payloadLen, p.readCursor, size)
	}
}

// ReadOneByte reads one byte from the beginning of unread payload
func (p *Packet) ReadOneByte() (v byte) {
	p.assureUnread(1)
	v = p.bytes[p.readCursor]
	p.readCursor++
	return
}

// AppendBool appends one byte 1/0 to the end of payload
func (p *Packet) AppendBool(b bool) {
	if b {
		p.AppendByte(1)
	} else {
		p.AppendByte(0)
	}
}

// ReadBool reads one byte 1/0 from the beginning of unread payload
func (p *Packet) ReadBool() (v bool) {
	return p.ReadOneByte() != 0
}

// AppendUint16 appends one uint16 to the end of payload
func (p *Packet) AppendUint16(v uint16) {
	p.AssureCapacity(2)
	packetEndian.PutUint16(p.bytes[p.payloadLen:p.payloadLen+2], v)
	p.payloadLen += 2
}

// ReadUint16 reads one uint16 from the beginning of unread payload
func (p *Packet) ReadUint16() (v uint16) {
	p.assureUnread(2)
	v = packetEndian.Uint16(p.bytes[p.readCursor : p.readCursor+2])
	p.readCursor += 2
	return
}

// AppendUint32 appends one uint32 to the end of payload
func (p *Packet) AppendUint32(v uint32) {
	p.AssureCapacity(4)
	packetEndian.PutUint32(p.bytes[p.payloadLen:p.payloadLen+4], v)
	p.payloadLen += 4
}

// ReadUint32 reads one uint32 from the beginning of unread payload
func (p *Packet) ReadUint32() (v uint32) {
	p.assureUnread(4)
	v = packetEndian.Uint32(p.bytes[p.readCursor : p.readCursor+4])
	p.readCursor += 4
	return
}

// AppendUint64 appends one uint64 to the end of payload
func (p *Packet) AppendUint64(v uint64) {
	p.AssureCapacity(8)
	packetEndian.PutUint64(p.bytes[p.payloadLen:p.payloadLen+8], v)
	p.payloadLen += 8
}

// ReadUint64 reads one uint64 from the beginning of unread payload
func (p *Packet) ReadUint64() (v uint64) {
	p.assureUnread(8)
	v = packetEndian.Uint64(p.bytes[p.readCursor : p.readCursor+8])
	p.readCursor += 8
	return
}

// AppendFloat32 appends one float32 to the end of payload
func (p *Packet) AppendFloat32(f float32) {
	p.AppendUint32(math.Float32bits(f))
}

// ReadFloat32 reads one float32 from the beginning of unread payload
func (p *Packet) ReadFloat32() float32 {
	return math.Float32frombits(p.ReadUint32())
}

// AppendFloat64 appends one float64 to the end of payload
func (p *Packet) AppendFloat64(f float64) {
	p.AppendUint64(math.Float64bits(f))
}

// ReadFloat64 reads one float64 from the beginning of unread payload
func (p *Packet) ReadFloat64() float64 {
	return math.Float64frombits(p.ReadUint64())
}

// AppendBytes appends a slice of bytes to the end of payload
func (p *Packet) AppendBytes(v []byte) {
	bytesLen := uint32(len(v))
	p.AssureCapacity(bytesLen)
	copy(p.bytes[p.payloadLen:p.payloadLen+bytesLen], v)
	p.payloadLen += bytesLen
}

// ReadBytes reads bytes from the beginning of unread payload without copying
func (p *Packet) ReadBytes(size uint32) []byte {
	p.assureUnread(size)
	bytes := p.bytes[p.readCursor : p.readCursor+size]
	p.readCursor += size
	return bytes
}

// AppendVarStr appends a varsize string to the end of payload
func (p *Packet) AppendVarStr(s string) {
	p.AppendVarBytes([]byte(s))
}

// ReadVarStr reads a varsize string from the beginning of unread payload
func (p *Packet) ReadVarStr() string {
	return string(p.ReadVarBytes())
}

// AppendVarBytes appends varsize bytes to the end of payload
func (p *Packet) AppendVarBytes(v []byte) {
	p.AppendUint32(uint32(len(v)))
	p.AppendBytes(v)
}

// ReadVarBytes reads varsize bytes from the beginning of unread payload
func (p *Packet) ReadVarBytes() []byte {
	blen := p.ReadUint32()
	return p.ReadBytes(blen)
}

// AppendRefID appends one RefID to the end of payload
func (p *Packet) AppendRefID(id common.RefID) {
	p.AppendUint64(uint64(id))
}

// ReadRefID reads one RefID from the beginning of unread payload
func (p *Packet) ReadRefID() common.RefID {
	return common.RefID(p.ReadUint64())
}

// AppendPeerID appends one PeerID to the end of payload
func (p *Packet) AppendPeerID(id common.PeerID) {
	p.AppendUint32(uint32(id))
}

// ReadPeerID reads one PeerID from the beginning of unread payload
func (p *Packet) ReadPeerID() common.PeerID {
	return common.PeerID(p.ReadUint32())
}

// AppendData appends one message of any type to the end of payload
func (p *Packet) AppendData(msg interface{}) {
	dataBytes, err := MSG_PACKER.PackMsg(msg, nil)
	if err != nil {
		wlog.Panic(err)
	}

	p.AppendVarBytes(dataBytes)
}

// ReadData reads one message of any type from the beginning of unread payload
func (p *Packet) ReadData(msg interface{}) {
	b := p.ReadVarBytes()
	err := MSG_PACKER.UnpackMsg(b, msg)
	if err != nil {
		wlog.Panic(err)
	}
}

// AppendStringList appends a list of strings to the end of payload
func (p *Packet) AppendStringList(list []string) {
	p.AppendUint16(uint16(len(list)))
	for _, s := range list {
		p.AppendVarStr(s)
	}
}

// ReadStringList reads a list of strings from the beginning of unread payload
func (p *Packet) ReadStringList() []string {
	listlen := int(p.ReadUint16())
	list := make([]string, listlen)
	for i := 0; i < listlen; i++ {
		list[i] = p.ReadVarStr()
	}
	return list
}
