package netutil

import (
	"math/rand"
	"testing"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/common"
)

func TestPacketScalars(t *testing.T) {
	p := NewPacket()
	defer p.Release()

	p.AppendByte(7)
	p.AppendBool(true)
	p.AppendBool(false)
	p.AppendUint16(0xBEEF)
	p.AppendUint32(0xDEADBEEF)
	p.AppendUint64(0xDEADBEEFCAFEBABE)
	p.AppendFloat32(3.25)
	p.AppendFloat64(-1.5e100)

	assert.Equal(t, byte(7), p.ReadOneByte())
	assert.Equal(t, true, p.ReadBool())
	assert.Equal(t, false, p.ReadBool())
	assert.Equal(t, uint16(0xBEEF), p.ReadUint16())
	assert.Equal(t, uint32(0xDEADBEEF), p.ReadUint32())
	assert.Equal(t, uint64(0xDEADBEEFCAFEBABE), p.ReadUint64())
	assert.Equal(t, float32(3.25), p.ReadFloat32())
	assert.Equal(t, float64(-1.5e100), p.ReadFloat64())
	assert.T(t, !p.HasUnreadPayload(), "payload should be fully consumed")
}

func TestPacketIDs(t *testing.T) {
	p := NewPacket()
	defer p.Release()

	p.AppendRefID(common.RefID(123456789))
	p.AppendPeerID(common.PeerID(42))
	p.AppendRefID(common.NilRefID)

	assert.Equal(t, common.RefID(123456789), p.ReadRefID())
	assert.Equal(t, common.PeerID(42), p.ReadPeerID())
	assert.T(t, p.ReadRefID().IsNil(), "nil RefID should survive the wire")
}

func TestPacketVarStrAndBytes(t *testing.T) {
	p := NewPacket()
	defer p.Release()

	p.AppendVarStr("")
	p.AppendVarStr("hello, 世界")
	p.AppendVarBytes([]byte{1, 2, 3})
	p.AppendStringList([]string{"a", "bb", "ccc"})

	assert.Equal(t, "", p.ReadVarStr())
	assert.Equal(t, "hello, 世界", p.ReadVarStr())
	assert.Equal(t, []byte{1, 2, 3}, p.ReadVarBytes())
	assert.Equal(t, []string{"a", "bb", "ccc"}, p.ReadStringList())
}

func TestPacketData(t *testing.T) {
	type payload struct {
		Name   string
		Score  int64
		Labels []string
	}

	p := NewPacket()
	defer p.Release()

	in := payload{Name: "probe", Score: -9000, Labels: []string{"x", "y"}}
	p.AppendData(in)

	var out payload
	p.ReadData(&out)
	assert.Equal(t, in, out)
}

func TestPacketGrowth(t *testing.T) {
	p := NewPacket()

	payload := make([]byte, 100000)
	rand.Read(payload)
	p.AppendVarBytes(payload)
	if p.PayloadCap() < p.GetPayloadLen() {
		t.Fatalf("capacity %d below payload length %d", p.PayloadCap(), p.GetPayloadLen())
	}
	assert.Equal(t, payload, p.ReadVarBytes())
	p.Release()

	// a released packet comes back from the pool clean
	p2 := NewPacket()
	defer p2.Release()
	assert.Equal(t, uint32(0), p2.GetPayloadLen())
	assert.T(t, !p2.HasUnreadPayload(), "pooled packet should be clean")
}

func expectReadPanic(t *testing.T, what string, f func()) {
	defer func() {
		if recover() == nil {
			t.Fatalf("%s should panic", what)
		}
	}()
	f()
}

func TestPacketReadBounds(t *testing.T) {
	p := NewPacket()
	defer p.Release()
	p.AppendUint16(7)
	assert.Equal(t, uint16(7), p.ReadUint16())
	expectReadPanic(t, "reading past the payload", func() { p.ReadOneByte() })

	q := NewPacket()
	defer q.Release()
	q.AppendByte(1)
	expectReadPanic(t, "uint32 from a 1-byte payload", func() { q.ReadUint32() })

	// a declared varbytes length beyond the actual payload must never leak
	// pooled buffer bytes
	r := NewPacket()
	defer r.Release()
	r.AppendUint32(1 << 20)
	expectReadPanic(t, "oversized varbytes length", func() { r.ReadVarBytes() })
}

func TestPacketRefCount(t *testing.T) {
	p := NewPacket()
	p.AppendUint32(1)
	p.AddRefCount(1)
	p.Release()
	// still alive after the first release
	assert.Equal(t, uint32(1), p.ReadUint32())
	p.Release()
}
