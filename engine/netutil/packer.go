package netutil

import (
	"bytes"

	"github.com/vmihailenco/msgpack"
)

// MsgPacker serializes messages to bytes and back
type MsgPacker interface {
	PackMsg(msg interface{}, buf []byte) ([]byte, error)
	UnpackMsg(data []byte, msg interface{}) error
}

// MessagePackMsgPacker packs and unpacks messages in MessagePack format
type MessagePackMsgPacker struct{}

// PackMsg packs a message to bytes in MessagePack format, appending to buf
func (mp MessagePackMsgPacker) PackMsg(msg interface{}, buf []byte) ([]byte, error) {
	buffer := bytes.NewBuffer(buf)

	encoder := msgpack.NewEncoder(buffer)
	err := encoder.Encode(msg)
	if err != nil {
		return buf, err
	}
	buf = buffer.Bytes()
	return buf, nil
}

// UnpackMsg unpacks bytes in MessagePack format to a message
func (mp MessagePackMsgPacker) UnpackMsg(data []byte, msg interface{}) error {
	err := msgpack.Unmarshal(data, msg)
	return err
}

// MSG_PACKER is the packer used for all packet payload data
var MSG_PACKER MsgPacker = MessagePackMsgPacker{}
