// Package punch implements the session rendezvous service: hosts register
// their sessions, joiners discover them and get introduced to the host's
// public endpoint, with a UDP relay as the fallback when the direct
// punch-through attempt fails.
package punch

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/loomworld/loom/engine/consts"
)

// Rendezvous opcodes
const (
	// OP_REGISTER registers or refreshes a hosted session
	OP_REGISTER byte = 1 + iota
	// OP_REGISTER_ACK confirms a registration
	OP_REGISTER_ACK
	// OP_UNREGISTER removes a hosted session
	OP_UNREGISTER
	// OP_LIST asks for the session directory
	OP_LIST
	// OP_LIST_RESULT carries the session directory
	OP_LIST_RESULT
	// OP_JOIN asks to be introduced to a session's host
	OP_JOIN
	// OP_JOIN_RESULT carries the host endpoint and the relay fallback port
	OP_JOIN_RESULT
	// OP_INTRODUCE is pushed to the host when a joiner was introduced
	OP_INTRODUCE
)

// SessionDesc describes one registered session in directory listings
type SessionDesc struct {
	Token    string `msgpack:"t"`
	Name     string `msgpack:"n"`
	NumUsers int    `msgpack:"u"`
	MaxUsers int    `msgpack:"m"`
}

// message is the single envelope of all rendezvous datagrams
type message struct {
	Op    byte   `msgpack:"o"`
	Token string `msgpack:"t,omitempty"`

	// registration
	Name     string `msgpack:"n,omitempty"`
	Port     int    `msgpack:"p,omitempty"`
	NumUsers int    `msgpack:"u,omitempty"`
	MaxUsers int    `msgpack:"m,omitempty"`

	// replies
	Ok       bool          `msgpack:"k,omitempty"`
	Err      string        `msgpack:"e,omitempty"`
	Sessions []SessionDesc `msgpack:"s,omitempty"`

	// introduction endpoints
	HostAddr   string `msgpack:"h,omitempty"`
	ClientAddr string `msgpack:"c,omitempty"`
	RelayPort  int    `msgpack:"r,omitempty"`
}

func encodeMessage(msg *message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeMessage(data []byte) (*message, error) {
	msg := &message{}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(err, "decode rendezvous message")
	}
	return msg, nil
}

// roundtrip sends one request datagram and waits for the matching reply op
func roundtrip(server string, req *message, wantOp byte) (*message, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", server)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", server)
	}
	defer conn.Close()

	data, err := encodeMessage(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		return nil, errors.Wrap(err, "send rendezvous request")
	}

	conn.SetReadDeadline(time.Now().Add(consts.PUNCH_TIMEOUT))
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, errors.Wrap(err, "rendezvous reply")
		}
		reply, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		if reply.Op != wantOp {
			continue
		}
		if reply.Err != "" {
			return nil, errors.New(reply.Err)
		}
		return reply, nil
	}
}

// ListSessions fetches the session directory from a rendezvous server
func ListSessions(server string) ([]SessionDesc, error) {
	reply, err := roundtrip(server, &message{Op: OP_LIST}, OP_LIST_RESULT)
	if err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// Introduction is the result of a join request: the host's public endpoint
// for the direct attempt plus the relay endpoint for the fallback
type Introduction struct {
	HostAddr  string
	RelayAddr string
}

// RequestJoin asks the rendezvous server for an introduction to the session
func RequestJoin(server string, token string) (*Introduction, error) {
	reply, err := roundtrip(server, &message{Op: OP_JOIN, Token: token}, OP_JOIN_RESULT)
	if err != nil {
		return nil, err
	}

	serverHost, _, err := net.SplitHostPort(server)
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", server)
	}

	intro := &Introduction{HostAddr: reply.HostAddr}
	if reply.RelayPort != 0 {
		intro.RelayAddr = net.JoinHostPort(serverHost, strconv.Itoa(reply.RelayPort))
	}
	return intro, nil
}
