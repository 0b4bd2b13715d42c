package punch

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"

	"github.com/loomworld/loom/engine/wlog"
)

// Client is the host side of the rendezvous protocol. It keeps one UDP
// socket to the server so registrations refresh from a stable endpoint and
// introduction pushes find their way back through the host's NAT.
type Client struct {
	server     string
	conn       *net.UDPConn
	token      string
	registered xnsyncutil.AtomicBool
	closed     xnsyncutil.AtomicBool

	// OnIntroduce is invoked with the joiner's public endpoint whenever the
	// server introduces someone to this host's session
	OnIntroduce func(clientAddr string)
}

// NewClient dials the rendezvous server and mints a fresh session token
func NewClient(server string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", server)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", server)
	}

	c := &Client{
		server: server,
		conn:   conn,
		token:  uuid.NewString(),
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("PunchClient<%s>", c.server)
}

// Token returns the session token this host registers under
func (c *Client) Token() string {
	return c.token
}

// Register registers or refreshes this host's session. Call it again before
// the server's TTL elapses to keep the registration alive.
func (c *Client) Register(name string, sessionPort, numUsers, maxUsers int) error {
	err := c.sendMessage(&message{
		Op:       OP_REGISTER,
		Token:    c.token,
		Name:     name,
		Port:     sessionPort,
		NumUsers: numUsers,
		MaxUsers: maxUsers,
	})
	if err == nil {
		c.registered.Store(true)
	}
	return err
}

// Unregister removes this host's session from the directory
func (c *Client) Unregister() {
	if !c.registered.Load() {
		return
	}
	c.registered.Store(false)
	if err := c.sendMessage(&message{Op: OP_UNREGISTER, Token: c.token}); err != nil {
		wlog.Debugf("%s: unregister: %v", c, err)
	}
}

// Close unregisters and tears the client down
func (c *Client) Close() {
	if c.closed.Load() {
		return
	}
	c.Unregister()
	c.closed.Store(true)
	c.conn.Close()
}

func (c *Client) sendMessage(msg *message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return errors.Wrap(err, "send rendezvous message")
}

func (c *Client) recvLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if !c.closed.Load() {
				wlog.Errorf("%s recv: %v", c, err)
			}
			return
		}

		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}

		switch msg.Op {
		case OP_REGISTER_ACK:
			if msg.Err != "" {
				wlog.Errorf("%s: registration rejected: %s", c, msg.Err)
			}
		case OP_INTRODUCE:
			wlog.Infof("%s: joiner introduced from %s", c, msg.ClientAddr)
			if c.OnIntroduce != nil {
				c.OnIntroduce(msg.ClientAddr)
			}
		}
	}
}
