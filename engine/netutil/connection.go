package netutil

import (
	"net"

	"github.com/xiaonanln/netconnutil"

	"github.com/loomworld/loom/engine/consts"
)

// Connection is a flushable network connection
type Connection interface {
	netconnutil.FlushableConn
}

// NetConn adapts a plain net.Conn to Connection with a no-op Flush
type NetConn struct {
	net.Conn
}

// Flush flushes the connection
func (n NetConn) Flush() error {
	return nil
}

// NewBufferedConnection wraps the connection with read and write buffers and
// filters temporary errors so a read error always means the connection is dead
func NewBufferedConnection(conn net.Conn) Connection {
	conn = netconnutil.NewNoTempErrorConn(conn)
	return netconnutil.NewBufferedConn(conn, consts.BUFFERED_READ_BUFFSIZE, consts.BUFFERED_WRITE_BUFFSIZE)
}
