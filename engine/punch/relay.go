package punch

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/loomworld/loom/engine/wlog"
)

// relayForwarder is a transparent UDP forwarder allocated for one relayed
// join. It binds an ephemeral port; the joiner dials its session traffic at
// that port and the forwarder shuttles raw datagrams between the joiner and
// the host's registered session endpoint. The relay masks the joiner's NAT
// only; the host must be reachable at its registered endpoint.
type relayForwarder struct {
	conn       *net.UDPConn
	hostAddr   *net.UDPAddr
	clientAddr atomic.Pointer[net.UDPAddr]
	lastActive atomic.Int64
	closed     atomic.Bool
}

func newRelayForwarder(bindIP net.IP, hostAddr *net.UDPAddr) (*relayForwarder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "listen relay forwarder")
	}

	rf := &relayForwarder{
		conn:     conn,
		hostAddr: hostAddr,
	}
	rf.lastActive.Store(time.Now().UnixNano())
	go rf.forwardLoop()
	wlog.Infof("relay forwarder %s => %s", conn.LocalAddr(), hostAddr)
	return rf, nil
}

func (rf *relayForwarder) port() int {
	return rf.conn.LocalAddr().(*net.UDPAddr).Port
}

func (rf *relayForwarder) forwardLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := rf.conn.ReadFromUDP(buf)
		if err != nil {
			if !rf.closed.Load() {
				wlog.Errorf("relay forwarder %s: %v", rf.conn.LocalAddr(), err)
			}
			return
		}
		rf.lastActive.Store(time.Now().UnixNano())

		if addrEqual(from, rf.hostAddr) {
			client := rf.clientAddr.Load()
			if client != nil {
				rf.conn.WriteToUDP(buf[:n], client)
			}
		} else {
			// the first non-host datagram binds the joiner's endpoint
			rf.clientAddr.Store(from)
			rf.conn.WriteToUDP(buf[:n], rf.hostAddr)
		}
	}
}

func (rf *relayForwarder) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, rf.lastActive.Load()))
}

func (rf *relayForwarder) close() {
	if rf.closed.CompareAndSwap(false, true) {
		rf.conn.Close()
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
