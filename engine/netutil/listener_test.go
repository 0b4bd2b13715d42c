package netutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	kcp "github.com/xtaci/kcp-go"

	"github.com/loomworld/loom/engine/common"
	"github.com/loomworld/loom/engine/consts"
)

func startTestListener(t *testing.T, maxPeers int) (*Listener, chan *Peer) {
	accepted := make(chan *Peer, 8)
	l, err := ServeSession("127.0.0.1", 0, maxPeers, func(p *Peer) { accepted <- p })
	if err != nil {
		t.Fatal(err)
	}
	return l, accepted
}

func TestConnectPeerHandshake(t *testing.T) {
	l, accepted := startTestListener(t, 4)
	defer l.Close()

	peer, err := ConnectPeer("127.0.0.1", l.Port())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer peer.Close()

	select {
	case remote := <-accepted:
		assert.Equal(t, peer.ID(), remote.ID())
	case <-time.After(consts.CONNECT_TIMEOUT):
		t.Fatalf("listener never accepted the dialer")
	}
	assert.Equal(t, 1, l.NumPeers())
	assert.T(t, peer.ID() != common.AuthorityPeerID, "assigned IDs never collide with the authority")
}

func TestConnectPeerRefusedWhenFull(t *testing.T) {
	l, accepted := startTestListener(t, 1)
	defer l.Close()

	first, err := ConnectPeer("127.0.0.1", l.Port())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	<-accepted

	if _, err := ConnectPeer("127.0.0.1", l.Port()); err == nil {
		t.Fatalf("connect beyond capacity should be refused")
	} else {
		assert.T(t, strings.Contains(err.Error(), "session full"), err.Error())
	}
}

func TestConnectPeerRefusedWhenNotAccepting(t *testing.T) {
	l, _ := startTestListener(t, 4)
	defer l.Close()
	l.SetAccepting(false)

	if _, err := ConnectPeer("127.0.0.1", l.Port()); err == nil {
		t.Fatalf("connect while not accepting should be refused")
	}
}

func TestBadHelloDropped(t *testing.T) {
	l, _ := startTestListener(t, 4)
	defer l.Close()

	conn, err := kcp.DialWithOptions(fmt.Sprintf("127.0.0.1:%d", l.Port()), nil, consts.KCP_DATA_SHARDS, consts.KCP_PARITY_SHARDS)
	if err != nil {
		t.Fatal(err)
	}
	pconn := NewPacketConnection(NewBufferedConnection(conn))
	defer pconn.Close()

	bogus := NewPacket()
	bogus.AppendByte(99)
	if err := pconn.SendPacketRelease(CHANNEL_CONTROL, bogus); err != nil {
		t.Fatal(err)
	}
	pconn.Flush()

	// the bogus dialer is dropped unadmitted and a real one still gets in
	peer, err := ConnectPeer("127.0.0.1", l.Port())
	if err != nil {
		t.Fatalf("connect after bogus hello: %v", err)
	}
	defer peer.Close()
	assert.Equal(t, 1, l.NumPeers())
}
