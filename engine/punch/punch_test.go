package punch

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
)

func startTestServer(t *testing.T) *Server {
	s, err := NewServer("127.0.0.1", 0, time.Second*5)
	if err != nil {
		t.Fatal(err)
	}
	go s.Run()
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterAndList(t *testing.T) {
	s := startTestServer(t)
	defer s.Close()
	addr := s.LocalAddr().String()

	c, err := NewClient(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Register("arena", 7777, 1, 8); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "registration", func() bool { return s.NumSessions() == 1 })

	sessions, err := ListSessions(addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expecting 1 session, got %d", len(sessions))
	}
	assert.Equal(t, "arena", sessions[0].Name)
	assert.Equal(t, c.Token(), sessions[0].Token)
	assert.Equal(t, 1, sessions[0].NumUsers)
	assert.Equal(t, 8, sessions[0].MaxUsers)

	// re-registering refreshes in place
	if err := c.Register("arena", 7777, 3, 8); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "refresh", func() bool {
		sessions, err := ListSessions(addr)
		return err == nil && len(sessions) == 1 && sessions[0].NumUsers == 3
	})

	c.Unregister()
	waitFor(t, "unregistration", func() bool { return s.NumSessions() == 0 })
}

func TestListSortedByName(t *testing.T) {
	s := startTestServer(t)
	defer s.Close()
	addr := s.LocalAddr().String()

	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		c, err := NewClient(addr)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if err := c.Register(name, 7000, 0, 4); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "registrations", func() bool { return s.NumSessions() == 3 })

	sessions, err := ListSessions(addr)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(sessions))
	for i, d := range sessions {
		got[i] = d.Name
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, got)
}

func TestJoinIntroduction(t *testing.T) {
	s := startTestServer(t)
	defer s.Close()
	addr := s.LocalAddr().String()

	host, err := NewClient(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	introduced := make(chan string, 1)
	host.OnIntroduce = func(clientAddr string) {
		introduced <- clientAddr
	}

	if err := host.Register("arena", 7777, 0, 8); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "registration", func() bool { return s.NumSessions() == 1 })

	intro, err := RequestJoin(addr, host.Token())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "127.0.0.1:7777", intro.HostAddr)
	if intro.RelayAddr == "" {
		t.Fatalf("no relay fallback allocated")
	}
	if !strings.HasPrefix(intro.RelayAddr, "127.0.0.1:") {
		t.Fatalf("relay should live on the rendezvous host, got %s", intro.RelayAddr)
	}

	select {
	case clientAddr := <-introduced:
		if _, _, err := net.SplitHostPort(clientAddr); err != nil {
			t.Fatalf("bad introduced endpoint %s: %v", clientAddr, err)
		}
	case <-time.After(time.Second * 5):
		t.Fatalf("host never saw the introduction")
	}
}

func TestJoinUnknownToken(t *testing.T) {
	s := startTestServer(t)
	defer s.Close()

	if _, err := RequestJoin(s.LocalAddr().String(), "no-such-token"); err == nil {
		t.Fatalf("joining an unknown token should fail")
	}
}

func TestRegistrationExpires(t *testing.T) {
	s, err := NewServer("127.0.0.1", 0, time.Millisecond*200)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	go s.Run()

	c, err := NewClient(s.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Register("ephemeral", 7000, 0, 4); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "registration", func() bool { return s.NumSessions() == 1 })
	waitFor(t, "expiry", func() bool { return s.NumSessions() == 0 })
}
