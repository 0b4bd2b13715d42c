package session

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/netutil"
	"github.com/loomworld/loom/engine/proto"
	"github.com/loomworld/loom/engine/world"
)

type probeComponent struct {
	world.Component

	Score *world.Field[int64]
}

func (p *probeComponent) OnAwake() {
	p.Score = world.NewField[int64](p, "Score", 0)
}

func init() {
	world.RegisterComponentType("probeComponent", &probeComponent{})
}

// postCheck evaluates cond on the session's pump goroutine, where reading
// world state is race-free
func postCheck(s *Session, cond func() bool) bool {
	res := make(chan bool, 1)
	s.Post(func() {
		res <- cond()
	})
	select {
	case v := <-res:
		return v
	case <-time.After(time.Second * 5):
		return false
	}
}

func waitCond(t *testing.T, s *Session, what string, cond func() bool) {
	deadline := time.Now().Add(time.Second * 10)
	for time.Now().Before(deadline) {
		if postCheck(s, cond) {
			return
		}
		time.Sleep(time.Millisecond * 20)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, w *world.World, want world.WorldState) {
	deadline := time.Now().Add(time.Second * 10)
	for time.Now().Before(deadline) {
		st := w.State()
		if st == want {
			return
		}
		if st == world.StateFailed {
			t.Fatalf("%s failed while waiting for %s", w, want)
		}
		time.Sleep(time.Millisecond * 20)
	}
	t.Fatalf("timed out waiting for %s to reach %s", w, want)
}

func TestHostJoinSync(t *testing.T) {
	wHost := world.NewWorld("arena-host")
	sHost, err := Host(wHost, "arena", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	assert.T(t, sHost.IsHost(), "hosting endpoint is the authority")
	assert.Equal(t, world.StateRunning, wHost.State())

	addr := sHost.ListenAddr()
	if addr == "" {
		t.Fatalf("host has no listen address")
	}

	// the host populates the world before anyone joins
	sHost.Post(func() {
		sl := wHost.NewSlot("Probe", nil)
		sl.SetTag("probe")
		ic, err := wHost.AddComponent(sl, "probeComponent")
		if err != nil {
			t.Errorf("add component: %v", err)
			return
		}
		ic.(*probeComponent).Score.Set(42)
	})

	wClient := world.NewWorld("arena-client")
	sClient, err := Join(wClient, addr, "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sClient.Leave()
		sClient.WaitTerminated()
	}()

	waitState(t, wClient, world.StateRunning)
	assert.T(t, !sClient.IsHost(), "joining endpoint is not the authority")
	assert.T(t, !wClient.LocalRange().IsNil(), "grant should carry a RefID range")

	// the join grant snapshot carries the pre-populated state
	waitCond(t, sClient, "snapshot slot", func() bool {
		slots := wClient.GetSlotsByTag("probe")
		if len(slots) != 1 {
			return false
		}
		pc, _ := slots[0].GetComponent("probeComponent").(*probeComponent)
		return pc != nil && pc.Score.Get() == 42
	})

	// both sides see both users
	waitCond(t, sHost, "host user list", func() bool { return len(wHost.Users()) == 2 })
	waitCond(t, sClient, "client user list", func() bool { return len(wClient.Users()) == 2 })

	// a host-side write replicates to the client
	sHost.Post(func() {
		slots := wHost.GetSlotsByTag("probe")
		slots[0].GetComponent("probeComponent").(*probeComponent).Score.Set(1000)
	})
	waitCond(t, sClient, "host write to reach client", func() bool {
		slots := wClient.GetSlotsByTag("probe")
		pc, _ := slots[0].GetComponent("probeComponent").(*probeComponent)
		return pc != nil && pc.Score.Get() == 1000
	})

	// a client-side write replicates back to the host
	sClient.Post(func() {
		slots := wClient.GetSlotsByTag("probe")
		slots[0].GetComponent("probeComponent").(*probeComponent).Score.Set(-7)
	})
	waitCond(t, sHost, "client write to reach host", func() bool {
		slots := wHost.GetSlotsByTag("probe")
		pc, _ := slots[0].GetComponent("probeComponent").(*probeComponent)
		return pc != nil && pc.Score.Get() == -7
	})

	// client-minted slots carry RefIDs from the granted range and replicate
	sClient.Post(func() {
		sl := wClient.NewSlot("ClientMade", nil)
		sl.SetTag("client-made")
	})
	waitCond(t, sHost, "client slot to reach host", func() bool {
		slots := wHost.GetSlotsByTag("client-made")
		return len(slots) == 1 && wClient.LocalRange().Contains(slots[0].RefID())
	})

	// transforms ride the background channel and still converge. The client
	// moves first so the host learns its background endpoint.
	sClient.Post(func() {
		slots := wClient.GetSlotsByTag("probe")
		slots[0].LocalPosition.Set(world.Vector3{X: 1, Y: 2, Z: 3})
	})
	waitCond(t, sHost, "transform to reach host", func() bool {
		slots := wHost.GetSlotsByTag("probe")
		return len(slots) == 1 && slots[0].LocalPosition.Get() == (world.Vector3{X: 1, Y: 2, Z: 3})
	})

	sHost.Post(func() {
		slots := wHost.GetSlotsByTag("probe")
		slots[0].LocalPosition.Set(world.Vector3{X: 10, Y: 20, Z: 30})
	})
	waitCond(t, sClient, "transform to reach client", func() bool {
		slots := wClient.GetSlotsByTag("probe")
		return len(slots) == 1 && slots[0].LocalPosition.Get() == (world.Vector3{X: 10, Y: 20, Z: 30})
	})

	// destroys replicate
	sHost.Post(func() {
		wHost.GetSlotsByTag("client-made")[0].Destroy()
	})
	waitCond(t, sClient, "destroy to reach client", func() bool {
		return len(wClient.GetSlotsByTag("client-made")) == 0
	})
}

func TestLeaveNotifiesHost(t *testing.T) {
	wHost := world.NewWorld("leave-host")
	sHost, err := Host(wHost, "leave", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	var left *world.User
	wHost.RegisterEventReceiver(world.EventUserLeft, func(ev world.Event) {
		left = ev.User
	})

	wClient := world.NewWorld("leave-client")
	sClient, err := Join(wClient, sHost.ListenAddr(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, wClient, world.StateRunning)
	waitCond(t, sHost, "join", func() bool { return len(wHost.Users()) == 2 })

	sClient.Leave()
	sClient.WaitTerminated()
	assert.Equal(t, world.StateDestroyed, wClient.State())

	waitCond(t, sHost, "leave", func() bool { return len(wHost.Users()) == 1 })
	waitCond(t, sHost, "left event", func() bool { return left != nil && left.Name == "bob" })
	assert.Equal(t, 0, sHost.NumPeers())
}

func TestJoinRefusedWhenFull(t *testing.T) {
	cfg := config.GetSession()
	oldMax := cfg.MaxPeers
	cfg.MaxPeers = 1
	defer func() { cfg.MaxPeers = oldMax }()

	wHost := world.NewWorld("full-host")
	sHost, err := Host(wHost, "full", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	w1 := world.NewWorld("full-client1")
	s1, err := Join(w1, sHost.ListenAddr(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		s1.Leave()
		s1.WaitTerminated()
	}()
	waitState(t, w1, world.StateRunning)

	w2 := world.NewWorld("full-client2")
	if _, err := Join(w2, sHost.ListenAddr(), "carol"); err == nil {
		t.Fatalf("join beyond capacity should be refused")
	}
	assert.Equal(t, world.StateFailed, w2.State())
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	wHost := world.NewWorld("malformed-host")
	sHost, err := Host(wHost, "malformed", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	raw, err := connectAddr(sHost.ListenAddr(), time.Second*5)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	// a join request whose declared data length exceeds the frame
	packet := netutil.NewPacket()
	packet.AppendUint16(uint16(proto.MT_JOIN_REQUEST))
	packet.AppendUint32(0xFFFF)
	if err := raw.SendRelease(packet); err != nil {
		t.Fatal(err)
	}
	raw.Flush()

	// the host drops the frame and keeps admitting: a real join still works
	wClient := world.NewWorld("malformed-client")
	sClient, err := Join(wClient, sHost.ListenAddr(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sClient.Leave()
		sClient.WaitTerminated()
	}()
	waitState(t, wClient, world.StateRunning)
	waitCond(t, sHost, "join after malformed frame", func() bool {
		return len(wHost.Users()) == 2
	})

	// a bad frame while running must only cost that frame
	packet = netutil.NewPacket()
	packet.AppendUint16(uint16(proto.MT_DELTA_SYNC))
	packet.AppendUint32(0xFFFF)
	if err := raw.SendRelease(packet); err != nil {
		t.Fatal(err)
	}
	raw.Flush()
	time.Sleep(time.Millisecond * 200)

	assert.T(t, postCheck(sHost, func() bool {
		return wHost.State() == world.StateRunning
	}), "host pump should survive malformed frames")
}

func TestJoinUnreachableHost(t *testing.T) {
	w := world.NewWorld("unreachable")
	if _, err := Join(w, "127.0.0.1:1", "bob"); err == nil {
		t.Fatalf("joining a dead endpoint should fail")
	}
	assert.Equal(t, world.StateFailed, w.State())
}
