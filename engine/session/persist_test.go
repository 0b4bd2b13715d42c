package session

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/storage"
	"github.com/loomworld/loom/engine/world"
)

func TestSaveAndLoadWorld(t *testing.T) {
	cfg := config.GetStorage()
	oldDir := cfg.Directory
	cfg.Directory = t.TempDir()
	defer func() { cfg.Directory = oldDir }()

	storage.Initialize()
	defer storage.Shutdown()

	wHost := world.NewWorld("persist-arena")
	sHost, err := Host(wHost, "persist", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	sHost.Post(func() {
		sl := wHost.NewSlot("Keep", nil)
		sl.SetTag("keep")
		sl.SetPersistent(true)
		ic, err := wHost.AddComponent(sl, "probeComponent")
		if err != nil {
			t.Errorf("add component: %v", err)
			return
		}
		ic.(*probeComponent).Score.Set(99)

		// not persistent, must not be captured
		wHost.NewSlot("Ephemeral", nil).SetTag("ephemeral")
	})

	saved := make(chan struct{}, 1)
	sHost.Post(func() {
		if err := sHost.SaveWorld(func() { saved <- struct{}{} }); err != nil {
			t.Errorf("save world: %v", err)
		}
	})
	select {
	case <-saved:
	case <-time.After(time.Second * 10):
		t.Fatalf("save never completed")
	}

	// wipe the live state, then restore from the record
	sHost.Post(func() {
		wHost.GetSlotsByTag("keep")[0].Destroy()
		wHost.GetSlotsByTag("ephemeral")[0].Destroy()
	})
	waitCond(t, sHost, "teardown", func() bool {
		return len(wHost.GetSlotsByTag("keep")) == 0
	})

	loaded := make(chan error, 1)
	sHost.Post(func() {
		sHost.LoadWorld(func(err error) { loaded <- err })
	})
	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("load world: %v", err)
		}
	case <-time.After(time.Second * 10):
		t.Fatalf("load never completed")
	}

	waitCond(t, sHost, "restored slot", func() bool {
		slots := wHost.GetSlotsByTag("keep")
		if len(slots) != 1 {
			return false
		}
		sl := slots[0]
		pc, _ := sl.GetComponent("probeComponent").(*probeComponent)
		return pc != nil && pc.Score.Get() == 99 &&
			sl.IsPersistent() && sl.Name.Get() == "Keep"
	})

	// the non-persistent slot stays gone
	assert.T(t, postCheck(sHost, func() bool {
		return len(wHost.GetSlotsByTag("ephemeral")) == 0
	}), "ephemeral slot should not be restored")
}

func TestLoadWorldRequiresHost(t *testing.T) {
	wHost := world.NewWorld("load-host")
	sHost, err := Host(wHost, "load", "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sHost.Leave()
		sHost.WaitTerminated()
	}()

	wClient := world.NewWorld("load-client")
	sClient, err := Join(wClient, sHost.ListenAddr(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		sClient.Leave()
		sClient.WaitTerminated()
	}()
	waitState(t, wClient, world.StateRunning)

	errs := make(chan error, 1)
	sClient.Post(func() {
		sClient.LoadWorld(func(err error) { errs <- err })
	})
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("loading on a client should fail")
		}
	case <-time.After(time.Second * 10):
		t.Fatalf("load callback never ran")
	}
}
