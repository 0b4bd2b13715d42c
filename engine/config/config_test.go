package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/loomworld/loom/engine/consts"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "missing.ini"))

	cfg := Get()
	assert.Equal(t, "world", cfg.World.Name)
	assert.Equal(t, time.Duration(consts.WORLD_TICK_INTERVAL), cfg.World.TickInterval)
	assert.Equal(t, uint64(consts.REFID_RANGE_SIZE), cfg.World.RefIDRangeSize)

	assert.Equal(t, "127.0.0.1", cfg.Session.Ip)
	assert.Equal(t, 0, cfg.Session.Port)
	assert.Equal(t, consts.SESSION_MAX_PEERS, cfg.Session.MaxPeers)
	assert.Equal(t, time.Duration(consts.SESSION_SYNC_TICK_INTERVAL), cfg.Session.SyncTickInterval)
	assert.Equal(t, "", cfg.Session.PunchServer)

	assert.Equal(t, 7777, cfg.Punchd.BindPort)
	assert.Equal(t, "filesystem", cfg.Storage.Type)
}

func TestReadConfigFile(t *testing.T) {
	content := `
[world]
name = "battlefield"
tick_interval_ms = 20
refid_range_size = 4096

[session]
ip = "0.0.0.0"
port = 15000
max_peers = 16
sync_tick_interval_ms = 100
punch_server = "punch.example.com:7777"

[punchd]
bind_port = 8888
session_ttl = 60

[storage]
type = "redis"
url = "127.0.0.1:6379"
db = "2"
`
	path := filepath.Join(t.TempDir(), "loom.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	SetConfigFile(path)

	cfg := Get()
	assert.Equal(t, "battlefield", cfg.World.Name)
	assert.Equal(t, time.Millisecond*20, cfg.World.TickInterval)
	assert.Equal(t, uint64(4096), cfg.World.RefIDRangeSize)

	assert.Equal(t, "0.0.0.0", cfg.Session.Ip)
	assert.Equal(t, 15000, cfg.Session.Port)
	assert.Equal(t, 16, cfg.Session.MaxPeers)
	assert.Equal(t, time.Millisecond*100, cfg.Session.SyncTickInterval)
	assert.Equal(t, "punch.example.com:7777", cfg.Session.PunchServer)

	assert.Equal(t, 8888, cfg.Punchd.BindPort)
	assert.Equal(t, time.Second*60, cfg.Punchd.SessionTTL)

	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, "127.0.0.1:6379", cfg.Storage.Url)
	assert.Equal(t, "2", cfg.Storage.DB)

	// sections not present keep their defaults
	assert.Equal(t, true, cfg.World.LogStderr)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.ini")
	if err := os.WriteFile(path, []byte("[world]\nname = \"one\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	SetConfigFile(path)
	assert.Equal(t, "one", GetWorld().Name)

	if err := os.WriteFile(path, []byte("[world]\nname = \"two\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// cached until reloaded
	assert.Equal(t, "one", GetWorld().Name)
	Reload()
	assert.Equal(t, "two", GetWorld().Name)
}
