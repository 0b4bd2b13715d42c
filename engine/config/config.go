package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
)

const (
	_DEFAULT_CONFIG_FILE  = "loom.ini"
	_DEFAULT_LOCALHOST_IP = "127.0.0.1"
	_DEFAULT_LOG_LEVEL    = "debug"
	_DEFAULT_STORAGE_TYPE = "filesystem"
	_DEFAULT_STORAGE_DIR  = "loom-saves"
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	loomConfig     *LoomConfig
	configLock     sync.Mutex
)

// WorldConfig defines fields of world config
type WorldConfig struct {
	Name           string
	LogFile        string
	LogStderr      bool
	LogLevel       string
	TickInterval   time.Duration
	RefIDRangeSize uint64
}

// SessionConfig defines fields of session config
type SessionConfig struct {
	Ip               string
	Port             int
	MaxPeers         int
	SyncTickInterval time.Duration
	JoinGrantTimeout time.Duration
	PunchServer      string // "host:port" of the punch/directory server, empty disables
}

// PunchdConfig defines fields of the punch server config
type PunchdConfig struct {
	BindIp     string
	BindPort   int
	LogFile    string
	LogStderr  bool
	LogLevel   string
	SessionTTL time.Duration
}

// StorageConfig defines fields of storage config
type StorageConfig struct {
	Type      string // Type of storage (filesystem, redis, mongodb)
	Directory string // Directory of filesystem storage (filesystem)
	Url       string // Connection URL (redis, mongodb)
	DB        string // Database name / index (mongodb, redis)
}

// LoomConfig defines the total config file structure
type LoomConfig struct {
	World   WorldConfig
	Session SessionConfig
	Punchd  PunchdConfig
	Storage StorageConfig
}

// SetConfigFile sets the config file path
func SetConfigFile(f string) {
	configFilePath = f
	loomConfig = nil
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the total config
func Get() *LoomConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if loomConfig == nil {
		loomConfig = readLoomConfig()
	}
	return loomConfig
}

// Reload forces the config to be reloaded from file
func Reload() *LoomConfig {
	configLock.Lock()
	loomConfig = nil
	configLock.Unlock()
	return Get()
}

// GetWorld returns the world config
func GetWorld() *WorldConfig {
	return &Get().World
}

// GetSession returns the session config
func GetSession() *SessionConfig {
	return &Get().Session
}

// GetPunchd returns the punch server config
func GetPunchd() *PunchdConfig {
	return &Get().Punchd
}

// GetStorage returns the storage config
func GetStorage() *StorageConfig {
	return &Get().Storage
}

func readLoomConfig() *LoomConfig {
	config := LoomConfig{}
	setDefaults(&config)

	iniFile, err := ini.Load(configFilePath)
	if err != nil {
		// a missing config file is fine, all defaults apply
		wlog.Warnf("config file %s not loaded: %v, using defaults", configFilePath, err)
		return &config
	}

	for _, sec := range iniFile.Sections() {
		secName := strings.ToLower(sec.Name())
		if secName == "default" {
			continue
		}

		if secName == "world" {
			readWorldConfig(sec, &config.World)
		} else if secName == "session" {
			readSessionConfig(sec, &config.Session)
		} else if secName == "punchd" {
			readPunchdConfig(sec, &config.Punchd)
		} else if secName == "storage" {
			readStorageConfig(sec, &config.Storage)
		} else {
			wlog.Errorf("unknown section: %s", secName)
		}
	}

	validateConfig(&config)
	return &config
}

func setDefaults(config *LoomConfig) {
	config.World = WorldConfig{
		Name:           "world",
		LogFile:        "loom.log",
		LogStderr:      true,
		LogLevel:       _DEFAULT_LOG_LEVEL,
		TickInterval:   consts.WORLD_TICK_INTERVAL,
		RefIDRangeSize: consts.REFID_RANGE_SIZE,
	}
	config.Session = SessionConfig{
		Ip:               _DEFAULT_LOCALHOST_IP,
		Port:             0,
		MaxPeers:         consts.SESSION_MAX_PEERS,
		SyncTickInterval: consts.SESSION_SYNC_TICK_INTERVAL,
		JoinGrantTimeout: consts.JOIN_GRANT_TIMEOUT,
	}
	config.Punchd = PunchdConfig{
		BindIp:     "0.0.0.0",
		BindPort:   7777,
		LogFile:    "punchd.log",
		LogStderr:  true,
		LogLevel:   _DEFAULT_LOG_LEVEL,
		SessionTTL: consts.PUNCH_SERVER_SESSION_TTL,
	}
	config.Storage = StorageConfig{
		Type:      _DEFAULT_STORAGE_TYPE,
		Directory: _DEFAULT_STORAGE_DIR,
	}
}

func readWorldConfig(sec *ini.Section, wc *WorldConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "name" {
			wc.Name = key.MustString(wc.Name)
		} else if name == "log_file" {
			wc.LogFile = key.MustString(wc.LogFile)
		} else if name == "log_stderr" {
			wc.LogStderr = key.MustBool(wc.LogStderr)
		} else if name == "log_level" {
			wc.LogLevel = key.MustString(wc.LogLevel)
		} else if name == "tick_interval_ms" {
			wc.TickInterval = time.Millisecond * time.Duration(key.MustInt(int(wc.TickInterval/time.Millisecond)))
		} else if name == "refid_range_size" {
			wc.RefIDRangeSize = key.MustUint64(wc.RefIDRangeSize)
		} else {
			wlog.Errorf("world config: unknown key: %s", name)
		}
	}
}

func readSessionConfig(sec *ini.Section, sc *SessionConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "ip" {
			sc.Ip = key.MustString(sc.Ip)
		} else if name == "port" {
			sc.Port = key.MustInt(sc.Port)
		} else if name == "max_peers" {
			sc.MaxPeers = key.MustInt(sc.MaxPeers)
		} else if name == "sync_tick_interval_ms" {
			sc.SyncTickInterval = time.Millisecond * time.Duration(key.MustInt(int(sc.SyncTickInterval/time.Millisecond)))
		} else if name == "join_grant_timeout" {
			sc.JoinGrantTimeout = time.Second * time.Duration(key.MustInt(int(sc.JoinGrantTimeout/time.Second)))
		} else if name == "punch_server" {
			sc.PunchServer = key.MustString(sc.PunchServer)
		} else {
			wlog.Errorf("session config: unknown key: %s", name)
		}
	}
}

func readPunchdConfig(sec *ini.Section, pc *PunchdConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "bind_ip" {
			pc.BindIp = key.MustString(pc.BindIp)
		} else if name == "bind_port" {
			pc.BindPort = key.MustInt(pc.BindPort)
		} else if name == "log_file" {
			pc.LogFile = key.MustString(pc.LogFile)
		} else if name == "log_stderr" {
			pc.LogStderr = key.MustBool(pc.LogStderr)
		} else if name == "log_level" {
			pc.LogLevel = key.MustString(pc.LogLevel)
		} else if name == "session_ttl" {
			pc.SessionTTL = time.Second * time.Duration(key.MustInt(int(pc.SessionTTL/time.Second)))
		} else {
			wlog.Errorf("punchd config: unknown key: %s", name)
		}
	}
}

func readStorageConfig(sec *ini.Section, sc *StorageConfig) {
	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			sc.Type = key.MustString(sc.Type)
		} else if name == "directory" {
			sc.Directory = key.MustString(sc.Directory)
		} else if name == "url" {
			sc.Url = key.MustString(sc.Url)
		} else if name == "db" {
			sc.DB = key.MustString(sc.DB)
		} else {
			wlog.Errorf("storage config: unknown key: %s", name)
		}
	}
}

func validateConfig(config *LoomConfig) {
	if config.World.RefIDRangeSize == 0 {
		panic(errors.Errorf("refid_range_size must be positive"))
	}
	if config.Session.MaxPeers <= 0 {
		panic(errors.Errorf("max_peers must be positive"))
	}
	if config.Storage.Type != "filesystem" && config.Storage.Type != "redis" && config.Storage.Type != "mongodb" {
		panic(errors.Errorf("unknown storage type: %s", config.Storage.Type))
	}
	if config.Punchd.BindPort <= 0 {
		panic(errors.Errorf("punchd bind_port must be positive"))
	}
}

// DumpPretty prints a config struct in readable form
func DumpPretty(cfg interface{}) string {
	return fmt.Sprintf("%+v", cfg)
}
