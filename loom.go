/*
Loom is a distributed object-replication engine for shared virtual worlds.
A World is a tree of Slots carrying Components; every replicated Field of a
slot or component synchronizes automatically across all participants of a
session.

One participant hosts the session and becomes the authority: it admits
joining peers, assigns each one a private RefID range and streams a full
world snapshot followed by per-tick deltas. Transform-only movement rides an
unreliable background channel; everything else replicates reliably in order.

Sessions are discoverable through a rendezvous server (punchd) which
introduces joiners to hosts behind NAT and falls back to relaying when a
direct connection cannot be punched.

Package loom exports the engine API for application developers: creating
worlds, registering component types, hosting and joining sessions, and
saving or restoring persistent world state.
*/
package loom

import (
	"github.com/loomworld/loom/engine/binutil"
	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/punch"
	"github.com/loomworld/loom/engine/session"
	"github.com/loomworld/loom/engine/storage"
	"github.com/loomworld/loom/engine/world"
)

// SetConfigFile sets the config file path (must be called before using the
// config module)
func SetConfigFile(path string) {
	config.SetConfigFile(path)
}

// NewWorld creates a world with the configured name, ready to host or join
// a session
func NewWorld() *world.World {
	return world.NewWorld(config.GetWorld().Name)
}

// NewNamedWorld creates a world with an explicit name
func NewNamedWorld(name string) *world.World {
	return world.NewWorld(name)
}

// RegisterComponentType registers a concrete component type under a stable
// type name so remote peers can instantiate it from replicated state
func RegisterComponentType(typeName string, c world.IComponent) {
	world.RegisterComponentType(typeName, c)
}

// HostSession starts hosting a session for the world; this process becomes
// the session authority
func HostSession(w *world.World, sessionName string, userName string) (*session.Session, error) {
	return session.Host(w, sessionName, userName)
}

// JoinSession joins a hosted session at addr ("host:port")
func JoinSession(w *world.World, addr string, userName string) (*session.Session, error) {
	return session.Join(w, addr, userName)
}

// JoinSessionViaPunch joins a session registered at a rendezvous server
// under the given token
func JoinSessionViaPunch(w *world.World, server string, token string, userName string) (*session.Session, error) {
	return session.JoinViaPunch(w, server, token, userName)
}

// ListSessions fetches the session directory from a rendezvous server
func ListSessions(server string) ([]punch.SessionDesc, error) {
	return punch.ListSessions(server)
}

// InitStorage initializes the world storage module; must be called before
// saving or loading worlds
func InitStorage() {
	storage.Initialize()
}

// ShutdownStorage flushes pending storage operations and closes the backend
func ShutdownStorage() {
	storage.Shutdown()
}

// ListSavedWorlds returns the names of all saved worlds in the callback
func ListSavedWorlds(callback storage.ListCallbackFunc) {
	storage.ListNames("world", callback)
}

// WorldSaved checks if a saved record exists for the world name
func WorldSaved(name string, callback storage.ExistsCallbackFunc) {
	storage.Exists("world", name, callback)
}

// SetupLogging configures the log system from the world config
func SetupLogging(component string) {
	cfg := config.GetWorld()
	binutil.SetupWLog(component, cfg.LogLevel, cfg.LogFile, cfg.LogStderr)
}
