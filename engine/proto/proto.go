package proto

// MsgType is the type of message types
type MsgType uint16

const (
	// MT_INVALID is the invalid message type
	MT_INVALID MsgType = iota
	// MT_JOIN_REQUEST is sent by a joining peer right after the transport
	// connects
	MT_JOIN_REQUEST
	// MT_JOIN_GRANT is the authority's admission reply carrying the assigned
	// RefID range and the full state snapshot
	MT_JOIN_GRANT
	// MT_JOIN_REFUSED is the authority's rejection reply; the connection
	// closes after it
	MT_JOIN_REFUSED
	// MT_DELTA_SYNC carries one synchronization cycle's dirty elements and
	// destroys
	MT_DELTA_SYNC
	// MT_USER_JOINED is broadcast by the authority when a peer is admitted
	MT_USER_JOINED
	// MT_USER_LEFT is broadcast by the authority when a peer disconnects
	MT_USER_LEFT
	// MT_LEAVE_SESSION is sent by a peer before closing its connection
	MT_LEAVE_SESSION
	// MT_SESSION_QUERY asks a host for its session descriptor
	MT_SESSION_QUERY
	// MT_SESSION_INFO is the host's reply to MT_SESSION_QUERY
	MT_SESSION_INFO
)

// PROTOCOL_VERSION guards against mixed-version sessions; bump on any wire
// format change
const PROTOCOL_VERSION = 1

// Join refusal codes
const (
	// REFUSE_SESSION_FULL means the session reached its peer capacity
	REFUSE_SESSION_FULL = 1 + iota
	// REFUSE_NOT_ACCEPTING means the host disabled admissions
	REFUSE_NOT_ACCEPTING
	// REFUSE_BAD_PROTOCOL means the peer speaks a different protocol version
	REFUSE_BAD_PROTOCOL
	// REFUSE_RANGES_EXHAUSTED means the authority cannot allocate another
	// RefID range
	REFUSE_RANGES_EXHAUSTED
)

// ElementKind discriminates slot and component records on the wire
type ElementKind byte

const (
	// ELEMENT_SLOT is a slot record
	ELEMENT_SLOT ElementKind = 1
	// ELEMENT_COMPONENT is a component record
	ELEMENT_COMPONENT ElementKind = 2
)

// ElementDelta is one element's replicated state: full on snapshots, changed
// fields only on delta syncs. Kind selects which of the slot/component members
// are meaningful.
type ElementDelta struct {
	RefID uint64      `msgpack:"id"`
	Kind  ElementKind `msgpack:"k"`

	// Structural means the element was created, reparented, retagged or
	// (de)activated; the slot/component members below are only meaningful
	// when set
	Structural bool `msgpack:"x"`

	// slot members
	ParentID   uint64 `msgpack:"p,omitempty"`
	Tag        string `msgpack:"tg,omitempty"`
	ActiveSelf bool   `msgpack:"a"`
	Persistent bool   `msgpack:"ps,omitempty"`

	// component members
	OwnerID  uint64 `msgpack:"o,omitempty"`
	TypeName string `msgpack:"t,omitempty"`

	// Fields maps field names to their encoded values
	Fields map[string][]byte `msgpack:"f"`
}

// WorldSnapshot is the authority's full world state at admission time.
// Elements are ordered parents before children and slots before their
// components, so a single forward pass can rebuild the graph.
type WorldSnapshot struct {
	RootID       uint64         `msgpack:"r"`
	Elements     []ElementDelta `msgpack:"e"`
	StateVersion uint64         `msgpack:"v"`
	SyncTick     uint64         `msgpack:"st"`
}

// UserInfo describes one session participant
type UserInfo struct {
	PeerID     uint32 `msgpack:"p"`
	Name       string `msgpack:"n"`
	IsHost     bool   `msgpack:"h"`
	RangeStart uint64 `msgpack:"rs"`
	RangeEnd   uint64 `msgpack:"re"`
}

// JoinRequest is the first message of a joining peer
type JoinRequest struct {
	UserName string `msgpack:"n"`
	Protocol uint32 `msgpack:"v"`
}

// JoinGrant admits a peer into the session
type JoinGrant struct {
	PeerID      uint32        `msgpack:"p"`
	AuthorityID uint32        `msgpack:"a"`
	RangeStart  uint64        `msgpack:"rs"`
	RangeEnd    uint64        `msgpack:"re"`
	Users       []UserInfo    `msgpack:"u"`
	Snapshot    WorldSnapshot `msgpack:"s"`
}

// JoinRefused rejects a joining peer
type JoinRefused struct {
	Code   int    `msgpack:"c"`
	Reason string `msgpack:"r"`
}

// DeltaSync carries one synchronization cycle: the originator's dirty
// elements and the RefIDs it destroyed since the previous cycle
type DeltaSync struct {
	Tick         uint64         `msgpack:"t"`
	StateVersion uint64         `msgpack:"v"`
	Elements     []ElementDelta `msgpack:"e"`
	Destroyed    []uint64       `msgpack:"d"`
}

// UserJoined is broadcast by the authority after admitting a peer
type UserJoined struct {
	User UserInfo `msgpack:"u"`
}

// UserLeft is broadcast by the authority after a peer disconnects
type UserLeft struct {
	PeerID uint32 `msgpack:"p"`
}

// SessionInfo is the host's discovery descriptor
type SessionInfo struct {
	Name     string `msgpack:"n"`
	NumUsers int    `msgpack:"u"`
	MaxUsers int    `msgpack:"m"`
	Protocol uint32 `msgpack:"v"`
}

// TransformSync is the payload of the unreliable background channel: the
// latest transform of one slot. Receivers drop stale updates by transport
// sequence number, so only the newest value is ever applied.
type TransformSync struct {
	RefID    uint64     `msgpack:"id"`
	Position [3]float32 `msgpack:"p"`
	Rotation [4]float32 `msgpack:"r"`
	Scale    [3]float32 `msgpack:"s"`
}
