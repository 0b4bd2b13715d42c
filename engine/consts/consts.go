package consts

import "time"

// Tunable Options
const (
	// For Underlying Networking
	// BUFFERED_READ_BUFFSIZE is the read buffer size for buffered connections
	BUFFERED_READ_BUFFSIZE = 16384
	// BUFFERED_WRITE_BUFFSIZE is the write buffer size for buffered connections
	BUFFERED_WRITE_BUFFSIZE = 16384

	// KCP_DATA_SHARDS / KCP_PARITY_SHARDS configure FEC on the reliable substrate
	KCP_DATA_SHARDS   = 10
	KCP_PARITY_SHARDS = 3

	// MAX_PAYLOAD_LENGTH is the maximum payload length of one framed packet
	MAX_PAYLOAD_LENGTH = 1 * 1024 * 1024
	// MAX_BACKGROUND_PAYLOAD is the largest payload that fits a single background
	// datagram; larger sequenced sends are upgraded to the reliable channel
	MAX_BACKGROUND_PAYLOAD = 1200

	// PEER_RECV_QUEUE_SIZE is the inbound frame queue length per peer
	PEER_RECV_QUEUE_SIZE = 10000

	// CONNECT_TIMEOUT bounds dialing and the transport-level handshake
	CONNECT_TIMEOUT = time.Second * 10

	// For Sessions
	// SESSION_SYNC_TICK_INTERVAL is the interval between replication flushes
	SESSION_SYNC_TICK_INTERVAL = time.Millisecond * 50
	// SESSION_MAX_PEERS is the default peer capacity of a hosted session
	SESSION_MAX_PEERS = 64
	// JOIN_GRANT_TIMEOUT bounds the wait for an authority-issued join grant
	JOIN_GRANT_TIMEOUT = time.Second * 30

	// For NAT punch-through
	// PUNCH_TIMEOUT bounds the direct-connect attempt after an introduction;
	// on expiry the caller falls back to the relay endpoint
	PUNCH_TIMEOUT = time.Second * 5
	// PUNCH_SERVER_SESSION_TTL is how long an unrefreshed session registration lives
	PUNCH_SERVER_SESSION_TTL = time.Minute * 2

	// For RefID allocation
	// REFID_RANGE_SIZE is the number of RefIDs handed to each joined peer
	REFID_RANGE_SIZE = 1 << 24

	// For the World
	// WORLD_TICK_INTERVAL is the host-engine tick interval
	WORLD_TICK_INTERVAL = time.Millisecond * 10

	// For Operation Monitor
	// OPMON_DUMP_INTERVAL is the interval between op stats dumps, 0 disables
	OPMON_DUMP_INTERVAL = time.Duration(0)
)

// Debug Options
const (
	// DEBUG_PACKETS prints packet send/recv debug logs
	DEBUG_PACKETS = false
	// DEBUG_SYNC prints replication flush debug logs
	DEBUG_SYNC = false
	// DEBUG_WORLD_EVENTS prints world event dispatch debug logs
	DEBUG_WORLD_EVENTS = false
	// DEBUG_SAVE_LOAD prints world persistence debug logs
	DEBUG_SAVE_LOAD = false
)
