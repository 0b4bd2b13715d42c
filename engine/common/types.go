package common

import "fmt"

// RefID is the stable 64-bit identifier of a world element. RefIDs are minted
// from per-peer ranges assigned by the authority, so two peers never generate
// the same RefID without communication.
type RefID uint64

// NilRefID is the zero RefID, never assigned to any element
const NilRefID RefID = 0

// IsNil returns if the RefID is nil
func (id RefID) IsNil() bool {
	return id == NilRefID
}

func (id RefID) String() string {
	return fmt.Sprintf("RefID<%d>", uint64(id))
}

// PeerID is the transport-level identity of a connected peer, assigned by the
// listener on accept. PeerIDs are unrelated to RefIDs.
type PeerID uint32

// NilPeerID is the zero PeerID, never assigned to any peer
const NilPeerID PeerID = 0

// AuthorityPeerID is the sentinel PeerID the authority uses for itself
const AuthorityPeerID PeerID = 1

func (id PeerID) String() string {
	return fmt.Sprintf("Peer<%d>", uint32(id))
}
