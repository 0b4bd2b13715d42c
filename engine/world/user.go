package world

import (
	"fmt"

	"github.com/loomworld/loom/engine/common"
)

// User is a participant of a World: the host or one remote peer. Users are
// identified by their transport-level PeerID and carry the RefID range the
// authority assigned to them.
type User struct {
	PeerID common.PeerID
	Name   string
	Range  RefRange
	IsHost bool
}

func (u *User) String() string {
	return fmt.Sprintf("User<%s %s>", u.PeerID, u.Name)
}
