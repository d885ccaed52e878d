package node

import (
	"fmt"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

// Role is a node's position in the swarm.
type Role uint8

const (
	Unjoined Role = iota
	Follower
	Leader
)

func (r Role) String() string {
	switch r {
	case Unjoined:
		return "unjoined"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// State is the identity, role and link bookkeeping of one swarm member.
// Zero ids mean "absent": 0 is the ground station and is never assigned.
type State struct {
	TempID    protocol.ID
	NetworkID protocol.ID
	Role      Role
	LeaderID  protocol.ID

	// RoleChanged is set on every Role transition and cleared by whoever
	// observes it.
	RoleChanged bool

	// HasSendPermission is a single-use token for one telemetry send.
	HasSendPermission bool

	Snapshot protocol.Telemetry

	SendCount       uint64
	FailedSendCount uint64
}

// ID is the network id once assigned, the temp id before.
func (s *State) ID() protocol.ID {
	if s.NetworkID != 0 {
		return s.NetworkID
	}
	return s.TempID
}

// LinkQuality is the send success rate in percent, 100 before any send.
func (s *State) LinkQuality() float32 {
	if s.SendCount == 0 {
		return 100
	}
	ok := s.SendCount - s.FailedSendCount
	return float32(100 * float64(ok) / float64(s.SendCount))
}

func (s *State) recordSend(ok bool) {
	s.SendCount++
	if !ok {
		s.FailedSendCount++
	}
}

// setRole reports whether the role actually changed.
func (s *State) setRole(r Role) bool {
	if s.Role == r {
		return false
	}
	s.Role = r
	s.RoleChanged = true
	return true
}

func (s *State) takeRoleChange() bool {
	v := s.RoleChanged
	s.RoleChanged = false
	return v
}
