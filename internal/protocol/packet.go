// Package protocol defines the swarm radio wire format.
//
// Every frame fits in one 32-byte radio payload. Byte 0 is the discriminant
// (Tag); the remaining bytes are the packed little-endian layout of the
// variant the tag names. A frame's size is known from its tag alone, so a
// receiver can peek one byte and then read exactly one message.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	MaxFrameSize  = 32
	MaxCommandLen = 20
	MaxNameLen    = 16

	// GroundID addresses the ground station in PermissionToSend and Command.
	GroundID ID = 0
)

// ID identifies a swarm member. Zero is reserved for the ground station.
type ID uint8

// Tag is the leading byte of every frame.
type Tag byte

const (
	TagUndefined          Tag = 0
	TagJoinRequest        Tag = 1
	TagJoinResponse       Tag = 2
	TagCommand            Tag = 3
	TagTelemetry          Tag = 4
	TagHeartbeat          Tag = 5
	TagLeaderAnnouncement Tag = 6
	TagLeaderRequest      Tag = 7
	TagPermissionToSend   Tag = 8
)

// sizes is the only framing table. A new variant needs one entry here.
var sizes = map[Tag]int{
	TagUndefined:          1,
	TagJoinRequest:        1 + 4 + 1 + MaxNameLen,
	TagJoinResponse:       1 + 1 + 1 + 1 + 1 + 4,
	TagCommand:            1 + 1 + 4 + MaxCommandLen,
	TagTelemetry:          1 + 1 + 4 + 6 + 6 + 4 + 4 + 1 + 4 + 1,
	TagHeartbeat:          1 + 1 + 4,
	TagLeaderAnnouncement: 1 + 1 + 4,
	TagLeaderRequest:      1 + 1 + 4,
	TagPermissionToSend:   1 + 1 + 4,
}

var tagNames = map[Tag]string{
	TagUndefined:          "undefined",
	TagJoinRequest:        "join_request",
	TagJoinResponse:       "join_response",
	TagCommand:            "command",
	TagTelemetry:          "telemetry",
	TagHeartbeat:          "heartbeat",
	TagLeaderAnnouncement: "leader_announcement",
	TagLeaderRequest:      "leader_request",
	TagPermissionToSend:   "permission_to_send",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// SizeOf returns the wire size for tag, or false if the tag is not known.
func SizeOf(t Tag) (int, bool) {
	n, ok := sizes[t]
	return n, ok
}

// Tags lists every known discriminant in ascending order.
func Tags() []Tag {
	out := make([]Tag, 0, len(sizes))
	for i := 0; i < 256; i++ {
		if _, ok := sizes[Tag(i)]; ok {
			out = append(out, Tag(i))
		}
	}
	return out
}

var (
	ErrSizeMismatch  = errors.New("protocol: frame size mismatch")
	ErrTagMismatch   = errors.New("protocol: frame tag mismatch")
	ErrUnknownTag    = errors.New("protocol: unknown tag")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds 32 bytes")
)

// Timestamp truncates t to the u32 Unix seconds carried on the wire.
func Timestamp(t time.Time) uint32 {
	return uint32(t.Unix())
}
