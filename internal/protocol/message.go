package protocol

// Message is one decoded frame. The concrete type is one of the variants
// below; switch on it rather than on Tag where possible.
type Message interface {
	Tag() Tag
}

// Vector is one three-axis sensor reading.
type Vector struct {
	X, Y, Z int16
}

type JoinRequest struct {
	Timestamp uint32
	TempID    ID
	Name      string // truncated to MaxNameLen bytes on the wire
}

// JoinResponse carries the network-assigned id and the swarm's leader.
// TempID echoes the request so a joining node can ignore answers meant for
// another node.
type JoinResponse struct {
	AssignedID ID
	LeaderID   ID
	Channel    uint8
	TempID     ID
	Timestamp  uint32
}

// NoNeed is the command text a ground station answers a leader's uplink
// slot with when it has nothing queued.
const NoNeed = "no_need"

type Command struct {
	TargetID  ID
	Timestamp uint32
	Text      string // truncated to MaxCommandLen bytes on the wire
}

type Telemetry struct {
	SourceID    ID
	Timestamp   uint32
	Accel       Vector
	Gyro        Vector
	Altitude    float32
	Battery     float32
	Retries     uint8
	LinkQuality float32
	RPD         bool
}

type Heartbeat struct {
	SourceID  ID
	Timestamp uint32
}

type LeaderAnnouncement struct {
	LeaderID  ID
	Timestamp uint32
}

type LeaderRequest struct {
	RequesterID ID
	Timestamp   uint32
}

type PermissionToSend struct {
	TargetID  ID
	Timestamp uint32
}

// Undefined is the explicit tag-0 frame.
type Undefined struct{}

// Unknown stands in for a frame whose tag has no table entry. Raw is the
// tag byte and Len the observed frame length.
type Unknown struct {
	Raw Tag
	Len int
}

func (JoinRequest) Tag() Tag        { return TagJoinRequest }
func (JoinResponse) Tag() Tag       { return TagJoinResponse }
func (Command) Tag() Tag            { return TagCommand }
func (Telemetry) Tag() Tag          { return TagTelemetry }
func (Heartbeat) Tag() Tag          { return TagHeartbeat }
func (LeaderAnnouncement) Tag() Tag { return TagLeaderAnnouncement }
func (LeaderRequest) Tag() Tag      { return TagLeaderRequest }
func (PermissionToSend) Tag() Tag   { return TagPermissionToSend }
func (Undefined) Tag() Tag          { return TagUndefined }
func (u Unknown) Tag() Tag          { return u.Raw }
