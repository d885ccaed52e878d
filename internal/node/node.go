// Package node implements the swarm protocol engine of one drone.
//
// Design:
//   - A single cooperative loop owns the radio and all State. Run joins the
//     network, then alternates between the leader and follower sub-loops;
//     a sub-loop returns when it observes a role change.
//   - Every loop iteration drains the radio with peek-then-read into an
//     ordered queue and dispatches the queue in arrival order (Poll).
//   - Cadences (telemetry, heartbeat, leader liveness) are named timers read
//     against an injectable Clock so tests can drive time.
//   - A leader serialises the shared link by handing a single-use
//     PermissionToSend token to one follower per arbitration cycle.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/sensor"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

const (
	commandQueueDepth = 16

	defaultAltitude = 120.0
	defaultBattery  = 3.7
)

// DefaultRoster is the statically known swarm used when Config.Roster is empty.
var DefaultRoster = []protocol.ID{1, 2, 3}

var ErrNoRadio = errors.New("node: radio is required")

// Timing holds every cadence of the loop. Zero fields take defaults.
type Timing struct {
	JoinPoll          time.Duration // sleep between JoinResponse polls
	LoopSleep         time.Duration // follower loop sleep
	Telemetry         time.Duration // snapshot refresh
	Heartbeat         time.Duration // leader heartbeat
	LeaderTimeout     time.Duration // follower silence before LeaderRequest
	ArbitrationWindow time.Duration // wait for a reply after a grant
	WindowPoll        time.Duration // peek interval inside a window
	CommandMaxAge     time.Duration
}

func (t Timing) withDefaults() Timing {
	def := func(v *time.Duration, d time.Duration) {
		if *v == 0 {
			*v = d
		}
	}
	def(&t.JoinPoll, 100*time.Millisecond)
	def(&t.LoopSleep, 50*time.Millisecond)
	def(&t.Telemetry, 2*time.Second)
	def(&t.Heartbeat, 5*time.Second)
	def(&t.LeaderTimeout, 5*time.Second)
	def(&t.ArbitrationWindow, 300*time.Millisecond)
	def(&t.WindowPoll, 10*time.Millisecond)
	def(&t.CommandMaxAge, 3*time.Second)
	return t
}

// Config configures a Node.
type Config struct {
	Radio  transport.Radio
	Sensor sensor.Sensor // nil: pseudo-random readings
	Name   string        // requested display name
	TempID protocol.ID   // 0 picks one in [1,200]
	Roster []protocol.ID // swarm members; self is removed after join

	Swarm       transport.Channel
	Ground      transport.Channel
	DualContext bool // leader also grants a slot to the ground station

	Timing   Timing
	Clock    Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Seed     uint64  // rng seed; 0 seeds from the clock
	Altitude float32 // reported altitude, metres
	Battery  float32 // reported battery voltage
}

// Node is the protocol engine of one drone.
type Node struct {
	cfg   Config
	radio transport.Radio
	clock Clock
	log   *zap.Logger
	m     *metrics.Metrics
	label string
	rng   *rand.Rand

	state   State
	rxQueue []protocol.Message
	buf     [transport.MaxFrameSize]byte

	swarm    transport.Channel
	onGround bool
	roster   []protocol.ID
	cursor   int
	relay    []protocol.Command

	telemetryTimer *timer
	heartbeatTimer *timer
	leaderTimer    *timer

	followers map[protocol.ID]protocol.Telemetry
	commands  chan protocol.Command
	status    atomic.Pointer[State]
}

// New creates a Node and tunes its radio to the swarm channel. A radio that
// cannot be configured is the only fatal startup condition.
func New(cfg Config) (*Node, error) {
	if cfg.Radio == nil {
		return nil, ErrNoRadio
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Swarm == (transport.Channel{}) {
		cfg.Swarm = transport.DefaultSwarmChannel()
	}
	if cfg.Ground == (transport.Channel{}) {
		cfg.Ground = transport.DefaultGroundChannel()
	}
	if len(cfg.Roster) == 0 {
		cfg.Roster = DefaultRoster
	}
	if cfg.Altitude == 0 {
		cfg.Altitude = defaultAltitude
	}
	if cfg.Battery == 0 {
		cfg.Battery = defaultBattery
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(cfg.Clock.Now().UnixNano())
	}
	cfg.Timing = cfg.Timing.withDefaults()

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1))
	if cfg.TempID == 0 {
		cfg.TempID = protocol.ID(rng.IntN(200) + 1)
	}
	if cfg.Name == "" {
		cfg.Name = "drone-" + strconv.Itoa(int(cfg.TempID))
	}

	n := &Node{
		cfg:            cfg,
		radio:          cfg.Radio,
		clock:          cfg.Clock,
		m:              cfg.Metrics,
		label:          cfg.Name,
		rng:            rng,
		swarm:          cfg.Swarm,
		telemetryTimer: newTimer("telemetry", cfg.Timing.Telemetry),
		heartbeatTimer: newTimer("heartbeat", cfg.Timing.Heartbeat),
		leaderTimer:    newTimer("leader", cfg.Timing.LeaderTimeout),
		followers:      make(map[protocol.ID]protocol.Telemetry),
		commands:       make(chan protocol.Command, commandQueueDepth),
	}
	n.log = cfg.Logger.Named("node").With(zap.String("name", cfg.Name))
	n.state.TempID = cfg.TempID

	if err := transport.Tune(n.radio, n.swarm); err != nil {
		return nil, fmt.Errorf("node: radio setup: %w", err)
	}
	n.publish()
	return n, nil
}

// Run joins the network if needed and then drives the role loops until ctx
// is done.
func (n *Node) Run(ctx context.Context) error {
	if n.state.Role == Unjoined {
		if err := n.Join(ctx); err != nil {
			return err
		}
	}
	n.state.takeRoleChange()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch n.state.Role {
		case Leader:
			n.leaderLoop(ctx)
		default:
			n.followerLoop(ctx)
		}
	}
}

// Commands returns the commands addressed to this node that passed the
// staleness check. Commands are dropped when nobody reads.
func (n *Node) Commands() <-chan protocol.Command {
	return n.commands
}

// Status returns a copy of the state as of the last loop step. Safe to call
// from any goroutine.
func (n *Node) Status() State {
	if s := n.status.Load(); s != nil {
		return *s
	}
	return State{}
}

// Followers returns the latest telemetry the leader recorded per follower.
// Only meaningful from the loop goroutine or after Run returned.
func (n *Node) Followers() map[protocol.ID]protocol.Telemetry {
	out := make(map[protocol.ID]protocol.Telemetry, len(n.followers))
	for id, t := range n.followers {
		out[id] = t
	}
	return out
}

func (n *Node) publish() {
	s := n.state
	n.status.Store(&s)
}

// send encodes m and hands it to the radio. Every attempt updates link
// quality.
func (n *Node) send(m protocol.Message) bool {
	frame, err := protocol.Encode(m)
	if err != nil {
		n.log.Error("encode failed", zap.Stringer("tag", m.Tag()), zap.Error(err))
		return false
	}
	ok := n.radio.Send(frame)
	n.state.recordSend(ok)

	result := "ok"
	if !ok {
		result = "failed"
	}
	n.m.FramesSent.WithLabelValues(n.label, m.Tag().String(), result).Inc()
	n.m.LinkQuality.WithLabelValues(n.label).Set(float64(n.state.LinkQuality()))
	n.publish()

	if !ok {
		n.log.Debug("send not acknowledged", zap.Stringer("tag", m.Tag()))
	}
	return ok
}

func (n *Node) tuneSwarm() {
	if err := transport.Tune(n.radio, n.swarm); err != nil {
		n.log.Warn("swarm channel setup failed", zap.Error(err))
	}
	n.onGround = false
}

func (n *Node) tuneGround() bool {
	if err := transport.Tune(n.radio, n.cfg.Ground); err != nil {
		n.log.Warn("ground channel setup failed", zap.Error(err))
		return false
	}
	n.onGround = true
	return true
}

func (n *Node) changeRole(r Role) {
	if !n.state.setRole(r) {
		return
	}
	n.log.Info("role changed",
		zap.Stringer("role", r),
		zap.Uint8("id", uint8(n.state.ID())),
		zap.Uint8("leader", uint8(n.state.LeaderID)))
	n.m.RoleChanges.WithLabelValues(n.label, r.String()).Inc()
	n.m.Role.WithLabelValues(n.label).Set(float64(r))
	n.publish()
}

func (n *Node) now() uint32 {
	return protocol.Timestamp(n.clock.Now())
}

func without(ids []protocol.ID, self protocol.ID) []protocol.ID {
	out := make([]protocol.ID, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
