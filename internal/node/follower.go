package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/sensor"
)

func (n *Node) followerLoop(ctx context.Context) {
	n.leaderTimer.reset(n.clock.Now())
	for ctx.Err() == nil {
		n.followerStep()
		if n.state.takeRoleChange() {
			return
		}
		n.clock.Sleep(n.cfg.Timing.LoopSleep)
	}
}

// followerStep is one iteration of the follower loop.
func (n *Node) followerStep() {
	n.Poll()
	if n.state.Role != Follower {
		return
	}

	now := n.clock.Now()
	if n.telemetryTimer.due(now) {
		n.refreshSnapshot()
		n.telemetryTimer.reset(now)
	}
	n.sendTelemetry()

	if n.leaderTimer.overdue(now) {
		n.log.Info("leader silent, requesting leader", zap.Uint8("leader", uint8(n.state.LeaderID)))
		n.send(protocol.LeaderRequest{RequesterID: n.state.ID(), Timestamp: n.now()})
		n.leaderTimer.reset(now)
	}
}

// refreshSnapshot samples the sensor and link into the telemetry snapshot.
func (n *Node) refreshSnapshot() {
	r := sensor.Sample(n.cfg.Sensor, n.rng)
	retries, rpd := n.radio.LinkDiagnostics()
	n.state.Snapshot = protocol.Telemetry{
		SourceID:    n.state.ID(),
		Timestamp:   n.now(),
		Accel:       r.Accel,
		Gyro:        r.Gyro,
		Altitude:    n.cfg.Altitude,
		Battery:     n.cfg.Battery,
		Retries:     retries,
		LinkQuality: n.state.LinkQuality(),
		RPD:         rpd,
	}
}

// sendTelemetry spends the send permission, if held, on one telemetry
// frame. The token is gone afterwards whether or not the send succeeded.
func (n *Node) sendTelemetry() bool {
	if !n.state.HasSendPermission {
		return false
	}
	n.state.HasSendPermission = false
	t := n.state.Snapshot
	t.SourceID = n.state.ID()
	t.Timestamp = n.now()
	return n.send(t)
}
