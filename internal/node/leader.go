package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

func (n *Node) leaderLoop(ctx context.Context) {
	n.heartbeatTimer.expire()
	for ctx.Err() == nil {
		if now := n.clock.Now(); n.heartbeatTimer.due(now) {
			n.send(protocol.Heartbeat{SourceID: n.state.ID(), Timestamp: n.now()})
			n.heartbeatTimer.reset(now)
		}
		n.arbitrate()
		if n.state.takeRoleChange() {
			n.log.Info("leaving leader loop", zap.Stringer("role", n.state.Role))
			return
		}
	}
}

// arbitrate runs one arbitration cycle: the optional ground slot, then one
// grant to the follower under the cursor. It returns the follower granted,
// or 0 when the roster is empty.
func (n *Node) arbitrate() protocol.ID {
	if n.cfg.DualContext {
		n.groundSlot()
		if n.state.Role != Leader {
			return 0
		}
	}

	if len(n.roster) == 0 {
		n.Poll()
		n.clock.Sleep(n.cfg.Timing.LoopSleep)
		return 0
	}

	target := n.roster[n.cursor%len(n.roster)]
	n.grant(target)
	n.waitWindow()
	n.cursor = (n.cursor + 1) % len(n.roster)
	return target
}

func (n *Node) grant(target protocol.ID) {
	n.m.Grants.WithLabelValues(n.label).Inc()
	n.send(protocol.PermissionToSend{TargetID: target, Timestamp: n.now()})
}

// groundSlot offers the ground station one transmission on the ground
// channel, then returns to the swarm channel and forwards any commands the
// ground station addressed to followers.
func (n *Node) groundSlot() {
	if !n.tuneGround() {
		return
	}
	n.grant(protocol.GroundID)
	n.waitWindow()
	n.tuneSwarm()

	relay := n.relay
	n.relay = nil
	for _, c := range relay {
		n.log.Info("relaying command", zap.Uint8("target", uint8(c.TargetID)), zap.String("text", c.Text))
		n.send(c)
	}
}

// waitWindow waits up to ArbitrationWindow for a frame and dispatches it
// as soon as one arrives.
func (n *Node) waitWindow() bool {
	var tag [1]byte
	start := n.clock.Now()
	for n.clock.Now().Sub(start) < n.cfg.Timing.ArbitrationWindow {
		if _, ok := n.radio.Receive(tag[:], true); ok {
			n.Poll()
			return true
		}
		n.clock.Sleep(n.cfg.Timing.WindowPoll)
	}
	return false
}
