package node

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

// Poll drains every frame the radio holds into the receive queue, then
// dispatches the queue in arrival order. It never blocks and returns the
// number of messages dispatched.
func (n *Node) Poll() int {
	n.drain()
	count := 0
	for len(n.rxQueue) > 0 {
		msg := n.rxQueue[0]
		n.rxQueue[0] = nil
		n.rxQueue = n.rxQueue[1:]
		n.dispatch(msg)
		count++
	}
	n.publish()
	return count
}

// drain is the first pass: peek the tag, consume the frame, decode it
// against the size table and queue it. Frames whose length does not match
// their tag are dropped here.
func (n *Node) drain() {
	for {
		var tag [1]byte
		peeked, ok := n.radio.Receive(tag[:], true)
		if !ok {
			return
		}
		size, ok := n.radio.Receive(n.buf[:], false)
		if !ok {
			return
		}
		if peeked == 0 || size == 0 {
			n.m.FramesDropped.WithLabelValues(n.label, metrics.DropSizeMismatch).Inc()
			n.log.Debug("empty frame dropped")
			continue
		}
		if size > len(n.buf) {
			size = len(n.buf)
		}

		msg, err := protocol.Decode(protocol.Tag(tag[0]), n.buf[:size])
		if err != nil {
			reason := metrics.DropSizeMismatch
			if !errors.Is(err, protocol.ErrSizeMismatch) {
				reason = metrics.DropUnhandled
			}
			n.m.FramesDropped.WithLabelValues(n.label, reason).Inc()
			n.log.Debug("frame dropped", zap.Error(err))
			continue
		}
		n.m.FramesReceived.WithLabelValues(n.label, msg.Tag().String()).Inc()
		n.rxQueue = append(n.rxQueue, msg)
	}
}

func (n *Node) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Command:
		n.handleCommand(m)
	case protocol.PermissionToSend:
		n.handlePermission(m)
	case protocol.LeaderAnnouncement:
		n.handleAnnouncement(m)
	case protocol.Heartbeat:
		n.handleHeartbeat(m)
	case protocol.LeaderRequest:
		n.handleLeaderRequest(m)
	case protocol.Telemetry:
		n.handleTelemetry(m)
	case protocol.JoinRequest, protocol.JoinResponse:
		// Join traffic of other drones; only the ground station answers it.
		n.log.Debug("ignoring join traffic", zap.Stringer("tag", m.Tag()))
	default:
		n.unhandled(msg)
	}
}

// unhandled is the explicit fallback for Undefined and unknown tags.
func (n *Node) unhandled(msg protocol.Message) {
	n.m.FramesDropped.WithLabelValues(n.label, metrics.DropUnhandled).Inc()
	fields := []zap.Field{zap.Stringer("tag", msg.Tag())}
	if u, ok := msg.(protocol.Unknown); ok {
		fields = append(fields, zap.Int("len", u.Len))
	}
	n.log.Warn("unhandled frame", fields...)
}

func (n *Node) handleCommand(c protocol.Command) {
	if n.stale(c.Timestamp) {
		n.m.FramesDropped.WithLabelValues(n.label, metrics.DropStale).Inc()
		n.log.Debug("stale command dropped", zap.Uint32("ts", c.Timestamp), zap.String("text", c.Text))
		return
	}

	self := n.state.ID()
	switch {
	case c.TargetID == self && c.Text == protocol.NoNeed:
		n.log.Debug("ground station has nothing queued")
	case c.TargetID == self:
		n.log.Info("command received", zap.String("text", c.Text))
		select {
		case n.commands <- c:
		default:
			n.log.Warn("command queue full, dropping", zap.String("text", c.Text))
		}
	case n.state.Role == Leader && n.onGround && slices.Contains(n.roster, c.TargetID):
		// Uplinked for a follower; forwarded once back on the swarm channel.
		n.relay = append(n.relay, c)
	default:
		n.m.FramesDropped.WithLabelValues(n.label, metrics.DropNotAddressed).Inc()
	}
}

// stale reports whether ts is more than CommandMaxAge behind the local clock.
func (n *Node) stale(ts uint32) bool {
	maxAge := int64(n.cfg.Timing.CommandMaxAge.Seconds())
	return int64(n.now())-int64(ts) > maxAge
}

func (n *Node) handlePermission(p protocol.PermissionToSend) {
	if p.TargetID != n.state.ID() || n.state.Role != Follower {
		return
	}
	n.state.HasSendPermission = true
}

func (n *Node) handleAnnouncement(a protocol.LeaderAnnouncement) {
	self := n.state.ID()
	n.leaderTimer.reset(n.clock.Now())
	if a.LeaderID == self {
		n.state.LeaderID = self
		n.changeRole(Leader)
		return
	}
	// A re-announcement of the current leader keeps a pending grant.
	if a.LeaderID != n.state.LeaderID || n.state.Role != Follower {
		n.state.HasSendPermission = false
	}
	n.state.LeaderID = a.LeaderID
	n.changeRole(Follower)
}

func (n *Node) handleHeartbeat(h protocol.Heartbeat) {
	if n.state.Role == Leader {
		if h.SourceID != n.state.ID() {
			n.log.Warn("heartbeat from another leader", zap.Uint8("source", uint8(h.SourceID)))
		}
		return
	}
	n.leaderTimer.reset(n.clock.Now())
	if n.state.LeaderID == 0 {
		n.state.LeaderID = h.SourceID
	}
}

func (n *Node) handleLeaderRequest(r protocol.LeaderRequest) {
	if n.state.Role != Leader {
		return
	}
	n.log.Info("leader requested, re-announcing", zap.Uint8("requester", uint8(r.RequesterID)))
	n.send(protocol.LeaderAnnouncement{LeaderID: n.state.ID(), Timestamp: n.now()})
}

func (n *Node) handleTelemetry(t protocol.Telemetry) {
	if n.state.Role != Leader {
		return
	}
	n.followers[t.SourceID] = t
	n.m.Telemetry.WithLabelValues(n.label).Inc()
	n.log.Debug("telemetry",
		zap.Uint8("source", uint8(t.SourceID)),
		zap.Float32("battery", t.Battery),
		zap.Float32("link_quality", t.LinkQuality))
}
