package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

// Join sends one JoinRequest and waits for the JoinResponse that echoes this
// node's temp id. Every other frame is discarded while unjoined.
//
// There is no retry and no timeout: ctx is the only way out of a join that
// never gets an answer.
func (n *Node) Join(ctx context.Context) error {
	req := protocol.JoinRequest{
		Timestamp: n.now(),
		TempID:    n.state.TempID,
		Name:      n.cfg.Name,
	}
	n.send(req)
	n.log.Info("join request sent", zap.Uint8("temp_id", uint8(req.TempID)))

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("node: join: %w", err)
		}
		n.drain()
		if resp, ok := n.takeJoinResponse(); ok {
			n.applyJoin(resp)
			return nil
		}
		n.clock.Sleep(n.cfg.Timing.JoinPoll)
	}
}

// takeJoinResponse discards queued messages up to and including the first
// JoinResponse for this node. Anything queued after it is kept.
func (n *Node) takeJoinResponse() (protocol.JoinResponse, bool) {
	for i, msg := range n.rxQueue {
		resp, ok := msg.(protocol.JoinResponse)
		if !ok {
			continue
		}
		if resp.TempID != n.state.TempID {
			n.log.Debug("join response for another drone", zap.Uint8("temp_id", uint8(resp.TempID)))
			continue
		}
		n.rxQueue = append(n.rxQueue[:0], n.rxQueue[i+1:]...)
		return resp, true
	}
	n.rxQueue = n.rxQueue[:0]
	return protocol.JoinResponse{}, false
}

func (n *Node) applyJoin(resp protocol.JoinResponse) {
	n.state.NetworkID = resp.AssignedID
	n.state.LeaderID = resp.LeaderID
	n.roster = without(n.cfg.Roster, resp.AssignedID)

	if resp.Channel != n.swarm.Number && resp.Channel <= transport.MaxChannel {
		n.swarm.Number = resp.Channel
		n.tuneSwarm()
	}

	now := n.clock.Now()
	n.leaderTimer.reset(now)
	n.telemetryTimer.expire()
	n.heartbeatTimer.expire()

	role := Follower
	if resp.AssignedID == resp.LeaderID {
		role = Leader
	}
	n.log.Info("joined",
		zap.Uint8("id", uint8(resp.AssignedID)),
		zap.Uint8("leader", uint8(resp.LeaderID)),
		zap.Uint8("channel", resp.Channel))
	n.changeRole(role)
}
