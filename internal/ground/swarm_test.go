package ground_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SeneAlukard/rf24drone/internal/ground"
	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/node"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

var fastTiming = node.Timing{
	JoinPoll:          5 * time.Millisecond,
	LoopSleep:         5 * time.Millisecond,
	Telemetry:         20 * time.Millisecond,
	Heartbeat:         40 * time.Millisecond,
	LeaderTimeout:     300 * time.Millisecond,
	ArbitrationWindow: 15 * time.Millisecond,
	WindowPoll:        2 * time.Millisecond,
}

type drone struct {
	n      *node.Node
	radio  *transport.MemoryRadio
	m      *metrics.Metrics
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *drone) stop() {
	d.cancel()
	<-d.done
	d.radio.Close()
}

type swarm struct {
	ether   *transport.Ether
	station *ground.Station
}

func startSwarm(t *testing.T, dual bool) *swarm {
	t.Helper()
	ether := transport.NewEther()
	cfg := ground.Config{
		Radio:         ether.NewRadio(),
		SwarmName:     "e2e",
		LeaderTimeout: 300 * time.Millisecond,
		PollInterval:  2 * time.Millisecond,
	}
	if dual {
		cfg.Uplink = ether.NewRadio()
	}
	st, err := ground.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &swarm{ether: ether, station: st}
}

func (s *swarm) launch(t *testing.T, temp protocol.ID, dual bool) *drone {
	t.Helper()
	radio := s.ether.NewRadio()
	m := metrics.New()
	n, err := node.New(node.Config{
		Radio:       radio,
		Name:        fmt.Sprintf("drone-%d", temp),
		Metrics:     m,
		TempID:      temp,
		Seed:        uint64(temp),
		DualContext: dual,
		Timing:      fastTiming,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &drone{n: n, radio: radio, m: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		n.Run(ctx)
		close(d.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-d.done
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSwarmElectsAndFailsOver(t *testing.T) {
	s := startSwarm(t, false)

	first := s.launch(t, 10, false)
	waitFor(t, "first drone to lead", func() bool { return first.n.Status().Role == node.Leader })
	if id := first.n.Status().NetworkID; id != 1 {
		t.Fatalf("first drone got id %d", id)
	}

	second := s.launch(t, 20, false)
	third := s.launch(t, 30, false)
	for _, d := range []*drone{second, third} {
		d := d
		waitFor(t, "followers to join", func() bool {
			st := d.n.Status()
			return st.Role == node.Follower && st.LeaderID == 1
		})
	}
	waitFor(t, "leader to hear telemetry", func() bool {
		return testutil.ToFloat64(first.m.Telemetry.WithLabelValues("drone-10")) >= 2
	})

	first.stop()

	waitFor(t, "a new leader", func() bool {
		l := s.station.Leader()
		return l == 2 || l == 3
	})
	leader := s.station.Leader()
	waitFor(t, "drones to agree on the new leader", func() bool {
		for _, d := range []*drone{second, third} {
			st := d.n.Status()
			want := node.Follower
			if st.NetworkID == leader {
				want = node.Leader
			}
			if st.Role != want || st.LeaderID != leader {
				return false
			}
		}
		return true
	})
}

func TestSwarmRelaysGroundCommand(t *testing.T) {
	s := startSwarm(t, true)

	leader := s.launch(t, 10, true)
	waitFor(t, "leader", func() bool { return leader.n.Status().Role == node.Leader })
	follower := s.launch(t, 20, false)
	waitFor(t, "follower", func() bool { return follower.n.Status().Role == node.Follower })

	if err := s.station.Queue(follower.n.Status().NetworkID, "land"); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-follower.n.Commands():
		if c.Text != "land" {
			t.Fatalf("follower got %q", c.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the follower")
	}

	select {
	case c := <-leader.n.Commands():
		t.Fatalf("leader delivered %q to itself", c.Text)
	default:
	}
}
