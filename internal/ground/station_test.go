package ground

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SeneAlukard/rf24drone/internal/flightlog"
	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/registry"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

type fakePublisher struct {
	mu      sync.Mutex
	nodes   []registry.NodeInfo
	leaders []protocol.ID
}

func (p *fakePublisher) PutNode(_ context.Context, info registry.NodeInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes = append(p.nodes, info)
	return nil
}

func (p *fakePublisher) PutLeader(_ context.Context, id protocol.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaders = append(p.leaders, id)
	return nil
}

type stationRig struct {
	st    *Station
	probe *transport.MemoryRadio // plays the drones
	now   time.Time
	pub   *fakePublisher
	m     *metrics.Metrics
}

func newStationRig(t *testing.T, mutate func(*Config)) *stationRig {
	t.Helper()
	ether := transport.NewEther()
	probe := ether.NewRadio()
	if err := transport.Tune(probe, transport.DefaultSwarmChannel()); err != nil {
		t.Fatal(err)
	}
	r := &stationRig{probe: probe, now: time.Unix(1_700_000_000, 0), pub: &fakePublisher{}, m: metrics.New()}
	cfg := Config{
		Radio:     ether.NewRadio(),
		SwarmName: "test",
		Publisher: r.pub,
		Metrics:   r.m,
		Now:       func() time.Time { return r.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	st, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.seen.Stop)
	r.st = st
	return r
}

// exchange sends m from the probe, lets the station handle it and returns
// what the station sent back.
func (r *stationRig) exchange(t *testing.T, m protocol.Message) []protocol.Message {
	t.Helper()
	frame, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	if !r.probe.Send(frame) {
		t.Fatal("station did not hear the probe")
	}
	r.st.Step(context.Background())

	var out []protocol.Message
	buf := make([]byte, transport.MaxFrameSize)
	for {
		n, ok := r.probe.Receive(buf, false)
		if !ok {
			return out
		}
		msg, err := protocol.DecodeFrame(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, msg)
	}
}

func (r *stationRig) join(t *testing.T, temp protocol.ID) protocol.JoinResponse {
	t.Helper()
	replies := r.exchange(t, protocol.JoinRequest{TempID: temp, Name: "d"})
	if len(replies) != 1 {
		t.Fatalf("join %d: %d replies", temp, len(replies))
	}
	return replies[0].(protocol.JoinResponse)
}

func TestJoinAssignsIDsAndFirstLeader(t *testing.T) {
	r := newStationRig(t, nil)

	first := r.join(t, 42)
	if first.AssignedID != 1 || first.LeaderID != 1 || first.TempID != 42 || first.Channel != 1 {
		t.Fatalf("first join %+v", first)
	}
	second := r.join(t, 17)
	if second.AssignedID != 2 || second.LeaderID != 1 || second.TempID != 17 {
		t.Fatalf("second join %+v", second)
	}
	if r.st.Leader() != 1 {
		t.Fatalf("leader %d", r.st.Leader())
	}
	if got := len(r.st.Members()); got != 2 {
		t.Fatalf("%d members", got)
	}
	if len(r.pub.nodes) != 2 || len(r.pub.leaders) != 1 || r.pub.leaders[0] != 1 {
		t.Fatalf("published nodes=%d leaders=%v", len(r.pub.nodes), r.pub.leaders)
	}
}

func TestRepeatedJoinGetsSameID(t *testing.T) {
	r := newStationRig(t, nil)
	a := r.join(t, 42)
	b := r.join(t, 42)
	if a.AssignedID != b.AssignedID {
		t.Fatalf("repeat join got %d then %d", a.AssignedID, b.AssignedID)
	}
	if got := len(r.st.Members()); got != 1 {
		t.Fatalf("%d members after a repeated join", got)
	}
}

func TestPoolExhausted(t *testing.T) {
	r := newStationRig(t, func(c *Config) { c.Pool = []protocol.ID{1} })
	r.join(t, 10)
	if replies := r.exchange(t, protocol.JoinRequest{TempID: 11}); len(replies) != 0 {
		t.Fatalf("answered with an empty pool: %+v", replies)
	}
}

func TestReservedGroundIDRejected(t *testing.T) {
	_, err := New(Config{Radio: transport.NewEther().NewRadio(), Pool: []protocol.ID{0, 1}})
	if err == nil {
		t.Fatal("pool containing the ground id accepted")
	}
}

func TestLeaderRequestWithLiveLeaderReannounces(t *testing.T) {
	r := newStationRig(t, nil)
	r.join(t, 42) // id 1, leader
	r.join(t, 17) // id 2

	r.now = r.now.Add(3 * time.Second)
	r.exchange(t, protocol.Heartbeat{SourceID: 1})
	r.now = r.now.Add(3 * time.Second)

	replies := r.exchange(t, protocol.LeaderRequest{RequesterID: 2})
	if len(replies) != 1 || replies[0].(protocol.LeaderAnnouncement).LeaderID != 1 {
		t.Fatalf("replies %+v", replies)
	}
	if r.st.Leader() != 1 {
		t.Fatal("live leader replaced")
	}
}

func TestLeaderRequestWithSilentLeaderPromotes(t *testing.T) {
	r := newStationRig(t, nil)
	r.join(t, 42)
	r.join(t, 17)

	r.now = r.now.Add(6 * time.Second)
	replies := r.exchange(t, protocol.LeaderRequest{RequesterID: 2})
	if len(replies) != 1 || replies[0].(protocol.LeaderAnnouncement).LeaderID != 2 {
		t.Fatalf("replies %+v", replies)
	}
	if r.st.Leader() != 2 {
		t.Fatalf("leader %d, want 2", r.st.Leader())
	}

	// A second request right after sees the fresh leader.
	replies = r.exchange(t, protocol.LeaderRequest{RequesterID: 1})
	if replies[0].(protocol.LeaderAnnouncement).LeaderID != 2 {
		t.Fatal("promoted twice in a row")
	}
	if last := r.pub.leaders[len(r.pub.leaders)-1]; last != 2 {
		t.Fatalf("published leader %d", last)
	}
}

func TestLeaderRequestFromStrangerIgnored(t *testing.T) {
	r := newStationRig(t, nil)
	r.join(t, 42)
	r.now = r.now.Add(time.Minute)

	replies := r.exchange(t, protocol.LeaderRequest{RequesterID: 99})
	if r.st.Leader() != 1 {
		t.Fatal("non-member promoted")
	}
	if len(replies) != 1 || replies[0].(protocol.LeaderAnnouncement).LeaderID != 1 {
		t.Fatalf("replies %+v", replies)
	}
}

func TestUplinkSlot(t *testing.T) {
	r := newStationRig(t, nil)
	r.join(t, 42)

	replies := r.exchange(t, protocol.PermissionToSend{TargetID: protocol.GroundID})
	if c := replies[0].(protocol.Command); c.Text != protocol.NoNeed || c.TargetID != 1 {
		t.Fatalf("empty queue answered %+v", c)
	}

	if err := r.st.Queue(2, "land"); err != nil {
		t.Fatal(err)
	}
	replies = r.exchange(t, protocol.PermissionToSend{TargetID: protocol.GroundID})
	c := replies[0].(protocol.Command)
	if c.Text != "land" || c.TargetID != 2 || c.Timestamp != protocol.Timestamp(r.now) {
		t.Fatalf("queued command answered %+v", c)
	}

	// Grants for drones are not for us.
	if replies := r.exchange(t, protocol.PermissionToSend{TargetID: 2}); len(replies) != 0 {
		t.Fatalf("answered a drone's grant: %+v", replies)
	}
}

func TestTelemetryRecorded(t *testing.T) {
	fl, err := flightlog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fl.Close()
	r := newStationRig(t, func(c *Config) { c.FlightLog = fl })

	r.exchange(t, protocol.Telemetry{SourceID: 2, Battery: 3.7})
	r.exchange(t, protocol.Telemetry{SourceID: 3, Battery: 3.5})

	recs, err := fl.Records(r.st.Session(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].Telemetry.SourceID != 3 {
		t.Fatalf("records %+v", recs)
	}
	if got := testutil.ToFloat64(r.m.Telemetry.WithLabelValues("ground")); got != 2 {
		t.Fatalf("telemetry counter %v", got)
	}
}
