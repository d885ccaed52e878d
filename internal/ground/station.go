// Package ground implements the ground station: the network side of the
// join handshake, the operator's leader-election policy, the uplink that
// answers a leader's PermissionToSend(0), and the telemetry recorder.
package ground

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/flightlog"
	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/registry"
	"github.com/SeneAlukard/rf24drone/internal/seen"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

const (
	defaultPollInterval  = 10 * time.Millisecond
	defaultLeaderTimeout = 5 * time.Second
	commandQueueDepth    = 64
)

var (
	ErrNoRadio   = errors.New("ground: radio is required")
	ErrPoolEmpty = errors.New("ground: no free ids")
	ErrQueueFull = errors.New("ground: command queue full")
)

// Publisher receives roster and leader updates. registry.Etcd implements it.
type Publisher interface {
	PutNode(ctx context.Context, info registry.NodeInfo) error
	PutLeader(ctx context.Context, id protocol.ID) error
}

// Config configures a Station.
type Config struct {
	Radio  transport.Radio // swarm channel: joins, election, telemetry
	Uplink transport.Radio // optional ground channel for dual-context leaders
	Swarm  transport.Channel
	Ground transport.Channel

	SwarmName     string
	Pool          []protocol.ID // assignable ids; defaults to 1..3
	LeaderTimeout time.Duration // heartbeat silence before promotion
	JoinExpiry    time.Duration // repeated JoinRequests within this get the same id
	PollInterval  time.Duration

	FlightLog *flightlog.Log // optional
	Publisher Publisher      // optional
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Station is a ground station.
type Station struct {
	cfg  Config
	log  *zap.Logger
	m    *metrics.Metrics
	seen *seen.Cache[protocol.ID, protocol.ID]
	buf  [transport.MaxFrameSize]byte

	session string

	mu            sync.Mutex
	members       map[protocol.ID]registry.NodeInfo
	leader        protocol.ID
	lastHeartbeat time.Time
	queue         []protocol.Command
}

// New creates a Station and tunes its radios.
func New(cfg Config) (*Station, error) {
	if cfg.Radio == nil {
		return nil, ErrNoRadio
	}
	if cfg.Swarm == (transport.Channel{}) {
		cfg.Swarm = transport.DefaultSwarmChannel()
	}
	if cfg.Ground == (transport.Channel{}) {
		cfg.Ground = transport.DefaultGroundChannel()
	}
	if cfg.SwarmName == "" {
		cfg.SwarmName = "default"
	}
	if len(cfg.Pool) == 0 {
		cfg.Pool = []protocol.ID{1, 2, 3}
	}
	if cfg.LeaderTimeout == 0 {
		cfg.LeaderTimeout = defaultLeaderTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if slices.Contains(cfg.Pool, protocol.GroundID) {
		return nil, fmt.Errorf("ground: id %d is reserved", protocol.GroundID)
	}

	if err := transport.Tune(cfg.Radio, cfg.Swarm); err != nil {
		return nil, fmt.Errorf("ground: swarm radio: %w", err)
	}
	if cfg.Uplink != nil {
		if err := transport.Tune(cfg.Uplink, cfg.Ground); err != nil {
			return nil, fmt.Errorf("ground: uplink radio: %w", err)
		}
	}

	s := &Station{
		cfg:     cfg,
		log:     cfg.Logger.Named("ground").With(zap.String("swarm", cfg.SwarmName)),
		m:       cfg.Metrics,
		seen:    seen.New[protocol.ID, protocol.ID](cfg.JoinExpiry),
		members: make(map[protocol.ID]registry.NodeInfo),
	}
	if cfg.FlightLog != nil {
		sess, err := cfg.FlightLog.StartSession(cfg.SwarmName, cfg.Now())
		if err != nil {
			return nil, fmt.Errorf("ground: flight log: %w", err)
		}
		s.session = sess.ID
		s.log.Info("flight log session started", zap.String("session", sess.ID))
	}
	return s, nil
}

// Run polls the radios until ctx is done.
func (s *Station) Run(ctx context.Context) error {
	defer s.seen.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Step handles every frame waiting on either radio and returns how many
// were handled.
func (s *Station) Step(ctx context.Context) int {
	n := s.drain(ctx, s.cfg.Radio)
	if s.cfg.Uplink != nil {
		n += s.drain(ctx, s.cfg.Uplink)
	}
	return n
}

// Session is the flight-log session id, empty without a flight log.
func (s *Station) Session() string { return s.session }

// Leader returns the current leader, 0 if nobody joined yet.
func (s *Station) Leader() protocol.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

// Members returns the drones that joined, sorted by id.
func (s *Station) Members() []registry.NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.NodeInfo, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b registry.NodeInfo) int { return int(a.ID) - int(b.ID) })
	return out
}

// Queue schedules an operator command for the next uplink slot.
func (s *Station) Queue(target protocol.ID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= commandQueueDepth {
		return ErrQueueFull
	}
	s.queue = append(s.queue, protocol.Command{TargetID: target, Text: text})
	return nil
}

func (s *Station) drain(ctx context.Context, r transport.Radio) int {
	count := 0
	for {
		size, ok := r.Receive(s.buf[:], false)
		if !ok {
			return count
		}
		if size > len(s.buf) {
			size = len(s.buf)
		}
		msg, err := protocol.DecodeFrame(s.buf[:size])
		if err != nil {
			s.m.FramesDropped.WithLabelValues("ground", metrics.DropSizeMismatch).Inc()
			s.log.Debug("frame dropped", zap.Error(err))
			continue
		}
		s.m.FramesReceived.WithLabelValues("ground", msg.Tag().String()).Inc()
		s.handle(ctx, r, msg)
		count++
	}
}

func (s *Station) handle(ctx context.Context, r transport.Radio, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JoinRequest:
		s.handleJoin(ctx, m)
	case protocol.Heartbeat:
		s.handleHeartbeat(m)
	case protocol.LeaderRequest:
		s.handleLeaderRequest(ctx, m)
	case protocol.Telemetry:
		s.handleTelemetry(m)
	case protocol.PermissionToSend:
		if m.TargetID == protocol.GroundID {
			s.handleSlot(r)
		}
	case protocol.Undefined, protocol.Unknown:
		s.m.FramesDropped.WithLabelValues("ground", metrics.DropUnhandled).Inc()
		s.log.Warn("unhandled frame", zap.Stringer("tag", m.Tag()))
	}
}

func (s *Station) handleJoin(ctx context.Context, req protocol.JoinRequest) {
	now := s.cfg.Now()

	s.mu.Lock()
	id, repeat := s.seen.Get(req.TempID)
	if !repeat {
		var err error
		if id, err = s.allocate(); err != nil {
			s.mu.Unlock()
			s.log.Warn("join refused", zap.Uint8("temp_id", uint8(req.TempID)), zap.Error(err))
			return
		}
		s.seen.Put(req.TempID, id)
		s.members[id] = registry.NodeInfo{ID: id, TempID: req.TempID, Name: req.Name, Joined: now.UTC()}
	}
	newLeader := s.leader == 0
	if newLeader {
		s.leader = id
		s.lastHeartbeat = now
	}
	leader := s.leader
	info := s.members[id]
	s.mu.Unlock()

	s.send(s.cfg.Radio, protocol.JoinResponse{
		AssignedID: id,
		LeaderID:   leader,
		Channel:    s.cfg.Swarm.Number,
		TempID:     req.TempID,
		Timestamp:  protocol.Timestamp(now),
	})
	s.m.Joins.WithLabelValues("ground").Inc()
	s.log.Info("join",
		zap.Uint8("temp_id", uint8(req.TempID)),
		zap.String("name", req.Name),
		zap.Uint8("id", uint8(id)),
		zap.Uint8("leader", uint8(leader)),
		zap.Bool("repeat", repeat))

	if !repeat {
		s.publishNode(ctx, info)
	}
	if newLeader {
		s.publishLeader(ctx, leader)
	}
}

// allocate returns the lowest pool id nobody holds. Callers hold mu.
func (s *Station) allocate() (protocol.ID, error) {
	for _, id := range s.cfg.Pool {
		if _, taken := s.members[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrPoolEmpty
}

func (s *Station) handleHeartbeat(h protocol.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.SourceID == s.leader {
		s.lastHeartbeat = s.cfg.Now()
		return
	}
	s.log.Warn("heartbeat from a non-leader", zap.Uint8("source", uint8(h.SourceID)), zap.Uint8("leader", uint8(s.leader)))
}

// handleLeaderRequest is the election policy: a follower asking for a
// leader is promoted only when the current leader has gone quiet.
func (s *Station) handleLeaderRequest(ctx context.Context, req protocol.LeaderRequest) {
	now := s.cfg.Now()

	s.mu.Lock()
	_, member := s.members[req.RequesterID]
	silent := s.leader == 0 || now.Sub(s.lastHeartbeat) > s.cfg.LeaderTimeout
	promote := member && silent && req.RequesterID != s.leader
	if promote {
		s.log.Info("promoting leader",
			zap.Uint8("old", uint8(s.leader)),
			zap.Uint8("new", uint8(req.RequesterID)),
			zap.Duration("silent_for", now.Sub(s.lastHeartbeat)))
		s.leader = req.RequesterID
		s.lastHeartbeat = now
	}
	leader := s.leader
	s.mu.Unlock()

	if leader == 0 {
		return
	}
	s.send(s.cfg.Radio, protocol.LeaderAnnouncement{LeaderID: leader, Timestamp: protocol.Timestamp(now)})
	if promote {
		s.publishLeader(ctx, leader)
	}
}

func (s *Station) handleTelemetry(t protocol.Telemetry) {
	s.m.Telemetry.WithLabelValues("ground").Inc()
	if s.cfg.FlightLog == nil {
		return
	}
	if _, err := s.cfg.FlightLog.Append(s.session, s.cfg.Now(), t); err != nil {
		s.log.Error("flight log append failed", zap.Error(err))
	}
}

// handleSlot answers a leader's PermissionToSend(0) with the oldest queued
// command, or protocol.NoNeed.
func (s *Station) handleSlot(r transport.Radio) {
	s.mu.Lock()
	var cmd protocol.Command
	if len(s.queue) > 0 {
		cmd = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		cmd = protocol.Command{TargetID: s.leader, Text: protocol.NoNeed}
	}
	s.mu.Unlock()

	cmd.Timestamp = protocol.Timestamp(s.cfg.Now())
	s.send(r, cmd)
}

func (s *Station) send(r transport.Radio, m protocol.Message) bool {
	frame, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("encode failed", zap.Stringer("tag", m.Tag()), zap.Error(err))
		return false
	}
	ok := r.Send(frame)
	result := "ok"
	if !ok {
		result = "failed"
	}
	s.m.FramesSent.WithLabelValues("ground", m.Tag().String(), result).Inc()
	return ok
}

func (s *Station) publishNode(ctx context.Context, info registry.NodeInfo) {
	if s.cfg.Publisher == nil {
		return
	}
	if err := s.cfg.Publisher.PutNode(ctx, info); err != nil {
		s.log.Warn("publish node failed", zap.Uint8("id", uint8(info.ID)), zap.Error(err))
	}
}

func (s *Station) publishLeader(ctx context.Context, id protocol.ID) {
	if s.cfg.Publisher == nil {
		return
	}
	if err := s.cfg.Publisher.PutLeader(ctx, id); err != nil {
		s.log.Warn("publish leader failed", zap.Uint8("id", uint8(id)), zap.Error(err))
	}
}
