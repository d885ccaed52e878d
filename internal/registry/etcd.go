// Package registry publishes a ground station's view of the swarm to etcd
// so operators and tooling can see who joined and who leads.
//
// Keys live under a lease held by the ground station; they vanish when it
// stops renewing:
//
//	/rf24drone/<swarm>/nodes/<id> -> NodeInfo (JSON)
//	/rf24drone/<swarm>/leader     -> decimal id
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

const (
	keyRoot        = "/rf24drone"
	defaultTTL     = 15 // seconds
	requestTimeout = 3 * time.Second
)

// NodeInfo is what the ground station knows about a joined drone.
type NodeInfo struct {
	ID     protocol.ID `json:"id"`
	TempID protocol.ID `json:"temp_id"`
	Name   string      `json:"name"`
	Joined time.Time   `json:"joined"`
}

func NodesPrefix(swarm string) string { return fmt.Sprintf("%s/%s/nodes/", keyRoot, swarm) }

func NodeKey(swarm string, id protocol.ID) string {
	return NodesPrefix(swarm) + strconv.Itoa(int(id))
}

func LeaderKey(swarm string) string { return fmt.Sprintf("%s/%s/leader", keyRoot, swarm) }

// Config configures an Etcd registry.
type Config struct {
	Endpoints []string
	Swarm     string
	TTL       int64 // lease seconds; defaults to 15
	Logger    *zap.Logger
}

// Etcd is an etcd-backed registry bound to one swarm.
type Etcd struct {
	cli   *clientv3.Client
	swarm string
	lease clientv3.LeaseID
	log   *zap.Logger

	stopKeepAlive context.CancelFunc
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Open connects, grants the lease and keeps it alive until Close.
func Open(ctx context.Context, cfg Config) (*Etcd, error) {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cli, err := NewClient(cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("registry: connect: %w", err)
	}

	gctx, cancel := context.WithTimeout(ctx, requestTimeout)
	lease, err := cli.Grant(gctx, cfg.TTL)
	cancel()
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("registry: lease: %w", err)
	}

	kctx, stop := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		stop()
		cli.Close()
		return nil, fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	return &Etcd{
		cli:           cli,
		swarm:         cfg.Swarm,
		lease:         lease.ID,
		log:           cfg.Logger.Named("registry"),
		stopKeepAlive: stop,
	}, nil
}

// PutNode records a joined drone.
func (r *Etcd) PutNode(ctx context.Context, info NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err = r.cli.Put(ctx, NodeKey(r.swarm, info.ID), string(data), clientv3.WithLease(r.lease))
	return err
}

// PutLeader records the current leader.
func (r *Etcd) PutLeader(ctx context.Context, id protocol.ID) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := r.cli.Put(ctx, LeaderKey(r.swarm), strconv.Itoa(int(id)), clientv3.WithLease(r.lease))
	return err
}

// Nodes lists the published drones.
func (r *Etcd) Nodes(ctx context.Context) ([]NodeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := r.cli.Get(ctx, NodesPrefix(r.swarm), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]NodeInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n NodeInfo
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			r.log.Warn("bad node entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Leader returns the published leader, if any.
func (r *Etcd) Leader(ctx context.Context) (protocol.ID, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := r.cli.Get(ctx, LeaderKey(r.swarm))
	if err != nil || len(resp.Kvs) == 0 {
		return 0, false, err
	}
	id, err := ParseID(string(resp.Kvs[0].Value))
	return id, err == nil, err
}

// Close revokes the lease and disconnects.
func (r *Etcd) Close() error {
	r.stopKeepAlive()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
		r.log.Debug("lease revoke failed", zap.Error(err))
	}
	return r.cli.Close()
}

// ParseID parses a decimal drone id.
func ParseID(s string) (protocol.ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("registry: bad id %q: %w", s, err)
	}
	return protocol.ID(v), nil
}
