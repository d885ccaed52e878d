package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup    = "239.24.0.1"
	DefaultBasePort = 24000

	udpHeaderSize = 16 + 5 // instance id + tx address
)

// UDPConfig configures a UDPRadio.
type UDPConfig struct {
	Group     string // IPv4 multicast group; defaults to DefaultGroup
	BasePort  int    // channel c listens on BasePort+c; defaults to DefaultBasePort
	Interface string // multicast interface name; empty uses the system default
	Logger    *zap.Logger
}

// UDPRadio emulates a shared radio medium with IPv4 multicast so several
// processes on one host (or LAN) can form a swarm. Each radio channel maps
// to its own port on the group.
//
// Datagram layout: instance id (16) | tx address (5) | frame (<=32).
//
// A write that succeeds counts as acknowledged; multicast has no receiver
// acknowledgment.
type UDPRadio struct {
	cfg UDPConfig
	id  uuid.UUID
	ifi *net.Interface
	log *zap.Logger
	rx  *rxQueue

	mu         sync.Mutex
	conn       *net.UDPConn
	dst        *net.UDPAddr
	channel    uint8
	rate       DataRate
	txAddr     Address
	rxAddr     Address
	configured bool
	closed     bool
	retries    uint8
}

// NewUDP creates an unconfigured UDPRadio. Call Configure before use.
func NewUDP(cfg UDPConfig) (*UDPRadio, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if ip := net.ParseIP(cfg.Group); ip == nil || !ip.IsMulticast() || ip.To4() == nil {
		return nil, fmt.Errorf("transport: %q is not an IPv4 multicast group", cfg.Group)
	}
	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("transport: interface %s: %w", cfg.Interface, err)
		}
	}
	id := uuid.New()
	return &UDPRadio{
		cfg: cfg,
		id:  id,
		ifi: ifi,
		log: cfg.Logger.Named("udp").With(zap.String("instance", id.String())),
		rx:  newRxQueue(256),
	}, nil
}

// Configure (re)joins the multicast port for channel.
func (r *UDPRadio) Configure(channel uint8, rate DataRate) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.configured && r.channel == channel {
		r.rate = rate
		return nil
	}

	dst := &net.UDPAddr{IP: net.ParseIP(r.cfg.Group), Port: r.cfg.BasePort + int(channel)}
	conn, err := net.ListenMulticastUDP("udp4", r.ifi, dst)
	if err != nil {
		return fmt.Errorf("transport: join %s: %w", dst, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return fmt.Errorf("transport: multicast loopback: %w", err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		conn.Close()
		return fmt.Errorf("transport: multicast ttl: %w", err)
	}
	if r.ifi != nil {
		if err := pc.SetMulticastInterface(r.ifi); err != nil {
			conn.Close()
			return fmt.Errorf("transport: multicast interface: %w", err)
		}
	}

	if r.conn != nil {
		r.conn.Close()
	}
	r.conn, r.dst = conn, dst
	r.channel, r.rate = channel, rate
	r.configured = true
	go r.readLoop(conn)

	r.log.Debug("configured", zap.Uint8("channel", channel), zap.Stringer("rate", rate), zap.Stringer("group", dst))
	return nil
}

func (r *UDPRadio) SetAddresses(tx, rx Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.txAddr, r.rxAddr = tx, rx
	return nil
}

func (r *UDPRadio) Send(frame []byte) bool {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return false
	}
	r.mu.Lock()
	if r.closed || !r.configured {
		r.mu.Unlock()
		return false
	}
	conn, dst, tx := r.conn, r.dst, r.txAddr
	r.mu.Unlock()

	dgram := make([]byte, 0, udpHeaderSize+len(frame))
	dgram = append(dgram, r.id[:]...)
	dgram = append(dgram, tx[:]...)
	dgram = append(dgram, frame...)

	_, err := conn.WriteToUDP(dgram, dst)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Debug("send failed", zap.Error(err))
		r.retries = maxRetries
		return false
	}
	r.retries = 0
	return true
}

func (r *UDPRadio) Receive(buf []byte, peek bool) (int, bool) {
	return r.rx.read(buf, peek)
}

func (r *UDPRadio) LinkDiagnostics() (uint8, bool) {
	r.mu.Lock()
	retries := r.retries
	r.mu.Unlock()
	return retries, r.rx.takeRPD()
}

func (r *UDPRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *UDPRadio) readLoop(conn *net.UDPConn) {
	buf := make([]byte, udpHeaderSize+MaxFrameSize+1)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // closed by Configure or Close
		}
		if n <= udpHeaderSize || n > udpHeaderSize+MaxFrameSize {
			continue
		}
		if bytes.Equal(buf[:16], r.id[:]) {
			continue // our own looped-back datagram
		}
		var to Address
		copy(to[:], buf[16:udpHeaderSize])

		r.mu.Lock()
		stale := r.conn != conn
		want := r.rxAddr
		r.mu.Unlock()
		if stale {
			return
		}
		if to != want {
			continue
		}
		r.rx.push(buf[udpHeaderSize:n])
	}
}
