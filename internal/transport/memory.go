package transport

import (
	"math/rand/v2"
	"sync"
)

// Retry count reported for an unacknowledged send (RF24 setRetries(5, 15)).
const maxRetries = 15

// Ether is an in-process shared radio medium. Radios attached to the same
// Ether hear each other when tuned to the same channel and the receiver's rx
// address equals the sender's tx address.
type Ether struct {
	mu     sync.RWMutex
	radios map[*MemoryRadio]struct{}

	lossMu sync.Mutex
	loss   float64
	rng    *rand.Rand
}

// NewEther creates an empty medium.
func NewEther() *Ether {
	return &Ether{
		radios: make(map[*MemoryRadio]struct{}),
		rng:    rand.New(rand.NewPCG(1, 2)),
	}
}

// SetLoss sets the probability in [0,1] that a frame is lost for each receiver.
func (e *Ether) SetLoss(p float64) {
	e.lossMu.Lock()
	e.loss = p
	e.lossMu.Unlock()
}

func (e *Ether) lost() bool {
	e.lossMu.Lock()
	defer e.lossMu.Unlock()
	return e.loss > 0 && e.rng.Float64() < e.loss
}

// NewRadio attaches a new radio to the medium.
func (e *Ether) NewRadio() *MemoryRadio {
	r := &MemoryRadio{ether: e, rx: newRxQueue(256)}
	e.mu.Lock()
	e.radios[r] = struct{}{}
	e.mu.Unlock()
	return r
}

func (e *Ether) deliver(from *MemoryRadio, channel uint8, to Address, frame []byte) int {
	e.mu.RLock()
	peers := make([]*MemoryRadio, 0, len(e.radios))
	for r := range e.radios {
		if r != from {
			peers = append(peers, r)
		}
	}
	e.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		if !p.listening(channel, to) || e.lost() {
			continue
		}
		p.rx.push(frame)
		delivered++
	}
	return delivered
}

func (e *Ether) detach(r *MemoryRadio) {
	e.mu.Lock()
	delete(e.radios, r)
	e.mu.Unlock()
}

// MemoryRadio is a Radio attached to an Ether.
type MemoryRadio struct {
	ether *Ether
	rx    *rxQueue

	mu         sync.Mutex
	configured bool
	closed     bool
	channel    uint8
	rate       DataRate
	txAddr     Address
	rxAddr     Address
	retries    uint8
	sent       [][]byte
}

func (r *MemoryRadio) Configure(channel uint8, rate DataRate) error {
	if err := validChannel(channel); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.channel = channel
	r.rate = rate
	r.configured = true
	return nil
}

func (r *MemoryRadio) SetAddresses(tx, rx Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.txAddr = tx
	r.rxAddr = rx
	return nil
}

func (r *MemoryRadio) Send(frame []byte) bool {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return false
	}
	r.mu.Lock()
	if r.closed || !r.configured {
		r.mu.Unlock()
		return false
	}
	channel, to := r.channel, r.txAddr
	r.sent = append(r.sent, append([]byte(nil), frame...))
	r.mu.Unlock()

	ok := r.ether.deliver(r, channel, to, frame) > 0

	r.mu.Lock()
	if ok {
		r.retries = 0
	} else {
		r.retries = maxRetries
	}
	r.mu.Unlock()
	return ok
}

func (r *MemoryRadio) Receive(buf []byte, peek bool) (int, bool) {
	return r.rx.read(buf, peek)
}

func (r *MemoryRadio) LinkDiagnostics() (uint8, bool) {
	r.mu.Lock()
	retries := r.retries
	r.mu.Unlock()
	return retries, r.rx.takeRPD()
}

func (r *MemoryRadio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.ether.detach(r)
	return nil
}

// Inject queues frame as if it had been received over the air.
func (r *MemoryRadio) Inject(frame []byte) {
	r.rx.push(frame)
}

// Sent returns a copy of every frame this radio attempted to send.
func (r *MemoryRadio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	for i, f := range r.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// ClearSent forgets the send log.
func (r *MemoryRadio) ClearSent() {
	r.mu.Lock()
	r.sent = r.sent[:0]
	r.mu.Unlock()
}

// Pending returns the number of frames waiting in the receive queue.
func (r *MemoryRadio) Pending() int { return r.rx.len() }

// Tuning reports the current channel, rate and addresses.
func (r *MemoryRadio) Tuning() (channel uint8, rate DataRate, tx, rx Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel, r.rate, r.txAddr, r.rxAddr
}

func (r *MemoryRadio) listening(channel uint8, addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.configured && r.channel == channel && r.rxAddr == addr
}
