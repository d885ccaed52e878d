package transport

import "sync"

// rxQueue is the receive FIFO shared by the radio implementations. Writers
// are delivery goroutines; the protocol loop is the only reader.
type rxQueue struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	rpd    bool
}

func newRxQueue(limit int) *rxQueue {
	return &rxQueue{limit: limit}
}

// push appends a copy of frame, dropping the oldest when full.
func (q *rxQueue) push(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.frames) >= q.limit {
		q.frames[0] = nil
		q.frames = q.frames[1:]
	}
	q.frames = append(q.frames, buf)
	q.rpd = true
}

func (q *rxQueue) read(buf []byte, peek bool) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return 0, false
	}
	head := q.frames[0]
	copy(buf, head)
	if !peek {
		q.frames[0] = nil
		q.frames = q.frames[1:]
	}
	return len(head), true
}

func (q *rxQueue) takeRPD() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.rpd
	q.rpd = false
	return v
}

func (q *rxQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
