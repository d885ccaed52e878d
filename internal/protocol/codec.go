package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serialises m into exactly SizeOf(m.Tag()) bytes.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnknownTag)
	}
	size, ok := SizeOf(m.Tag())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTag, m.Tag())
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.Tag(), size)
	}

	w := writer{b: make([]byte, size)}
	w.u8(byte(m.Tag()))

	switch m := m.(type) {
	case Undefined:
	case JoinRequest:
		w.u32(m.Timestamp)
		w.u8(byte(m.TempID))
		w.str(m.Name, MaxNameLen)
	case JoinResponse:
		w.u8(byte(m.AssignedID))
		w.u8(byte(m.LeaderID))
		w.u8(m.Channel)
		w.u8(byte(m.TempID))
		w.u32(m.Timestamp)
	case Command:
		w.u8(byte(m.TargetID))
		w.u32(m.Timestamp)
		w.str(m.Text, MaxCommandLen)
	case Telemetry:
		w.u8(byte(m.SourceID))
		w.u32(m.Timestamp)
		w.vec(m.Accel)
		w.vec(m.Gyro)
		w.f32(m.Altitude)
		w.f32(m.Battery)
		w.u8(m.Retries)
		w.f32(m.LinkQuality)
		w.flag(m.RPD)
	case Heartbeat:
		w.u8(byte(m.SourceID))
		w.u32(m.Timestamp)
	case LeaderAnnouncement:
		w.u8(byte(m.LeaderID))
		w.u32(m.Timestamp)
	case LeaderRequest:
		w.u8(byte(m.RequesterID))
		w.u32(m.Timestamp)
	case PermissionToSend:
		w.u8(byte(m.TargetID))
		w.u32(m.Timestamp)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, m)
	}
	return w.b, nil
}

// Decode parses a frame whose first byte was peeked as tag. It never reads
// past len(b): a frame whose length differs from the table is reported as
// ErrSizeMismatch. A tag with no table entry yields Unknown so the caller
// can route it to its unhandled path.
func Decode(tag Tag, b []byte) (Message, error) {
	size, ok := SizeOf(tag)
	if !ok {
		return Unknown{Raw: tag, Len: len(b)}, nil
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrSizeMismatch, tag, size, len(b))
	}
	if Tag(b[0]) != tag {
		return nil, fmt.Errorf("%w: peeked %s, frame says %s", ErrTagMismatch, tag, Tag(b[0]))
	}

	r := reader{b: b, off: 1}
	switch tag {
	case TagUndefined:
		return Undefined{}, nil
	case TagJoinRequest:
		return JoinRequest{
			Timestamp: r.u32(),
			TempID:    ID(r.u8()),
			Name:      r.str(MaxNameLen),
		}, nil
	case TagJoinResponse:
		return JoinResponse{
			AssignedID: ID(r.u8()),
			LeaderID:   ID(r.u8()),
			Channel:    r.u8(),
			TempID:     ID(r.u8()),
			Timestamp:  r.u32(),
		}, nil
	case TagCommand:
		return Command{
			TargetID:  ID(r.u8()),
			Timestamp: r.u32(),
			Text:      r.str(MaxCommandLen),
		}, nil
	case TagTelemetry:
		return Telemetry{
			SourceID:    ID(r.u8()),
			Timestamp:   r.u32(),
			Accel:       r.vec(),
			Gyro:        r.vec(),
			Altitude:    r.f32(),
			Battery:     r.f32(),
			Retries:     r.u8(),
			LinkQuality: r.f32(),
			RPD:         r.u8() != 0,
		}, nil
	case TagHeartbeat:
		return Heartbeat{SourceID: ID(r.u8()), Timestamp: r.u32()}, nil
	case TagLeaderAnnouncement:
		return LeaderAnnouncement{LeaderID: ID(r.u8()), Timestamp: r.u32()}, nil
	case TagLeaderRequest:
		return LeaderRequest{RequesterID: ID(r.u8()), Timestamp: r.u32()}, nil
	case TagPermissionToSend:
		return PermissionToSend{TargetID: ID(r.u8()), Timestamp: r.u32()}, nil
	}
	return Unknown{Raw: tag, Len: len(b)}, nil
}

// DecodeFrame decodes a frame using its own first byte as the tag.
func DecodeFrame(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrSizeMismatch)
	}
	return Decode(Tag(b[0]), b)
}

type writer struct {
	b   []byte
	off int
}

func (w *writer) u8(v byte) {
	w.b[w.off] = v
	w.off++
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
}

func (w *writer) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *writer) vec(v Vector) {
	for _, c := range [3]int16{v.X, v.Y, v.Z} {
		binary.LittleEndian.PutUint16(w.b[w.off:], uint16(c))
		w.off += 2
	}
}

func (w *writer) flag(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

// str writes s NUL-padded into a field of n bytes, truncating if longer.
func (w *writer) str(s string, n int) {
	copy(w.b[w.off:w.off+n], s)
	w.off += n
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) u8() byte {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) vec() Vector {
	var c [3]int16
	for i := range c {
		c[i] = int16(binary.LittleEndian.Uint16(r.b[r.off:]))
		r.off += 2
	}
	return Vector{X: c[0], Y: c[1], Z: c[2]}
}

func (r *reader) str(n int) string {
	field := r.b[r.off : r.off+n]
	r.off += n
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
