package protocol

import (
	"errors"
	"testing"
)

func sampleMessages() []Message {
	return []Message{
		Undefined{},
		JoinRequest{Timestamp: 3, TempID: 42, Name: "node"},
		JoinResponse{AssignedID: 4, LeaderID: 1, Channel: 90, TempID: 42, Timestamp: 4},
		Command{TargetID: 1, Timestamp: 1, Text: "test"},
		Telemetry{
			SourceID:    2,
			Timestamp:   2,
			Accel:       Vector{X: -12, Y: 300, Z: 16384},
			Gyro:        Vector{X: 7, Y: -7, Z: 0},
			Altitude:    100,
			Battery:     3.7,
			Retries:     15,
			LinkQuality: 80,
			RPD:         true,
		},
		Heartbeat{SourceID: 5, Timestamp: 5},
		LeaderAnnouncement{LeaderID: 2, Timestamp: 6},
		LeaderRequest{RequesterID: 7, Timestamp: 8},
		PermissionToSend{TargetID: 6, Timestamp: 7},
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.Tag().String(), func(t *testing.T) {
			wire, err := Encode(m)
			if err != nil {
				t.Fatal(err)
			}
			want, _ := SizeOf(m.Tag())
			if len(wire) != want {
				t.Fatalf("encoded size %d != %d", len(wire), want)
			}
			if Tag(wire[0]) != m.Tag() {
				t.Fatalf("byte 0 = %d, want %d", wire[0], m.Tag())
			}

			got, err := Decode(m.Tag(), wire)
			if err != nil {
				t.Fatal(err)
			}
			if got != m {
				t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", got, m)
			}
		})
	}
}

func TestEveryTagFitsOneFrame(t *testing.T) {
	for _, tag := range Tags() {
		n, _ := SizeOf(tag)
		if n < 1 || n > MaxFrameSize {
			t.Fatalf("%s: size %d outside [1,%d]", tag, n, MaxFrameSize)
		}
	}
	if len(Tags()) != 9 {
		t.Fatalf("expected 9 tags, got %d", len(Tags()))
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for _, m := range sampleMessages() {
		wire, err := Encode(m)
		if err != nil {
			t.Fatal(err)
		}
		for n := 0; n < len(wire); n++ {
			_, err := Decode(m.Tag(), wire[:n])
			if !errors.Is(err, ErrSizeMismatch) {
				t.Fatalf("%s with %d bytes: expected ErrSizeMismatch, got %v", m.Tag(), n, err)
			}
		}
	}
}

func TestDecodeLongBuffer(t *testing.T) {
	wire, _ := Encode(Heartbeat{SourceID: 1, Timestamp: 1})
	_, err := Decode(TagHeartbeat, append(wire, 0xAA))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestDecodeTagMismatch(t *testing.T) {
	// Heartbeat and LeaderRequest share a size; the peeked tag must still win.
	wire, _ := Encode(Heartbeat{SourceID: 1, Timestamp: 1})
	_, err := Decode(TagLeaderRequest, wire)
	if !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	m, err := Decode(Tag(0x7F), []byte{0x7F, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	u, ok := m.(Unknown)
	if !ok {
		t.Fatalf("expected Unknown, got %T", m)
	}
	if u.Raw != 0x7F || u.Len != 3 {
		t.Fatalf("got %+v", u)
	}
	if _, err := Encode(u); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("encoding Unknown: expected ErrUnknownTag, got %v", err)
	}
}

func TestStringFieldsTruncated(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz"
	wire, err := Encode(Command{TargetID: 3, Text: long})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFrame(wire)
	if err != nil {
		t.Fatal(err)
	}
	if cmd := got.(Command); cmd.Text != long[:MaxCommandLen] {
		t.Fatalf("command text %q, want %q", cmd.Text, long[:MaxCommandLen])
	}

	wire, _ = Encode(JoinRequest{TempID: 9, Name: long})
	got, _ = DecodeFrame(wire)
	if jr := got.(JoinRequest); jr.Name != long[:MaxNameLen] {
		t.Fatalf("name %q, want %q", jr.Name, long[:MaxNameLen])
	}
}

func TestDecodeFrameEmpty(t *testing.T) {
	if _, err := DecodeFrame(nil); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestTagString(t *testing.T) {
	if TagPermissionToSend.String() != "permission_to_send" {
		t.Fatalf("got %q", TagPermissionToSend.String())
	}
	if Tag(200).String() != "unknown(200)" {
		t.Fatalf("got %q", Tag(200).String())
	}
}
