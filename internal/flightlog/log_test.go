package flightlog

import (
	"errors"
	"testing"
	"time"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecords(t *testing.T) {
	l := newTestLog(t)
	start := time.Unix(1_700_000_000, 0)
	s, err := l.StartSession("alpha", start)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 300; i++ {
		src := protocol.ID(i%3 + 1)
		seq, err := l.Append(s.ID, start.Add(time.Duration(i)*time.Second), protocol.Telemetry{SourceID: src, Timestamp: uint32(i)})
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("seq %d, want %d", seq, i+1)
		}
	}

	all, err := l.Records(s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 300 {
		t.Fatalf("got %d records", len(all))
	}
	// Big-endian keys keep arrival order past 255.
	for i, r := range all {
		if r.Telemetry.Timestamp != uint32(i) {
			t.Fatalf("record %d out of order: ts %d", i, r.Telemetry.Timestamp)
		}
	}

	two, _ := l.Records(s.ID, 2)
	if len(two) != 100 {
		t.Fatalf("source filter: %d records", len(two))
	}
}

func TestLatest(t *testing.T) {
	l := newTestLog(t)
	s, _ := l.StartSession("alpha", time.Now())
	now := time.Now()
	l.Append(s.ID, now, protocol.Telemetry{SourceID: 1, Battery: 3.9})
	l.Append(s.ID, now, protocol.Telemetry{SourceID: 1, Battery: 3.6})
	l.Append(s.ID, now, protocol.Telemetry{SourceID: 2, Battery: 4.0})

	latest, err := l.Latest(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest[1].Telemetry.Battery != 3.6 || latest[2].Telemetry.Battery != 4.0 {
		t.Fatalf("latest %+v", latest)
	}
}

func TestSessionsOrdered(t *testing.T) {
	l := newTestLog(t)
	base := time.Unix(1_700_000_000, 0)
	second, _ := l.StartSession("alpha", base.Add(time.Hour))
	first, _ := l.StartSession("alpha", base)

	got, err := l.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("sessions %+v", got)
	}
}

func TestAppendUnknownSession(t *testing.T) {
	l := newTestLog(t)
	if _, err := l.Append("nope", time.Now(), protocol.Telemetry{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := l.StartSession("alpha", time.Now())
	l.Append(s.ID, time.Now(), protocol.Telemetry{SourceID: 1})
	l.Close()

	l, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	recs, err := l.Records(s.ID, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("after reopen: %d records, %v", len(recs), err)
	}
}
