// Package flightlog records the telemetry a ground station hears, one
// bucket per session, in a local bbolt database.
//
// Layout:
//
//	sessions/<uuid>         -> Session (JSON)
//	records/<uuid>/<seq:be> -> Record (JSON)
package flightlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/SeneAlukard/rf24drone/internal/protocol"
)

const fileName = "flightlog.db"

var (
	bucketSessions = []byte("sessions")
	bucketRecords  = []byte("records")
)

var ErrNoSession = errors.New("flightlog: no such session")

// Session is one ground station run.
type Session struct {
	ID      string    `json:"id"`
	Swarm   string    `json:"swarm"`
	Started time.Time `json:"started"`
}

// Record is one telemetry frame as received.
type Record struct {
	Seq       uint64             `json:"seq"`
	Received  time.Time          `json:"received"`
	Telemetry protocol.Telemetry `json:"telemetry"`
}

// Log is a persistent telemetry store backed by bbolt.
type Log struct {
	db *bolt.DB
}

// Open opens (or creates) the flight log inside dir.
func Open(dir string) (*Log, error) {
	db, err := bolt.Open(filepath.Join(dir, fileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("flightlog: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketRecords} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// StartSession creates a new session with a fresh id.
func (l *Log) StartSession(swarm string, started time.Time) (Session, error) {
	s := Session{ID: uuid.NewString(), Swarm: swarm, Started: started.UTC()}
	data, err := json.Marshal(s)
	if err != nil {
		return Session{}, err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(s.ID), data); err != nil {
			return err
		}
		_, err := tx.Bucket(bucketRecords).CreateBucket([]byte(s.ID))
		return err
	})
	return s, err
}

// Append stores t under session and returns its sequence number.
func (l *Log) Append(session string, received time.Time, t protocol.Telemetry) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords).Bucket([]byte(session))
		if bkt == nil {
			return ErrNoSession
		}
		var err error
		if seq, err = bkt.NextSequence(); err != nil {
			return err
		}
		data, err := json.Marshal(Record{Seq: seq, Received: received.UTC(), Telemetry: t})
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), data)
	})
	return seq, err
}

// Sessions returns every session, oldest first.
func (l *Log) Sessions() ([]Session, error) {
	var out []Session
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, err
}

// Records returns a session's records in arrival order. A non-zero source
// keeps only that drone's records.
func (l *Log) Records(session string, source protocol.ID) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords).Bucket([]byte(session))
		if bkt == nil {
			return ErrNoSession
		}
		return bkt.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if source == 0 || r.Telemetry.SourceID == source {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, err
}

// Latest returns the newest record per drone in a session.
func (l *Log) Latest(session string) (map[protocol.ID]Record, error) {
	recs, err := l.Records(session, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[protocol.ID]Record)
	for _, r := range recs {
		out[r.Telemetry.SourceID] = r
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
