// Package diag is the durable diagnostic log. Critical incidents are
// deduplicated per raise site per UTC day so a wedged dependency does
// not flood the log; everything else is appended as it comes.
package diag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketEntries  = "entries"  // id -> Entry, id is a sortable xid
	bucketCritSeen = "critseen" // day/site -> entry id
)

// Entry is one diagnostic record.
type Entry struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Site      string    `json:"site,omitempty"`
	Text      string    `json:"text"`
	IP        string    `json:"ip,omitempty"`
	SessionNr int64     `json:"session_nr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log wraps a bbolt file and mirrors everything to slog.
type Log struct {
	db  *bolt.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens or creates the diagnostic database at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening diag db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEntries, bucketCritSeen} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing diag db: %w", err)
	}
	return &Log{db: db, log: logger, now: time.Now}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// SetClock overrides the time source. Test hook.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

// Critical records a critical incident. The first report from a given
// site each UTC day is persisted; repeats are only mirrored to slog.
// Returns whether the entry was persisted.
func (l *Log) Critical(site, text string, attrs ...any) bool {
	l.log.Error(text, append([]any{"site", site}, attrs...)...)

	day := l.now().UTC().Format("2006-01-02")
	seenKey := []byte(day + "/" + site)
	persisted := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		seen := tx.Bucket([]byte(bucketCritSeen))
		if seen.Get(seenKey) != nil {
			return nil
		}
		id, err := l.append(tx, Entry{Level: "critical", Site: site, Text: text})
		if err != nil {
			return err
		}
		persisted = true
		return seen.Put(seenKey, []byte(id))
	})
	if err != nil {
		l.log.Error("diag write failed", "error", err)
	}
	return persisted
}

// Record appends a non-critical entry.
func (l *Log) Record(level, text string, entry Entry) {
	entry.Level = level
	entry.Text = text
	err := l.db.Update(func(tx *bolt.Tx) error {
		_, err := l.append(tx, entry)
		return err
	})
	if err != nil {
		l.log.Error("diag write failed", "error", err)
	}
}

func (l *Log) append(tx *bolt.Tx, e Entry) (string, error) {
	e.ID = xid.New().String()
	e.CreatedAt = l.now().UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return e.ID, tx.Bucket([]byte(bucketEntries)).Put([]byte(e.ID), raw)
}

// EntriesSince returns entries created at or after since, oldest first.
func (l *Log) EntriesSince(since time.Time) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.CreatedAt.Before(since) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// Prune deletes entries and dedup marks older than cutoff and returns
// how many entries were removed.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	n := 0
	day := cutoff.UTC().Format("2006-01-02")
	err := l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(bucketEntries))
		c := entries.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.CreatedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				n++
			}
		}
		seen := tx.Bucket([]byte(bucketCritSeen))
		sc := seen.Cursor()
		for k, _ := sc.First(); k != nil; k, _ = sc.Next() {
			if string(k) < day {
				if err := sc.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return n, err
}
