// Package history persists finished turn records in BadgerDB so operators
// can inspect recent conversations after the fact.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/chadiek/voicepipe/internal/pipeline"
)

const keyPrefix = "turn:"

// Record is the stored shape of one finished turn.
type Record struct {
	ID              string    `json:"id"`
	ModelKey        string    `json:"model_key"`
	Voice           string    `json:"voice"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	FinalTranscript string    `json:"final_transcript,omitempty"`
	Response        string    `json:"response,omitempty"`
	Outcome         string    `json:"outcome"`
}

// Store is a Badger-backed turn log.
type Store struct {
	db *badger.DB
}

// Open creates or opens the store at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("history: dir is required")
	}
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory runs the store without disk persistence. Tests use it to
// exercise the real engine.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts.WithLogger(quietLogger{}))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append stores one finished turn. It implements the pipeline's history
// contract.
func (s *Store) Append(ctx context.Context, t pipeline.Turn) error {
	rec := Record{
		ID:              t.ID,
		ModelKey:        t.Persona.ModelKey,
		Voice:           t.Persona.Voice,
		StartedAt:       t.StartedAt,
		EndedAt:         t.EndedAt,
		FinalTranscript: t.FinalTranscript,
		Response:        t.Response,
		Outcome:         t.Outcome.String(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal turn %s: %w", t.ID, err)
	}
	key := recordKey(t.StartedAt, t.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Recent returns up to n turns, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode the seek key must sort after every record key.
		seek := append([]byte(keyPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)) && len(out) < n; it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("history: corrupt record at %q: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }

// recordKey orders records chronologically; the zero-padded nanosecond
// stamp makes lexicographic order match time order.
func recordKey(startedAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefix, startedAt.UnixNano(), id))
}

// quietLogger keeps badger's chatty info and debug output off the console.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
