// Package storage persists the prediction trail beyond the in-memory
// history buffer. It uses BoltDB as the underlying engine and stores
// JSON-encoded records keyed by timestamp for efficient range queries.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"predix-engine/internal/prediction"
)

const (
	predictionsBucket = "predictions"
	outcomesBucket    = "outcomes"
)

// Outcome records the settlement of a prediction round.
type Outcome struct {
	RoundID int64     `json:"round_id"`
	Correct bool      `json:"correct"`
	Ts      time.Time `json:"ts"`
}

// Store provides persistent storage for prediction records and their
// outcomes. Safe for concurrent use; BoltDB serializes writes.
type Store struct {
	db *bbolt.DB
}

// New opens the database at dataPath and creates the buckets.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "predix-data.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(outcomesBucket)); err != nil {
			return fmt.Errorf("create outcomes bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// timeKey builds a zero-padded nanosecond key so byte order matches time
// order under the BoltDB cursor.
func timeKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", ts.UnixNano()))
}

// StorePrediction appends a prediction record keyed by its timestamp.
func (s *Store) StorePrediction(p prediction.Result) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}
		return b.Put(timeKey(p.Timestamp), data)
	})
}

// StoreOutcome appends an outcome record keyed by its settlement time.
func (s *Store) StoreOutcome(o Outcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(outcomesBucket))

		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		return b.Put(timeKey(o.Ts), data)
	})
}

// GetPredictions retrieves prediction records within a time range,
// inclusive on both ends, ordered by timestamp.
func (s *Store) GetPredictions(start, end time.Time) ([]prediction.Result, error) {
	var out []prediction.Result
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		endKey := timeKey(end)
		for k, v := c.Seek(timeKey(start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var p prediction.Result
			if err := json.Unmarshal(v, &p); err != nil {
				continue // skip malformed records
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// RecentPredictions returns up to limit records, oldest first with the
// newest last.
func (s *Store) RecentPredictions(limit int) ([]prediction.Result, error) {
	var out []prediction.Result
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var p prediction.Result
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Cursor walked newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetOutcomes retrieves outcome records within a time range, inclusive on
// both ends.
func (s *Store) GetOutcomes(start, end time.Time) ([]Outcome, error) {
	var out []Outcome
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(outcomesBucket)).Cursor()
		endKey := timeKey(end)
		for k, v := c.Seek(timeKey(start)); k != nil && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var o Outcome
			if err := json.Unmarshal(v, &o); err != nil {
				continue
			}
			out = append(out, o)
		}
		return nil
	})
	return out, err
}
