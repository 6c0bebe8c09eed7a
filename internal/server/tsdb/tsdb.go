// Package tsdb stores metric points gathered from computes in badger. Points
// are keyed by compute, stream and millisecond timestamp so a range scan
// returns them in time order.
package tsdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrInvalidStream = errors.New("tsdb: invalid stream")

// Point is one sample of a stream.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Sample is a point addressed to a compute's stream.
type Sample struct {
	ComputeID string
	Stream    string
	Point
}

// Store is the badger-backed point store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store at path. An empty path keeps the data in
// memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithValueLogFileSize(1 << 24)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open tsdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes samples in one transaction.
func (s *Store) Append(ctx context.Context, samples ...Sample) error {
	if len(samples) == 0 {
		return nil
	}
	for _, sample := range samples {
		if err := validate(sample.ComputeID, sample.Stream); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, sample := range samples {
			val := make([]byte, 8)
			binary.BigEndian.PutUint64(val, math.Float64bits(sample.Value))
			if err := txn.Set(pointKey(sample.ComputeID, sample.Stream, sample.Timestamp), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range returns the points of a stream with from <= timestamp < to, oldest
// first.
func (s *Store) Range(ctx context.Context, computeID, stream string, from, to int64) ([]Point, error) {
	if err := validate(computeID, stream); err != nil {
		return nil, err
	}
	prefix := streamPrefix(computeID, stream)
	var out []Point
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(pointKey(computeID, stream, from)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := decodePoint(prefix, it.Item())
			if err != nil {
				return err
			}
			if p.Timestamp >= to {
				break
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Latest returns the newest point of a stream.
func (s *Store) Latest(ctx context.Context, computeID, stream string) (*Point, error) {
	if err := validate(computeID, stream); err != nil {
		return nil, err
	}
	prefix := streamPrefix(computeID, stream)
	var out *Point
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(pointKey(computeID, stream, math.MaxInt64))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		p, err := decodePoint(prefix, it.Item())
		if err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func validate(computeID, stream string) error {
	if computeID == "" || stream == "" || strings.Contains(computeID, "/") || strings.Contains(stream, "/") {
		return fmt.Errorf("%w: %q/%q", ErrInvalidStream, computeID, stream)
	}
	return nil
}

func streamPrefix(computeID, stream string) []byte {
	return []byte("point:" + computeID + "/" + stream + "/")
}

// pointKey appends the timestamp big-endian with the sign bit flipped so
// byte order matches numeric order.
func pointKey(computeID, stream string, ts int64) []byte {
	prefix := streamPrefix(computeID, stream)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts)^(1<<63))
	return key
}

func decodePoint(prefix []byte, item *badger.Item) (Point, error) {
	key := item.Key()
	if len(key) != len(prefix)+8 {
		return Point{}, fmt.Errorf("tsdb: malformed key %q", key)
	}
	p := Point{Timestamp: int64(binary.BigEndian.Uint64(key[len(prefix):]) ^ (1 << 63))}
	err := item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("tsdb: malformed value for %q", key)
		}
		p.Value = math.Float64frombits(binary.BigEndian.Uint64(v))
		return nil
	})
	return p, err
}
