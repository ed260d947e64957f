// Package kvlease stores floor leases in a NATS JetStream key-value bucket,
// using bucket revisions as lease versions.
package kvlease

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/nats-io/nats.go"
)

type Store struct {
	kv nats.KeyValue
}

var _ floor.LeaseStore = (*Store)(nil)

func New(busClient *bus.Client, bucket string) (*Store, error) {
	kv, err := busClient.KeyValue(bucket)
	if err != nil {
		return nil, err
	}
	return &Store{kv: kv}, nil
}

// Room ids are arbitrary strings; keys are limited to a small alphabet.
func key(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

func (s *Store) Get(_ context.Context, roomID string) (floor.Lease, bool, error) {
	entry, err := s.kv.Get(key(roomID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return floor.Lease{}, false, nil
	}
	if err != nil {
		return floor.Lease{}, false, fmt.Errorf("kv get: %w", err)
	}
	var l floor.Lease
	if err := json.Unmarshal(entry.Value(), &l); err != nil {
		return floor.Lease{}, false, fmt.Errorf("decode lease: %w", err)
	}
	l.RoomID = roomID
	l.Version = int64(entry.Revision())
	return l, true, nil
}

func (s *Store) Swap(_ context.Context, roomID string, expectVersion int64, next floor.Lease) (floor.Lease, bool, error) {
	next.RoomID = roomID
	next.Version = 0
	data, err := json.Marshal(next)
	if err != nil {
		return floor.Lease{}, false, err
	}
	var rev uint64
	if expectVersion == 0 {
		rev, err = s.kv.Create(key(roomID), data)
	} else {
		rev, err = s.kv.Update(key(roomID), data, uint64(expectVersion))
	}
	if isConflict(err) {
		return floor.Lease{}, false, nil
	}
	if err != nil {
		return floor.Lease{}, false, fmt.Errorf("kv write: %w", err)
	}
	next.Version = int64(rev)
	return next, true, nil
}

func (s *Store) Clear(ctx context.Context, roomID string, expectVersion int64) (bool, error) {
	_, ok, err := s.Swap(ctx, roomID, expectVersion, floor.Lease{})
	return ok, err
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
