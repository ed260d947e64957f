// Package pgstore keeps the lease and segment tables in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/protocol"
	"github.com/loqalabs/orbit/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS floor_leases (
    room_id      TEXT PRIMARY KEY,
    holder_id    TEXT NOT NULL,
    leased_until TIMESTAMPTZ NOT NULL,
    version      BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id              TEXT PRIMARY KEY,
    room_id         TEXT NOT NULL,
    speaker_id      TEXT NOT NULL,
    text            TEXT NOT NULL,
    language        TEXT NOT NULL DEFAULT '',
    is_final        BOOLEAN NOT NULL DEFAULT TRUE,
    words           JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    translated_text TEXT NOT NULL DEFAULT '',
    target_language TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_segments_room_created ON segments (room_id, created_at);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ floor.LeaseStore = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, roomID string) (floor.Lease, bool, error) {
	var l floor.Lease
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, holder_id, leased_until, version FROM floor_leases WHERE room_id = $1`, roomID).
		Scan(&l.RoomID, &l.HolderID, &l.LeasedUntil, &l.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return floor.Lease{}, false, nil
	}
	if err != nil {
		return floor.Lease{}, false, fmt.Errorf("pgstore: get lease: %w", err)
	}
	l.LeasedUntil = l.LeasedUntil.UTC()
	return l, true, nil
}

func (s *Store) Swap(ctx context.Context, roomID string, expectVersion int64, next floor.Lease) (floor.Lease, bool, error) {
	next.RoomID = roomID
	var err error
	if expectVersion == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO floor_leases (room_id, holder_id, leased_until, version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (room_id) DO NOTHING
			 RETURNING version`,
			roomID, next.HolderID, next.LeasedUntil).Scan(&next.Version)
	} else {
		err = s.pool.QueryRow(ctx,
			`UPDATE floor_leases SET holder_id = $2, leased_until = $3, version = version + 1
			 WHERE room_id = $1 AND version = $4
			 RETURNING version`,
			roomID, next.HolderID, next.LeasedUntil, expectVersion).Scan(&next.Version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return floor.Lease{}, false, nil
	}
	if err != nil {
		return floor.Lease{}, false, fmt.Errorf("pgstore: swap lease: %w", err)
	}
	return next, true, nil
}

func (s *Store) Clear(ctx context.Context, roomID string, expectVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE floor_leases SET holder_id = '', leased_until = 'epoch', version = version + 1
		 WHERE room_id = $1 AND version = $2`, roomID, expectVersion)
	if err != nil {
		return false, fmt.Errorf("pgstore: clear lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) InsertSegment(ctx context.Context, seg protocol.Segment) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = time.Now().UTC()
	}
	words, err := json.Marshal(seg.Words)
	if err != nil {
		return fmt.Errorf("pgstore: encode words: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO segments (id, room_id, speaker_id, text, language, is_final, words, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		seg.ID, seg.RoomID, seg.SpeakerID, seg.Text, seg.Language, seg.IsFinal, words, seg.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert segment: %w", err)
	}
	return nil
}

func (s *Store) UpdateTranslation(ctx context.Context, id, translatedText, targetLanguage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE segments SET translated_text = $2, target_language = $3
		 WHERE id = $1 AND translated_text = ''`, id, translatedText, targetLanguage)
	if err != nil {
		return fmt.Errorf("pgstore: update translation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSegment(ctx, id); err != nil {
		return err
	}
	return store.ErrAlreadyTranslated
}

func (s *Store) GetSegment(ctx context.Context, id string) (protocol.Segment, error) {
	rows, err := s.pool.Query(ctx, selectSegments+` WHERE id = $1`, id)
	if err != nil {
		return protocol.Segment{}, fmt.Errorf("pgstore: get segment: %w", err)
	}
	segs, err := collectSegments(rows)
	if err != nil {
		return protocol.Segment{}, err
	}
	if len(segs) == 0 {
		return protocol.Segment{}, store.ErrNotFound
	}
	return segs[0], nil
}

func (s *Store) ListSegments(ctx context.Context, roomID string, limit int) ([]protocol.Segment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (`+selectSegments+` WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2) recent
		 ORDER BY created_at ASC`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list segments: %w", err)
	}
	return collectSegments(rows)
}

const selectSegments = `SELECT id, room_id, speaker_id, text, language, is_final, words, created_at, translated_text, target_language FROM segments`

func collectSegments(rows pgx.Rows) ([]protocol.Segment, error) {
	defer rows.Close()
	var out []protocol.Segment
	for rows.Next() {
		var (
			seg   protocol.Segment
			words []byte
		)
		if err := rows.Scan(&seg.ID, &seg.RoomID, &seg.SpeakerID, &seg.Text, &seg.Language, &seg.IsFinal,
			&words, &seg.CreatedAt, &seg.TranslatedText, &seg.TargetLanguage); err != nil {
			return nil, fmt.Errorf("pgstore: scan segment: %w", err)
		}
		if len(words) > 0 {
			if err := json.Unmarshal(words, &seg.Words); err != nil {
				return nil, fmt.Errorf("pgstore: decode words: %w", err)
			}
		}
		seg.CreatedAt = seg.CreatedAt.UTC()
		out = append(out, seg)
	}
	return out, rows.Err()
}
