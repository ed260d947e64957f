package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/protocol"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("segment not found")
	ErrAlreadyTranslated = errors.New("segment already translated")
)

// Store wraps the SQLite-backed lease and segment tables.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

var _ floor.LeaseStore = (*Store)(nil)

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Conditional updates rely on serialized writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("store vacuum failed", slogError(err))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slogError(err))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS floor_leases (
    room_id TEXT PRIMARY KEY,
    holder_id TEXT NOT NULL,
    leased_until_ms INTEGER NOT NULL,
    version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    speaker_id TEXT NOT NULL,
    text TEXT NOT NULL,
    language TEXT NOT NULL DEFAULT '',
    is_final INTEGER NOT NULL DEFAULT 1,
    words TEXT,
    created_at_ms INTEGER NOT NULL,
    translated_text TEXT NOT NULL DEFAULT '',
    target_language TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_segments_room_created ON segments(room_id, created_at_ms);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, roomID string) (floor.Lease, bool, error) {
	var (
		l     floor.Lease
		until int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, holder_id, leased_until_ms, version FROM floor_leases WHERE room_id = ?`, roomID).
		Scan(&l.RoomID, &l.HolderID, &until, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return floor.Lease{}, false, nil
	}
	if err != nil {
		return floor.Lease{}, false, err
	}
	l.LeasedUntil = time.UnixMilli(until).UTC()
	return l, true, nil
}

func (s *Store) Swap(ctx context.Context, roomID string, expectVersion int64, next floor.Lease) (floor.Lease, bool, error) {
	next.RoomID = roomID
	var (
		res sql.Result
		err error
	)
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO floor_leases(room_id, holder_id, leased_until_ms, version)
			 VALUES(?, ?, ?, 1)
			 ON CONFLICT(room_id) DO NOTHING`,
			roomID, next.HolderID, next.LeasedUntil.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE floor_leases SET holder_id = ?, leased_until_ms = ?, version = version + 1
			 WHERE room_id = ? AND version = ?`,
			next.HolderID, next.LeasedUntil.UnixMilli(), roomID, expectVersion)
	}
	if err != nil {
		return floor.Lease{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return floor.Lease{}, false, err
	}
	if n == 0 {
		return floor.Lease{}, false, nil
	}
	next.Version = expectVersion + 1
	next.LeasedUntil = time.UnixMilli(next.LeasedUntil.UnixMilli()).UTC()
	return next, true, nil
}

func (s *Store) Clear(ctx context.Context, roomID string, expectVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE floor_leases SET holder_id = '', leased_until_ms = 0, version = version + 1
		 WHERE room_id = ? AND version = ?`, roomID, expectVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InsertSegment records a committed segment.
func (s *Store) InsertSegment(ctx context.Context, seg protocol.Segment) error {
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = s.clock().UTC()
	}
	words, err := json.Marshal(seg.Words)
	if err != nil {
		return fmt.Errorf("encode words: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segments(id, room_id, speaker_id, text, language, is_final, words, created_at_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.RoomID, seg.SpeakerID, seg.Text, seg.Language, boolInt(seg.IsFinal), string(words), seg.CreatedAt.UnixMilli())
	return err
}

// UpdateTranslation appends translation fields to a segment exactly once.
func (s *Store) UpdateTranslation(ctx context.Context, id, translatedText, targetLanguage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET translated_text = ?, target_language = ?
		 WHERE id = ? AND translated_text = ''`, translatedText, targetLanguage, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetSegment(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyTranslated
}

func (s *Store) GetSegment(ctx context.Context, id string) (protocol.Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, speaker_id, text, language, is_final, words, created_at_ms, translated_text, target_language
		 FROM segments WHERE id = ?`, id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Segment{}, ErrNotFound
	}
	return seg, err
}

// ListSegments returns up to limit segments for a room, oldest first.
func (s *Store) ListSegments(ctx context.Context, roomID string, limit int) ([]protocol.Segment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, speaker_id, text, language, is_final, words, created_at_ms, translated_text, target_language
		 FROM (SELECT * FROM segments WHERE room_id = ? ORDER BY created_at_ms DESC, rowid DESC LIMIT ?)
		 ORDER BY created_at_ms ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []protocol.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(row scanner) (protocol.Segment, error) {
	var (
		seg     protocol.Segment
		words   sql.NullString
		created int64
	)
	if err := row.Scan(&seg.ID, &seg.RoomID, &seg.SpeakerID, &seg.Text, &seg.Language, &seg.IsFinal,
		&words, &created, &seg.TranslatedText, &seg.TargetLanguage); err != nil {
		return protocol.Segment{}, err
	}
	seg.CreatedAt = time.UnixMilli(created).UTC()
	if words.Valid && words.String != "" && words.String != "null" {
		if err := json.Unmarshal([]byte(words.String), &seg.Words); err != nil {
			return protocol.Segment{}, fmt.Errorf("decode words: %w", err)
		}
	}
	return seg, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at_ms < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSegments > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE id IN (
			SELECT id FROM segments ORDER BY created_at_ms DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSegments)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
