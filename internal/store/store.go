// Package store keeps a SQLite ledger of stream sessions and the clips
// recorded from them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livepeer/brewdream/internal/store/migrations"
	"github.com/livepeer/brewdream/pkg/recorder"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Session correlates a created stream with the clips recorded from it.
type Session struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"streamId"`
	PlaybackID string    `json:"playbackId"`
	WHIPURL    string    `json:"whipUrl,omitempty"`
	CameraType string    `json:"cameraType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clip is one uploaded recording with the parameters it was made with.
type Clip struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	AssetID       string    `json:"assetId"`
	PlaybackID    string    `json:"playbackId"`
	DownloadURL   string    `json:"downloadUrl,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	Prompt        string    `json:"prompt"`
	TextureID     string    `json:"textureId,omitempty"`
	TextureWeight *float64  `json:"textureWeight,omitempty"`
	TIndexList    []int     `json:"tIndexList"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists the ledger in SQLite.
type Store struct {
	sqlDB   *sql.DB
	minClip int64
	maxClip int64
	now     func() time.Time
	newID   func() string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the ledger at path and applies the embedded schema. ":memory:"
// opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	} else {
		dsn += "?_pragma=foreign_keys(ON)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		sqlDB:   sqlDB,
		minClip: recorder.DefaultMinDuration.Milliseconds(),
		maxClip: recorder.DefaultMaxDuration.Milliseconds(),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// SetClipBounds changes the legal clip duration range used when saving.
func (s *Store) SetClipBounds(lo, hi time.Duration) {
	s.minClip = lo.Milliseconds()
	s.maxClip = hi.Milliseconds()
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateSession records a new stream session. A second session for the same
// stream id returns ErrAlreadyExists.
func (s *Store) CreateSession(ctx context.Context, session Session) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	session.StreamID = strings.TrimSpace(session.StreamID)
	if session.StreamID == "" {
		return Session{}, fmt.Errorf("stream id is required")
	}
	if session.ID == "" {
		session.ID = s.newID()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now()
	}
	session.CreatedAt = session.CreatedAt.UTC().Truncate(time.Millisecond)

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, stream_id, playback_id, whip_url, camera_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.StreamID,
		session.PlaybackID,
		session.WHIPURL,
		session.CameraType,
		toMillis(session.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrAlreadyExists
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	return session, nil
}

// SessionByStreamID returns the session created for a stream.
func (s *Store) SessionByStreamID(ctx context.Context, streamID string) (Session, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, stream_id, playback_id, whip_url, camera_type, created_at
		 FROM sessions WHERE stream_id = ?`,
		streamID,
	)

	var (
		session   Session
		createdAt int64
	)
	err := row.Scan(&session.ID, &session.StreamID, &session.PlaybackID, &session.WHIPURL, &session.CameraType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)

	return session, nil
}

// SaveClip stores a clip for an existing session. The duration is clamped to
// the legal clip range and the texture weight is dropped when no texture
// was used.
func (s *Store) SaveClip(ctx context.Context, clip Clip) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	if clip.SessionID == "" {
		return Clip{}, fmt.Errorf("session id is required")
	}
	if clip.AssetID == "" || clip.PlaybackID == "" {
		return Clip{}, fmt.Errorf("asset id and playback id are required")
	}
	if clip.ID == "" {
		clip.ID = s.newID()
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = s.now()
	}
	clip.CreatedAt = clip.CreatedAt.UTC().Truncate(time.Millisecond)
	clip.DurationMs = recorder.ClampDuration(clip.DurationMs, s.minClip, s.maxClip)
	if clip.TextureID == "" {
		clip.TextureWeight = nil
	}
	if clip.TIndexList == nil {
		clip.TIndexList = []int{}
	}

	tIndex, err := json.Marshal(clip.TIndexList)
	if err != nil {
		return Clip{}, fmt.Errorf("encode t_index_list: %w", err)
	}

	var weight sql.NullFloat64
	if clip.TextureWeight != nil {
		weight = sql.NullFloat64{Float64: *clip.TextureWeight, Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO clips (
		   id, session_id, asset_id, playback_id, download_url, duration_ms,
		   prompt, texture_id, texture_weight, t_index_list, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clip.ID,
		clip.SessionID,
		clip.AssetID,
		clip.PlaybackID,
		clip.DownloadURL,
		clip.DurationMs,
		clip.Prompt,
		clip.TextureID,
		weight,
		string(tIndex),
		toMillis(clip.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Clip{}, ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return Clip{}, fmt.Errorf("session %s: %w", clip.SessionID, ErrNotFound)
		}
		return Clip{}, fmt.Errorf("save clip: %w", err)
	}

	return clip, nil
}

const clipColumns = `id, session_id, asset_id, playback_id, download_url, duration_ms,
	prompt, texture_id, texture_weight, t_index_list, created_at`

func (s *Store) Clip(ctx context.Context, id string) (Clip, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = ?`, id)

	clip, err := scanClip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Clip{}, ErrNotFound
	}

	return clip, err
}

// ListClips returns the newest clips first. limit <= 0 returns all of them.
func (s *Store) ListClips(ctx context.Context, limit int) ([]Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()

	clips := []Clip{}
	for rows.Next() {
		clip, err := scanClip(rows)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
	}

	return clips, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClip(row scanner) (Clip, error) {
	var (
		clip      Clip
		weight    sql.NullFloat64
		tIndex    string
		createdAt int64
	)

	err := row.Scan(
		&clip.ID,
		&clip.SessionID,
		&clip.AssetID,
		&clip.PlaybackID,
		&clip.DownloadURL,
		&clip.DurationMs,
		&clip.Prompt,
		&clip.TextureID,
		&weight,
		&tIndex,
		&createdAt,
	)
	if err != nil {
		return Clip{}, err
	}

	if weight.Valid {
		w := weight.Float64
		clip.TextureWeight = &w
	}
	if err := json.Unmarshal([]byte(tIndex), &clip.TIndexList); err != nil {
		return Clip{}, fmt.Errorf("decode t_index_list: %w", err)
	}
	clip.CreatedAt = fromMillis(createdAt)

	return clip, nil
}

func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := sqlDB.Exec(upMigration(string(content))); err != nil {
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
	}

	return nil
}

func upMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
