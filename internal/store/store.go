// Package store persists targets, learned history and models in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/logic"
	"github.com/sweeney/heating-controller/internal/predict"
)

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	room        TEXT PRIMARY KEY,
	temp        REAL NOT NULL,
	valid_until TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	data     TEXT NOT NULL,
	saved_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
	room       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	trained_at DATETIME NOT NULL
);
`

// Store is a SQLite database. It implements history.Saver and
// predict.ModelStore.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ history.Saver      = (*Store)(nil)
	_ predict.ModelStore = (*Store)(nil)
)

type targetRow struct {
	Room       string  `db:"room"`
	Temp       float64 `db:"temp"`
	ValidUntil string  `db:"valid_until"`
}

// Open opens or creates the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	logger.Info("store opened", zap.String("path", path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Target returns the stored target of room, or nil if none was written.
func (s *Store) Target(ctx context.Context, room string) (*logic.TempTarget, error) {
	var row targetRow
	err := s.db.GetContext(ctx, &row, `SELECT room, temp, valid_until FROM targets WHERE room = ?`, room)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get target %s: %w", room, err)
	}
	return &logic.TempTarget{Temp: row.Temp, Until: row.ValidUntil}, nil
}

// SetTarget writes the resolved target of room.
func (s *Store) SetTarget(ctx context.Context, room string, t logic.TempTarget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (room, temp, valid_until, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET temp = excluded.temp, valid_until = excluded.valid_until, updated_at = excluded.updated_at`,
		room, t.Temp, t.Until, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set target %s: %w", room, err)
	}
	return nil
}

// Targets returns every stored target keyed by room.
func (s *Store) Targets(ctx context.Context) (map[string]logic.TempTarget, error) {
	var rows []targetRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT room, temp, valid_until FROM targets ORDER BY room`); err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make(map[string]logic.TempTarget, len(rows))
	for _, r := range rows {
		out[r.Room] = logic.TempTarget{Temp: r.Temp, Until: r.ValidUntil}
	}
	return out, nil
}

// SaveHistory replaces the stored history blob.
func (s *Store) SaveHistory(ctx context.Context, data history.Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (id, data, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		string(raw), s.now().UTC())
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	s.logger.Debug("history saved", zap.Int("bytes", len(raw)), zap.Int("rooms", len(data.Rooms)))
	return nil
}

// LoadHistory returns the stored history. It reports false when nothing has
// been saved yet.
func (s *Store) LoadHistory(ctx context.Context) (history.Data, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT data FROM history WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Data{}, false, nil
	}
	if err != nil {
		return history.Data{}, false, fmt.Errorf("load history: %w", err)
	}
	var data history.Data
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return history.Data{}, false, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return data, true, nil
}

// SaveModel stores the snapshot of room.
func (s *Store) SaveModel(ctx context.Context, room string, snap predict.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (room, data, trained_at) VALUES (?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET data = excluded.data, trained_at = excluded.trained_at`,
		room, string(raw), snap.TrainedAt.UTC())
	if err != nil {
		return fmt.Errorf("save model %s: %w", room, err)
	}
	return nil
}

// LoadModel returns the snapshot of room or predict.ErrModelNotFound.
func (s *Store) LoadModel(ctx context.Context, room string) (predict.Snapshot, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT data FROM models WHERE room = ?`, room)
	if errors.Is(err, sql.ErrNoRows) {
		return predict.Snapshot{}, predict.ErrModelNotFound
	}
	if err != nil {
		return predict.Snapshot{}, fmt.Errorf("load model %s: %w", room, err)
	}
	var snap predict.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return predict.Snapshot{}, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return snap, nil
}

// ModelRooms lists rooms with a stored model.
func (s *Store) ModelRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	if err := s.db.SelectContext(ctx, &rooms, `SELECT room FROM models ORDER BY room`); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return rooms, nil
}
