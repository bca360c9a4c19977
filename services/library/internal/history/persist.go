package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Persister stores one snapshot per user. Load returns an empty snapshot for
// unknown users.
type Persister interface {
	Load(ctx context.Context, userID string) (Snapshot, error)
	Save(ctx context.Context, userID string, snap Snapshot) error
}

// FilePersister writes each user's snapshot to <Dir>/<userID>.json.
type FilePersister struct {
	Dir string
}

func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}
	return &FilePersister{Dir: dir}, nil
}

func (p *FilePersister) path(userID string) string {
	return filepath.Join(p.Dir, url.PathEscape(userID)+".json")
}

func (p *FilePersister) Load(_ context.Context, userID string) (Snapshot, error) {
	data, err := os.ReadFile(p.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("history: decode %s: %w", userID, err)
	}
	return snap, nil
}

// Save replaces the file atomically via a temp file and rename.
func (p *FilePersister) Save(_ context.Context, userID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(p.Dir, ".snapshot-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.path(userID))
}

// PostgresPersister keeps snapshots as jsonb in library_snapshots.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

func NewPostgresPersister(pool *pgxpool.Pool) *PostgresPersister {
	return &PostgresPersister{pool: pool}
}

func (p *PostgresPersister) InitSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS library_snapshots (
			user_id    TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (p *PostgresPersister) Load(ctx context.Context, userID string) (Snapshot, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT snapshot FROM library_snapshots WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("history: decode %s: %w", userID, err)
	}
	return snap, nil
}

func (p *PostgresPersister) Save(ctx context.Context, userID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	const q = `INSERT INTO library_snapshots (user_id, snapshot, updated_at)
	           VALUES ($1, $2, now())
	           ON CONFLICT (user_id) DO UPDATE SET
	             snapshot = EXCLUDED.snapshot,
	             updated_at = EXCLUDED.updated_at`
	_, err = p.pool.Exec(ctx, q, userID, data)
	return err
}
