package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps tracker files in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*TrackerFile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*TrackerFile)}
}

func (m *MemoryStore) Get(_ context.Context, infoHash string) (*TrackerFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[infoHash]
	if !ok {
		return nil, nil
	}
	return f.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, f *TrackerFile) error {
	m.mu.Lock()
	m.files[f.InfoHash] = f.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) All(_ context.Context) ([]TrackerFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrackerFile, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, *f.clone())
	}
	return out, nil
}

// PostgresStore keeps one row per torrent in tracker_files, the peer list as JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, infoHash string) (*TrackerFile, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT peers FROM tracker_files WHERE info_hash = $1`, infoHash).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker file: %w", err)
	}
	f := &TrackerFile{InfoHash: infoHash}
	if err := json.Unmarshal(raw, &f.Peers); err != nil {
		return nil, fmt.Errorf("corrupt peer list for %s: %w", infoHash, err)
	}
	return f, nil
}

func (p *PostgresStore) Put(ctx context.Context, f *TrackerFile) error {
	peers := f.Peers
	if peers == nil {
		peers = []PeerRecord{}
	}
	raw, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tracker_files (info_hash, peers, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (info_hash) DO UPDATE SET
			peers = EXCLUDED.peers,
			updated_at = NOW()`,
		f.InfoHash, raw)
	if err != nil {
		return fmt.Errorf("failed to upsert tracker file: %w", err)
	}
	return nil
}

func (p *PostgresStore) All(ctx context.Context) ([]TrackerFile, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT info_hash, peers FROM tracker_files ORDER BY info_hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker files: %w", err)
	}
	defer rows.Close()

	var out []TrackerFile
	for rows.Next() {
		var f TrackerFile
		var raw []byte
		if err := rows.Scan(&f.InfoHash, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &f.Peers); err != nil {
			return nil, fmt.Errorf("corrupt peer list for %s: %w", f.InfoHash, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
