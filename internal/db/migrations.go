package db

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// Migrations are compiled into the binary and applied in key order. Each
// one must be safe to run again.
var migrations = map[string]string{

	"001_create_tracker_files": `
CREATE TABLE IF NOT EXISTS tracker_files (
    info_hash VARCHAR(128) PRIMARY KEY,
    peers JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tracker_files_updated_at ON tracker_files(updated_at);
`,

	"002_create_users": `
CREATE TABLE IF NOT EXISTS users (
    username VARCHAR(255) PRIMARY KEY,
    password_hash TEXT NOT NULL,
    scopes JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
);
`,

	"003_tracker_files_peer_index": `
CREATE INDEX IF NOT EXISTS idx_tracker_files_peers ON tracker_files USING GIN (peers jsonb_path_ops);
`,
}

// MigrationNames returns the migration keys in the order they run.
func MigrationNames() []string {
	names := make([]string, 0, len(migrations))
	for name := range migrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Migrate applies every migration in order and stops at the first failure.
func (db *DB) Migrate(ctx context.Context) error {
	log.Println("[db] Running database migrations...")
	for _, name := range MigrationNames() {
		if _, err := db.ExecContext(ctx, migrations[name]); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		log.Printf("[db]   %s completed", name)
	}
	log.Println("[db] Migrations complete")
	return nil
}
