package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerswarm.config")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.config"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsPeer() {
		t.Errorf("ServerMode = %q, want peer", cfg.ServerMode)
	}
	if cfg.TorrentDir != ".torrent" {
		t.Errorf("TorrentDir = %q", cfg.TorrentDir)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.HashWorkers <= 0 || cfg.HashWorkers > 16 {
		t.Errorf("HashWorkers = %d", cfg.HashWorkers)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
# tracker node
server_mode=tracker
secret_key=file-secret
tracker_port=6000
io_timeout=7
not a pair
peer_port=bogus
`)
	t.Setenv("TRACKER_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsTracker() {
		t.Errorf("ServerMode = %q", cfg.ServerMode)
	}
	if cfg.TrackerPort != 7000 {
		t.Errorf("TrackerPort = %d, want env override 7000", cfg.TrackerPort)
	}
	if cfg.IOTimeout != 7*time.Second {
		t.Errorf("IOTimeout = %v", cfg.IOTimeout)
	}
	if cfg.PeerPort != 0 {
		t.Errorf("PeerPort = %d, unparseable value should keep default", cfg.PeerPort)
	}
	if cfg.SecretKey != "file-secret" {
		t.Errorf("SecretKey = %q", cfg.SecretKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		valid bool
	}{
		{"tracker without secret", "server_mode=tracker\n", false},
		{"unknown mode", "server_mode=seeder\n", false},
		{"postgres without credentials", "store_backend=postgres\n", false},
		{"postgres with credentials", "store_backend=postgres\nuser=u\npassword=p\n", true},
		{"plain peer", "server_mode=peer\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Fatalf("expected a validation error")
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	cfg := Default()
	cfg.DBUser, cfg.DBPassword = "swarm", "secret"
	want := "host=localhost port=5432 user=swarm password=secret dbname=peerswarm sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
