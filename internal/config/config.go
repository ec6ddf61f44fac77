package config

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Server modes
const (
	ModeTracker = "tracker"
	ModePeer    = "peer"
)

// Tracker store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds all application configuration. It is loaded once at startup
// and handed to constructors; nothing reads it from package state.
type Config struct {
	// Database configuration (postgres backend only)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Server mode configuration
	ServerMode   string // "tracker" or "peer"
	StoreBackend string // "memory" or "postgres"
	TrackerURL   string // tracker base URL used by peers
	TrackerPort  int    // HTTP port of the tracker (tracker mode only)

	// Peer node configuration
	PeerHost           string // address advertised to the tracker
	PeerPort           int    // 0 = pick a free port
	DataDir            string
	TorrentDir         string
	IdentityFile       string
	LogDir             string
	MaxPeerConnections int
	HashWorkers        int
	Proxy              string // optional socks5:// URL for outbound peer dials

	// Timeouts
	DialTimeout time.Duration
	IOTimeout   time.Duration

	// UpdateRetries bounds tracker update retries after an upload; 0 retries until acknowledged.
	UpdateRetries int

	// Authentication
	SecretKey       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AdminUser       string
	AdminPassword   string
}

// envKeys maps environment variables onto config file keys.
var envKeys = map[string]string{
	"DB_HOST":              "host",
	"DB_PORT":              "port",
	"DB_NAME":              "database",
	"DB_USER":              "user",
	"DB_PASSWORD":          "password",
	"SERVER_MODE":          "server_mode",
	"STORE_BACKEND":        "store_backend",
	"TRACKER_URL":          "tracker_url",
	"TRACKER_PORT":         "tracker_port",
	"PEER_HOST":            "peer_host",
	"PEER_PORT":            "peer_port",
	"DATA_DIR":             "data_dir",
	"TORRENT_DIR":          "torrent_dir",
	"IDENTITY_FILE":        "identity_file",
	"LOG_DIR":              "log_dir",
	"MAX_PEER_CONNECTIONS": "max_peer_connections",
	"HASH_WORKERS":         "hash_workers",
	"PEERSWARM_PROXY":      "proxy",
	"DIAL_TIMEOUT":         "dial_timeout",
	"IO_TIMEOUT":           "io_timeout",
	"UPDATE_RETRIES":       "update_retries",
	"SECRET_KEY":           "secret_key",
	"ACCESS_TOKEN_TTL":     "access_token_ttl",
	"REFRESH_TOKEN_TTL":    "refresh_token_ttl",
	"ADMIN_USER":           "admin_user",
	"ADMIN_PASSWORD":       "admin_password",
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		DBHost:             "localhost",
		DBPort:             5432,
		DBName:             "peerswarm",
		ServerMode:         ModePeer,
		StoreBackend:       BackendMemory,
		TrackerURL:         "http://127.0.0.1:5000",
		TrackerPort:        5000,
		PeerHost:           "127.0.0.1",
		PeerPort:           0,
		DataDir:            "data",
		TorrentDir:         ".torrent",
		IdentityFile:       "settings.json",
		MaxPeerConnections: 128,
		DialTimeout:        5 * time.Second,
		IOTimeout:          30 * time.Second,
		UpdateRetries:      0,
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
	}
}

// Load reads configuration from a key=value file and environment variables.
// Environment variables take precedence over file values.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			// A missing file just means defaults
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = runtime.NumCPU()
	}
	// Each hash worker holds one chunk in memory
	const maxHashWorkers = 16
	if cfg.HashWorkers > maxHashWorkers {
		cfg.HashWorkers = maxHashWorkers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields required by the selected mode and backend.
func (cfg *Config) Validate() error {
	switch cfg.ServerMode {
	case ModeTracker, ModePeer:
	default:
		return fmt.Errorf("server_mode must be %q or %q, got %q", ModeTracker, ModePeer, cfg.ServerMode)
	}
	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DBUser == "" {
			return fmt.Errorf("DB_USER must be set (in config file or environment)")
		}
		if cfg.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD must be set (in config file or environment)")
		}
	default:
		return fmt.Errorf("store_backend must be %q or %q, got %q", BackendMemory, BackendPostgres, cfg.StoreBackend)
	}
	if cfg.IsTracker() && cfg.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set for the tracker")
	}
	if cfg.PeerPort < 0 || cfg.PeerPort > 65535 {
		return fmt.Errorf("peer_port out of range: %d", cfg.PeerPort)
	}
	return nil
}

// loadFromFile reads key=value pairs, skipping blank lines and # comments.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		cfg.set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	return scanner.Err()
}

// loadFromEnv applies environment overrides.
func (cfg *Config) loadFromEnv() {
	for env, key := range envKeys {
		if v := os.Getenv(env); v != "" {
			cfg.set(key, v)
		}
	}
}

// set maps a config key onto its field. Unparseable numbers keep the previous value.
func (cfg *Config) set(key, value string) {
	switch key {
	case "host":
		cfg.DBHost = value
	case "port":
		setInt(&cfg.DBPort, value)
	case "database":
		cfg.DBName = value
	case "user":
		cfg.DBUser = value
	case "password":
		cfg.DBPassword = value
	case "server_mode":
		cfg.ServerMode = value
	case "store_backend":
		cfg.StoreBackend = value
	case "tracker_url":
		cfg.TrackerURL = strings.TrimRight(value, "/")
	case "tracker_port":
		setInt(&cfg.TrackerPort, value)
	case "peer_host":
		cfg.PeerHost = value
	case "peer_port":
		setInt(&cfg.PeerPort, value)
	case "data_dir":
		cfg.DataDir = value
	case "torrent_dir":
		cfg.TorrentDir = value
	case "identity_file":
		cfg.IdentityFile = value
	case "log_dir":
		cfg.LogDir = value
	case "max_peer_connections":
		setInt(&cfg.MaxPeerConnections, value)
	case "hash_workers":
		setInt(&cfg.HashWorkers, value)
	case "proxy":
		cfg.Proxy = value
	case "dial_timeout":
		setSeconds(&cfg.DialTimeout, value)
	case "io_timeout":
		setSeconds(&cfg.IOTimeout, value)
	case "update_retries":
		setInt(&cfg.UpdateRetries, value)
	case "secret_key":
		cfg.SecretKey = value
	case "access_token_ttl":
		setSeconds(&cfg.AccessTokenTTL, value)
	case "refresh_token_ttl":
		setSeconds(&cfg.RefreshTokenTTL, value)
	case "admin_user":
		cfg.AdminUser = value
	case "admin_password":
		cfg.AdminPassword = value
	}
}

func setInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil {
		*dst = n
	}
}

func setSeconds(dst *time.Duration, value string) {
	if n, err := strconv.Atoi(value); err == nil && n >= 0 {
		*dst = time.Duration(n) * time.Second
	}
}

// ConnectionString returns a PostgreSQL connection string
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}

// PeerAddr returns the address the peer wire server listens on.
func (cfg *Config) PeerAddr() string {
	return fmt.Sprintf(":%d", cfg.PeerPort)
}

// IsTracker returns true if this process runs the tracker
func (cfg *Config) IsTracker() bool {
	return cfg.ServerMode == ModeTracker
}

// IsPeer returns true if this process runs a peer node
func (cfg *Config) IsPeer() bool {
	return cfg.ServerMode == ModePeer
}
