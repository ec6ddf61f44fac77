package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/omnicloud/peerswarm/internal/api"
	"github.com/omnicloud/peerswarm/internal/auth"
	"github.com/omnicloud/peerswarm/internal/config"
	"github.com/omnicloud/peerswarm/internal/db"
	"github.com/omnicloud/peerswarm/internal/events"
	"github.com/omnicloud/peerswarm/internal/peerserver"
	"github.com/omnicloud/peerswarm/internal/store"
	"github.com/omnicloud/peerswarm/internal/swarm"
	"github.com/omnicloud/peerswarm/internal/torrent"
	"github.com/omnicloud/peerswarm/internal/tracker"
	"github.com/omnicloud/peerswarm/internal/trackerclient"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: peerswarm <command> [flags]

commands:
  tracker                      run the tracker HTTP API
  peer                         run a peer node
  share <file> [-n N] [-m M]   split a file across N live peers tolerating M failures
  download <info_hash>         fetch a shared file from the swarm
  scrape [info_hash]           list the torrents the tracker knows
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Optional file logging (for live tail -f)
	// Example: PEERSWARM_LOG_FILE=/var/log/peerswarm.log
	if logPath := os.Getenv("PEERSWARM_LOG_FILE"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Warning: failed to open log file %q: %v", logPath, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "peerswarm.config", "key=value configuration file")

	var err error
	switch cmd {
	case "tracker":
		fs.Parse(args)
		err = runTracker(loadConfig(*configPath, config.ModeTracker))
	case "peer":
		fs.Parse(args)
		err = runPeer(loadConfig(*configPath, config.ModePeer))
	case "share":
		n := fs.Int("n", 3, "number of peers to split across")
		m := fs.Int("m", 1, "number of peers that may be lost")
		seed := fs.Bool("seed", false, "also keep every chunk in the local store")
		fs.Parse(reorder(args))
		if fs.NArg() != 1 {
			fatalUsage("share needs exactly one file")
		}
		err = runShare(loadConfig(*configPath, config.ModePeer), fs.Arg(0), *n, *m, *seed)
	case "download":
		fs.Parse(reorder(args))
		if fs.NArg() != 1 {
			fatalUsage("download needs exactly one info_hash")
		}
		err = runDownload(loadConfig(*configPath, config.ModePeer), fs.Arg(0))
	case "scrape":
		fs.Parse(reorder(args))
		err = runScrape(loadConfig(*configPath, config.ModePeer), fs.Arg(0))
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fatalUsage("unknown command " + cmd)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func fatalUsage(msg string) {
	fmt.Fprintf(os.Stderr, "peerswarm: %s\n\n%s", msg, usage)
	os.Exit(2)
}

// reorder moves flags ahead of positional arguments so "share file -n 4" works.
func reorder(args []string) []string {
	var flags, pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
			if i+1 < len(args) && !hasValue(a) && !isBoolFlag(a) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		pos = append(pos, a)
	}
	return append(flags, pos...)
}

func hasValue(a string) bool {
	for _, c := range a {
		if c == '=' {
			return true
		}
	}
	return false
}

func isBoolFlag(a string) bool {
	return a == "-seed" || a == "--seed"
}

// loadConfig reads the config and forces the mode implied by the command.
func loadConfig(path, mode string) *config.Config {
	os.Setenv("SERVER_MODE", mode)
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTracker(cfg *config.Config) error {
	log.Printf("Starting peerswarm tracker v%s...", Version)
	log.Printf("Configuration loaded:")
	log.Printf("  Store backend: %s", cfg.StoreBackend)
	log.Printf("  Tracker Port: %d", cfg.TrackerPort)

	var (
		trackerStore tracker.Store
		creds        auth.CredentialStore
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		log.Printf("  Database: %s@%s:%d/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
		database, err := db.Connect(cfg.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(context.Background()); err != nil {
			return err
		}
		trackerStore = tracker.NewPostgresStore(database.DB)
		creds = auth.NewPostgresCredentials(database.DB)
	default:
		trackerStore = tracker.NewMemoryStore()
		creds = auth.NewMemoryCredentials()
	}

	ctx, stop := signalContext()
	defer stop()

	registry := tracker.NewRegistry(trackerStore)
	authSvc := auth.NewService(cfg.SecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, creds)
	if cfg.AdminUser != "" {
		if err := authSvc.EnsureUser(ctx, cfg.AdminUser, cfg.AdminPassword, []string{auth.ScopeAdmin, "user"}); err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
	}

	hub := events.NewHub()
	go hub.Run(ctx)
	registry.OnEvent(hub.Publish)

	server := api.NewServer(registry, authSvc, hub, uuid.NewString(), cfg.TrackerPort)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Println("Tracker is running")
	log.Println("Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received, stopping tracker...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	log.Println("Tracker stopped")
	return nil
}

// node bundles what every peer-side command needs.
type node struct {
	store  *store.Store
	peerID string
	client *swarm.Client
	tc     *trackerclient.Client
}

// openNode builds the swarm client over st, opening the store when st is nil.
func openNode(cfg *config.Config, st *store.Store, port int, seedLocal bool) (*node, error) {
	if st == nil {
		var err error
		if st, err = store.Open(cfg.DataDir, cfg.TorrentDir); err != nil {
			return nil, err
		}
	}
	peerID, err := store.LoadIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}
	dialer, err := swarm.NewDialer(cfg.Proxy, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	tc := trackerclient.New(cfg.TrackerURL, nil)
	client := swarm.New(st, tc, swarm.Options{
		PeerID:        peerID,
		IP:            cfg.PeerHost,
		Port:          port,
		DialTimeout:   cfg.DialTimeout,
		IOTimeout:     cfg.IOTimeout,
		Dialer:        dialer,
		UpdateRetries: cfg.UpdateRetries,
		Encoder:       torrent.NewEncoder(cfg.HashWorkers, filepath.Join(cfg.DataDir, "bundles"), cfg.TrackerURL),
		SeedLocal:     seedLocal,
	})
	return &node{store: st, peerID: peerID, client: client, tc: tc}, nil
}

// servePeer listens on the configured peer port and serves st until ctx ends.
func servePeer(ctx context.Context, cfg *config.Config, st *store.Store) (*peerserver.Server, <-chan error, error) {
	opts := peerserver.Options{
		Addr:        cfg.PeerAddr(),
		MaxConns:    cfg.MaxPeerConnections,
		IdleTimeout: cfg.IOTimeout,
	}
	if cfg.LogDir != "" {
		opts.JournalPath = filepath.Join(cfg.LogDir, "peer-transfers.jsonl")
	}
	srv := peerserver.New(opts, st)
	if err := srv.Listen(); err != nil {
		return nil, nil, err
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	return srv, served, nil
}

func runPeer(cfg *config.Config) error {
	log.Printf("Starting peerswarm peer v%s...", Version)

	st, err := store.Open(cfg.DataDir, cfg.TorrentDir)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	srv, served, err := servePeer(ctx, cfg, st)
	if err != nil {
		return err
	}
	n, err := openNode(cfg, st, srv.Port(), false)
	if err != nil {
		return err
	}

	log.Printf("  Peer ID: %s", n.peerID)
	log.Printf("  Listening: %s (advertised as %s)", srv.Addr(), cfg.PeerHost)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Tracker: %s", cfg.TrackerURL)

	watcher, err := store.NewWatcher(st, 0)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	announce := func(event string) {
		count, err := n.client.AnnounceHeld(ctx, event)
		if err != nil {
			log.Printf("[peer] WARNING: announce %q: %v", event, err)
		}
		log.Printf("[peer] Announced %d torrents (%q)", count, event)
	}
	announce(tracker.EventStarted)

	log.Println("Peer is running")
	log.Println("Press Ctrl+C to stop")

	for {
		select {
		case <-watcher.Reloaded():
			announce(tracker.EventNone)
		case <-ctx.Done():
			log.Println("Shutdown signal received, stopping peer...")
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := n.client.AnnounceHeld(stopCtx, tracker.EventStopped); err != nil {
				log.Printf("[peer] WARNING: stopped announce: %v", err)
			}
			cancel()
			<-served
			log.Printf("Peer stopped (%+v)", srv.Stats())
			return nil
		case err := <-served:
			return err
		}
	}
}

func runShare(cfg *config.Config, path string, n, m int, seed bool) error {
	if seed && cfg.PeerPort == 0 {
		return errors.New("-seed needs peer_port set to the port the peer command listens on")
	}
	nd, err := openNode(cfg, nil, cfg.PeerPort, seed)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	res, err := nd.client.ShareWithLivePeers(ctx, path, n, m)
	if err != nil {
		return err
	}
	delivered := 0
	for _, u := range res.Uploads {
		status := "ok"
		switch {
		case u.Err != nil:
			status = u.Err.Error()
		case !u.Recorded:
			status = "delivered, tracker update pending"
			delivered++
		default:
			delivered++
		}
		log.Printf("  bundle %d -> %s: %s", u.Bundle.PeerIndex, u.Peer.Addr(), status)
	}
	log.Printf("Shared %s with %d of %d peers", res.Descriptor.Name, delivered, n)
	fmt.Println(res.Descriptor.InfoHash)
	return nil
}

// runDownload serves the local store while it downloads so the port it
// announces answers, and so fetched parts are shared straight away.
func runDownload(cfg *config.Config, infoHash string) error {
	st, err := store.Open(cfg.DataDir, cfg.TorrentDir)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	sctx, cancel := context.WithCancel(ctx)
	srv, served, err := servePeer(sctx, cfg, st)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		<-served
	}()

	nd, err := openNode(cfg, st, srv.Port(), false)
	if err != nil {
		return err
	}
	path, err := nd.client.Download(ctx, infoHash)
	if err != nil {
		return fmt.Errorf("%s error: %w", swarm.KindOf(err), err)
	}
	fmt.Println(path)
	return nil
}

func runScrape(cfg *config.Config, infoHash string) error {
	tc := trackerclient.New(cfg.TrackerURL, nil)
	ctx, stop := signalContext()
	defer stop()

	var (
		out interface{}
		err error
	)
	if infoHash != "" {
		out, err = tc.ScrapeOne(ctx, infoHash)
	} else {
		out, err = tc.Scrape(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
