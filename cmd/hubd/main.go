// Symmetry rendezvous hub daemon.
//
// Usage:
//
//	hubd [--config=...]     Run the hub (default action)
//	hubd delete-peer <key>  Remove a peer record
//	hubd --help             Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/symmetry-network/hub/config"
	"github.com/symmetry-network/hub/internal/api"
	"github.com/symmetry-network/hub/internal/dispatch"
	"github.com/symmetry-network/hub/internal/identity"
	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
	"github.com/symmetry-network/hub/internal/transport"
)

// version is set at release time; "dev" for local builds.
var version = "dev"

func main() {
	// ── 1. Parse flags, load config ──────────────────────────────────────
	flags := config.ParseFlags()
	if flags.Help {
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("hubd " + version)
		os.Exit(0)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.WithComponent("cli")

	switch flags.Command {
	case "delete-peer":
		runDeletePeer(cfg, flags.Args, logger)
	case "start":
		runStart(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", flags.Command)
		os.Exit(1)
	}
}

// runDeletePeer implements `hubd delete-peer <key>`: exit 0 whether or
// not the key existed, nonzero only on a real error (spec §6).
func runDeletePeer(cfg *config.Config, args []string, logger zerolog.Logger) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: delete-peer requires exactly one <key> argument")
		os.Exit(1)
	}
	key := args[0]

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		os.Exit(1)
	}
	defer st.Close()

	existed, err := st.Delete(key)
	if err != nil {
		logger.Error().Err(err).Str("peer_key", key).Msg("failed to delete peer")
		os.Exit(1)
	}
	if existed {
		logger.Info().Str("peer_key", key).Msg("peer deleted")
	} else {
		logger.Info().Str("peer_key", key).Msg("peer not found, nothing to delete")
	}
}

// runStart runs the long-lived hub process: open the store, reset
// restart-time state, start the peer-transport listener and HTTP front
// door, and block until a shutdown signal arrives (spec §5, "process-wide
// state with lifecycle").
func runStart(cfg *config.Config, logger zerolog.Logger) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Path).Msg("failed to create data directory")
	}

	// ── 1. Open store, enforce restart invariants ────────────────────────
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	if err := st.ResetAllConnections(); err != nil {
		logger.Fatal().Err(err).Msg("failed to reset peer connections on startup")
	}
	if err := st.EndOrphans(); err != nil {
		logger.Fatal().Err(err).Msg("failed to close orphan provider sessions on startup")
	}

	// ── 2. Load identity ──────────────────────────────────────────────────
	id, err := identity.Load(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load identity")
	}
	libp2pPriv, err := id.Libp2pPrivKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to convert identity to a transport key")
	}
	discoveryKey := identity.DiscoveryKey(id.Public)

	// ── 3. Wire shared state ──────────────────────────────────────────────
	reg := registry.New()
	deps := &dispatch.Deps{
		Store:          st,
		Registry:       reg,
		Identity:       id,
		RateLimiter:    dispatch.NewRateLimiter(),
		MinCoreVersion: cfg.MinCoreVersion,
	}

	// ── 4. Start the peer-transport listener ──────────────────────────────
	node, err := transport.New(transport.Config{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
		Rendezvous:  discoveryKey,
	}, libp2pPriv)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build peer-transport node")
	}

	if err := node.Start(func(conn *transport.Conn) {
		session := dispatch.NewSession(conn, deps)
		go session.Run()
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to start peer-transport listener")
	}
	defer node.Stop()

	logger.Info().
		Str("peer_id", node.ID().String()).
		Str("discovery_key", discoveryKey).
		Strs("addrs", node.Addrs()).
		Msg("peer-transport listening")

	// ── 5. Start the HTTP front door ──────────────────────────────────────
	httpServer := api.New(api.Config{
		Addr:           fmt.Sprintf(":%d", cfg.APIPort),
		AllowedOrigins: cfg.AllowedOrigins,
	}, st, reg)
	if err := httpServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start http server")
	}
	defer httpServer.Stop()

	logger.Info().Str("addr", httpServer.Addr()).Msg("hub started successfully")

	// ── 6. Start the expired-session sweeper ──────────────────────────────
	sweepDone := make(chan struct{})
	defer close(sweepDone)
	go sweepExpiredSessions(st, sweepDone)

	// ── 7. Wait for shutdown ───────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
}

// sweepExpiredSessions periodically removes broker-session rows expired
// by more than an hour, bounding table growth (spec §5). verify/extend
// already treat an expired-but-unswept row as absent, so a missed or
// delayed sweep never affects correctness — only storage footprint.
func sweepExpiredSessions(st *store.Store, done <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := st.SweepExpiredSessions(); err != nil {
				log.WithComponent("cli").Warn().Err(err).Msg("failed to sweep expired sessions")
			}
		}
	}
}
