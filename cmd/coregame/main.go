package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/server/internal/config"
	"github.com/l1jgo/server/internal/dispatch"
	"github.com/l1jgo/server/internal/handlerdemo"
	"github.com/l1jgo/server/internal/mapseed"
	"github.com/l1jgo/server/internal/persist"
	"github.com/l1jgo/server/internal/scripting"
	"github.com/l1jgo/server/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────
// Trimmed from the teacher's cmd/l1jgo/main.go: same ANSI banner/section
// conventions, English copy since this core carries no CJK client text.

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              coregame runtime              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(id: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// newLogger builds a zap logger from LoggingConfig, switching between a
// production JSON encoder and a colorized development console encoder,
// exactly as the teacher's cmd/l1jgo/main.go does.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	cfgPath := "config/server.toml"
	if p := os.Getenv("COREGAME_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// Persistence: a real deployment points Database.DSN at Postgres;
	// an empty DSN falls back to the in-memory reference repository so
	// the core runtime can boot standalone for local testing.
	printSection("persistence")
	var players persist.Repository
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := persist.NewDB(ctx, cfg.Database, log)
		cancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Pool.Close()
		printOK("connected to postgres")

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = persist.RunMigrations(migCtx, db.Pool)
		migCancel()
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("migrations applied")
		players = persist.NewPostgresRepository(db)
	} else {
		players = persist.NewMemoryRepository()
		printOK("using in-memory player repository")
	}
	fmt.Println()

	// World: a fixture map loaded from YAML, standing in for the real
	// map table spec.md §4.D leaves out of scope for this core.
	printSection("world")
	mapPath := os.Getenv("COREGAME_MAP")
	if mapPath == "" {
		mapPath = "data/maps/demo_map.yaml"
	}
	world, err := mapseed.Load(mapPath)
	if err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	printStat("map id", int(world.ID()))
	printStat("map width", world.Width())
	printStat("map height", world.Height())

	scriptsDir := os.Getenv("COREGAME_SCRIPTS")
	if scriptsDir == "" {
		scriptsDir = "scripts"
	}
	scripts, err := scripting.NewEngine(scriptsDir, log)
	if err != nil {
		return fmt.Errorf("scripting engine: %w", err)
	}
	defer scripts.Close()
	fmt.Println()

	// Dispatch: middleware chain runs in the order spec.md §4.H
	// prescribes — rate limit, then auth, then logging, then metrics —
	// so an unauthorized or throttled packet never reaches the handler
	// and is never counted as dispatched.
	auth := handlerdemo.NewAuthSet()
	metrics := &dispatch.Metrics{}
	registry := dispatch.NewRegistry(log, metrics)
	registry.Use(dispatch.RateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimit.PacketsPerSecond), cfg.RateLimit.PacketBurst), log))
	registry.Use(dispatch.AuthMiddleware(auth.Checker(), log))
	registry.Use(dispatch.LoggingMiddleware(log))
	registry.Use(dispatch.MetricsMiddleware(metrics))

	netServer, err := server.New(context.Background(), cfg.Network.BindAddress, cfg.Network.MaxClients, registry, log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	handlerdemo.Register(registry, &handlerdemo.Deps{
		Registry: netServer.Registry,
		World:    world,
		Players:  players,
		Scripts:  scripts,
		Auth:     auth,
		Log:      log,
	})

	printSection("ready")
	printReady(fmt.Sprintf("listening on %s", netServer.Addr().String()))
	fmt.Println()

	go func() {
		if err := netServer.AcceptLoop(); err != nil {
			log.Error("accept loop exited", zap.Error(err))
		}
	}()

	shutdownCh := make(chan os.Signal, 2)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	log.Info("received shutdown signal, shutting down gracefully", zap.String("signal", sig.String()))

	done := make(chan struct{})
	go func() {
		netServer.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped")
	case sig := <-shutdownCh:
		log.Warn("received second shutdown signal, forcing exit", zap.String("signal", sig.String()))
		os.Exit(1)
	}
	return nil
}
