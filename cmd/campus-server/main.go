package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/credential"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/service"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store/memory"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/store/sqlite"
	"github.com/BrandonDHaskell/campusgate/server/internal/config"
	"github.com/BrandonDHaskell/campusgate/server/internal/db"
	"github.com/BrandonDHaskell/campusgate/server/internal/grpcapi"
	"github.com/BrandonDHaskell/campusgate/server/internal/httpapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "campus-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()

	flags := pflag.NewFlagSet("campus-server", pflag.ContinueOnError)
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	flags.StringVar(&cfg.Env, "env", cfg.Env, "dev or prod")
	flags.StringVar(&cfg.Store, "store", cfg.Store, "sqlite or memory")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flags.StringVar(&cfg.SeedFile, "seed", cfg.SeedFile, "YAML seed of facilities, scanners and identities")
	flags.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "campus time zone for time-limited grants")
	flags.BoolVar(&cfg.RequireSealed, "require-sealed-bundles", cfg.RequireSealed, "refuse offline bundles to scanners without an age recipient")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	keys, integrity, err := loadSecrets(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var seed config.Seed
	if cfg.SeedFile != "" {
		if seed, err = config.LoadSeed(cfg.SeedFile); err != nil {
			return err
		}
	}

	st, err := openStores(ctx, cfg, seed)
	if err != nil {
		return err
	}
	defer st.close()

	// Services
	alerts := service.LogSink{Logger: logger}
	registry := service.NewDeviceRegistry(st.devices, nil)
	identities := service.NewIdentityService(st.identities, integrity, logger, nil)
	for _, id := range seed.Identities {
		active := id.IsActive
		if _, err := identities.Enroll(ctx, id); err != nil {
			return fmt.Errorf("seed identity %s: %w", id.SubjectID, err)
		}
		if !active {
			if _, err := identities.Deactivate(ctx, id.SubjectID); err != nil {
				return fmt.Errorf("seed identity %s: %w", id.SubjectID, err)
			}
		}
	}
	logger.Info("storage ready",
		"store", cfg.Store,
		"facilities", len(seed.Facilities),
		"scanners", len(seed.Scanners),
		"identities", len(seed.Identities))

	offline := service.NewOfflineService(service.OfflineConfig{
		DefaultTTL: cfg.BundleTTL,
		MaxTTL:     cfg.BundleMaxTTL,
		MaxScope:   cfg.BundleMaxScope,
		BatchSize:  cfg.ReconcileBatch,
	}, service.OfflineDeps{
		Registry:   registry,
		Identities: st.identities,
		Facilities: st.facilities,
		Bundles:    st.bundles,
		Events:     st.events,
		Integrity:  integrity,
		Alerts:     alerts,
		Logger:     logger,
	})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:               logger,
		Addr:                 cfg.HTTPAddr,
		Timeout:              cfg.EvalTimeout,
		RequireSealedBundles: cfg.RequireSealed,
		Registry:             registry,
		Heartbeats:           service.NewHeartbeatService(st.heartbeats, registry, nil),
		Access: service.NewAccessService(service.AccessConfig{
			Keys:     keys,
			Timeout:  cfg.EvalTimeout,
			Location: loc,
		}, service.AccessDeps{
			Registry:   registry,
			Facilities: st.facilities,
			Events:     st.events,
			Bundles:    st.bundles,
			Identities: st.identities,
			Integrity:  integrity,
			Alerts:     alerts,
			Logger:     logger,
		}),
		Issuer:     service.NewIssuer(service.IssuerConfig{Keys: keys, MaxTTL: cfg.QRTTL}, integrity, st.identities, st.bundles, alerts, logger),
		Identities: identities,
		Facilities: service.NewFacilityService(st.facilities, logger),
		Offline:    offline,
		Audit: service.NewAuditReporter(st.events, st.facilities, service.AuditConfig{
			DenialBurst:    cfg.DenialBurst,
			DenialWindow:   cfg.DenialWindow,
			MinTransit:     cfg.MinTransit,
			MaxTravelSpeed: cfg.MaxTravelSpeed,
		}),
	})

	// Background pruners
	pruners := []*service.Pruner{
		service.NewPruner(st.heartbeats, service.PrunerConfig{
			Name:          "heartbeat",
			RetentionDays: cfg.HeartbeatRetentionDays,
			IntervalHours: cfg.PruneIntervalHours,
		}, logger),
		service.NewPruner(st.bundles, service.PrunerConfig{
			Name:          "bundle",
			RetentionDays: cfg.BundleRetentionDays,
			IntervalHours: cfg.PruneIntervalHours,
		}, logger),
	}
	for _, p := range pruners {
		p.Start(ctx)
	}

	// gRPC health
	var health *grpcapi.Health
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		health = grpcapi.NewHealth(st.ping, grpcapi.Config{Interval: cfg.HealthInterval}, logger)
		go health.Run(ctx)
		go func() {
			logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
			if err := health.Serve(lis); err != nil {
				logger.Error("grpc health server error", "err", err)
				stop()
			}
		}()
	}

	// HTTP
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if health != nil {
		health.Stop()
	}
	for _, p := range pruners {
		p.Stop()
	}
	return nil
}

func newLogger(env string) *slog.Logger {
	if env == "prod" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// loadSecrets parses the QR keyring and integrity secret. Dev runs without
// configured keys get ephemeral ones; every credential dies with the process.
func loadSecrets(cfg config.Config, logger *slog.Logger) (credential.Keyring, *credential.Integrity, error) {
	var keys credential.Keyring
	if cfg.QRKey != "" {
		ring, err := credential.ParseKeyring(cfg.QRKey, cfg.QRPreviousKeys)
		if err != nil {
			return nil, nil, fmt.Errorf("CAMPUS_QR_KEY: %w", err)
		}
		keys = ring
	} else {
		k, err := credential.GenerateKey()
		if err != nil {
			return nil, nil, err
		}
		keys = credential.Keyring{k}
		logger.Warn("CAMPUS_QR_KEY not set, using an ephemeral key")
	}

	secret := []byte(cfg.IntegritySecret)
	if len(secret) == 0 {
		secret = make([]byte, credential.KeySize)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, err
		}
		logger.Warn("CAMPUS_INTEGRITY_SECRET not set, using an ephemeral secret; stored identities will fail integrity checks after restart")
	}
	integrity, err := credential.NewIntegrity(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("CAMPUS_INTEGRITY_SECRET: %w", err)
	}
	return keys, integrity, nil
}

type stores struct {
	devices    store.DeviceStore
	heartbeats store.HeartbeatStore
	identities store.IdentityStore
	facilities store.FacilityRegistry
	events     store.AccessEventStore
	bundles    store.BundleStore
	ping       grpcapi.Pinger
	close      func()
}

func openStores(ctx context.Context, cfg config.Config, seed config.Seed) (stores, error) {
	if cfg.Store == "memory" {
		return stores{
			devices:    memory.NewDeviceStore(seed.Scanners),
			heartbeats: memory.New(),
			identities: memory.NewIdentityStore(),
			facilities: memory.NewFacilityRegistry(seed.Facilities),
			events:     memory.NewAccessEventStore(),
			bundles:    memory.NewBundleStore(),
			ping:       func(context.Context) error { return nil },
			close:      func() {},
		}, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return stores{}, err
	}
	if err := db.SeedDev(ctx, conn, db.SeedDevOptions{
		Facilities: seed.Facilities,
		Scanners:   seed.Scanners,
	}); err != nil {
		_ = conn.Close()
		return stores{}, err
	}

	writer := db.NewWorker(conn)
	return stores{
		devices:    sqlite.NewDeviceStore(conn, writer),
		heartbeats: sqlite.NewHeartbeatStore(conn, writer),
		identities: sqlite.NewIdentityStore(conn, writer),
		facilities: sqlite.NewFacilityRegistry(conn, writer),
		events:     sqlite.NewAccessEventStore(conn, writer),
		bundles:    sqlite.NewBundleStore(conn, writer),
		ping:       func(ctx context.Context) error { return db.Ping(ctx, conn) },
		close:      closer(writer, conn),
	}, nil
}

func closer(writer *db.Worker, conn *sql.DB) func() {
	return func() {
		writer.Close()
		_ = conn.Close()
	}
}
