// Package main is the entry point for the sync server: the authoritative
// Postgres-backed side of the push/pull/register/repair protocol.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bintlabs/go-sync-db/internal/api"
	"github.com/bintlabs/go-sync-db/internal/config"
	"github.com/bintlabs/go-sync-db/internal/infrastructure/lock"
	"github.com/bintlabs/go-sync-db/internal/protocol"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/pkg/logger"
)

const (
	serviceName    = "go-sync-db"
	serviceVersion = "1.0.0"
)

func main() {
	var configPath = flag.String("config", "", "Path to YAML config file")
	var showVersion = flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.IsServerRole() {
		fmt.Fprintf(os.Stderr, "cmd/server requires role=server, got %q (use cmd/syncclient for role=client)\n", cfg.Role)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting sync server", "service", serviceName, "version", serviceVersion)
	log.Debug("loaded configuration", "config", config.NewDefaultConfigSanitizer().Sanitize(cfg))

	db, err := sql.Open("pgx", cfg.GetDatabaseURL())
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MinConnections)
	db.SetConnMaxLifetime(cfg.Database.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.Database.MaxConnIdleTime)

	ctx, cancelPing := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer cancelPing()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	reg := registry.New()
	for _, ct := range registry.DemoContentTypes() {
		if err := reg.Register(ct); err != nil {
			log.Error("failed to register content type", "content_type", ct.ID, "error", err)
			os.Exit(1)
		}
	}

	sqlStore := store.New(db, store.Postgres{}, log)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()
	if err := sqlStore.CreateAll(initCtx); err != nil {
		log.Error("failed to materialize bookkeeping tables", "error", err)
		os.Exit(1)
	}
	log.Info("bookkeeping tables ready (sync_versions, sync_operations, sync_nodes)")
	log.Info("domain tables (city, person) are owned by cmd/migrate, not created here")

	server := protocol.New(sqlStore, reg, log)

	var redisClient *redis.Client
	if cfg.Lock.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		defer redisClient.Close()
	}
	writeLock, err := lock.New(cfg.Lock.Backend, db, redisClient, &lock.LockConfig{
		TTL:            cfg.Lock.TTL,
		MaxRetries:     cfg.Lock.MaxRetries,
		RetryInterval:  cfg.Lock.RetryInterval,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		ReleaseTimeout: cfg.Lock.ReleaseTimeout,
		ValuePrefix:    cfg.Lock.ValuePrefix,
	}, log)
	if err != nil {
		log.Error("failed to build write lock", "error", err)
		os.Exit(1)
	}
	server.WithWriteLock(writeLock)
	log.Info("push write lock configured", "backend", cfg.Lock.Backend)

	router := api.NewRouter(api.DefaultRouterConfig(log, server))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited cleanly")
}
