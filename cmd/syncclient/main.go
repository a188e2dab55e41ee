// Package main is the entry point for syncclient: a demonstration CLI
// driving internal/syncclient.Client against a local SQLite store, talking
// to a sync server over HTTP.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite"

	"github.com/spf13/cobra"

	"github.com/bintlabs/go-sync-db/internal/config"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncclient"
	"github.com/bintlabs/go-sync-db/pkg/logger"
)

var (
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger
)

func main() {
	root := &cobra.Command{
		Use:   "syncclient",
		Short: "Drive a local SQLite-backed node through register/push/pull/repair",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !loaded.IsClientRole() {
				return fmt.Errorf("cmd/syncclient requires role=client, got %q", loaded.Role)
			}
			cfg = loaded
			log = logger.NewLogger(logger.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: cfg.Log.Output,
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file")

	root.AddCommand(
		initCmd(),
		registerCmd(),
		syncCmd(),
		repairCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openClient(ctx context.Context) (*syncclient.Client, error) {
	db, err := sql.Open("sqlite", cfg.Client.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlStore := store.New(db, store.SQLite{}, log)

	reg := registry.New()
	for _, ct := range registry.DemoContentTypes() {
		if err := reg.Register(ct); err != nil {
			return nil, fmt.Errorf("register content type %s: %w", ct.ID, err)
		}
	}

	transport := syncclient.NewHTTPTransport(cfg.Client.ServerBaseURL, cfg.Client.RequestTimeout)
	return syncclient.New(sqlStore, reg, transport, nil, log), nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local SQLite bookkeeping and domain tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := sql.Open("sqlite", cfg.Client.SQLitePath)
			if err != nil {
				return fmt.Errorf("open sqlite store: %w", err)
			}
			defer db.Close()

			sqlStore := store.New(db, store.SQLite{}, log)
			if err := sqlStore.CreateAll(ctx); err != nil {
				return fmt.Errorf("create bookkeeping tables: %w", err)
			}

			const domainDDL = `
CREATE TABLE IF NOT EXISTS city (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS person (
	id      INTEGER PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE,
	city_id INTEGER NULL REFERENCES city(id)
);`
			if _, err := db.ExecContext(ctx, domainDDL); err != nil {
				return fmt.Errorf("create domain tables: %w", err)
			}
			log.Info("local store initialized", "path", cfg.Client.SQLitePath)
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register this node with the sync server and store credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			if err := client.Register(ctx, cfg.Client.NodeName); err != nil {
				return err
			}
			log.Info("registered", "node_name", cfg.Client.NodeName)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push/pull/merge cycle to convergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			version, err := client.Sync(ctx)
			if err != nil {
				return err
			}
			log.Info("sync complete", "last_known_version", version)
			return nil
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Replace the local store wholesale with a server snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := openClient(ctx)
			if err != nil {
				return err
			}
			if err := client.Repair(ctx); err != nil {
				return err
			}
			log.Info("repair complete")
			return nil
		},
	}
}
