package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roomchat/internal/auth"
	"roomchat/internal/blob"
	"roomchat/internal/config"
	"roomchat/internal/core"
	"roomchat/internal/expiry"
	"roomchat/internal/httpapi"
	"roomchat/internal/messaging"
	"roomchat/internal/metrics"
	"roomchat/internal/store"
	"roomchat/internal/ws"

	"github.com/spf13/cobra"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "roomchat",
		Short:         "Multi-room realtime chat server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("db", "", "SQLite database path (overrides ROOMCHAT_DB)")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")

	root.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newRoomsCommand(),
		newBackupCommand(),
		newTokenCommand(),
		newTailCommand(),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Lookup("blobs-dir") != nil && flags.Changed("blobs-dir") {
		cfg.BlobsDir, _ = flags.GetString("blobs-dir")
	}
	setupLogging(cfg.Debug)
	return cfg, nil
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address (overrides ROOMCHAT_ADDR)")
	cmd.Flags().String("blobs-dir", "", "Attachment directory (defaults to <db-dir>/blobs)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath)

	sqliteStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	blobStore, err := blob.NewStore(cfg.BlobRoot(), sqliteStore)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}
	slog.Debug("blob store", "dir", cfg.BlobRoot())

	registry := core.NewRegistry()
	m := metrics.New(registry)

	svc, err := messaging.New(messaging.Options{
		Store:    sqliteStore,
		Registry: registry,
		Policy:   expiry.Policy{TTL: cfg.MessageTTL},
		Observer: m,
	})
	if err != nil {
		return fmt.Errorf("messaging service: %w", err)
	}

	resolver, err := auth.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, nil)
	if err != nil {
		return fmt.Errorf("credential resolver: %w", err)
	}

	stream := ws.NewHandler(ws.Options{
		Service:         svc,
		Resolver:        resolver,
		SendBuffer:      cfg.SendBuffer,
		TypingPerSecond: cfg.TypingPerSecond,
	})

	sweeper, err := expiry.NewSweeper(cfg.SweepCron, sqliteStore, nil)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)
	go metrics.RunReporter(ctx, registry, cfg.MetricsInterval)

	server := httpapi.New(httpapi.Options{
		Service:  svc,
		Store:    sqliteStore,
		Blobs:    blobStore,
		Resolver: resolver,
		Stream:   stream,
		Metrics:  m.Handler(),
	})

	slog.Info("listening", "addr", cfg.Addr)
	if err := server.Run(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roomchat %s\n", Version)
		},
	}
}
