package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshspace/meshspace/internal/config"
	"github.com/meshspace/meshspace/internal/logging"
	"github.com/meshspace/meshspace/internal/persist"
	"github.com/meshspace/meshspace/internal/server"
	"github.com/meshspace/meshspace/internal/signaling"
)

var (
	flagListen   string
	flagDB       string
	flagDebounce time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay and document store",
	Long: `Run the signaling relay. Participants join rooms over the /ws websocket
endpoint; room text boards are persisted to SQLite so they survive the
room emptying out.

Examples:
  meshspace serve
  meshspace serve --listen :9000 --db /var/lib/meshspace/rooms.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address")
	serveCmd.Flags().StringVar(&flagDB, "db", "", "SQLite database path")
	serveCmd.Flags().DurationVar(&flagDebounce, "flush-debounce", 0, "Quiet period before document writes are flushed")
}

func runServe() error {
	logging.Init()

	cfg, err := config.Load(config.Options{
		ListenAddr:    flagListen,
		DatabasePath:  flagDB,
		FlushDebounce: flagDebounce,
	})
	if err != nil {
		return err
	}

	store, err := persist.Open(persist.Config{
		Path:          cfg.DatabasePath,
		FlushDebounce: cfg.FlushDebounce,
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	hub := signaling.NewHub(store, slog.Default())
	go hub.Run()
	defer hub.Stop()

	// No read/write timeouts: /ws connections are long-lived, their
	// liveness is the pumps' ping/pong keepalive.
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewMux(hub),
	}

	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	slog.Info("relay listening", "addr", cfg.ListenAddr, "db", cfg.DatabasePath)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	return nil
}
