package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"canmap/internal/session"
	"canmap/internal/store"
	"canmap/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event stream",
	Long: `Serve keeps the bus open and exposes scans over HTTP: POST /api/scan
starts a discovery session, /ws streams its events live, and the address
map is served from the persisted store.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	r, err := buildRig(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// The bridge is a no-op stopper when built with the no_mqtt tag.
	bridge := initMQTT(cfg, st)
	defer bridge.Stop()

	factory := func() (*session.Session, error) {
		sess, err := buildSession(r, st, cfg.sessionConfig())
		if err != nil {
			return nil, err
		}
		bridge.Attach(sess)
		return sess, nil
	}

	webOpts := []web.ServerOption{web.WithStore(st), web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(factory, logger, webOpts...)
	bridge.OnScanCommand(webServer)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	logger.Info("goodbye")
	return nil
}
