package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ioxble/internal/bridge"
	"ioxble/internal/config"
	"ioxble/internal/peripheral"
	"ioxble/internal/peripheral/bluez"
	"ioxble/internal/peripheral/tinygo"
	"ioxble/internal/store"
)

func serve(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("ioxbled starting",
		zap.String("backend", cfg.Backend),
		zap.String("adapter", cfg.Adapter),
		zap.String("addr", cfg.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := openManager(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer mgr.Close()

	// Telemetry history is optional
	var db *store.DB
	var history bridge.NativeCallback
	if cfg.DBPath != "" {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		history = bridge.HistoryCallback(db, log)
	}

	hub := bridge.NewHub(log, nil)
	defer hub.Close()

	module, err := bridge.NewModule(bridge.ModuleOptions{
		Manager:            mgr,
		Gateway:            hub,
		Native:             bridge.ChainCallbacks(history),
		Logger:             log,
		CharacteristicUUID: cfg.CharacteristicUUID,
		LocalName:          cfg.LocalName,
		SyncInterval:       cfg.SyncInterval,
	})
	if err != nil {
		return err
	}
	defer module.Close()
	hub.SetInitial(module.StateScript)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"ioxbled","state":%q}`, module.State())
	})

	h := bridge.NewHandler(module, hub, db, cfg.HistoryLimit, log)
	r.Route("/ioxble", h.Routes)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready", zap.Error(err))
	} else if ok {
		log.Debug("notified systemd")
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("ioxbled stopped")
	return nil
}

func openManager(ctx context.Context, cfg *config.Config, log *zap.Logger) (peripheral.Manager, error) {
	switch cfg.Backend {
	case config.BackendTinyGo:
		return tinygo.Open(log), nil
	default:
		return bluez.Open(ctx, bluez.Options{
			Adapter:      cfg.Adapter,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       log,
		})
	}
}
