package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/config"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/engine"
	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/preset"
	"github.com/focusloop/regulation-engine/internal/regulation"
	"github.com/focusloop/regulation-engine/internal/server"
	"github.com/focusloop/regulation-engine/internal/signal"
	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/focusloop/regulation-engine/internal/surfacer"
)

// #region main

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run

func run(cfg config.Config, log *slog.Logger) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	consentReg, err := consent.NewRegistry(db)
	if err != nil {
		return err
	}
	events, err := behavior.NewLog(db, cfg.LatenessWindow())
	if err != nil {
		return err
	}
	signals, err := signal.NewEngine(db, consentReg, events)
	if err != nil {
		return err
	}
	lifecycle, err := signal.NewLifecycle(db)
	if err != nil {
		return err
	}
	paramStore, err := params.NewStore(db)
	if err != nil {
		return err
	}
	registry, err := surfacer.NewRegistry(db)
	if err != nil {
		return err
	}
	surf, err := surfacer.NewSurfacer(db, registry, consentReg, events, paramStore)
	if err != nil {
		return err
	}
	machine, err := regulation.NewMachine(db, paramStore)
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(cfg.PresetCatalogPath)
	if err != nil {
		return err
	}
	presets, err := preset.NewLayer(db, paramStore, catalog)
	if err != nil {
		return err
	}

	eng := engine.New(consentReg, events, signals, lifecycle, surf, machine, presets,
		engine.Options{
			SurfacerTimeout: cfg.SurfacerTimeout(),
			EvalInterval:    cfg.EvalInterval(),
			SweepInterval:   cfg.SweepInterval(),
			Retention:       time.Duration(cfg.RetentionCandidateDays) * 24 * time.Hour,
		}, log)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng.Start(ctx)
	defer eng.Close()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(eng, log, cfg.TestingMode).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "db", cfg.DBPath, "testing_mode", cfg.TestingMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func loadCatalog(path string) (*preset.Catalog, error) {
	if path == "" {
		return preset.DefaultCatalog()
	}
	return preset.LoadCatalog(path)
}

// #endregion run
