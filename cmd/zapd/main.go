package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/openzap/internal/api"
	"github.com/flowpbx/openzap/internal/api/middleware"
	"github.com/flowpbx/openzap/internal/config"
	"github.com/flowpbx/openzap/internal/database"
	"github.com/flowpbx/openzap/internal/database/models"
	"github.com/flowpbx/openzap/internal/driver/loop"
	"github.com/flowpbx/openzap/internal/driver/rtp"
	"github.com/flowpbx/openzap/internal/driver/serial"
	"github.com/flowpbx/openzap/internal/metrics"
	"github.com/flowpbx/openzap/internal/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	slog.Info("starting zapd",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"tls", cfg.TLSEnabled(),
	)
	startTime := time.Now()

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}
	spanRepo := database.NewSpanRepository(db)
	toneMaps := database.NewToneMapRepository(db)
	operators := database.NewAdminUserRepository(db)

	secret, err := jwtSecret(appCtx, cfg, sysConfig)
	if err != nil {
		slog.Error("failed to resolve jwt secret", "error", err)
		os.Exit(1)
	}
	if err := bootstrapOperator(appCtx, cfg, operators); err != nil {
		slog.Error("failed to bootstrap admin operator", "error", err)
		os.Exit(1)
	}

	hal := zap.Init(zap.Options{Logger: logger, MaxChannelsSpan: cfg.MaxChannelsSpan})
	if err := registerDrivers(cfg, hal, logger); err != nil {
		slog.Error("failed to register io interfaces", "error", err)
		os.Exit(1)
	}

	defaultMap := cfg.DefaultToneMap
	if v, _ := sysConfig.Get(appCtx, database.ConfigDefaultToneMap); v != "" {
		defaultMap = v
	}
	loadSpans(appCtx, hal, spanRepo, toneMaps, defaultMap)

	if err := hal.StartAll(appCtx, cfg.EventPollTimeout()); err != nil {
		slog.Error("failed to start span event loops", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(hal, startTime),
	)

	handler := api.NewServer(api.Options{
		HAL:        hal,
		Spans:      spanRepo,
		ToneMaps:   toneMaps,
		Operators:  operators,
		Tokens:     middleware.NewTokenIssuer(secret, middleware.DefaultTokenTTL),
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:     logger,
		TLSEnabled: cfg.TLSEnabled(),
		StartTime:  startTime,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exitCode := 0
	select {
	case <-appCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		exitCode = 1
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		exitCode = 1
	}
	if err := hal.Shutdown(ctx); err != nil {
		slog.Error("zap shutdown error", "error", err)
		exitCode = 1
	}

	slog.Info("zapd stopped")
	if exitCode != 0 {
		handler.Close()
		db.Close()
		os.Exit(exitCode)
	}
}

// jwtSecret returns the configured token key, or the one persisted in the
// store, generating it on first start.
func jwtSecret(ctx context.Context, cfg *config.Config, sysConfig database.SystemConfigRepository) ([]byte, error) {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	if secret != nil {
		return secret, nil
	}
	encoded, err := database.GetOrCreate(ctx, sysConfig, database.ConfigJWTSecret, func() (string, error) {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		slog.Info("generated jwt secret")
		return hex.EncodeToString(b), nil
	})
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(encoded)
}

// bootstrapOperator creates the "admin" operator when the store has none.
func bootstrapOperator(ctx context.Context, cfg *config.Config, operators database.AdminUserRepository) error {
	n, err := operators.Count(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		slog.Warn("no operators configured, set ZAPD_ADMIN_PASSWORD to enable the control api")
		return nil
	}
	hash, err := database.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	if err := operators.Create(ctx, &models.AdminUser{Username: "admin", PasswordHash: hash}); err != nil {
		return err
	}
	slog.Info("created admin operator")
	return nil
}

func registerDrivers(cfg *config.Config, hal *zap.HAL, logger *slog.Logger) error {
	if err := hal.Register(loop.New(logger), nil); err != nil {
		return err
	}
	if err := hal.Register(rtp.New(rtp.Options{}, logger), cfg.RTPOptions()); err != nil {
		return err
	}
	return hal.Register(serial.New(nil, logger), nil)
}

// loadSpans creates a span for every enabled row. A span that fails to
// build is logged and skipped; the rest still come up.
func loadSpans(ctx context.Context, hal *zap.HAL, spanRepo database.SpanRepository, toneMaps database.ToneMapRepository, defaultMap string) {
	rows, err := spanRepo.ListEnabled(ctx)
	if err != nil {
		slog.Error("failed to load enabled spans", "error", err)
		return
	}
	if len(rows) == 0 {
		slog.Info("no enabled spans to load")
		return
	}

	slog.Info("loading enabled spans", "count", len(rows))
	for _, row := range rows {
		if err := loadSpan(ctx, hal, toneMaps, row, defaultMap); err != nil {
			slog.Error("failed to load span, skipping",
				"span", row.Name,
				"io", row.IOName,
				"error", err,
			)
		}
	}
}

func loadSpan(ctx context.Context, hal *zap.HAL, toneMaps database.ToneMapRepository, row models.Span, defaultMap string) error {
	trunk, err := zap.ParseTrunkType(row.TrunkType)
	if err != nil {
		return err
	}
	chanType, err := zap.ParseChanType(row.ChanType)
	if err != nil {
		return err
	}
	initState, err := zap.ParseState(row.InitState)
	if err != nil || !initState.Valid() {
		return fmt.Errorf("invalid init state %q", row.InitState)
	}

	span, err := hal.CreateSpan(row.IOName, row.Name, trunk)
	if err != nil {
		return err
	}
	span.SetInitState(initState)
	added, err := span.Configure(row.ChanSpec, chanType)
	if err != nil {
		if derr := hal.DestroySpan(span.ID); derr != nil {
			slog.Warn("removing unconfigured span failed", "span", row.Name, "error", derr)
		}
		return err
	}

	mapName := row.ToneMap
	if mapName == "" {
		mapName = defaultMap
	}
	if err := span.LoadTones(ctx, toneMaps, mapName); err != nil {
		slog.Warn("span has no tone map", "span", row.Name, "tonemap", mapName, "error", err)
	}

	slog.Info("span loaded",
		"span_id", span.ID,
		"span", span.Name,
		"io", row.IOName,
		"channels", added,
		"tonemap", mapName,
	)
	return nil
}
