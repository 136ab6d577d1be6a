// Command contextengine runs the indoor/outdoor/vehicle context-inference
// engine as a standalone daemon: it accepts location fixes over HTTP,
// classifies each one through DetectionEngine, and publishes the resulting
// state and mode transitions to any connected websocket client.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contextengine/pkg/config"
	"contextengine/pkg/db"
	"contextengine/pkg/db/maintenance"
	"contextengine/pkg/engine"
	"contextengine/pkg/footprint"
	"contextengine/pkg/history"
	"contextengine/pkg/logging"
	"contextengine/pkg/mapservice"
	"contextengine/pkg/model"
	"contextengine/pkg/platform"
	"contextengine/pkg/store"
	"contextengine/pkg/version"
)

var initConfig = flag.Bool("init-config", false, "Generate default config file and exit")

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault("configs/contextengine.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config file generated: configs/contextengine.yaml")
		return
	}

	if err := run(context.Background(), "configs/contextengine.yaml"); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("contextengine started", "version", version.Version)

	dbConn, st, err := initDB(cfg)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	if err := maintenance.Run(ctx, dbConn); err != nil {
		slog.Error("maintenance tasks failed", "error", err)
	}

	eng, publisher := initEngine(cfg, st)

	restoreSnapshot(ctx, st, eng)
	defer persistSnapshot(ctx, st, eng)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	srv := newServer(eng, publisher)
	return runServerLifecycle(ctx, srv, quit)
}

func initDB(cfg *config.Config) (*db.DB, store.Store, error) {
	dbConn, err := db.Init(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return dbConn, store.NewSQLiteStore(dbConn), nil
}

func initEngine(cfg *config.Config, st store.Store) (*engine.Engine, *platform.WSPublisher) {
	client := mapservice.New(cfg.MapService.BaseURL, cfg.MapService.APIKey)
	cache := footprint.New(client, st, footprint.Options{
		TTL:              time.Duration(cfg.Cache.TTL),
		NegativeCacheTTL: time.Duration(cfg.Cache.NegativeCacheTTL),
		QueryRadiusM:     float64(cfg.Cache.QueryRadius),
		Retries:          cfg.Cache.Retries,
		RetryBaseDelay:   time.Duration(cfg.Cache.Backoff),
		RequestTimeout:   time.Duration(cfg.Cache.RequestTimeout),
	})

	publisher := platform.NewWSPublisher()

	opts := engine.Options{
		StaleFixTolerance: time.Duration(cfg.Engine.StaleFixTolerance),

		TunnelEnterRecentAccuracyM:  float64(cfg.Engine.TunnelEnterRecentAccuracy),
		TunnelEnterCurrentAccuracyM: float64(cfg.Engine.TunnelEnterCurrentAccuracy),
		TunnelEnterMinSpeed:         cfg.Engine.TunnelEnterMinSpeed,
		TunnelExitAccuracyM:         float64(cfg.Engine.TunnelExitAccuracy),
		TunnelMaxDuration:           time.Duration(cfg.Engine.TunnelMaxDuration),

		GeofenceCount:  cfg.Engine.GeofenceCount,
		GeofenceRadius: float64(cfg.Engine.GeofenceRadius),

		ImmediateUpdateWindow:  time.Duration(cfg.Engine.ImmediateUpdateWindow),
		TightDistanceFilterM:   float64(cfg.Engine.TightDistanceFilter),
		RelaxedDistanceFilterM: float64(cfg.Engine.RelaxedDistanceFilter),

		BaseContextThreshold: cfg.Engine.BaseContextThreshold,

		VehicleContextThreshold:     cfg.PostProcess.VehicleContextThreshold,
		ModeLockDuration:            time.Duration(cfg.PostProcess.ModeLockDuration),
		ModeLockBreakConfidence:     cfg.PostProcess.ModeLockBreakConfidence,
		ModeLockCreateMinConfidence: cfg.PostProcess.ModeLockCreateMinConfidence,

		History: historyOptions(cfg.History),
	}

	eng := engine.New(opts, cache, platform.NoopCommands{}, publisher)
	return eng, publisher
}

func historyOptions(h config.HistoryConfig) history.Options {
	return history.Options{
		MotionMaxAge:     time.Duration(h.MotionMaxAge),
		MotionMaxCount:   h.MotionMaxCount,
		AccuracyMaxCount: h.AccuracyMaxCount,
		PressureMaxCount: h.PressureMaxCount,
		LocationMaxAge:   time.Duration(h.LocationMaxAge),
		LocationMaxCount: h.LocationMaxCount,
		DriftMaxAge:      time.Duration(h.DriftMaxAge),
	}
}

func restoreSnapshot(ctx context.Context, st store.Store, eng *engine.Engine) {
	data, ok := st.GetSnapshot(ctx)
	if !ok {
		return
	}
	var snap engine.Snapshot
	if err := gobDecode(data, &snap); err != nil {
		slog.Warn("failed to decode persisted snapshot, starting cold", "error", err)
		return
	}
	eng.Restore(snap)
	slog.Info("restored engine snapshot from previous run")
}

func persistSnapshot(ctx context.Context, st store.Store, eng *engine.Engine) {
	data, err := gobEncode(eng.Snapshot())
	if err != nil {
		slog.Error("failed to encode snapshot", "error", err)
		return
	}
	if err := st.SetSnapshot(ctx, data); err != nil {
		slog.Error("failed to persist snapshot", "error", err)
	}
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func newServer(eng *engine.Engine, publisher *platform.WSPublisher) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/fix", fixHandler(eng))
	mux.HandleFunc("/state", stateHandler(eng))
	mux.HandleFunc("/health", healthHandler())
	mux.HandleFunc("/ws", publisher.ServeHTTP)

	return &http.Server{Addr: ":8090", Handler: mux}
}

func fixHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var fix model.Fix
		if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
			http.Error(w, fmt.Sprintf("invalid fix payload: %v", err), http.StatusBadRequest)
			return
		}
		state, err := eng.OnFix(r.Context(), fix)
		if err != nil && err != engine.ErrFixTooStale {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	}
}

func stateHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, ok := eng.LastState()
		if !ok {
			http.Error(w, "no state yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(state)
	}
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":   "ok",
			"version":  version.Version,
			"lastLine": logging.GlobalLogCapture.GetLastLine(),
		})
	}
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	select {
	case <-quit:
		slog.Info("shutting down server...")
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
