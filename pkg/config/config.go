package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration: one yaml-tagged sub-config per
// concern, mirroring the teacher's aggregate Config struct.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Cache       CacheConfig       `yaml:"cache"`
	History     HistoryConfig     `yaml:"history"`
	PostProcess PostProcessConfig `yaml:"postprocess"`
	MapService  MapServiceConfig  `yaml:"map_service"`
	DB          DBConfig          `yaml:"db"`
	Log         LogConfig         `yaml:"log"`
}

// EngineConfig tunes the tunnel-detection FSM, the distance-filter hysteresis
// around building exits, and the geofence wakeup radius.
type EngineConfig struct {
	StaleFixTolerance Duration `yaml:"stale_fix_tolerance"`

	TunnelEnterRecentAccuracy  Distance `yaml:"tunnel_enter_recent_accuracy"`
	TunnelEnterCurrentAccuracy Distance `yaml:"tunnel_enter_current_accuracy"`
	TunnelEnterMinSpeed        float64  `yaml:"tunnel_enter_min_speed"` // m/s
	TunnelExitAccuracy         Distance `yaml:"tunnel_exit_accuracy"`
	TunnelMaxDuration          Duration `yaml:"tunnel_max_duration"`

	GeofenceCount  int      `yaml:"geofence_count"`
	GeofenceRadius Distance `yaml:"geofence_radius"`

	ImmediateUpdateWindow Duration `yaml:"immediate_update_window"`
	TightDistanceFilter   Distance `yaml:"tight_distance_filter"`
	RelaxedDistanceFilter Distance `yaml:"relaxed_distance_filter"`

	BaseContextThreshold float64 `yaml:"base_context_threshold"`
}

// CacheConfig tunes the footprint cache's TTL, negative-cache backoff, query
// radius and the single-attempt fetcher's own retry/backoff/timeout budget.
type CacheConfig struct {
	TTL              Duration `yaml:"ttl"`
	NegativeCacheTTL Duration `yaml:"negative_cache_ttl"`
	QueryRadius      Distance `yaml:"query_radius"`
	Retries          int      `yaml:"retries"`
	Backoff          Duration `yaml:"backoff"`
	RequestTimeout   Duration `yaml:"request_timeout"`
}

// HistoryConfig bounds how much of each sensor/classification stream
// ObservationHistory retains.
type HistoryConfig struct {
	MotionMaxAge   Duration `yaml:"motion_max_age"`
	MotionMaxCount int      `yaml:"motion_max_count"`

	AccuracyMaxCount int `yaml:"accuracy_max_count"`

	PressureMaxCount int `yaml:"pressure_max_count"`

	LocationMaxAge   Duration `yaml:"location_max_age"`
	LocationMaxCount int      `yaml:"location_max_count"`

	DriftMaxAge Duration `yaml:"drift_max_age"`
}

// PostProcessConfig tunes the post-processor's mode-lock thresholds.
type PostProcessConfig struct {
	VehicleContextThreshold     float64  `yaml:"vehicle_context_threshold"`
	ModeLockDuration            Duration `yaml:"mode_lock_duration"`
	ModeLockBreakConfidence     float64  `yaml:"mode_lock_break_confidence"`
	ModeLockCreateMinConfidence float64  `yaml:"mode_lock_create_min_confidence"`
}

// MapServiceConfig points at the outbound building-footprint service.
type MapServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"` // loaded from env, never written to disk
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// LogConfig holds logging settings for the engine's loggers: the main
// process log, the outbound map-service request log, and the durable
// mode-transition event log.
type LogConfig struct {
	Engine      LogSettings `yaml:"engine"`
	MapService  LogSettings `yaml:"map_service"`
	Transitions LogSettings `yaml:"transitions"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			StaleFixTolerance: Duration(10 * time.Second),

			TunnelEnterRecentAccuracy:  Distance(40),
			TunnelEnterCurrentAccuracy: Distance(100),
			TunnelEnterMinSpeed:        5,
			TunnelExitAccuracy:         Distance(50),
			TunnelMaxDuration:          Duration(600 * time.Second),

			GeofenceCount:  20,
			GeofenceRadius: Distance(30),

			ImmediateUpdateWindow: Duration(15 * time.Second),
			TightDistanceFilter:   Distance(10),
			RelaxedDistanceFilter: Distance(15),

			BaseContextThreshold: 0.60,
		},
		Cache: CacheConfig{
			TTL:              Duration(time.Hour),
			NegativeCacheTTL: Duration(5 * time.Minute),
			QueryRadius:      Distance(150),
			Retries:          2,
			Backoff:          Duration(1500 * time.Millisecond),
			RequestTimeout:   Duration(25 * time.Second),
		},
		History: HistoryConfig{
			MotionMaxAge:   Duration(10 * time.Minute),
			MotionMaxCount: 50,

			AccuracyMaxCount: 30,
			PressureMaxCount: 20,

			LocationMaxAge:   Duration(5 * time.Minute),
			LocationMaxCount: 20,

			DriftMaxAge: Duration(5 * time.Minute),
		},
		PostProcess: PostProcessConfig{
			VehicleContextThreshold:     0.85,
			ModeLockDuration:            Duration(10 * time.Minute),
			ModeLockBreakConfidence:     0.85,
			ModeLockCreateMinConfidence: 0.75,
		},
		MapService: MapServiceConfig{
			BaseURL: "https://footprints.example.invalid/v1/features",
		},
		DB: DBConfig{
			Path: "./data/contextengine.db",
		},
		Log: LogConfig{
			Engine: LogSettings{
				Path:  "./logs/engine.log",
				Level: "INFO",
			},
			MapService: LogSettings{
				Path:  "./logs/map_service.log",
				Level: "INFO",
			},
			Transitions: LogSettings{
				Path:  "./logs/transitions.log",
				Level: "INFO",
			},
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, it merges defaults with existing values but does NOT
// save back to disk (to preserve user formatting and comments).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		// Load .env files (local first, then default). Errors are ignored:
		// it's valid to rely solely on system env vars.
		_ = godotenv.Load(".env.local", ".env")
		loadSecretsFromEnv(cfg)

		return cfg, nil
	}

	if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Context Engine Configuration
# ---------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
#   Distance: m (meters), km (kilometers), nm (nautical miles)

`)
	data = append(header, data...)

	// Log level is an enum field; annotate it with the accepted values.
	reLevel := regexp.MustCompile(`(?m)^(\s+)level:`)
	data = reLevel.ReplaceAll(data, []byte("${1}# Options: DEBUG, INFO, WARN, ERROR\n${1}level:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}

func loadSecretsFromEnv(cfg *Config) {
	if key := os.Getenv("MAP_SERVICE_API_KEY"); key != "" {
		cfg.MapService.APIKey = key
	}
}
