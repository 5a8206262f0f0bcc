package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Spots      SpotsConfig      `yaml:"spots"`
	Detection  DetectionConfig  `yaml:"detection"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

// PushConfig holds the VAPID keys for web push notifications.
// Push is optional; without keys only the websocket stream is used.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SpotsConfig points at the spot definition file.
type SpotsConfig struct {
	File string `yaml:"file"`
}

// DetectionConfig controls where frames come from and how often they are matched.
type DetectionConfig struct {
	// Source is "csv" (replay a file), "feed" (frames posted to the API)
	// or "http" (poll a detector service).
	Source          string             `yaml:"source"`
	CSVFile         string             `yaml:"csv_file"`
	Loop            bool               `yaml:"loop"`
	FrameIntervalMs int                `yaml:"frame_interval_ms"`
	FrameInterval   time.Duration      `yaml:"-"`
	// Stride runs matching on every Nth frame.
	Stride          int                `yaml:"stride"`
	Labels          []string           `yaml:"labels"`
	MinConfidence   float64            `yaml:"min_confidence"`
	ExpiryTickMs    int                `yaml:"expiry_tick_ms"`
	ExpiryTick      time.Duration      `yaml:"-"`
	HTTP            DetectorHTTPConfig `yaml:"http"`
}

// DetectorHTTPConfig describes the detector service polled by the "http" source.
type DetectorHTTPConfig struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	Headers        map[string]string `yaml:"headers"`
	Payload        map[string]any    `yaml:"payload"`
	HTTPProxy      string            `yaml:"http_proxy"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Timeout        time.Duration     `yaml:"-"`
	PollIntervalMs int               `yaml:"poll_interval_ms"`
	PollInterval   time.Duration     `yaml:"-"`
}

// LedgerConfig holds the reservation pricing and timing parameters.
type LedgerConfig struct {
	Cost                  string          `yaml:"cost"`
	CostAmount            decimal.Decimal `yaml:"-"`
	HoldSeconds           int             `yaml:"hold_seconds"`
	Hold                  time.Duration   `yaml:"-"`
	MaxHoldSeconds        int             `yaml:"max_hold_seconds"`
	MaxHold               time.Duration   `yaml:"-"`
	WarnSeconds           int             `yaml:"warn_seconds"`
	Warn                  time.Duration   `yaml:"-"`
	PersistTimeoutSeconds int             `yaml:"persist_timeout_seconds"`
	PersistTimeout        time.Duration   `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// LoadEnv reads an optional .env file into the process environment.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env: %v", err)
	}
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	_ = cfg.applyDefaults()
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DETECTOR_URL"); v != "" {
		cfg.Detection.HTTP.URL = v
	}
	if v := os.Getenv("SPOTS_FILE"); v != "" {
		cfg.Spots.File = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Spots.File == "" {
		cfg.Spots.File = "parking_spots.txt"
	}

	if cfg.Detection.Source == "" {
		cfg.Detection.Source = "feed"
	}
	if cfg.Detection.FrameIntervalMs <= 0 {
		cfg.Detection.FrameIntervalMs = 60
	}
	cfg.Detection.FrameInterval = time.Duration(cfg.Detection.FrameIntervalMs) * time.Millisecond
	if cfg.Detection.Stride <= 0 {
		cfg.Detection.Stride = 1
	}
	if cfg.Detection.ExpiryTickMs <= 0 {
		cfg.Detection.ExpiryTickMs = 1000
	}
	cfg.Detection.ExpiryTick = time.Duration(cfg.Detection.ExpiryTickMs) * time.Millisecond
	if len(cfg.Detection.Labels) == 0 {
		cfg.Detection.Labels = []string{"car"}
	}
	if cfg.Detection.MinConfidence == 0 {
		cfg.Detection.MinConfidence = 0.4
	}
	if cfg.Detection.HTTP.TimeoutSeconds <= 0 {
		cfg.Detection.HTTP.TimeoutSeconds = 5
	}
	cfg.Detection.HTTP.Timeout = time.Duration(cfg.Detection.HTTP.TimeoutSeconds) * time.Second
	if cfg.Detection.HTTP.PollIntervalMs <= 0 {
		cfg.Detection.HTTP.PollIntervalMs = 200
	}
	cfg.Detection.HTTP.PollInterval = time.Duration(cfg.Detection.HTTP.PollIntervalMs) * time.Millisecond
	if cfg.Detection.Source == "http" && cfg.Detection.HTTP.URL == "" {
		return fmt.Errorf("detection.http.url is required for the http source")
	}

	if cfg.Ledger.Cost == "" {
		cfg.Ledger.Cost = "5"
	}
	cost, err := decimal.NewFromString(cfg.Ledger.Cost)
	if err != nil {
		return fmt.Errorf("invalid ledger.cost %q: %w", cfg.Ledger.Cost, err)
	}
	if cost.IsNegative() {
		return fmt.Errorf("ledger.cost must not be negative, got %s", cost)
	}
	if !cost.Equal(cost.Round(2)) {
		return fmt.Errorf("ledger.cost must have at most 2 decimal places, got %s", cost)
	}
	cfg.Ledger.CostAmount = cost
	if cfg.Ledger.HoldSeconds <= 0 {
		cfg.Ledger.HoldSeconds = 3600
	}
	cfg.Ledger.Hold = time.Duration(cfg.Ledger.HoldSeconds) * time.Second
	if cfg.Ledger.MaxHoldSeconds < cfg.Ledger.HoldSeconds {
		cfg.Ledger.MaxHoldSeconds = cfg.Ledger.HoldSeconds
	}
	cfg.Ledger.MaxHold = time.Duration(cfg.Ledger.MaxHoldSeconds) * time.Second
	if cfg.Ledger.WarnSeconds <= 0 {
		cfg.Ledger.WarnSeconds = 3
	}
	cfg.Ledger.Warn = time.Duration(cfg.Ledger.WarnSeconds) * time.Second
	if cfg.Detection.ExpiryTick > cfg.Ledger.Warn {
		return fmt.Errorf("detection.expiry_tick_ms (%d) must not exceed ledger.warn_seconds (%d) in milliseconds",
			cfg.Detection.ExpiryTickMs, cfg.Ledger.WarnSeconds)
	}
	if cfg.Ledger.PersistTimeoutSeconds <= 0 {
		cfg.Ledger.PersistTimeoutSeconds = 5
	}
	cfg.Ledger.PersistTimeout = time.Duration(cfg.Ledger.PersistTimeoutSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "findmyspot.db"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = cfg.WorkerPool.Size * 16
	}
	return nil
}
