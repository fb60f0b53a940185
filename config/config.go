package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	DBPath        string `json:"db_path"`
	ProvidersFile string `json:"providers_file"`
	HTTPAddr      string `json:"http_addr"`
	LogLevel      string `json:"log_level"`
	Debug         bool   `json:"debug"`

	BatchSize         int      `json:"batch_size"`
	IngestConcurrency int      `json:"ingest_concurrency"`
	DefaultSymbols    []string `json:"default_symbols"`

	// Retrieval indexer. Empty URL disables forwarding.
	IndexerURL          string `json:"indexer_url"`
	IndexerTimeoutSec   int    `json:"indexer_timeout_sec"`
	IndexGroupDelayMs   int    `json:"index_group_delay_ms"`
	SchedulerEnabled    bool   `json:"scheduler_enabled"`
	MetricsEnabled      bool   `json:"metrics_enabled"`
	RunRetentionDays    int    `json:"run_retention_days"`
	WatchProvidersFile  bool   `json:"watch_providers_file"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs"`

	// Longport API Configuration
	LongportAppKey      string `json:"-"`
	LongportAppSecret   string `json:"-"`
	LongportAccessToken string `json:"-"`
}

func DefaultConfig() *Config {
	currentDir, _ := os.Getwd()
	cfg := DefaultConfigWithRoot(currentDir)

	// Load environment variables from .env file
	_ = godotenv.Load()

	// Override with environment variables if they exist
	cfg.loadFromEnv()

	return cfg
}

// DefaultConfigWithRoot returns the built-in defaults rooted at dir without
// consulting the environment.
func DefaultConfigWithRoot(dir string) *Config {
	dataDir := filepath.Join(dir, "data")
	return &Config{
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "cortexfeed.db"),
		ProvidersFile: filepath.Join(dir, "providers.json"),
		HTTPAddr:      ":8080",
		LogLevel:      "info",

		BatchSize:         10,
		IngestConcurrency: 3,

		IndexerTimeoutSec:   15,
		IndexGroupDelayMs:   250,
		SchedulerEnabled:    true,
		MetricsEnabled:      true,
		RunRetentionDays:    30,
		WatchProvidersFile:  true,
		ShutdownTimeoutSecs: 15,
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("CORTEXFEED_DATA_DIR"); val != "" {
		c.DataDir = val
		c.DBPath = filepath.Join(val, "cortexfeed.db")
	}
	if val := os.Getenv("CORTEXFEED_DB_PATH"); val != "" {
		c.DBPath = val
	}
	if val := os.Getenv("CORTEXFEED_PROVIDERS_FILE"); val != "" {
		c.ProvidersFile = val
	}
	if val := os.Getenv("CORTEXFEED_HTTP_ADDR"); val != "" {
		c.HTTPAddr = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("CORTEXFEED_DEBUG"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.Debug = enabled
		}
	}

	if val := os.Getenv("CORTEXFEED_BATCH_SIZE"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.BatchSize = v
		}
	}
	if val := os.Getenv("CORTEXFEED_INGEST_CONCURRENCY"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.IngestConcurrency = v
		}
	}
	if val := os.Getenv("CORTEXFEED_DEFAULT_SYMBOLS"); val != "" {
		c.DefaultSymbols = splitList(val)
	}

	if val := os.Getenv("CORTEXFEED_INDEXER_URL"); val != "" {
		c.IndexerURL = val
	}
	if val := os.Getenv("CORTEXFEED_INDEXER_TIMEOUT_SEC"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.IndexerTimeoutSec = v
		}
	}
	if val := os.Getenv("CORTEXFEED_INDEX_GROUP_DELAY_MS"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.IndexGroupDelayMs = v
		}
	}

	if val := os.Getenv("CORTEXFEED_SCHEDULER_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.SchedulerEnabled = enabled
		}
	}
	if val := os.Getenv("CORTEXFEED_METRICS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.MetricsEnabled = enabled
		}
	}
	if val := os.Getenv("CORTEXFEED_WATCH_PROVIDERS"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			c.WatchProvidersFile = enabled
		}
	}
	if val := os.Getenv("CORTEXFEED_RUN_RETENTION_DAYS"); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			c.RunRetentionDays = v
		}
	}

	if val := os.Getenv("LONGPORT_APP_KEY"); val != "" {
		c.LongportAppKey = val
	}
	if val := os.Getenv("LONGPORT_APP_SECRET"); val != "" {
		c.LongportAppSecret = val
	}
	if val := os.Getenv("LONGPORT_ACCESS_TOKEN"); val != "" {
		c.LongportAccessToken = val
	}
}

// Validate rejects values the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.ProvidersFile) == "" {
		errs = append(errs, errors.New("providers_file is required"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize))
	}
	if c.IngestConcurrency < 1 || c.IngestConcurrency > 16 {
		errs = append(errs, fmt.Errorf("ingest_concurrency must be within [1,16], got %d", c.IngestConcurrency))
	}
	if c.IndexGroupDelayMs < 0 {
		errs = append(errs, fmt.Errorf("index_group_delay_ms must be >= 0, got %d", c.IndexGroupDelayMs))
	}
	if c.RunRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("run_retention_days must be >= 0, got %d", c.RunRetentionDays))
	}
	return errors.Join(errs...)
}

func (c *Config) IndexerTimeout() time.Duration {
	if c.IndexerTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.IndexerTimeoutSec) * time.Second
}

func (c *Config) IndexGroupDelay() time.Duration {
	return time.Duration(c.IndexGroupDelayMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// ProviderCandidates lists the provider files tried in order.
func (c *Config) ProviderCandidates() []string {
	out := []string{c.ProvidersFile}
	ext := filepath.Ext(c.ProvidersFile)
	if ext == ".json" {
		base := strings.TrimSuffix(c.ProvidersFile, ext)
		out = append(out, base+".yaml", base+".yml")
	}
	return out
}

func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.DBPath)}
	for _, dir := range dirs {
		path := strings.TrimSpace(dir)
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
