package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	DatabaseURL      string
	LedgerDriver     string // "postgres" or "sqlite"
	LedgerPath       string // sqlite database file, used when LedgerDriver == "sqlite"
	DataRoot         string
	NumWorkers       int
	EventQueueSize   int
	ReadyTimeout     time.Duration
	SMTPHost         string
	SMTPPort         int
	SMTPFrom         string
	SMTPTo           string
	SMTPUser         string
	SMTPPassword     string
	directoryOverlay map[string]string
}

// pipelinesFile is the optional TOML file mapping a format name to a watched
// incoming directory, overriding the <DataRoot>/<format>/incoming convention.
type pipelinesFile struct {
	Directories map[string]string `toml:"directories"`
}

func New() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")

	cfg := &Config{
		DatabaseURL:      databaseURL,
		LedgerDriver:     "postgres",
		LedgerPath:       "pos_ingest_ledger.db",
		DataRoot:         "data_files",
		NumWorkers:       4,
		EventQueueSize:   100,
		ReadyTimeout:     10 * time.Second,
		SMTPPort:         25,
		directoryOverlay: make(map[string]string),
	}

	if v := os.Getenv("LEDGER_DRIVER"); v != "" {
		cfg.LedgerDriver = v
	}
	if cfg.LedgerDriver != "postgres" && cfg.LedgerDriver != "sqlite" {
		return nil, fmt.Errorf("invalid LEDGER_DRIVER %q: expected postgres or sqlite", cfg.LedgerDriver)
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}

	var err error
	cfg.NumWorkers, err = getEnvAsInt("NUM_WORKERS", cfg.NumWorkers)
	if err != nil {
		return nil, err
	}

	cfg.EventQueueSize, err = getEnvAsInt("EVENT_QUEUE_SIZE", cfg.EventQueueSize)
	if err != nil {
		return nil, err
	}

	readyTimeoutSecs, err := getEnvAsInt("READY_TIMEOUT_SECONDS", int(cfg.ReadyTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.ReadyTimeout = time.Duration(readyTimeoutSecs) * time.Second

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort, err = getEnvAsInt("SMTP_PORT", cfg.SMTPPort)
	if err != nil {
		return nil, err
	}
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	cfg.SMTPTo = os.Getenv("SMTP_TO")
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	pipelinesPath := os.Getenv("PIPELINES_FILE")
	if pipelinesPath == "" {
		pipelinesPath = "pipelines.toml"
	}
	if err := cfg.loadDirectoryOverlay(pipelinesPath); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadDirectoryOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pipelines file %s: %w", path, err)
	}

	var pf pipelinesFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse pipelines file %s: %w", path, err)
	}

	for format, dir := range pf.Directories {
		c.directoryOverlay[format] = dir
	}
	return nil
}

// IncomingDir returns the watched directory for a format: the TOML override
// when present, otherwise <DataRoot>/<format>/incoming.
func (c *Config) IncomingDir(format string) string {
	if dir, ok := c.directoryOverlay[format]; ok {
		return dir
	}
	return filepath.Join(c.DataRoot, format, "incoming")
}

// StageRoot returns the directory holding a format's stage folders. For an
// overridden incoming directory the stage folders are its siblings.
func (c *Config) StageRoot(format string) string {
	return filepath.Dir(c.IncomingDir(format))
}

// NotifierConfigured reports whether enough SMTP settings are present to send
// email.
func (c *Config) NotifierConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != "" && c.SMTPTo != ""
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}

	return value, nil
}
