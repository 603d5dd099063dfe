package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for relay-client.
type Config struct {
	// Relay service endpoints.
	APIBaseURL string `env:"RELAY_API_URL"`
	GatewayURL string `env:"RELAY_GATEWAY_URL"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"RELAY_DEVICE_NAME"`

	// Directory for the shared per-origin store (token, session flags,
	// cross-process signals). Shared by every client process of the same
	// user, so it must not be instance-scoped. Defaults to
	// ~/.relay-client/shared/.
	SharedStoreDir string `env:"RELAY_SHARED_DIR"`

	// Path for this instance's bbolt cache database. Defaults to
	// ~/.relay-client/cache-<instance>.db.
	CachePath string `env:"RELAY_CACHE_PATH"`

	// Connection lifecycle.
	KeepaliveInterval    time.Duration `env:"RELAY_KEEPALIVE_INTERVAL" envDefault:"30s"`
	ReadyFallback        time.Duration `env:"RELAY_READY_FALLBACK" envDefault:"3s"`
	ReconnectMin         time.Duration `env:"RELAY_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax         time.Duration `env:"RELAY_RECONNECT_MAX" envDefault:"60s"`
	ReconnectMaxAttempts int           `env:"RELAY_RECONNECT_ATTEMPTS" envDefault:"10"`
	TokenSettleDelay     time.Duration `env:"RELAY_TOKEN_SETTLE_DELAY" envDefault:"1s"`

	// Read-acknowledgement batching.
	ReadDwell       time.Duration `env:"RELAY_READ_DWELL" envDefault:"1s"`
	BatchMaxSize    int           `env:"RELAY_BATCH_MAX_SIZE" envDefault:"50"`
	BatchMaxWait    time.Duration `env:"RELAY_BATCH_MAX_WAIT" envDefault:"2s"`
	FlushMaxRetries int           `env:"RELAY_FLUSH_MAX_RETRIES" envDefault:"5"`

	// Session validation.
	ValidateInterval  time.Duration `env:"RELAY_VALIDATE_INTERVAL" envDefault:"60s"`
	ValidateMinGap    time.Duration `env:"RELAY_VALIDATE_MIN_GAP" envDefault:"5s"`
	TokenRemovalGrace time.Duration `env:"RELAY_TOKEN_REMOVAL_GRACE" envDefault:"500ms"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// InstanceID identifies this client process. Generated when absent so
	// two processes never share a cache database.
	InstanceID string `env:"RELAY_INSTANCE_ID"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "relay-client"
		}

		cfg.DeviceName = hostname
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if err := cfg.applyDefaultPaths(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaultPaths() error {
	if c.SharedStoreDir != "" && c.CachePath != "" {
		return c.resolvePaths()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	if c.SharedStoreDir == "" {
		c.SharedStoreDir = filepath.Join(home, ".relay-client", "shared")
	}

	if c.CachePath == "" {
		c.CachePath = filepath.Join(home, ".relay-client", "cache-"+c.InstanceID+".db")
	}

	return c.resolvePaths()
}

// resolvePaths makes both paths absolute so the store watch and the
// cache open do not depend on the working directory.
func (c *Config) resolvePaths() error {
	absDir, err := filepath.Abs(c.SharedStoreDir)
	if err != nil {
		return fmt.Errorf("resolving shared store dir: %w", err)
	}
	c.SharedStoreDir = absDir

	absPath, err := filepath.Abs(c.CachePath)
	if err != nil {
		return fmt.Errorf("resolving cache path: %w", err)
	}
	c.CachePath = absPath

	return nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("RELAY_API_URL is required")
	}

	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("RELAY_API_URL is not a valid URL: %w", err)
	}

	if c.GatewayURL == "" {
		return fmt.Errorf("RELAY_GATEWAY_URL is required")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect backoff bounds invalid: min=%s max=%s", c.ReconnectMin, c.ReconnectMax)
	}

	if c.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("RELAY_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.BatchMaxSize < 1 {
		return fmt.Errorf("RELAY_BATCH_MAX_SIZE must be at least 1")
	}

	if c.BatchMaxWait <= 0 {
		return fmt.Errorf("RELAY_BATCH_MAX_WAIT must be positive")
	}

	if c.FlushMaxRetries < 1 {
		return fmt.Errorf("RELAY_FLUSH_MAX_RETRIES must be at least 1")
	}

	if c.ValidateMinGap <= 0 || c.ValidateInterval < c.ValidateMinGap {
		return fmt.Errorf("validation intervals invalid: interval=%s min_gap=%s", c.ValidateInterval, c.ValidateMinGap)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
