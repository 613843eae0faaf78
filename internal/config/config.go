package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openpulse/pulse/internal/platform/envutil"
)

// Config gathers every tunable of the ingestion server. Values come from a
// YAML file (optional, PULSE_CONFIG) overlaid by environment variables.
// Environment always wins.
type Config struct {
	Server    Server    `yaml:"server"`
	Proxy     Proxy     `yaml:"proxy"`
	Origins   Origins   `yaml:"origins"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Sessions  Sessions  `yaml:"sessions"`
	Store     Store     `yaml:"store"`
	Redis     Redis     `yaml:"redis"`
}

type Server struct {
	Port      int    `yaml:"port"`
	AdminPort int    `yaml:"admin_port"`
	LogMode   string `yaml:"log_mode"`
	Debug     bool   `yaml:"debug"`
}

type Proxy struct {
	// Trust proxy headers (forwarded-for, request id).
	Trust bool `yaml:"trust"`
	// Header carrying the client IP when Trust is set.
	ForwardedForHeader string `yaml:"forwarded_for_header"`
	// Header carrying the inbound request id when Trust is set.
	RequestIDHeader string `yaml:"request_id_header"`
}

type Origins struct {
	// Comma separated list of registered domains. Subdomains of a registered
	// domain are accepted.
	Registered string `yaml:"registered"`
}

type RateLimit struct {
	// Requests allowed per client identity per window.
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type Sessions struct {
	InactiveTTL           time.Duration `yaml:"inactive_ttl"`
	GCInterval            time.Duration `yaml:"gc_interval"`
	MaxSessionsPerVisitor int           `yaml:"max_sessions_per_visitor"`
}

type Store struct {
	MaxBatchSize    int           `yaml:"max_batch_size"`
	MaxBatchTimeout time.Duration `yaml:"max_batch_timeout"`
	BufferSize      int           `yaml:"buffer_size"`
}

type Redis struct {
	// Empty URL disables redis; the rate limiter then keeps counters in
	// process memory.
	URL string `yaml:"url"`
}

func defaults() Config {
	return Config{
		Server: Server{
			Port:      8080,
			AdminPort: 9090,
			LogMode:   "development",
		},
		Proxy: Proxy{
			ForwardedForHeader: "X-Forwarded-For",
			RequestIDHeader:    "X-Request-Id",
		},
		RateLimit: RateLimit{
			Max:    60,
			Window: time.Minute,
		},
		Sessions: Sessions{
			InactiveTTL:           30 * time.Minute,
			GCInterval:            time.Minute,
			MaxSessionsPerVisitor: 64,
		},
		Store: Store{
			MaxBatchSize:    4096,
			MaxBatchTimeout: time.Second,
			BufferSize:      65536,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("PULSE_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Server.Port = envutil.Int("PULSE_PORT", cfg.Server.Port)
	cfg.Server.AdminPort = envutil.Int("PULSE_ADMIN_PORT", cfg.Server.AdminPort)
	cfg.Server.LogMode = envutil.String("LOG_MODE", cfg.Server.LogMode)
	cfg.Server.Debug = envutil.Bool("PULSE_DEBUG", cfg.Server.Debug)

	cfg.Proxy.Trust = envutil.Bool("PULSE_PROXY_TRUST", cfg.Proxy.Trust)
	cfg.Proxy.ForwardedForHeader = envutil.String("PULSE_PROXY_FORWARDED_FOR_HEADER", cfg.Proxy.ForwardedForHeader)
	cfg.Proxy.RequestIDHeader = envutil.String("PULSE_PROXY_REQUEST_ID_HEADER", cfg.Proxy.RequestIDHeader)

	cfg.Origins.Registered = envutil.String("PULSE_ORIGINS", cfg.Origins.Registered)

	cfg.RateLimit.Max = envutil.Int("PULSE_RATELIMIT_MAX", cfg.RateLimit.Max)
	cfg.RateLimit.Window = envutil.Duration("PULSE_RATELIMIT_WINDOW", cfg.RateLimit.Window)

	cfg.Sessions.InactiveTTL = envutil.Duration("PULSE_SESSIONS_INACTIVE_TTL", cfg.Sessions.InactiveTTL)
	cfg.Sessions.GCInterval = envutil.Duration("PULSE_SESSIONS_GC_INTERVAL", cfg.Sessions.GCInterval)
	cfg.Sessions.MaxSessionsPerVisitor = envutil.Int("PULSE_SESSIONS_MAX_PER_VISITOR", cfg.Sessions.MaxSessionsPerVisitor)

	cfg.Store.MaxBatchSize = envutil.Int("PULSE_STORE_MAX_BATCH_SIZE", cfg.Store.MaxBatchSize)
	cfg.Store.MaxBatchTimeout = envutil.Duration("PULSE_STORE_MAX_BATCH_TIMEOUT", cfg.Store.MaxBatchTimeout)
	cfg.Store.BufferSize = envutil.Int("PULSE_STORE_BUFFER_SIZE", cfg.Store.BufferSize)

	cfg.Redis.URL = envutil.String("PULSE_REDIS_URL", cfg.Redis.URL)

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Origins.Registered) == "" {
		errs = append(errs, errors.New("registered origins list is empty (PULSE_ORIGINS)"))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate limit max must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.Sessions.InactiveTTL <= 0 {
		errs = append(errs, errors.New("session inactive TTL must be positive"))
	}
	if c.Store.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("store max batch size must be positive"))
	}
	return errors.Join(errs...)
}
