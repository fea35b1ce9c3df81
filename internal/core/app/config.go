package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon configuration, loaded from CORE_* environment
// variables. Durations accept Go syntax ("15m", "720h").
type Config struct {
	Issuer string `env:"CORE_ISSUER" envDefault:"keywarden"`

	Env       string `env:"CORE_ENV" envDefault:"dev"`
	LogLevel  string `env:"CORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CORE_LOG_FORMAT" envDefault:"json"`

	// DatabaseFile backs the default tenant's sqlite store. The literal
	// value "memory" selects the in-process store instead.
	DatabaseFile  string `env:"CORE_DATABASE_FILE" envDefault:"keywarden.db"`
	MasterKeyPath string `env:"CORE_MASTER_KEY_PATH"`

	Algorithm         string        `env:"CORE_ALGORITHM" envDefault:"EdDSA"`
	KeyValidity       time.Duration `env:"CORE_KEY_VALIDITY" envDefault:"720h"`
	RotationThreshold time.Duration `env:"CORE_KEY_ROTATION_THRESHOLD" envDefault:"24h"`

	AccessTokenTTL     time.Duration `env:"CORE_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL    time.Duration `env:"CORE_REFRESH_TOKEN_TTL" envDefault:"720h"`
	RefreshGraceWindow time.Duration `env:"CORE_REFRESH_GRACE_WINDOW" envDefault:"60s"`
	ValidationLeeway   time.Duration `env:"CORE_VALIDATION_LEEWAY" envDefault:"5s"`
	AntiCSRFMode       string        `env:"CORE_ANTI_CSRF_MODE" envDefault:"none"`
	CheckRevocation    bool          `env:"CORE_CHECK_REVOCATION" envDefault:"false"`

	// SchedulerRateLimit paces maintenance fan-out in targets per second.
	// Zero leaves sweeps unpaced.
	SchedulerRateLimit  float64       `env:"CORE_SCHEDULER_RATE_LIMIT" envDefault:"0"`
	ShutdownGracePeriod time.Duration `env:"CORE_SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment config: %w", err)
	}
	return cfg, nil
}
