package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSigningKeyLength is the shortest HS256 key accepted outside development.
const MinSigningKeyLength = 32

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	NATSURL           string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	RedisSnapshotTTL  time.Duration `mapstructure:"REDIS_SNAPSHOT_TTL"`

	AlertEmailRecipients []string      `mapstructure:"ALERT_EMAIL_RECIPIENTS"`
	AlertSMSRecipients   []string      `mapstructure:"ALERT_SMS_RECIPIENTS"`
	AlertTimeout         time.Duration `mapstructure:"ALERT_TIMEOUT"`

	DefaultAvgTreatmentMinutes int `mapstructure:"DEFAULT_AVG_TREATMENT_MINUTES"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "REQUEST_TIMEOUT",
	"NATS_URL", "NATS_SUBJECT_PREFIX", "REDIS_URL", "REDIS_SNAPSHOT_TTL",
	"ALERT_EMAIL_RECIPIENTS", "ALERT_SMS_RECIPIENTS", "ALERT_TIMEOUT",
	"DEFAULT_AVG_TREATMENT_MINUTES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("NATS_SUBJECT_PREFIX", "deptqueue.queue")
	v.SetDefault("REDIS_SNAPSHOT_TTL", "10m")
	v.SetDefault("ALERT_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_AVG_TREATMENT_MINUTES", 15)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AlertEmailRecipients = splitList(cfg.AlertEmailRecipients, v.GetString("ALERT_EMAIL_RECIPIENTS"))
	cfg.AlertSMSRecipients = splitList(cfg.AlertSMSRecipients, v.GetString("ALERT_SMS_RECIPIENTS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a token are treated as an admin.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY before going live.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalises a comma-separated list. viper may already have split
// the value, or may hand back the raw string; both end up trimmed with empty
// items dropped.
func splitList(decoded []string, raw string) []string {
	items := decoded
	if len(items) == 0 && raw != "" {
		items = strings.Split(raw, ",")
	}
	var out []string
	for _, it := range items {
		for _, part := range strings.Split(it, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is required so every queue action is attributable to a caller.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < MinSigningKeyLength {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes, got %d", MinSigningKeyLength, len(c.AuthSigningKey))
	}

	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.AlertTimeout <= 0 {
		return fmt.Errorf("ALERT_TIMEOUT must be positive, got %s", c.AlertTimeout)
	}
	if c.RedisURL != "" && c.RedisSnapshotTTL <= 0 {
		return fmt.Errorf("REDIS_SNAPSHOT_TTL must be positive when REDIS_URL is set, got %s", c.RedisSnapshotTTL)
	}
	if c.DefaultAvgTreatmentMinutes <= 0 {
		return fmt.Errorf("DEFAULT_AVG_TREATMENT_MINUTES must be positive, got %d", c.DefaultAvgTreatmentMinutes)
	}

	return nil
}
