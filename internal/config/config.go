package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/hl7hub/internal/platform/structure"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	SchemaRoot         string        `mapstructure:"SCHEMA_ROOT"`
	StandardSchemaRoot string        `mapstructure:"STANDARD_SCHEMA_ROOT"`
	StructureFallbacks string        `mapstructure:"STRUCTURE_FALLBACKS"`
	SynthesizeFlows    string        `mapstructure:"SYNTHESIZE_FLOWS"`
	DefaultFlow        string        `mapstructure:"DEFAULT_FLOW"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	MLLPAddr           string        `mapstructure:"MLLP_ADDR"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	RetentionDays      int           `mapstructure:"RETENTION_DAYS"`
	RetentionSchedule  string        `mapstructure:"RETENTION_SCHEDULE"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StreamOrigins      string        `mapstructure:"STREAM_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"SCHEMA_ROOT", "STANDARD_SCHEMA_ROOT", "STRUCTURE_FALLBACKS", "SYNTHESIZE_FLOWS", "DEFAULT_FLOW",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"MLLP_ADDR",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"RETENTION_DAYS", "RETENTION_SCHEDULE",
	"BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"STREAM_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SCHEMA_ROOT", "./schemas/flows")
	v.SetDefault("STANDARD_SCHEMA_ROOT", "./schemas/standards")
	v.SetDefault("STRUCTURE_FALLBACKS", structure.DefaultFallbacks().String())
	v.SetDefault("SYNTHESIZE_FLOWS", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "hl7hub")
	v.SetDefault("RETENTION_DAYS", 90)
	v.SetDefault("RETENTION_SCHEDULE", "@daily")
	v.SetDefault("BODY_LIMIT", "2M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PersistenceEnabled reports whether validation results are stored.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// Fallbacks parses STRUCTURE_FALLBACKS.
func (c *Config) Fallbacks() (structure.FallbackTable, error) {
	return structure.ParseFallbacks(c.StructureFallbacks)
}

// SynthesizeSet returns the flows with required-segment synthesis enabled.
func (c *Config) SynthesizeSet() map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Split(c.SynthesizeFlows, ",") {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = true
		}
	}
	return set
}

// StreamOriginList returns the origins allowed to open the result stream.
// Empty allows any origin.
func (c *Config) StreamOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.StreamOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Retention returns the result retention window, or 0 when disabled.
func (c *Config) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Validate rejects configurations that cannot run safely. Outside
// development, the API needs either a signing key or an issuer/JWKS to
// verify tokens against.
func (c *Config) Validate() error {
	if c.SchemaRoot == "" {
		return fmt.Errorf("SCHEMA_ROOT is required")
	}
	if _, err := c.Fallbacks(); err != nil {
		return fmt.Errorf("STRUCTURE_FALLBACKS: %w", err)
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
