// Package config loads the guardian service configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and GUARDIAN_* environment variables (a .env file in the working
// directory or one of its parents is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Guardian   GuardianConfig   `mapstructure:"guardian" yaml:"guardian"`
	Drift      DriftConfig      `mapstructure:"drift" yaml:"drift"`
	Innovation InnovationConfig `mapstructure:"innovation" yaml:"innovation"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	GDPR       GDPRConfig       `mapstructure:"gdpr" yaml:"gdpr"`
	Responder  ResponderConfig  `mapstructure:"responder" yaml:"responder"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json | text
}

// RedisConfig configures the decision cache and drift session store.
// An empty Addr disables Redis; in-memory fallbacks are used instead.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// NATSConfig configures event publication. An empty URL disables it.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

type StorageConfig struct {
	// Path of the SQLite database holding the audit trail and GDPR records.
	Path string `mapstructure:"path" yaml:"path"`
}

// PolicyConfig points at optional policy documents. Empty paths use the
// built-in defaults.
type PolicyConfig struct {
	PrinciplesFile string `mapstructure:"principles_file" yaml:"principles_file"`
	DriftFile      string `mapstructure:"drift_file" yaml:"drift_file"`
	SafetyFile     string `mapstructure:"safety_file" yaml:"safety_file"`
}

type GuardianConfig struct {
	WarnThreshold  float64 `mapstructure:"warn_threshold" yaml:"warn_threshold"`
	BlockThreshold float64 `mapstructure:"block_threshold" yaml:"block_threshold"`
	// Constellation weights for identity, consciousness and guardian risk.
	IdentityWeight      float64 `mapstructure:"identity_weight" yaml:"identity_weight"`
	ConsciousnessWeight float64 `mapstructure:"consciousness_weight" yaml:"consciousness_weight"`
	GuardianWeight      float64 `mapstructure:"guardian_weight" yaml:"guardian_weight"`
}

type DriftConfig struct {
	Alpha      float64       `mapstructure:"alpha" yaml:"alpha"`
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	Decay      float64       `mapstructure:"decay" yaml:"decay"`
}

type InnovationConfig struct {
	HallucinationThreshold float64  `mapstructure:"hallucination_threshold" yaml:"hallucination_threshold"`
	Seed                   []string `mapstructure:"seed" yaml:"seed"`
	MaxCheckpoints         int      `mapstructure:"max_checkpoints" yaml:"max_checkpoints"`
}

// EngineConfig configures the consciousness engine.
type EngineConfig struct {
	QueueSize           int     `mapstructure:"queue_size" yaml:"queue_size"`
	Window              int     `mapstructure:"window" yaml:"window"`
	ReflectiveThreshold float64 `mapstructure:"reflective_threshold" yaml:"reflective_threshold"`
	SuspendOnCritical   bool    `mapstructure:"suspend_on_critical" yaml:"suspend_on_critical"`
}

type GDPRConfig struct {
	RequireConsent bool          `mapstructure:"require_consent" yaml:"require_consent"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
}

// ResponderConfig selects how allowed requests are answered. Provider is
// "echo" or "openai".
type ResponderConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Model     string        `mapstructure:"model" yaml:"model"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Attempts  int           `mapstructure:"attempts" yaml:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// ScheduleConfig holds cron specs (with seconds). Empty disables a job.
type ScheduleConfig struct {
	VerifyAudit    string `mapstructure:"verify_audit" yaml:"verify_audit"`
	RetentionPurge string `mapstructure:"retention_purge" yaml:"retention_purge"`
	DriftDecay     string `mapstructure:"drift_decay" yaml:"drift_decay"`
}

// Default returns a configuration that runs without any external service.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8084",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{CacheTTL: time.Hour},
		NATS:    NATSConfig{Subject: "guardian.events"},
		Storage: StorageConfig{Path: "data/guardian.db"},
		Guardian: GuardianConfig{
			WarnThreshold:       0.35,
			BlockThreshold:      0.75,
			IdentityWeight:      0.2,
			ConsciousnessWeight: 0.4,
			GuardianWeight:      0.4,
		},
		Drift: DriftConfig{
			Alpha:      0.3,
			SessionTTL: 24 * time.Hour,
			Decay:      0.9,
		},
		Innovation: InnovationConfig{HallucinationThreshold: 0.6, MaxCheckpoints: 256},
		Engine: EngineConfig{
			QueueSize:           256,
			Window:              50,
			ReflectiveThreshold: 0.6,
			SuspendOnCritical:   false,
		},
		GDPR: GDPRConfig{Retention: 90 * 24 * time.Hour},
		Responder: ResponderConfig{
			Provider:  "echo",
			BaseURL:   "https://api.openai.com",
			Model:     "gpt-4o-mini",
			Timeout:   60 * time.Second,
			Attempts:  3,
			BaseDelay: 500 * time.Millisecond,
		},
		Schedule: ScheduleConfig{
			VerifyAudit:    "0 */15 * * * *",
			RetentionPurge: "0 0 3 * * *",
			DriftDecay:     "0 0 * * * *",
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	g := c.Guardian
	if g.WarnThreshold <= 0 || g.WarnThreshold >= 1 {
		errs = append(errs, fmt.Errorf("guardian.warn_threshold must be in (0,1), got %v", g.WarnThreshold))
	}
	if g.BlockThreshold <= g.WarnThreshold || g.BlockThreshold > 1 {
		errs = append(errs, fmt.Errorf("guardian.block_threshold must be in (warn_threshold,1], got %v", g.BlockThreshold))
	}
	if g.IdentityWeight < 0 || g.ConsciousnessWeight < 0 || g.GuardianWeight < 0 {
		errs = append(errs, errors.New("guardian weights must be non-negative"))
	}
	if g.IdentityWeight+g.ConsciousnessWeight+g.GuardianWeight == 0 {
		errs = append(errs, errors.New("guardian weights must not all be zero"))
	}
	if c.Drift.Alpha <= 0 || c.Drift.Alpha > 1 {
		errs = append(errs, fmt.Errorf("drift.alpha must be in (0,1], got %v", c.Drift.Alpha))
	}
	if c.Drift.Decay < 0 || c.Drift.Decay > 1 {
		errs = append(errs, fmt.Errorf("drift.decay must be in [0,1], got %v", c.Drift.Decay))
	}
	if c.Engine.QueueSize <= 0 || c.Engine.Window <= 0 {
		errs = append(errs, errors.New("engine.queue_size and engine.window must be positive"))
	}
	switch strings.ToLower(c.Responder.Provider) {
	case "echo", "openai":
	default:
		errs = append(errs, fmt.Errorf("responder.provider %q is not supported", c.Responder.Provider))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from path (may be empty) and the environment.
func Load(path string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Info().Str("path", v.ConfigFileUsed()).Msg("loaded configuration file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"server.addr":                        d.Server.Addr,
		"server.read_timeout":                d.Server.ReadTimeout,
		"server.write_timeout":               d.Server.WriteTimeout,
		"server.shutdown_timeout":            d.Server.ShutdownTimeout,
		"logging.level":                      d.Logging.Level,
		"logging.format":                     d.Logging.Format,
		"redis.addr":                         d.Redis.Addr,
		"redis.password":                     d.Redis.Password,
		"redis.db":                           d.Redis.DB,
		"redis.cache_ttl":                    d.Redis.CacheTTL,
		"nats.url":                           d.NATS.URL,
		"nats.subject":                       d.NATS.Subject,
		"storage.path":                       d.Storage.Path,
		"policy.principles_file":             d.Policy.PrinciplesFile,
		"policy.drift_file":                  d.Policy.DriftFile,
		"policy.safety_file":                 d.Policy.SafetyFile,
		"guardian.warn_threshold":            d.Guardian.WarnThreshold,
		"guardian.block_threshold":           d.Guardian.BlockThreshold,
		"guardian.identity_weight":           d.Guardian.IdentityWeight,
		"guardian.consciousness_weight":      d.Guardian.ConsciousnessWeight,
		"guardian.guardian_weight":           d.Guardian.GuardianWeight,
		"drift.alpha":                        d.Drift.Alpha,
		"drift.session_ttl":                  d.Drift.SessionTTL,
		"drift.decay":                        d.Drift.Decay,
		"innovation.hallucination_threshold": d.Innovation.HallucinationThreshold,
		"innovation.seed":                    []string{},
		"innovation.max_checkpoints":         d.Innovation.MaxCheckpoints,
		"engine.queue_size":                  d.Engine.QueueSize,
		"engine.window":                      d.Engine.Window,
		"engine.reflective_threshold":        d.Engine.ReflectiveThreshold,
		"engine.suspend_on_critical":         d.Engine.SuspendOnCritical,
		"gdpr.require_consent":               d.GDPR.RequireConsent,
		"gdpr.retention":                     d.GDPR.Retention,
		"responder.provider":                 d.Responder.Provider,
		"responder.base_url":                 d.Responder.BaseURL,
		"responder.api_key":                  d.Responder.APIKey,
		"responder.model":                    d.Responder.Model,
		"responder.timeout":                  d.Responder.Timeout,
		"responder.attempts":                 d.Responder.Attempts,
		"responder.base_delay":               d.Responder.BaseDelay,
		"schedule.verify_audit":              d.Schedule.VerifyAudit,
		"schedule.retention_purge":           d.Schedule.RetentionPurge,
		"schedule.drift_decay":               d.Schedule.DriftDecay,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// loadDotEnv looks for a .env file in the working directory and its parents.
// The file is optional.
func loadDotEnv() {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	for dir := wd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			if err := godotenv.Load(candidate); err != nil {
				log.Warn().Err(err).Str("path", candidate).Msg("failed to load .env file")
			} else {
				log.Debug().Str("path", candidate).Msg("loaded .env file")
			}
			return
		}
		if dir == filepath.Dir(dir) {
			return
		}
	}
}
