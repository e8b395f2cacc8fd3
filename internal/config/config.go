// Package config loads the daemon configuration: defaults, then a YAML file,
// then EVOLVE_* environment overrides, then struct-tag validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/evolution-engine/internal/advisor"
	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/gcs"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/postgres"
	"github.com/danielpatrickdp/evolution-engine/internal/destination/s3"
	"github.com/danielpatrickdp/evolution-engine/internal/fitness"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/risk"
	"github.com/danielpatrickdp/evolution-engine/internal/rollback"
	"github.com/danielpatrickdp/evolution-engine/internal/validate"
)

// #region types
// Destination types.
const (
	DestMemory   = "memory"
	DestFS       = "fs"
	DestS3       = "s3"
	DestGCS      = "gcs"
	DestPostgres = "postgres"
)

// Destination configures one replication target. Exactly the block matching
// Type is read.
type Destination struct {
	Type     string           `yaml:"type" validate:"required,oneof=memory fs s3 gcs postgres"`
	ID       string           `yaml:"id"`
	Root     string           `yaml:"root" validate:"required_if=Type fs"`
	S3       *s3.Config       `yaml:"s3" validate:"required_if=Type s3"`
	GCS      *gcs.Config      `yaml:"gcs" validate:"required_if=Type gcs"`
	Postgres *postgres.Config `yaml:"postgres" validate:"required_if=Type postgres"`
}

// Audit configures the audit log sinks.
type Audit struct {
	FlushSize int `yaml:"flush_size" validate:"gte=1"`
	Keep      int `yaml:"keep" validate:"gte=0"`
	// JSONLPath, when set, adds a JSON-lines sink next to the SQLite table.
	JSONLPath string `yaml:"jsonl_path"`
}

// API configures the HTTP surface.
type API struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Maintenance configures background housekeeping.
type Maintenance struct {
	RetentionInterval time.Duration `yaml:"retention_interval" validate:"gt=0"`
	HealthInterval    time.Duration `yaml:"health_interval" validate:"gt=0"`
}

// Config is the whole daemon configuration.
type Config struct {
	DBPath       string                   `yaml:"db_path" validate:"required"`
	HalfLife     time.Duration            `yaml:"history_half_life" validate:"gt=0"`
	Logging      logging.Config           `yaml:"logging"`
	Audit        Audit                    `yaml:"audit"`
	Validation   validate.Config          `yaml:"validate"`
	Risk         risk.Config              `yaml:"risk"`
	Mutation     mutation.Config          `yaml:"mutation"`
	Autonomy     autonomy.Config          `yaml:"autonomy"`
	Replication  replication.Config       `yaml:"replication"`
	Queue        replication.BadgerConfig `yaml:"queue"`
	Fitness      fitness.Config           `yaml:"fitness"`
	Retention    rollback.RetentionPolicy `yaml:"retention"`
	Destinations []Destination            `yaml:"destinations" validate:"dive"`
	API          API                      `yaml:"api"`
	Advisor      advisor.Config           `yaml:"advisor"`
	Maintenance  Maintenance              `yaml:"maintenance"`
}
// #endregion types

// #region defaults
// Default returns a configuration that runs locally with one filesystem destination.
func Default() Config {
	return Config{
		DBPath:      "evolve.db",
		HalfLife:    24 * time.Hour,
		Logging:     logging.DefaultConfig(),
		Audit:       Audit{FlushSize: 32, Keep: 1000},
		Validation:  validate.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Mutation:    mutation.DefaultConfig(),
		Autonomy:    autonomy.DefaultConfig(),
		Replication: replication.DefaultConfig(),
		Queue:       replication.BadgerConfig{Path: "evolve-queue"},
		Fitness:     fitness.DefaultConfig(),
		Retention:   rollback.DefaultRetentionPolicy(),
		Destinations: []Destination{
			{Type: DestFS, ID: "local", Root: "evolve-replica"},
		},
		API:         API{Addr: "127.0.0.1:8088", ShutdownTimeout: 10 * time.Second},
		Advisor:     advisor.DefaultConfig(),
		Maintenance: Maintenance{RetentionInterval: time.Hour, HealthInterval: 30 * time.Second},
	}
}
// #endregion defaults

// #region load
// Load reads path over the defaults. An empty path uses defaults only. JSON
// files are accepted since the YAML decoder reads them as well.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Autonomy.AutoApproveCeiling > c.Autonomy.EscalationThreshold {
		return errors.New("invalid config: autonomy.auto_approve_ceiling above escalation_threshold")
	}
	if err := c.Replication.Retry.Check(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Destinations))
	for i, d := range c.Destinations {
		if d.ID == "" {
			continue
		}
		if seen[d.ID] {
			return fmt.Errorf("invalid config: destinations[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
// #endregion load

// #region env
type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var overrides = []envOverride{
	{"EVOLVE_DB_PATH", func(c *Config, v string) error { c.DBPath = v; return nil }},
	{"EVOLVE_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"EVOLVE_LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
	{"EVOLVE_API_ADDR", func(c *Config, v string) error { c.API.Addr = v; return nil }},
	{"EVOLVE_QUEUE_PATH", func(c *Config, v string) error { c.Queue.Path = v; return nil }},
	{"EVOLVE_AUDIT_JSONL", func(c *Config, v string) error { c.Audit.JSONLPath = v; return nil }},
	{"EVOLVE_AUTO_APPROVE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Autonomy.AutoApprove = b
		return err
	}},
	{"EVOLVE_AUTO_APPROVE_CEILING", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Autonomy.AutoApproveCeiling = f
		return err
	}},
	{"EVOLVE_ESCALATION_THRESHOLD", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Autonomy.EscalationThreshold = f
		return err
	}},
	{"EVOLVE_SESSION_BUDGET", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Autonomy.SessionBudget = n
		return err
	}},
	{"EVOLVE_MAX_SESSION_RUNTIME", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		c.Autonomy.MaxSessionRuntime = d
		return err
	}},
	{"EVOLVE_ADVISOR_ADDR", func(c *Config, v string) error {
		c.Advisor.Addr = v
		c.Advisor.Enabled = v != ""
		return nil
	}},
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, o := range overrides {
		v, ok := lookup(o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("%s=%q: %w", o.name, v, err)
		}
	}
	return nil
}
// #endregion env
