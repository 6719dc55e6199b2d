package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/clusterlens/decider/pkg/policy"
	"github.com/clusterlens/decider/pkg/stores"
	"github.com/clusterlens/decider/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. DECIDER_ENGINE_MAX_WORKERS.
const EnvPrefix = "DECIDER_"

// Config is the service configuration of the decision engine daemon.
type Config struct {
	Database       DatabaseConfig       `yaml:"database" envPrefix:"DB_"`
	DecisionEngine DecisionEngineConfig `yaml:"decision_engine" envPrefix:"ENGINE_"`
	Catalog        CatalogConfig        `yaml:"catalog" envPrefix:"CATALOG_"`
	Inventory      InventoryConfig      `yaml:"inventory" envPrefix:"INVENTORY_"`
	Strategies     StrategiesConfig     `yaml:"strategies" envPrefix:"STRATEGIES_"`
	Control        ControlConfig        `yaml:"control" envPrefix:"CONTROL_"`
	Policy         policy.Config        `yaml:"policy" envPrefix:"POLICY_"`
	Telemetry      telemetry.Config     `yaml:"telemetry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path            string        `yaml:"path" env:"PATH" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" validate:"gte=0"`
}

// StoreConfig converts the section into the store's own configuration.
func (d DatabaseConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}

// DecisionEngineConfig tunes the audit dispatcher.
type DecisionEngineConfig struct {
	// TopicControl names the request/response channel.
	TopicControl string `yaml:"topic_control" env:"TOPIC_CONTROL" validate:"required"`

	// TopicStatus names the publish/subscribe channel for audit events.
	TopicStatus string `yaml:"topic_status" env:"TOPIC_STATUS" validate:"required"`

	// PublisherID identifies this engine on the status channel.
	PublisherID string `yaml:"publisher_id" env:"PUBLISHER_ID" validate:"required"`

	// MaxWorkers bounds concurrent strategy executions.
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS" validate:"min=1"`

	// AdmissionTimeout bounds how long a request waits for a worker slot.
	// Zero waits for the caller's own deadline.
	AdmissionTimeout time.Duration `yaml:"admission_timeout" env:"ADMISSION_TIMEOUT" validate:"gte=0"`

	// StatusBuffer is the depth of the status channel's delivery queue.
	StatusBuffer int `yaml:"status_buffer" env:"STATUS_BUFFER" validate:"min=1"`
}

// CatalogConfig locates the goal and strategy catalog.
type CatalogConfig struct {
	// Path of a YAML catalog; empty selects the built-in catalog.
	Path  string `yaml:"path" env:"PATH"`
	Watch bool   `yaml:"watch" env:"WATCH"`
}

// InventoryConfig locates the compute inventory read by the compute collector.
type InventoryConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// StrategiesConfig controls scripted strategies.
type StrategiesConfig struct {
	// Dir holds *.star strategy scripts; empty loads none.
	Dir           string        `yaml:"dir" env:"DIR"`
	ScriptTimeout time.Duration `yaml:"script_timeout" env:"SCRIPT_TIMEOUT" validate:"gt=0"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Socket       string `yaml:"socket" env:"SOCKET" validate:"required"`
	StreamBuffer int    `yaml:"stream_buffer" env:"STREAM_BUFFER" validate:"min=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "decider.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
		},
		DecisionEngine: DecisionEngineConfig{
			TopicControl:     "watcher.decision.control",
			TopicStatus:      "watcher.decision.status",
			PublisherID:      "watcher.decision.api",
			MaxWorkers:       2,
			AdmissionTimeout: 30 * time.Second,
			StatusBuffer:     256,
		},
		Strategies: StrategiesConfig{
			ScriptTimeout: 30 * time.Second,
		},
		Control: ControlConfig{
			Socket:       "/run/decider/control.sock",
			StreamBuffer: 64,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies DECIDER_* environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, environ())
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, environment map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environment,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it, without looking at
// the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct constraints, then the telemetry section's own rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := make(ValidationErrors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed on %q constraint", fe.Tag()+paramSuffix(fe.Param())),
			})
		}
		return out
	}
	if err := c.Telemetry.Validate(); err != nil {
		return ValidationErrors{{Path: "telemetry", Message: err.Error()}}
	}
	return nil
}

// fieldPath turns "Config.DecisionEngine.MaxWorkers" into
// "decision_engine.max_workers".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
