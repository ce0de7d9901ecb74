// Package config loads the service settings from flags, environment and an
// optional YAML file.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"healthsync/internal/core"
	"healthsync/internal/llm"
	"healthsync/internal/logging"
)

// EnvPrefix namespaces every environment variable, e.g.
// HEALTHSYNC_SESSION_MESSAGE_CAP.
const EnvPrefix = "HEALTHSYNC"

// Config contains all runtime settings for the intake service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LLM llm.Config

	Variant core.Variant

	MessageCap               int
	SessionInactivityTimeout time.Duration

	Window core.WindowPolicy

	Log logging.Config
}

var defaults = map[string]any{
	"bind_addr":                  ":8080",
	"shutdown_timeout":           15 * time.Second,
	"metrics_namespace":          "healthsync",
	"llm.base_url":               llm.DefaultBaseURL,
	"llm.model":                  llm.DefaultModel,
	"llm.timeout":                time.Duration(0),
	"schema.variant":             string(core.VariantIntake),
	"session.message_cap":        50,
	"session.inactivity_timeout": 30 * time.Minute,
	"context.max_turns":          0,
	"context.max_tokens":         0,
	"log.level":                  "info",
	"log.format":                 "auto",
	"log.file":                   "",
	"log.with_caller":            false,
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"bind-addr":          "bind_addr",
	"api-key":            "llm.api_key",
	"base-url":           "llm.base_url",
	"model":              "llm.model",
	"llm-timeout":        "llm.timeout",
	"variant":            "schema.variant",
	"message-cap":        "session.message_cap",
	"max-context-turns":  "context.max_turns",
	"max-context-tokens": "context.max_tokens",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"log-file":           "log.file",
	"with-caller":        "log.with_caller",
	"inactivity-timeout": "session.inactivity_timeout",
	"shutdown-timeout":   "shutdown_timeout",
	"metrics-namespace":  "metrics_namespace",
}

// AddFlags registers the flags understood by BindFlags. Flag defaults are
// empty so that unset flags never shadow the environment or config file.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML config file")
	fs.String("bind-addr", "", "HTTP listen address (default :8080)")
	fs.String("api-key", "", "Together AI API key")
	fs.String("base-url", "", "OpenAI-compatible API base URL")
	fs.String("model", "", "Model identifier")
	fs.Duration("llm-timeout", 0, "Upstream request timeout (0 = none)")
	fs.String("variant", "", "Record schema: intake, soap or chart-delta")
	fs.Int("message-cap", 0, "Patient messages allowed per session (default 50)")
	fs.Int("max-context-turns", 0, "Most recent turns sent upstream (0 = all)")
	fs.Int("max-context-tokens", 0, "Token budget for each upstream request (0 = unlimited)")
	fs.Duration("inactivity-timeout", 0, "Idle time before a session is evicted")
	fs.Duration("shutdown-timeout", 0, "Graceful shutdown timeout")
	fs.String("metrics-namespace", "", "Prometheus metrics namespace")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-format", "", "Log format (json, text, auto)")
	fs.String("log-file", "", "Also write logs to this file, rotated")
	fs.Bool("with-caller", false, "Log caller")
}

// NewViper returns a viper instance with defaults, environment binding and,
// when configFile is set, the file read in.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "TOGETHER_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "bind api key env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// BindFlags binds every flag that was explicitly set on the command line.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag --%s", name)
		}
	}
	return nil
}

// Load reads the settings out of v and validates them.
func Load(v *viper.Viper) (Config, error) {
	variant, err := core.ParseVariant(v.GetString("schema.variant"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BindAddr:         v.GetString("bind_addr"),
		ShutdownTimeout:  v.GetDuration("shutdown_timeout"),
		MetricsNamespace: v.GetString("metrics_namespace"),
		LLM: llm.Config{
			APIKey:  strings.TrimSpace(v.GetString("llm.api_key")),
			BaseURL: strings.TrimSpace(v.GetString("llm.base_url")),
			Model:   strings.TrimSpace(v.GetString("llm.model")),
			Timeout: v.GetDuration("llm.timeout"),
		},
		Variant:                  variant,
		MessageCap:               v.GetInt("session.message_cap"),
		SessionInactivityTimeout: v.GetDuration("session.inactivity_timeout"),
		Window: core.WindowPolicy{
			MaxTurns:  v.GetInt("context.max_turns"),
			MaxTokens: v.GetInt("context.max_tokens"),
		},
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			WithCaller: v.GetBool("log.with_caller"),
		},
	}

	if cfg.LLM.APIKey == "" {
		return Config{}, errors.Wrap(llm.ErrMissingCredential, "set HEALTHSYNC_LLM_API_KEY or TOGETHER_API_KEY")
	}
	if cfg.BindAddr == "" {
		return Config{}, errors.New("bind_addr must not be empty")
	}
	if cfg.MessageCap < 0 {
		return Config{}, errors.New("session.message_cap must be >= 0")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, errors.New("session.inactivity_timeout must be at least 5s")
	}
	if cfg.Window.MaxTurns < 0 || cfg.Window.MaxTokens < 0 {
		return Config{}, errors.New("context.max_turns and context.max_tokens must be >= 0")
	}
	if cfg.LLM.Timeout < 0 {
		return Config{}, errors.New("llm.timeout must be >= 0")
	}
	return cfg, nil
}
