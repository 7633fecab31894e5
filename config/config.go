// Package config loads a model.Config from defaults, an optional YAML
// file, and environment variable overrides, following the layering the
// teacher's own configuration loader uses.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/posthorn/posthorn/internal/model"
	"github.com/posthorn/posthorn/internal/obslog"
)

// fileConfig mirrors model.Config's shape for unmarshalling, since
// model.Config carries unexported-by-convention runtime fields (Logger,
// Metrics) that have no file representation.
type fileConfig struct {
	HeloName            string `mapstructure:"helo_name"`
	SMTPTimeoutSecs     uint64 `mapstructure:"smtp_timeout_secs"`
	BaseResendDelaySecs uint64 `mapstructure:"base_resend_delay_secs"`
	RequireTLS          bool   `mapstructure:"require_tls"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Delivery struct {
		Mode  string `mapstructure:"mode"`
		Relay struct {
			Host       string `mapstructure:"host"`
			Port       int    `mapstructure:"port"`
			UseTLS     bool   `mapstructure:"use_tls"`
			RequireTLS bool   `mapstructure:"require_tls"`
			Username   string `mapstructure:"username"`
			Password   string `mapstructure:"password"`
		} `mapstructure:"relay"`
		Remote struct {
			Resolver       string `mapstructure:"resolver"`
			ResolverAddr   string `mapstructure:"resolver_addr"`
			ResolverProto  string `mapstructure:"resolver_protocol"`
			ResolverTLSSNI string `mapstructure:"resolver_tls_server_name"`
		} `mapstructure:"remote"`
	} `mapstructure:"delivery"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"helo_name":                "localhost",
		"smtp_timeout_secs":        30,
		"base_resend_delay_secs":   60,
		"logging.level":            "info",
		"logging.format":           "json",
		"delivery.mode":            "remote",
		"delivery.remote.resolver": "system",
	}
}

// Load reads configuration from defaults, an optional YAML file at path,
// and environment variables prefixed POSTHORN_ (POSTHORN_HELO_NAME,
// POSTHORN_DELIVERY__RELAY__HOST, ...; a double underscore nests into the
// next config section, since "." can't appear in an env var name), then
// validates the result.
func Load(path string) (model.Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return model.Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return model.Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("POSTHORN_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "POSTHORN_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return model.Config{}, fmt.Errorf("config: loading env: %w", err)
	}

	var fc fileConfig
	if err := k.UnmarshalWithConf("", &fc, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return model.Config{}, fmt.Errorf("config: unmarshalling: %w", err)
	}

	cfg := model.Config{
		HeloName:            fc.HeloName,
		SMTPTimeoutSecs:     fc.SMTPTimeoutSecs,
		BaseResendDelaySecs: fc.BaseResendDelaySecs,
		RequireTLS:          fc.RequireTLS,
		Logger:              newLogger(fc.Logging.Level, fc.Logging.Format),
	}

	switch fc.Delivery.Mode {
	case "relay":
		var auth *model.RelayAuth
		if fc.Delivery.Relay.Username != "" {
			auth = &model.RelayAuth{Username: fc.Delivery.Relay.Username, Password: fc.Delivery.Relay.Password}
		}
		cfg.Delivery.Relay = &model.RelayConfig{
			Host:       fc.Delivery.Relay.Host,
			Port:       fc.Delivery.Relay.Port,
			UseTLS:     fc.Delivery.Relay.UseTLS,
			RequireTLS: fc.Delivery.Relay.RequireTLS,
			Auth:       auth,
		}
	default:
		setup, err := resolverSetup(fc)
		if err != nil {
			return model.Config{}, err
		}
		cfg.Delivery.Remote = &model.RemoteConfig{Resolver: setup}
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the slog.Logger every Config carries, wrapping the
// chosen output handler with obslog so delivery log lines pick up the
// message ID the worker attaches to their context.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(obslog.New(handler))
}

func resolverSetup(fc fileConfig) (model.ResolverSetup, error) {
	switch fc.Delivery.Remote.Resolver {
	case "", "system":
		return model.ResolverSetup{Kind: model.ResolverSystemConf}, nil
	case "google":
		return model.ResolverSetup{Kind: model.ResolverGoogle}, nil
	case "cloudflare":
		return model.ResolverSetup{Kind: model.ResolverCloudflare}, nil
	case "quad9":
		return model.ResolverSetup{Kind: model.ResolverQuad9}, nil
	case "specific":
		return model.ResolverSetup{
			Kind: model.ResolverSpecific,
			Specific: &model.SpecificResolver{
				Addr:          fc.Delivery.Remote.ResolverAddr,
				Protocol:      fc.Delivery.Remote.ResolverProto,
				TLSServerName: fc.Delivery.Remote.ResolverTLSSNI,
			},
		}, nil
	default:
		return model.ResolverSetup{}, fmt.Errorf("config: unknown resolver %q", fc.Delivery.Remote.Resolver)
	}
}
