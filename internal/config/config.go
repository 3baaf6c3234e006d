// Package config wraps viper with nil-safe accessors and the netmapper
// defaults and environment bindings.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable derived from a key.
const EnvPrefix = "NETMAPPER"

// legacyEnv maps config keys to the unprefixed environment variables the
// service has always honored.
var legacyEnv = map[string]string{
	"server.port":        "PORT",
	"server.cors_origin": "CORS_ORIGIN",
	"scan.mock_mode":     "MOCK_MODE",
	"scan.device_count":  "SCAN_DEVICE_COUNT",
	"scan.duration_ms":   "SCAN_DURATION_MS",
}

// Config is a read-only view over a viper instance. The zero value and a
// Config built from a nil viper return zero values for every key.
type Config struct {
	v *viper.Viper
}

// New wraps v.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

// Load reads configuration from path (or netmapper.yaml in the working
// directory or /etc/netmapper when path is empty), layered over the
// defaults and under environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return New(v), nil
	}

	v.SetConfigName("netmapper")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/netmapper")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return New(v), nil
}

// SetDefaults installs the default value of every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.cors_origin", "http://localhost:3000")
	v.SetDefault("server.ws_write_timeout", 5*time.Second)

	v.SetDefault("scan.mock_mode", true)
	v.SetDefault("scan.producer", "")
	v.SetDefault("scan.device_count", 15)
	v.SetDefault("scan.duration_ms", 8000)
	v.SetDefault("scan.base_ip", "192.168.1")
	v.SetDefault("scan.subnet", "")
	v.SetDefault("scan.concurrency", 64)
	v.SetDefault("scan.rate", 200)
	v.SetDefault("scan.probe_timeout", time.Second)
	v.SetDefault("scan.gateway_probe", "1.1.1.1")

	v.SetDefault("event.buffer", 64)

	v.SetDefault("history.dsn", ":memory:")
	v.SetDefault("history.limit", 50)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic_prefix", "netmapper")
	v.SetDefault("mqtt.client_id", "netmapper")

	v.SetDefault("log.development", false)
}

func (c *Config) viper() *viper.Viper {
	if c == nil || c.v == nil {
		return viper.New()
	}
	return c.v
}

// GetString returns the value of key as a string.
func (c *Config) GetString(key string) string { return c.viper().GetString(key) }

// GetInt returns the value of key as an int.
func (c *Config) GetInt(key string) int { return c.viper().GetInt(key) }

// GetBool returns the value of key as a bool.
func (c *Config) GetBool(key string) bool { return c.viper().GetBool(key) }

// GetFloat64 returns the value of key as a float64.
func (c *Config) GetFloat64(key string) float64 { return c.viper().GetFloat64(key) }

// GetDuration returns the value of key as a duration.
func (c *Config) GetDuration(key string) time.Duration { return c.viper().GetDuration(key) }

// IsSet reports whether key has a value from any source.
func (c *Config) IsSet(key string) bool { return c.viper().IsSet(key) }

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error { return c.viper().Unmarshal(target) }

// UnmarshalKey decodes the subtree at key into target.
func (c *Config) UnmarshalKey(key string, target any) error {
	return c.viper().UnmarshalKey(key, target)
}

// Sub returns the subtree rooted at key, including values that came from
// defaults and the environment. A missing key yields an empty Config.
func (c *Config) Sub(key string) *Config {
	sub := viper.New()
	node := any(c.viper().AllSettings())
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return New(sub)
		}
		node = m[part]
	}
	if m, ok := node.(map[string]any); ok {
		_ = sub.MergeConfigMap(m)
	}
	return New(sub)
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetString("server.host"), c.GetInt("server.port"))
}
