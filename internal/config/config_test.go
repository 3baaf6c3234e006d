package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestViperConfigGetString(t *testing.T) {
	v := viper.New()
	v.Set("name", "test")
	cfg := New(v)

	if got := cfg.GetString("name"); got != "test" {
		t.Errorf("GetString('name') = %q, want %q", got, "test")
	}
}

func TestViperConfigGetInt(t *testing.T) {
	v := viper.New()
	v.Set("port", 8080)
	cfg := New(v)

	if got := cfg.GetInt("port"); got != 8080 {
		t.Errorf("GetInt('port') = %d, want %d", got, 8080)
	}
}

func TestViperConfigGetBool(t *testing.T) {
	v := viper.New()
	v.Set("enabled", true)
	cfg := New(v)

	if got := cfg.GetBool("enabled"); !got {
		t.Error("GetBool('enabled') = false, want true")
	}
}

func TestViperConfigGetDuration(t *testing.T) {
	v := viper.New()
	v.Set("timeout", "5s")
	cfg := New(v)

	want := 5 * time.Second
	if got := cfg.GetDuration("timeout"); got != want {
		t.Errorf("GetDuration('timeout') = %v, want %v", got, want)
	}
}

func TestViperConfigIsSet(t *testing.T) {
	v := viper.New()
	v.Set("exists", true)
	cfg := New(v)

	if !cfg.IsSet("exists") {
		t.Error("IsSet('exists') = false, want true")
	}
	if cfg.IsSet("missing") {
		t.Error("IsSet('missing') = true, want false")
	}
}

func TestViperConfigSub(t *testing.T) {
	v := viper.New()
	v.Set("plugins.recon.enabled", true)
	v.Set("plugins.recon.interval", 30)
	cfg := New(v)

	sub := cfg.Sub("plugins.recon")
	if sub == nil {
		t.Fatal("Sub('plugins.recon') = nil")
	}
	if got := sub.GetBool("enabled"); !got {
		t.Error("sub.GetBool('enabled') = false, want true")
	}
	if got := sub.GetInt("interval"); got != 30 {
		t.Errorf("sub.GetInt('interval') = %d, want %d", got, 30)
	}
}

func TestViperConfigSubMissing(t *testing.T) {
	v := viper.New()
	cfg := New(v)

	sub := cfg.Sub("nonexistent")
	if sub == nil {
		t.Fatal("Sub('nonexistent') should return empty Config, not nil")
	}
	// Should return zero values without panic.
	if got := cfg.GetString("anything"); got != "" {
		t.Errorf("empty config GetString() = %q, want empty", got)
	}
	_ = sub
}

func TestViperConfigUnmarshal(t *testing.T) {
	v := viper.New()
	v.Set("host", "localhost")
	v.Set("port", 9090)
	cfg := New(v)

	var target struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	}
	if err := cfg.Unmarshal(&target); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if target.Host != "localhost" {
		t.Errorf("Host = %q, want %q", target.Host, "localhost")
	}
	if target.Port != 9090 {
		t.Errorf("Port = %d, want %d", target.Port, 9090)
	}
}

func TestNilViper(t *testing.T) {
	cfg := New(nil)
	// Should not panic and return zero values.
	if got := cfg.GetString("key"); got != "" {
		t.Errorf("nil viper GetString() = %q, want empty", got)
	}
}

func TestNilConfig(t *testing.T) {
	var cfg *Config
	if got := cfg.GetInt("port"); got != 0 {
		t.Errorf("nil Config GetInt() = %d, want 0", got)
	}
	if cfg.Sub("scan") == nil {
		t.Error("nil Config Sub() = nil, want empty Config")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		key  string
		want any
	}{
		{"server.port", 3001},
		{"server.cors_origin", "http://localhost:3000"},
		{"scan.mock_mode", true},
		{"scan.device_count", 15},
		{"scan.duration_ms", 8000},
		{"scan.base_ip", "192.168.1"},
		{"event.buffer", 64},
		{"history.dsn", ":memory:"},
		{"mqtt.topic_prefix", "netmapper"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			var got any
			switch tt.want.(type) {
			case int:
				got = cfg.GetInt(tt.key)
			case bool:
				got = cfg.GetBool(tt.key)
			default:
				got = cfg.GetString(tt.key)
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
			}
		})
	}

	if got := cfg.GetDuration("server.ws_write_timeout"); got != 5*time.Second {
		t.Errorf("server.ws_write_timeout = %v, want 5s", got)
	}
	if got := cfg.Addr(); got != ":3001" {
		t.Errorf("Addr() = %q, want :3001", got)
	}
}

func TestLoadLegacyEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("MOCK_MODE", "false")
	t.Setenv("SCAN_DEVICE_COUNT", "5")
	t.Setenv("SCAN_DURATION_MS", "500")
	t.Setenv("CORS_ORIGIN", "http://example.test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetInt("server.port"); got != 4000 {
		t.Errorf("server.port = %d, want 4000", got)
	}
	if cfg.GetBool("scan.mock_mode") {
		t.Error("scan.mock_mode = true, want false")
	}
	if got := cfg.GetString("server.cors_origin"); got != "http://example.test" {
		t.Errorf("server.cors_origin = %q", got)
	}

	var scan struct {
		DeviceCount int `mapstructure:"device_count"`
		DurationMS  int `mapstructure:"duration_ms"`
	}
	if err := cfg.Sub("scan").Unmarshal(&scan); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if scan.DeviceCount != 5 || scan.DurationMS != 500 {
		t.Errorf("scan sub-config = %+v, want device_count=5 duration_ms=500", scan)
	}
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("NETMAPPER_SERVER_PORT", "5000")
	t.Setenv("NETMAPPER_EVENT_BUFFER", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetInt("server.port"); got != 5000 {
		t.Errorf("server.port = %d, want 5000", got)
	}
	if got := cfg.GetInt("event.buffer"); got != 8 {
		t.Errorf("event.buffer = %d, want 8", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netmapper.yaml")
	data := []byte("server:\n  port: 9999\nscan:\n  producer: mdns\n  probe_timeout: 250ms\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetInt("server.port"); got != 9999 {
		t.Errorf("server.port = %d, want 9999", got)
	}
	sub := cfg.Sub("scan")
	if got := sub.GetString("producer"); got != "mdns" {
		t.Errorf("scan.producer = %q, want mdns", got)
	}
	if got := sub.GetDuration("probe_timeout"); got != 250*time.Millisecond {
		t.Errorf("scan.probe_timeout = %v, want 250ms", got)
	}
	if got := sub.GetInt("device_count"); got != 15 {
		t.Errorf("scan.device_count = %d, want default 15", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with missing explicit file error = nil, want error")
	}
}
