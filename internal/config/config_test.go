package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	os.WriteFile(path, []byte("mqtt:\n  topic: test/kinect\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/kinect-relay.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("missing explicit path must not be reported as ErrNoConfig")
	}
}

func TestFindConfig_NoneFound(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Skip("a config file exists in a system search path")
	}
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("FindConfig(\"\") error = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "kinect-relay.yaml"), []byte("log_level: debug\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "kinect-relay.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "kinect-relay.yaml")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"topic", cfg.MQTT.Topic, "nao/kinect"},
		{"qos", cfg.MQTT.QoS, 0},
		{"broker", cfg.MQTT.Broker, "mqtt://localhost:1883"},
		{"output file", cfg.Output.File, "kinect_data.json"},
		{"per body files", cfg.Output.PerBodyFiles, false},
		{"driver", cfg.Sensor.Driver, DriverSimulator},
		{"body slots", cfg.Sensor.BodySlots, 6},
		{"frame rate", cfg.Sensor.FrameRate, 30.0},
		{"tracked bodies", cfg.Sensor.Tracked(), 1},
		{"username", cfg.MQTT.Username, ""},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kinect-relay.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: mqtt://${KINECT_TEST_BROKER}:1883\n  password: ${KINECT_TEST_PASS}\n"), 0600)
	t.Setenv("KINECT_TEST_BROKER", "10.0.0.5")
	t.Setenv("KINECT_TEST_PASS", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Broker != "mqtt://10.0.0.5:1883" {
		t.Errorf("broker = %q, want %q", cfg.MQTT.Broker, "mqtt://10.0.0.5:1883")
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	// Unset fields still receive defaults.
	if cfg.MQTT.Topic != DefaultTopic {
		t.Errorf("topic = %q, want default %q", cfg.MQTT.Topic, DefaultTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kinect-relay.yaml")
	os.WriteFile(path, []byte(`
sensor:
  driver: replay
  replay_path: data:session.bin
  replay_loop: true
mqtt:
  qos: 1
  status_topic: nao/kinect/status
output:
  file: /tmp/latest.json
  per_body_files: true
viewer:
  enabled: true
  port: 9000
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Sensor.Driver != DriverReplay || !cfg.Sensor.ReplayLoop {
		t.Errorf("sensor = %+v, want looping replay driver", cfg.Sensor)
	}
	if cfg.MQTT.QoS != 1 || cfg.MQTT.StatusTopic != "nao/kinect/status" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if !cfg.Output.PerBodyFiles || cfg.Output.File != "/tmp/latest.json" {
		t.Errorf("output = %+v", cfg.Output)
	}
	if !cfg.Viewer.Enabled || cfg.Viewer.Port != 9000 {
		t.Errorf("viewer = %+v", cfg.Viewer)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad driver", func(c *Config) { c.Sensor.Driver = "kinect1" }, "unknown sensor.driver"},
		{"replay without path", func(c *Config) { c.Sensor.Driver = DriverReplay }, "replay_path"},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad scheme", func(c *Config) { c.MQTT.Broker = "http://broker:1883" }, "scheme"},
		{"no host", func(c *Config) { c.MQTT.Broker = "mqtt://" }, "no host"},
		{"too many tracked", func(c *Config) { n := 7; c.Sensor.TrackedBodies = &n }, "tracked_bodies"},
		{"viewer port", func(c *Config) { c.Viewer.Enabled = true; c.Viewer.Port = 70000 }, "viewer.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_TrackedBodiesZero(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"unset", "sensor:\n  driver: simulator\n", 1},
		{"explicit zero", "sensor:\n  tracked_bodies: 0\n", 0},
		{"explicit two", "sensor:\n  tracked_bodies: 2\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "kinect-relay.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if got := cfg.Sensor.Tracked(); got != tt.want {
				t.Errorf("Tracked() = %d, want %d", got, tt.want)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() error: %v", err)
			}
		})
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (MQTTConfig{}).Configured() {
		t.Error("empty MQTTConfig should not be configured")
	}
	if !(MQTTConfig{Broker: "mqtt://localhost"}).Configured() {
		t.Error("MQTTConfig with broker should be configured")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any() != slog.LevelInfo {
		t.Errorf("info level changed to %v", b.Value.Any())
	}
}
