// Package config handles kinect-relay configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Sensor drivers understood by [SensorConfig.Driver].
const (
	DriverSimulator = "simulator"
	DriverZMQ       = "zmq"
	DriverReplay    = "replay"
)

// Defaults for the relay's fixed output contract.
const (
	DefaultTopic      = "nao/kinect"
	DefaultOutputFile = "kinect_data.json"
	DefaultBroker     = "mqtt://localhost:1883"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./kinect-relay.yaml, ~/.config/kinect-relay/config.yaml,
// /etc/kinect-relay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"kinect-relay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kinect-relay", "config.yaml"))
	}

	paths = append(paths, "/etc/kinect-relay/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and none of the search paths exist. Callers fall back to
// [Default] in that case.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all kinect-relay configuration.
type Config struct {
	Sensor    SensorConfig  `yaml:"sensor"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Output    OutputConfig  `yaml:"output"`
	Journal   JournalConfig `yaml:"journal"`
	Viewer    ViewerConfig  `yaml:"viewer"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text or json
}

// SensorConfig selects and tunes the body frame source.
type SensorConfig struct {
	// Driver is one of simulator, zmq, replay.
	Driver string `yaml:"driver"`
	// Endpoint is the ZeroMQ endpoint the SDK shim pushes frames to.
	Endpoint string `yaml:"endpoint"`
	// ReplayPath is the rawlog recording played by the replay driver.
	ReplayPath string `yaml:"replay_path"`
	ReplayLoop bool   `yaml:"replay_loop"`
	// FrameRate is the simulator's frames per second (default 30).
	FrameRate float64 `yaml:"frame_rate"`
	// BodySlots is the number of body slots per frame (default 6).
	BodySlots int `yaml:"body_slots"`
	// TrackedBodies is how many simulated slots carry a tracked body.
	// Nil means 1; an explicit 0 produces an all-untracked stream.
	TrackedBodies *int `yaml:"tracked_bodies"`
	// RecordPath, when set, records every acquired frame as a rawlog.
	RecordPath string `yaml:"record_path"`
}

// Tracked returns the configured tracked body count, 1 when unset.
func (c SensorConfig) Tracked() int {
	if c.TrackedBodies == nil {
		return 1
	}
	return *c.TrackedBodies
}

// MQTTConfig defines the broker connection and publish options.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StatusTopic, when set, receives a retained "online" on connect and
	// "offline" via will message or clean shutdown.
	StatusTopic       string `yaml:"status_topic"`
	KeepAliveSec      int    `yaml:"keepalive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// OutputConfig defines the latest-frame file.
type OutputConfig struct {
	File string `yaml:"file"`
	// PerBodyFiles writes each body slot to its own file instead of
	// overwriting one file per tracked body.
	PerBodyFiles bool `yaml:"per_body_files"`
}

// JournalConfig enables the SQLite audit journal of published messages.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ViewerConfig enables the WebSocket live viewer.
type ViewerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and applies defaults. It does not validate; call
// [Config.Validate] afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns the configuration used when no config file exists:
// simulated sensor, local broker, kinect_data.json in the working
// directory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Sensor.Driver == "" {
		c.Sensor.Driver = DriverSimulator
	}
	if c.Sensor.Endpoint == "" {
		c.Sensor.Endpoint = "tcp://127.0.0.1:5556"
	}
	if c.Sensor.FrameRate == 0 {
		c.Sensor.FrameRate = 30
	}
	if c.Sensor.BodySlots == 0 {
		c.Sensor.BodySlots = 6
	}
	if c.Sensor.TrackedBodies == nil {
		one := 1
		c.Sensor.TrackedBodies = &one
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultBroker
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultTopic
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.Output.File == "" {
		c.Output.File = DefaultOutputFile
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data:journal.db"
	}
	if c.Viewer.Address == "" {
		c.Viewer.Address = "127.0.0.1"
	}
	if c.Viewer.Port == 0 {
		c.Viewer.Port = 8089
	}
}

// Validate checks the configuration for values the relay cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	switch c.Sensor.Driver {
	case DriverSimulator:
		if c.Sensor.FrameRate <= 0 {
			errs = append(errs, fmt.Errorf("sensor.frame_rate must be positive, got %v", c.Sensor.FrameRate))
		}
		if n := c.Sensor.Tracked(); n < 0 || n > c.Sensor.BodySlots {
			errs = append(errs, fmt.Errorf("sensor.tracked_bodies %d must be between 0 and body_slots (%d)",
				n, c.Sensor.BodySlots))
		}
	case DriverZMQ:
		if c.Sensor.Endpoint == "" {
			errs = append(errs, errors.New("sensor.endpoint is required for the zmq driver"))
		}
	case DriverReplay:
		if c.Sensor.ReplayPath == "" {
			errs = append(errs, errors.New("sensor.replay_path is required for the replay driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sensor.driver %q (valid: simulator, zmq, replay)", c.Sensor.Driver))
	}
	if c.Sensor.BodySlots <= 0 {
		errs = append(errs, fmt.Errorf("sensor.body_slots must be positive, got %d", c.Sensor.BodySlots))
	}

	if u, err := url.Parse(c.MQTT.Broker); err != nil {
		errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
	} else {
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
		default:
			errs = append(errs, fmt.Errorf("mqtt.broker scheme %q not supported", u.Scheme))
		}
		if u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker))
		}
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic must not be empty"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS))
	}
	if c.Viewer.Enabled && (c.Viewer.Port <= 0 || c.Viewer.Port > 65535) {
		errs = append(errs, fmt.Errorf("viewer.port %d out of range", c.Viewer.Port))
	}

	return errors.Join(errs...)
}
