package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Address               string   `yaml:"address"`
	SecretKey             string   `yaml:"secret_key"` // hex; empty generates one
	HandshakeTimeout      Duration `yaml:"handshake_timeout"`
	WriteBufferSize       int      `yaml:"write_buffer_size"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	MaxFrameLength        int      `yaml:"max_frame_length"`
}

type ClientConfig struct {
	Address      string   `yaml:"address"` // empty dials the local server
	Who          string   `yaml:"who"`
	Interval     Duration `yaml:"interval"`
	CallTimeout  Duration `yaml:"call_timeout"`
	DialAttempts int      `yaml:"dial_attempts"`
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":0",
			HandshakeTimeout: Duration{10 * time.Second},
			WriteBufferSize:  4096,
			MaxFrameLength:   8 * 1024 * 1024,
		},
		Client: ClientConfig{
			Who:          "Hot stuff",
			Interval:     Duration{1 * time.Second},
			CallTimeout:  Duration{10 * time.Second},
			DialAttempts: 8,
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}
	return cfg, nil
}
