package config

import (
	"bytes"
	"io"
	"os"

	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// Config is the content of config.yaml
type Config struct {
	Logging LoggingConfig      `yaml:"logging"`
	Core    *lib.RdtCoreConfig `yaml:"core"`
	Relay   string             `yaml:"relay"`   // netem relay address, empty for plain UDP
	Profile string             `yaml:"profile"` // netem profile file used by the gateway
}

func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Core:    lib.DefaultRdtCoreConfig(),
	}
}

// ReadConfig reads a YAML config file. Keys missing from the file keep their defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Core == nil {
		cfg.Core = lib.DefaultRdtCoreConfig()
	}
	if cfg.Core.ConnectionConfig == nil {
		cfg.Core.ConnectionConfig = lib.DefaultConnectionConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// LoadConfig returns the core and connection configuration of a config file
func LoadConfig(path string) (*lib.RdtCoreConfig, *lib.ConnectionConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg.Core, cfg.Core.ConnectionConfig, nil
}

func (c *Config) Validate() error {
	if c.Core.PayloadPoolSize <= 0 {
		return errors.Errorf("core.payload_pool_size must be positive, got %d", c.Core.PayloadPoolSize)
	}
	if c.Core.TOS < 0 || c.Core.TOS > 255 {
		return errors.Errorf("core.tos %d outside [0,255]", c.Core.TOS)
	}
	return c.Core.ConnectionConfig.Validate()
}
