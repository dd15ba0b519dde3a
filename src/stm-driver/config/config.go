// Package config loads and validates the driver's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// Config is the full driver configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Serial SerialConfig `yaml:"serial"`
	Scan   ScanConfig   `yaml:"scan"`
}

// ListenConfig configures the local HTTP/WebSocket surface.
type ListenConfig struct {
	Port    int      `yaml:"port"`
	Origins []string `yaml:"origins"`
}

// SerialConfig configures the default serial link to the rig.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// ScanConfig holds scan defaults applied at startup.
type ScanConfig struct {
	Size     int `yaml:"size"`
	BiasCode int `yaml:"biasCode"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	normalize(c)
	return c
}

// Load reads, normalizes and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: could not read %s: %w", path, err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config: could not parse %s: %w", path, err)
	}

	normalize(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// normalize fills zero values with defaults. Applied before validation so an
// empty file is a valid configuration.
func normalize(c *Config) {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8382
	}
	if len(c.Listen.Origins) == 0 {
		c.Listen.Origins = []string{"http://localhost:3000"}
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Scan.Size == 0 {
		c.Scan.Size = 128
	}
	if c.Scan.BiasCode == 0 {
		c.Scan.BiasCode = 20000
	}
}

// Validate rejects configurations the rig protocol cannot honor.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return errors.New("config: listen port out of range")
	}
	if c.Serial.Baud < 1 {
		return errors.New("config: serial baud must be positive")
	}
	if c.Scan.Size < 2 || c.Scan.Size > 4096 {
		return errors.New("config: scan size must be within [2,4096]")
	}
	if c.Scan.BiasCode < 0 || c.Scan.BiasCode > 65535 {
		return errors.New("config: bias code must fit 16 bits")
	}
	return nil
}
