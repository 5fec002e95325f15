// Package config loads and validates the gateway configuration. All
// intervals are given in seconds (floats), matching the legacy config files;
// YAML is a superset of JSON, so existing JSON configs keep working.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZLoverty/hepic-server/internal/adapters/opcuasrc"
)

const (
	SourceMettler = "mettler"
	SourcePLC     = "plc"
	SourceOPCUA   = "opcua"
)

type Config struct {
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port"`
	SendDelay       float64 `yaml:"send_delay"`
	ShutdownTimeout float64 `yaml:"shutdown_timeout"`
	Source          string  `yaml:"source"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	Mettler MettlerConfig   `yaml:"mettler"`
	PLC     PLCConfig       `yaml:"plc"`
	OPCUA   opcuasrc.Config `yaml:"opcua"`
	Encoder EncoderConfig   `yaml:"encoder"`
	Metrics MetricsConfig   `yaml:"metrics"`
}

type MettlerConfig struct {
	IP         string  `yaml:"ip"`
	Port       int     `yaml:"port"`
	Frequency  float64 `yaml:"frequency"`
	Transport  string  `yaml:"transport"` // "tcp" or "serial"
	SerialPort string  `yaml:"serial_port"`
	Baud       int     `yaml:"baud"`
}

type PLCConfig struct {
	IP                string      `yaml:"ip"`
	Rack              int         `yaml:"rack"`
	Slot              int         `yaml:"slot"`
	ReconnectInterval float64     `yaml:"reconnect_interval"`
	PollInterval      float64     `yaml:"poll_interval"`
	WeightDB          BlockConfig `yaml:"weight_db"`
	MeterDB           BlockConfig `yaml:"meter_db"`
}

type BlockConfig struct {
	Number int `yaml:"number"`
	Start  int `yaml:"start"`
}

type EncoderConfig struct {
	PinA         int     `yaml:"pin_a"`
	PinB         int     `yaml:"pin_b"`
	PollInterval float64 `yaml:"poll_interval"`
	StepLength   float64 `yaml:"step_length"` // mm of product per encoder step
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 10001
	}
	if c.SendDelay <= 0 {
		c.SendDelay = 0.01
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5
	}
	if c.Source == "" {
		c.Source = SourceMettler
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Mettler.Port == 0 {
		c.Mettler.Port = 1026
	}
	if c.Mettler.Frequency <= 0 {
		c.Mettler.Frequency = 100
	}
	if c.Mettler.Transport == "" {
		c.Mettler.Transport = "tcp"
	}
	if c.Mettler.Baud == 0 {
		c.Mettler.Baud = 9600
	}
	if c.PLC.ReconnectInterval <= 0 {
		c.PLC.ReconnectInterval = 5
	}
	if c.PLC.PollInterval <= 0 {
		c.PLC.PollInterval = 0.01
	}
	if c.PLC.Slot == 0 {
		c.PLC.Slot = 1
	}
	if c.Encoder.PollInterval <= 0 {
		c.Encoder.PollInterval = 0.01
	}
	if c.Encoder.StepLength <= 0 {
		c.Encoder.StepLength = 1
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Source == SourceOPCUA {
		c.OPCUA.ApplyDefaults()
	}
}

// Validate checks the structural fields every run needs. Device addresses
// are checked separately by ValidateSource, since a test-mode run polls no
// devices at all.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Source {
	case SourceMettler, SourcePLC, SourceOPCUA:
	default:
		return fmt.Errorf("source must be one of mettler, plc, opcua; got %q", c.Source)
	}
	return nil
}

// ValidateSource checks that the configured weight source carries enough
// addressing to reach its device.
func (c *Config) ValidateSource() error {
	switch c.Source {
	case SourceMettler:
		switch c.Mettler.Transport {
		case "tcp":
			if c.Mettler.IP == "" {
				return fmt.Errorf("mettler.ip is required for tcp transport")
			}
		case "serial":
			if c.Mettler.SerialPort == "" {
				return fmt.Errorf("mettler.serial_port is required for serial transport")
			}
		default:
			return fmt.Errorf("mettler.transport must be tcp or serial, got %q", c.Mettler.Transport)
		}
	case SourcePLC:
		if c.PLC.IP == "" {
			return fmt.Errorf("plc.ip is required")
		}
	case SourceOPCUA:
		if err := c.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	default:
		return fmt.Errorf("source must be one of mettler, plc, opcua; got %q", c.Source)
	}
	return nil
}

// Seconds converts a float seconds value into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
