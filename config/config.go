// Package config holds the runtime configuration of the link manager.
//
// Values are read from the environment (MULTIROLE_* variables) and may be
// overridden by command line flags in the binaries.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete link manager configuration.
type Config struct {
	// DeviceName is placed in the advertising data.
	DeviceName string `env:"MULTIROLE_DEVICE_NAME" envDefault:"Multi Role"`

	// MaxConnections is the connection table capacity.
	MaxConnections int `env:"MULTIROLE_MAX_CONNECTIONS" envDefault:"8"`

	// MaxScanResults caps the scan result list.
	MaxScanResults int `env:"MULTIROLE_MAX_SCAN_RESULTS" envDefault:"15"`

	// LocalMTU is the largest ATT MTU this device accepts.
	LocalMTU uint16 `env:"MULTIROLE_LOCAL_MTU" envDefault:"251"`

	// MaxNumPDU is the controller's outbound PDU buffer count, used to derive
	// the number of packets still queued before an update reset.
	MaxNumPDU int `env:"MULTIROLE_MAX_NUM_PDU" envDefault:"5"`

	// ParamUpdateDelay is how long a peripheral link waits before requesting
	// its desired connection parameters.
	ParamUpdateDelay time.Duration `env:"MULTIROLE_PARAM_UPDATE_DELAY" envDefault:"6s"`

	// PeriodicInterval drives the periodic application event.
	PeriodicInterval time.Duration `env:"MULTIROLE_PERIODIC_INTERVAL" envDefault:"5s"`

	// RPAReadInterval drives the resolvable private address read. Zero disables it.
	RPAReadInterval time.Duration `env:"MULTIROLE_RPA_READ_INTERVAL" envDefault:"0s"`

	// StackQueueDepth bounds the stack message channel.
	StackQueueDepth int `env:"MULTIROLE_STACK_QUEUE_DEPTH" envDefault:"64"`

	// AppQueueDepth bounds the application event channel.
	AppQueueDepth int `env:"MULTIROLE_APP_QUEUE_DEPTH" envDefault:"64"`

	// CorrelationDepth bounds the set-phy correlation queue.
	CorrelationDepth int `env:"MULTIROLE_CORRELATION_DEPTH" envDefault:"16"`

	// ServiceUUID is the 16-bit service searched by discovery and the scan filter.
	ServiceUUID UUID16 `env:"MULTIROLE_SERVICE_UUID" envDefault:"0xFFF0"`

	// CharacteristicUUID is the 16-bit characteristic resolved by discovery.
	CharacteristicUUID UUID16 `env:"MULTIROLE_CHARACTERISTIC_UUID" envDefault:"0xFFF6"`

	// Passcode is replied to passcode-needed pairing events.
	Passcode uint32 `env:"MULTIROLE_PASSCODE" envDefault:"123456"`

	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `env:"MULTIROLE_LOG_LEVEL" envDefault:"INFO"`

	// Journal enables the JSONL link event journal.
	Journal bool `env:"MULTIROLE_JOURNAL" envDefault:"false"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `env:"MULTIROLE_METRICS_ADDR"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not parse: %v", err))
	}
	return &cfg
}

// Validate checks the configuration for values the link manager cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("config: MaxConnections must be >= 1, got %d", c.MaxConnections))
	}
	if c.MaxScanResults < 1 {
		errs = append(errs, fmt.Errorf("config: MaxScanResults must be >= 1, got %d", c.MaxScanResults))
	}
	if c.LocalMTU < 23 || c.LocalMTU > 517 {
		errs = append(errs, fmt.Errorf("config: LocalMTU out of range (23-517): %d", c.LocalMTU))
	}
	if c.MaxNumPDU < 1 {
		errs = append(errs, fmt.Errorf("config: MaxNumPDU must be >= 1, got %d", c.MaxNumPDU))
	}
	if c.ParamUpdateDelay <= 0 {
		errs = append(errs, fmt.Errorf("config: ParamUpdateDelay must be positive, got %v", c.ParamUpdateDelay))
	}
	if c.PeriodicInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: PeriodicInterval must be positive, got %v", c.PeriodicInterval))
	}
	if c.RPAReadInterval < 0 {
		errs = append(errs, fmt.Errorf("config: RPAReadInterval must not be negative, got %v", c.RPAReadInterval))
	}
	if c.StackQueueDepth < 1 || c.AppQueueDepth < 1 || c.CorrelationDepth < 1 {
		errs = append(errs, errors.New("config: queue depths must be >= 1"))
	}
	if c.Passcode > 999999 {
		errs = append(errs, fmt.Errorf("config: Passcode must have at most 6 digits, got %d", c.Passcode))
	}
	return errors.Join(errs...)
}

// UUID16 is a 16-bit assigned number that accepts hex ("0xFFF0") or decimal text.
type UUID16 uint16

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UUID16) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 16)
	if err != nil {
		return fmt.Errorf("config: invalid 16-bit UUID %q: %w", text, err)
	}
	*u = UUID16(v)
	return nil
}
