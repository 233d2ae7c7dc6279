package tcpengine

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v2"
)

// Config holds the protocol constants of an Engine. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// MSS is the fixed maximum segment size. No options are negotiated.
	MSS int `yaml:"mss" validate:"gt=0,lte=65495"`

	// InitialRetransInterval is the first retransmission timeout. Each
	// expiry doubles it.
	InitialRetransInterval time.Duration `yaml:"initial_retrans_interval" validate:"gt=0"`

	// MaxRetransmissions is the number of backoffs before the connection is
	// reset.
	MaxRetransmissions int `yaml:"max_retransmissions" validate:"gte=1"`

	// TimerScanInterval is the period of the timer service scan loop.
	TimerScanInterval time.Duration `yaml:"timer_scan_interval" validate:"gt=0,ltefield=InitialRetransInterval"`

	// MSL is the maximum segment lifetime. TIME_WAIT lasts 2*MSL.
	MSL time.Duration `yaml:"msl" validate:"gt=0"`

	InitialRecvWindow int `yaml:"initial_recv_window" validate:"gt=0,lte=65535"`
	InitialSendWindow int `yaml:"initial_send_window" validate:"gt=0,lte=65535"`

	// InitialCwnd and InitialSsthresh are in MSS units.
	InitialCwnd     int `yaml:"initial_cwnd" validate:"gte=1"`
	InitialSsthresh int `yaml:"initial_ssthresh" validate:"gte=1"`

	DupAckThreshold  int `yaml:"dup_ack_threshold" validate:"gte=1"`
	IngressQueueSize int `yaml:"ingress_queue_size" validate:"gt=0"`
	DefaultBacklog   int `yaml:"default_backlog" validate:"gt=0"`

	// MaxSynPerSecond limits SYNs accepted per source address. 0 disables it.
	MaxSynPerSecond int `yaml:"max_syn_per_second" validate:"gte=0"`

	AccessList AccessListConfig `yaml:"access_list"`
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() *Config {
	return &Config{
		MSS:                    1460,
		InitialRetransInterval: 200 * time.Millisecond,
		MaxRetransmissions:     3,
		TimerScanInterval:      10 * time.Millisecond,
		MSL:                    time.Second,
		InitialRecvWindow:      65535,
		InitialSendWindow:      65535,
		InitialCwnd:            1,
		InitialSsthresh:        16,
		DupAckThreshold:        3,
		IngressQueueSize:       256,
		DefaultBacklog:         16,
		MaxSynPerSecond:        0,
		AccessList:             *DefaultAccessListConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates the result.
// Keys missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.AccessList.prefixes(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// timeWaitDuration is how long a connection stays in TIME_WAIT.
func (c *Config) timeWaitDuration() time.Duration {
	return 2 * c.MSL
}
