package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SegmentHeaderLength = 24 // conv, cmd, frg, wnd, ts, sn, una, len
	MinMTU              = 50
	MaxMTU              = 65535
	MaxFragments        = 255 // frg is a single byte
)

// Config holds every tunable of the transport. One Config is shared by all
// sessions created from the same core or listener.
type Config struct {
	Profile string `yaml:"profile"` // preset applied before the other keys of a config file

	MTU             int  `yaml:"mtu"`               // max datagram size including the segment header
	SendWindow      int  `yaml:"send_window"`       // segments
	RecvWindow      int  `yaml:"recv_window"`       // segments
	NoDelay         bool `yaml:"nodelay"`           // low latency mode: lower min RTO, gentle backoff, flush on write
	FastResend      int  `yaml:"fast_resend"`       // skipped-ack count that triggers fast retransmit, 0 disables
	NoCongestion    bool `yaml:"no_congestion"`     // ignore the congestion window
	StreamMode      bool `yaml:"stream"`            // byte stream instead of message boundaries
	AckNoDelay      bool `yaml:"ack_nodelay"`       // flush acks right after input instead of on the next tick
	SendQueueLimit  int  `yaml:"send_queue_limit"`  // segments waiting for the window, 0 means unbounded
	MaxRetransmits  int  `yaml:"max_retransmits"`   // dead link threshold
	InitialSSThresh int  `yaml:"initial_ssthresh"`  // slow start threshold in segments

	Interval          time.Duration `yaml:"interval"`           // tick period
	MinRTO            time.Duration `yaml:"min_rto"`            // used when nodelay is off
	NoDelayMinRTO     time.Duration `yaml:"nodelay_min_rto"`    // used when nodelay is on
	MaxRTO            time.Duration `yaml:"max_rto"`            //
	BackoffMultiplier float64       `yaml:"backoff_multiplier"` // rto growth per timeout
	NoDelayBackoff    float64       `yaml:"nodelay_backoff_step"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	CloseTimeout      time.Duration `yaml:"close_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"` // idle window probe, 0 disables

	AcceptBacklog   int    `yaml:"accept_backlog"`
	PayloadPoolSize int    `yaml:"payload_pool_size"` // receive buffers in the ring pool
	Debug           bool   `yaml:"debug"`
	PoolDebug       bool   `yaml:"pool_debug"`
	TracePath       string `yaml:"trace_path"` // pcap file receiving every datagram, empty disables
}

// DefaultConfig is the "normal" preset of the original KCP binding.
func DefaultConfig() *Config {
	return &Config{
		Profile:           "normal",
		MTU:               1400,
		SendWindow:        256,
		RecvWindow:        256,
		NoDelay:           false,
		FastResend:        3,
		NoCongestion:      false,
		StreamMode:        false,
		AckNoDelay:        false,
		SendQueueLimit:    0,
		MaxRetransmits:    20,
		InitialSSThresh:   2,
		Interval:          40 * time.Millisecond,
		MinRTO:            100 * time.Millisecond,
		NoDelayMinRTO:     30 * time.Millisecond,
		MaxRTO:            60 * time.Second,
		BackoffMultiplier: 2.0,
		NoDelayBackoff:    0.5,
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       90 * time.Second,
		CloseTimeout:      5 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		AcceptBacklog:     128,
		PayloadPoolSize:   64,
	}
}

// MSS is the largest payload a single segment may carry.
func (c *Config) MSS() int {
	return c.MTU - SegmentHeaderLength
}

// EffectiveMinRTO picks the lower bound matching the nodelay setting.
func (c *Config) EffectiveMinRTO() time.Duration {
	if c.NoDelay {
		return c.NoDelayMinRTO
	}
	return c.MinRTO
}

func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.MTU < MinMTU || c.MTU > MaxMTU {
		return fmt.Errorf("mtu %d out of range [%d, %d]", c.MTU, MinMTU, MaxMTU)
	}
	if c.SendWindow <= 0 || c.SendWindow > 65535 {
		return fmt.Errorf("send_window %d out of range [1, 65535]", c.SendWindow)
	}
	if c.RecvWindow <= 0 || c.RecvWindow > 65535 {
		return fmt.Errorf("recv_window %d out of range [1, 65535]", c.RecvWindow)
	}
	if c.Interval < time.Millisecond {
		return fmt.Errorf("interval %s must be at least 1ms", c.Interval)
	}
	if c.FastResend < 0 || c.SendQueueLimit < 0 {
		return fmt.Errorf("fast_resend and send_queue_limit must not be negative")
	}
	if c.MaxRetransmits <= 0 {
		return fmt.Errorf("max_retransmits must be positive, got %d", c.MaxRetransmits)
	}
	if c.InitialSSThresh < 2 {
		return fmt.Errorf("initial_ssthresh must be at least 2, got %d", c.InitialSSThresh)
	}
	if c.MinRTO <= 0 || c.NoDelayMinRTO <= 0 || c.MaxRTO < c.MinRTO || c.MaxRTO < c.NoDelayMinRTO {
		return fmt.Errorf("rto bounds invalid: min %s, nodelay min %s, max %s", c.MinRTO, c.NoDelayMinRTO, c.MaxRTO)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1, got %v", c.BackoffMultiplier)
	}
	if c.NoDelayBackoff < 0 {
		return fmt.Errorf("nodelay_backoff_step must not be negative, got %v", c.NoDelayBackoff)
	}
	if c.HandshakeTimeout <= 0 || c.IdleTimeout <= 0 || c.CloseTimeout <= 0 {
		return fmt.Errorf("handshake, idle and close timeouts must be positive")
	}
	if c.AcceptBacklog <= 0 {
		return fmt.Errorf("accept_backlog must be positive, got %d", c.AcceptBacklog)
	}
	if c.PayloadPoolSize <= 0 {
		return fmt.Errorf("payload_pool_size must be positive, got %d", c.PayloadPoolSize)
	}
	return nil
}

// LoadConfig reads a YAML file. The optional "profile" key selects the preset
// the remaining keys are applied on top of.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig without the file access.
func ParseConfig(data []byte) (*Config, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	name := head.Profile
	if name == "" {
		name = "normal"
	}
	cfg, err := Profile(name)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.Profile = name

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
