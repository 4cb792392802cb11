package config

import (
	"fmt"
	"sort"
	"time"
)

// nodelay tuning presets of the original binding
type noDelayPreset struct {
	nodelay  bool
	interval time.Duration
	resend   int
	nc       bool
}

var (
	presetFastest     = noDelayPreset{true, 10 * time.Millisecond, 2, true}
	presetOptimized   = noDelayPreset{true, 20 * time.Millisecond, 2, true}
	presetHighLatency = noDelayPreset{true, 30 * time.Millisecond, 1, false}
	presetLowBand     = noDelayPreset{true, 50 * time.Millisecond, 1, false}
)

func (p noDelayPreset) apply(c *Config) {
	c.NoDelay = p.nodelay
	c.Interval = p.interval
	c.FastResend = p.resend
	c.NoCongestion = p.nc
}

var profiles = map[string]func() *Config{
	"normal":        Normal,
	"default":       DefaultConfig,
	"fast":          Fast,
	"optimized":     Optimized,
	"lan":           LAN,
	"wan":           WAN,
	"high_latency":  HighLatency,
	"low_bandwidth": LowBandwidth,
}

// Profile returns a fresh copy of the named preset.
func Profile(name string) (*Config, error) {
	f, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return f(), nil
}

func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normal keeps the classic behaviour but still fast-resends after three
// skipped acks.
func Normal() *Config {
	return DefaultConfig()
}

// Fast trades bandwidth for latency.
func Fast() *Config {
	c := DefaultConfig()
	c.Profile = "fast"
	presetFastest.apply(c)
	c.AckNoDelay = true
	return c
}

// Optimized targets interactive traffic.
func Optimized() *Config {
	c := DefaultConfig()
	c.Profile = "optimized"
	presetOptimized.apply(c)
	return c
}

func LAN() *Config {
	c := DefaultConfig()
	c.Profile = "lan"
	presetOptimized.apply(c)
	c.MTU = 1400
	c.SendWindow, c.RecvWindow = 512, 512
	c.IdleTimeout = 300 * time.Second
	c.StreamMode = true
	return c
}

func WAN() *Config {
	c := DefaultConfig()
	c.Profile = "wan"
	presetOptimized.apply(c)
	c.MTU = 1200
	c.SendWindow, c.RecvWindow = 256, 256
	c.IdleTimeout = 180 * time.Second
	c.StreamMode = true
	return c
}

// HighLatency is meant for satellite and cellular links.
func HighLatency() *Config {
	c := DefaultConfig()
	c.Profile = "high_latency"
	presetHighLatency.apply(c)
	c.MTU = 1000
	c.SendWindow, c.RecvWindow = 128, 256
	c.IdleTimeout = 600 * time.Second
	c.StreamMode = true
	return c
}

func LowBandwidth() *Config {
	c := DefaultConfig()
	c.Profile = "low_bandwidth"
	presetLowBand.apply(c)
	c.MTU = 800
	c.SendWindow, c.RecvWindow = 64, 128
	c.IdleTimeout = 300 * time.Second
	c.StreamMode = true
	return c
}
