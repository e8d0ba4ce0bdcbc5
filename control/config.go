// control/config.go
// Author: momentics <momentics@gmail.com>
//
// TOML configuration and its conversion to loop and channel options.

package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-net/channel"
	"github.com/momentics/hioload-net/core/concurrency"
	"github.com/momentics/hioload-net/reactor"
)

// Duration is a time.Duration written as a Go duration string, e.g. "10ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the runtime configuration.
type Config struct {
	// Threads is the loop count; zero means one per CPU.
	Threads    int    `toml:"threads"`
	BufferSize int    `toml:"buffer_size"`
	Poller     string `toml:"poller"`
	// CPUs pins loops round-robin. Empty disables pinning.
	CPUs         []int              `toml:"cpus"`
	LogLevel     string             `toml:"log_level"`
	CloseTimeout Duration           `toml:"close_timeout"`
	Backpressure BackpressureConfig `toml:"backpressure"`
	AcceptRates  []RateConfig       `toml:"accept_rate"`
	Listeners    []ListenerConfig   `toml:"listener"`
}

// BackpressureConfig is the per-channel write budget. A zero rate disables it.
type BackpressureConfig struct {
	Rate int64    `toml:"rate"`
	Tick Duration `toml:"tick"`
}

// RateConfig allows Limit accepted connections per remote host in Window.
type RateConfig struct {
	Window Duration `toml:"window"`
	Limit  int      `toml:"limit"`
}

// ListenerConfig names an endpoint to listen on.
type ListenerConfig struct {
	Name    string `toml:"name"`
	Network string `toml:"network"`
	Address string `toml:"address"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		BufferSize: concurrency.DefaultBufferSize,
		Poller:     reactor.KindAuto.String(),
		LogLevel:   logiface.LevelInformational.String(),
		Backpressure: BackpressureConfig{
			Tick: Duration{channel.DefaultBackpressureTick},
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("control: load %s: %w", path, err)
	}
	return cfg.finish(md)
}

// ParseConfig decodes TOML text over the defaults.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("control: parse: %w", err)
	}
	return cfg.finish(md)
}

func (c *Config) finish(md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("control: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field without building anything.
func (c *Config) Validate() error {
	var errs []error
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads: %d is negative", c.Threads))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size: %d is not positive", c.BufferSize))
	}
	if _, err := reactor.ParseKind(c.Poller); err != nil {
		errs = append(errs, fmt.Errorf("poller: %w", err))
	}
	for _, cpu := range c.CPUs {
		if cpu < 0 {
			errs = append(errs, fmt.Errorf("cpus: %d is negative", cpu))
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.CloseTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("close_timeout: %v is negative", c.CloseTimeout))
	}
	if c.Backpressure.Rate < 0 || c.Backpressure.Tick.Duration < 0 {
		errs = append(errs, fmt.Errorf("backpressure: negative rate or tick"))
	}
	for _, l := range c.Listeners {
		if l.Network == "" || l.Address == "" {
			errs = append(errs, fmt.Errorf("listener %q: network and address are required", l.Name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("control: invalid config: %w", err)
	}
	if _, err := c.acceptRates(); err != nil {
		return err
	}
	return nil
}

func (c *Config) acceptRates() (map[time.Duration]int, error) {
	if len(c.AcceptRates) == 0 {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(c.AcceptRates))
	for _, r := range c.AcceptRates {
		if _, ok := rates[r.Window.Duration]; ok {
			return nil, fmt.Errorf("control: accept_rate: duplicate window %v", r.Window)
		}
		rates[r.Window.Duration] = r.Limit
	}
	// the limiter rejects inconsistent windows
	if err := channel.CheckOptions(channel.WithAcceptRate(rates)); err != nil {
		return nil, fmt.Errorf("control: accept_rate: %w", err)
	}
	return rates, nil
}

// LoopOptions converts the loop settings. The logger is passed separately.
func (c *Config) LoopOptions(logger *logiface.Logger[logiface.Event]) ([]concurrency.LoopOption, error) {
	kind, err := reactor.ParseKind(c.Poller)
	if err != nil {
		return nil, err
	}
	opts := []concurrency.LoopOption{
		concurrency.WithLogger(logger),
		concurrency.WithPoller(kind),
		concurrency.WithBufferSize(c.BufferSize),
	}
	if len(c.CPUs) > 0 {
		opts = append(opts, concurrency.WithCPU(c.CPUs...))
	}
	return opts, nil
}

// ChannelOptions converts the channel settings. A nil metrics is ignored.
func (c *Config) ChannelOptions(metrics channel.Metrics) ([]channel.Option, error) {
	rates, err := c.acceptRates()
	if err != nil {
		return nil, err
	}
	opts := []channel.Option{
		channel.WithBackpressure(c.Backpressure.Rate, c.Backpressure.Tick.Duration),
		channel.WithCloseTimeout(c.CloseTimeout.Duration),
		channel.WithAcceptRate(rates),
	}
	if metrics != nil {
		opts = append(opts, channel.WithMetrics(metrics))
	}
	return opts, nil
}

// Level returns the parsed log level.
func (c *Config) Level() logiface.Level {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return logiface.LevelInformational
	}
	return lvl
}
