// Package config loads fdscope settings from ~/.fdscope/config.yaml and
// FDSCOPE_* environment overrides. Command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportLocal      = "local"
	TransportSubprocess = "subprocess"
)

// DefaultObjectName is the BPF object looked up next to the executable.
const DefaultObjectName = "filetracker.bpf.o"

// Config holds fdscope settings.
type Config struct {
	// Transport is "local" (read the perf buffers in this process) or
	// "subprocess" (run the privileged probe helper).
	Transport string `yaml:"transport"`
	// BPFObject is the path of the compiled instrumentation object.
	BPFObject string `yaml:"bpf_object"`
	// PerfPages is the per-CPU perf buffer size in pages.
	PerfPages int `yaml:"perf_pages"`
	// Listen is the address of the HTTP status server. Empty disables it.
	Listen string `yaml:"listen"`
	// ServerFilter filters events in user space against the traced set in
	// addition to the kernel-side filter.
	ServerFilter bool `yaml:"server_filter"`

	Probe  ProbeConfig  `yaml:"probe"`
	Tracer TracerConfig `yaml:"tracer"`
	Debug  DebugConfig  `yaml:"debug"`
}

// ProbeConfig locates the privileged helper.
type ProbeConfig struct {
	// Path of the helper. Empty means "fdscope _probe" from this binary.
	Path string `yaml:"path"`
	// Elevate prefixes the helper command when not running as root.
	Elevate []string `yaml:"elevate"`
}

// TracerConfig tunes the supervisor.
type TracerConfig struct {
	ChannelSize         int           `yaml:"channel_size"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	RendezvousWarnAfter time.Duration `yaml:"rendezvous_warn_after"`
}

// DebugConfig controls the debug log files.
type DebugConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Transport: TransportSubprocess,
		PerfPages: 64,
		Probe: ProbeConfig{
			Elevate: []string{"sudo"},
		},
		Tracer: TracerConfig{
			ChannelSize:         4096,
			PollInterval:        100 * time.Millisecond,
			DrainTimeout:        250 * time.Millisecond,
			RendezvousWarnAfter: 10 * time.Second,
		},
		Debug: DebugConfig{
			RetentionDays: 14,
		},
	}
}

// Load reads the config file at path, or ~/.fdscope/config.yaml when path is
// empty, and applies environment overrides. A missing default file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FDSCOPE_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("FDSCOPE_SYSTEM_PROBE"); v != "" {
		c.Probe.Path = v
	}
	if v := os.Getenv("FDSCOPE_BPF_OBJECT"); v != "" {
		c.BPFObject = v
	}
	if v := os.Getenv("FDSCOPE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("FDSCOPE_PERF_PAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FDSCOPE_PERF_PAGES: %w", err)
		}
		c.PerfPages = n
	}
	return nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportLocal, TransportSubprocess:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportLocal, TransportSubprocess)
	}
	if c.PerfPages <= 0 || c.PerfPages&(c.PerfPages-1) != 0 {
		return fmt.Errorf("perf_pages must be a positive power of two, got %d", c.PerfPages)
	}
	if c.Tracer.ChannelSize < 0 {
		return fmt.Errorf("tracer.channel_size must not be negative, got %d", c.Tracer.ChannelSize)
	}
	return nil
}

// ProbeCommand returns the helper executable and the arguments that precede
// the target PID. exe is the running fdscope binary.
func (c *Config) ProbeCommand(exe string) (string, []string) {
	if c.Probe.Path != "" {
		return c.Probe.Path, nil
	}
	return exe, []string{"_probe", "--object", c.ObjectPath(exe)}
}

// ProbeElevate returns the privilege prefix for the helper, which is empty
// when already running as root.
func (c *Config) ProbeElevate() []string {
	if os.Geteuid() == 0 {
		return nil
	}
	return c.Probe.Elevate
}

// ObjectPath returns the BPF object path, defaulting to DefaultObjectName
// next to exe.
func (c *Config) ObjectPath(exe string) string {
	if c.BPFObject != "" {
		return c.BPFObject
	}
	return filepath.Join(filepath.Dir(exe), DefaultObjectName)
}

// Dir returns the path to ~/.fdscope.
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".fdscope")
	}
	return filepath.Join(homeDir, ".fdscope")
}

// DebugDir returns the directory of the debug log files.
func DebugDir() string {
	return filepath.Join(Dir(), "debug")
}
