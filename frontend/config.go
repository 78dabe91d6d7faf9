package frontend

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/attach"
	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
	"github.com/tcassar-diss/skbtrace/output"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultPollTimeout     = time.Second
	DefaultProbeServerPort = 13720
)

type ProbeServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Config holds every tunable of a trace run.
type Config struct {
	Backend bpf.Backend `toml:"backend"`
	Regex   string      `toml:"regex"`

	// Only packets with skb->mark & Mask == Mark & Mask are traced.
	Mark uint32 `toml:"mark"`
	Mask uint32 `toml:"mask"`

	Output        output.Kind `toml:"output"`
	TraceCapacity int         `toml:"trace_capacity"`
	Script        string      `toml:"script"`

	PerfPages        int           `toml:"perf_pages"`
	PerfWakeupEvents int           `toml:"perf_wakeup_events"`
	PollTimeout      time.Duration `toml:"poll_timeout"`

	AttachFailure attach.FailurePolicy `toml:"attach_failure"`
	KallsymsPath  string               `toml:"kallsyms_path"`

	ProbeServer ProbeServerConfig `toml:"probe_server"`
	MetricsAddr string            `toml:"metrics_addr"`

	Verbose bool `toml:"verbose"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend:       bpf.Kprobe,
		Output:        output.Aggregate,
		TraceCapacity: output.DefaultTraceCapacity,
		PerfPages:     bpf.DefaultReaderOptions().PageCount,
		PollTimeout:   DefaultPollTimeout,
		AttachFailure: attach.Continue,
		KallsymsPath:  symsdb.DefaultKallsymsPath,
		ProbeServer: ProbeServerConfig{
			Port: DefaultProbeServerPort,
		},
	}
}

// ParseTOMLConfig reads the file at path on top of DefaultConfig.
func ParseTOMLConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	if _, err := toml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks cfg before anything touches the kernel.
func (c *Config) Validate() error {
	if !c.Backend.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, bpf.ErrUnsupportedBackend, string(c.Backend))
	}

	if _, err := output.ParseKind(string(c.Output)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if _, err := NewRegexFilter(c.Regex); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch c.AttachFailure {
	case attach.Continue, attach.Abort:
	default:
		return fmt.Errorf("%w: attach failure policy %q", ErrInvalidConfig, c.AttachFailure)
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive, got %s", ErrInvalidConfig, c.PollTimeout)
	}

	if c.PerfPages <= 0 || c.PerfPages&(c.PerfPages-1) != 0 {
		return fmt.Errorf("%w: perf pages must be a power of two, got %d", ErrInvalidConfig, c.PerfPages)
	}

	if c.PerfWakeupEvents < 0 {
		return fmt.Errorf("%w: perf wakeup events must not be negative", ErrInvalidConfig)
	}

	if c.TraceCapacity <= 0 {
		return fmt.Errorf("%w: trace capacity must be positive, got %d", ErrInvalidConfig, c.TraceCapacity)
	}

	if c.ProbeServer.Enabled && (c.ProbeServer.Port <= 0 || c.ProbeServer.Port > 65535) {
		return fmt.Errorf("%w: probe server port %d", ErrInvalidConfig, c.ProbeServer.Port)
	}

	return nil
}
