package cmd

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/attach"
	"github.com/tcassar-diss/skbtrace/frontend"
	"github.com/tcassar-diss/skbtrace/output"
)

const (
	flagConfig           = "config"
	flagBackend          = "backend"
	flagRegex            = "regex"
	flagMark             = "mark"
	flagMask             = "mask"
	flagOutput           = "output"
	flagScript           = "script"
	flagPerfPages        = "perf-pages"
	flagPerfWakeupEvents = "perf-wakeup-events"
	flagPollTimeout      = "poll-timeout"
	flagProbeServer      = "probe-server"
	flagProbeServerPort  = "probe-server-port"
	flagMetricsAddr      = "metrics-addr"
	flagAbortOnAttach    = "abort-on-attach-error"
	flagTraceCapacity    = "trace-capacity"
	flagKallsyms         = "kallsyms"
	flagVerbose          = "verbose"
)

// commonFlags apply to every command that reads the symbol database.
func commonFlags() []cli.Flag {
	def := frontend.DefaultConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "TOML configuration file; flags override its values",
		},
		&cli.StringFlag{
			Name:    flagBackend,
			Aliases: []string{"b"},
			Value:   string(def.Backend),
			Usage:   "instrumentation backend: kprobe, kprobe-multi or ftrace",
		},
		&cli.StringFlag{
			Name:    flagRegex,
			Aliases: []string{"r"},
			Usage:   "only trace functions whose name matches this regular expression",
		},
		&cli.StringFlag{
			Name:  flagKallsyms,
			Value: def.KallsymsPath,
			Usage: "kernel symbol table",
		},
		&cli.BoolFlag{
			Name:    flagVerbose,
			Aliases: []string{"v"},
			Usage:   "development logging",
		},
	}
}

func traceFlags() []cli.Flag {
	def := frontend.DefaultConfig()

	return append(commonFlags(),
		&cli.StringFlag{
			Name:    flagMark,
			Aliases: []string{"m"},
			Value:   "0",
			Usage:   "trace packets whose skb->mark matches this value under --mask",
		},
		&cli.StringFlag{
			Name:  flagMask,
			Value: "0",
			Usage: "bits of skb->mark compared against --mark; 0 traces every packet",
		},
		&cli.StringFlag{
			Name:    flagOutput,
			Aliases: []string{"o"},
			Value:   string(def.Output),
			Usage:   "output format: aggregate or json",
		},
		&cli.StringFlag{
			Name:    flagScript,
			Aliases: []string{"s"},
			Usage:   "script descriptor naming a module object and the fields it records",
		},
		&cli.IntFlag{
			Name:  flagPerfPages,
			Value: def.PerfPages,
			Usage: "pages per CPU for the perf buffer (power of two)",
		},
		&cli.IntFlag{
			Name:  flagPerfWakeupEvents,
			Value: def.PerfWakeupEvents,
			Usage: "events the kernel buffers before waking the reader",
		},
		&cli.DurationFlag{
			Name:  flagPollTimeout,
			Value: def.PollTimeout,
			Usage: "how long one poll of the perf buffer may block",
		},
		&cli.BoolFlag{
			Name:  flagProbeServer,
			Usage: "accept TCP connections for liveness probing",
		},
		&cli.IntFlag{
			Name:  flagProbeServerPort,
			Value: def.ProbeServer.Port,
			Usage: "port for --probe-server",
		},
		&cli.StringFlag{
			Name:  flagMetricsAddr,
			Usage: "serve prometheus metrics on this address, e.g. :9090",
		},
		&cli.BoolFlag{
			Name:  flagAbortOnAttach,
			Usage: "stop at the first function that cannot be attached",
		},
		&cli.IntFlag{
			Name:  flagTraceCapacity,
			Value: def.TraceCapacity,
			Usage: "packets the aggregate output keeps before flushing the oldest",
		},
	)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %q as a 32 bit value: %w", s, err)
	}

	return uint32(v), nil
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(cCtx *cli.Context, cfg *frontend.Config) error {
	if cCtx.IsSet(flagBackend) {
		b, err := bpf.ParseBackend(cCtx.String(flagBackend))
		if err != nil {
			return err
		}

		cfg.Backend = b
	}

	if cCtx.IsSet(flagRegex) {
		cfg.Regex = cCtx.String(flagRegex)
	}

	if cCtx.IsSet(flagKallsyms) {
		cfg.KallsymsPath = cCtx.String(flagKallsyms)
	}

	if cCtx.IsSet(flagVerbose) {
		cfg.Verbose = cCtx.Bool(flagVerbose)
	}

	if cCtx.IsSet(flagMark) {
		v, err := parseUint32(cCtx.String(flagMark))
		if err != nil {
			return err
		}

		cfg.Mark = v
	}

	if cCtx.IsSet(flagMask) {
		v, err := parseUint32(cCtx.String(flagMask))
		if err != nil {
			return err
		}

		cfg.Mask = v
	}

	if cCtx.IsSet(flagOutput) {
		k, err := output.ParseKind(cCtx.String(flagOutput))
		if err != nil {
			return err
		}

		cfg.Output = k
	}

	if cCtx.IsSet(flagScript) {
		cfg.Script = cCtx.String(flagScript)
	}

	if cCtx.IsSet(flagPerfPages) {
		cfg.PerfPages = cCtx.Int(flagPerfPages)
	}

	if cCtx.IsSet(flagPerfWakeupEvents) {
		cfg.PerfWakeupEvents = cCtx.Int(flagPerfWakeupEvents)
	}

	if cCtx.IsSet(flagPollTimeout) {
		cfg.PollTimeout = cCtx.Duration(flagPollTimeout)
	}

	if cCtx.IsSet(flagProbeServer) {
		cfg.ProbeServer.Enabled = cCtx.Bool(flagProbeServer)
	}

	if cCtx.IsSet(flagProbeServerPort) {
		cfg.ProbeServer.Port = cCtx.Int(flagProbeServerPort)
	}

	if cCtx.IsSet(flagMetricsAddr) {
		cfg.MetricsAddr = cCtx.String(flagMetricsAddr)
	}

	if cCtx.IsSet(flagAbortOnAttach) && cCtx.Bool(flagAbortOnAttach) {
		cfg.AttachFailure = attach.Abort
	}

	if cCtx.IsSet(flagTraceCapacity) {
		cfg.TraceCapacity = cCtx.Int(flagTraceCapacity)
	}

	return nil
}
