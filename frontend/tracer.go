package frontend

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/bpf/attach"
	"github.com/tcassar-diss/skbtrace/bpf/symsdb"
	"github.com/tcassar-diss/skbtrace/output"
	"github.com/tcassar-diss/skbtrace/script"
)

// InitLogger returns a production logger, or a development one when verbose.
func InitLogger(verbose bool) (*zap.SugaredLogger, error) {
	build := zap.NewProduction
	if verbose {
		build = zap.NewDevelopment
	}

	l, err := build()
	if err != nil {
		return nil, fmt.Errorf("failed to get zap logger: %w", err)
	}

	return l.Sugar(), nil
}

// Run traces packets according to cfg until SIGINT, SIGTERM or ctx ends.
func Run(ctx context.Context, logger *zap.SugaredLogger, cfg *Config) (err error) {
	logger.Infoln("=== Launching skbtrace ===")

	if err := cfg.Validate(); err != nil {
		return err
	}

	filter, err := NewRegexFilter(cfg.Regex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var scr *script.Script

	if cfg.Script != "" {
		if scr, err = script.Load(logger, cfg.Script); err != nil {
			return fmt.Errorf("failed to load script: %w", err)
		}
	}

	db, err := buildSymbolDB(cfg)
	if err != nil {
		return err
	}

	logger.Infow("symbol database ready", "backend", cfg.Backend, "functions", db.Total())

	ctl := NewController(logger)

	var closers []func() error

	defer func() {
		err = multierr.Append(err, teardown(ctl, closers))
	}()

	obj, err := loadImage(logger, cfg, db, scr)
	if err != nil {
		return err
	}

	closers = append(closers, obj.Close)

	rd, err := bpf.NewPerfReader(logger, obj.EventsMap(), bpf.ReaderOptions{
		PageCount:    cfg.PerfPages,
		WakeupEvents: cfg.PerfWakeupEvents,
	})
	if err != nil {
		return err
	}

	closers = append(closers, rd.Close)

	var decoder output.Decoder
	if scr != nil {
		decoder = scr
	}

	out, err := output.New(cfg.Output, os.Stdout, db, decoder, output.Options{
		TraceCapacity: cfg.TraceCapacity,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var metrics *Metrics
	if cfg.MetricsAddr != "" {
		metrics = NewMetrics()
	}

	stat, err := attach.AttachAll(ctx, cfg.Backend, obj, db, filter, attach.Options{
		Progress: progressPrinter(os.Stderr),
		Policy:   cfg.AttachFailure,
		Logger:   logger,
	})
	fmt.Fprintln(os.Stderr)

	metrics.ObserveAttach(stat)
	logger.Infow("attach finished",
		"total", stat.Total,
		"succeeded", stat.Succeeded,
		"failed", stat.Failed,
		"filtered", stat.Filtered,
		"links", obj.Links(),
	)

	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Trace ready!")

	ctl.Watch()

	if _, err := StartProbeServer(logger, cfg.ProbeServer, ctl, cfg.PollTimeout); err != nil {
		return err
	}

	loopCfg := LoopConfig{PollTimeout: cfg.PollTimeout, Metrics: metrics}
	if scr != nil {
		loopCfg.Script = scr
	}

	loop := NewLoop(logger, rd, out, ctl, loopCfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if metrics != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, logger, cfg.MetricsAddr)
		})
	}

	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	stats := loop.Stats()
	logger.Infow("trace finished", "samples", stats.Samples, "lost", stats.Lost)

	return nil
}

// teardown releases the run's resources, newest first, and only then marks
// ctl Stopped.
func teardown(ctl *Controller, closers []func() error) error {
	ctl.Stop()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}

	ctl.Finish()

	return err
}

func buildSymbolDB(cfg *Config) (*symsdb.DB, error) {
	db, err := symsdb.Build(symsdb.Options{
		MaxPos:       cfg.Backend.MaxPos(),
		MaxArgs:      cfg.Backend.MaxArgs(),
		KallsymsPath: cfg.KallsymsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build symbol database: %w", err)
	}

	return db, nil
}

func loadImage(logger *zap.SugaredLogger, cfg *Config, db *symsdb.DB, scr *script.Script) (*bpf.Object, error) {
	layout, err := bpf.KernelLayout()
	if err != nil {
		return nil, err
	}

	var src bpf.ModuleSource
	if scr != nil {
		src = scr
	}

	img, err := bpf.BuildImage(cfg.Backend, src, layout)
	if err != nil {
		return nil, fmt.Errorf("failed to build image: %w", err)
	}

	if cfg.Backend == bpf.Ftrace {
		if err := bpf.ApplyFtraceInitTargets(img, db); err != nil {
			return nil, fmt.Errorf("failed to set ftrace init targets: %w", err)
		}
	}

	obj, err := bpf.Load(logger, img, bpf.TraceConfig{Mark: cfg.Mark, Mask: cfg.Mask})
	if err != nil {
		return nil, err
	}

	return obj, nil
}

func progressPrinter(w io.Writer) attach.ProgressFunc {
	return func(s attach.Stat) {
		fmt.Fprintf(w, "\rAttaching program (total %d, succeeded %d, failed %d, filtered: %d)",
			s.Total, s.Succeeded, s.Failed, s.Filtered)
	}
}

// List prints the functions the backend in cfg could trace.
func List(logger *zap.SugaredLogger, cfg *Config, w io.Writer) error {
	filter, err := NewRegexFilter(cfg.Regex)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if !cfg.Backend.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, bpf.ErrUnsupportedBackend, string(cfg.Backend))
	}

	db, err := buildSymbolDB(cfg)
	if err != nil {
		return err
	}

	n, err := ListFunctions(w, os.Stderr, db, filter)
	if err != nil {
		return err
	}

	logger.Debugw("listed functions", "matched", n, "total", db.Total())

	return nil
}
