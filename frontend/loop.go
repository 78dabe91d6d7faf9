package frontend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf"
	"github.com/tcassar-diss/skbtrace/output"
)

var ErrUnknownRecord = errors.New("unknown perf record")

// RecordReader is the perf stream as seen by the loop.
type RecordReader interface {
	SetDeadline(t time.Time)
	Read() (bpf.Record, error)
}

// StopToken tells the loop when to end.
type StopToken interface {
	ShouldStop() bool
}

// Finalizer is notified once after the last event and after the output
// has been finalized.
type Finalizer interface {
	Fini() error
}

type LoopConfig struct {
	PollTimeout time.Duration
	// Script is optional.
	Script  Finalizer
	Metrics *Metrics
}

// LoopStats counts the records a Loop has consumed.
type LoopStats struct {
	Samples uint64
	Lost    uint64
}

// Loop moves events from the perf stream to the output.
type Loop struct {
	logger *zap.SugaredLogger
	reader RecordReader
	out    output.Output
	stop   StopToken
	cfg    LoopConfig
	stats  LoopStats
}

func NewLoop(logger *zap.SugaredLogger, rd RecordReader, out output.Output, stop StopToken, cfg LoopConfig) *Loop {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}

	return &Loop{
		logger: logger,
		reader: rd,
		out:    out,
		stop:   stop,
		cfg:    cfg,
	}
}

// Run polls until the stop token fires or ctx is done, then finalizes the
// output and the script, in that order. Finalization is skipped when the
// loop fails.
func (l *Loop) Run(ctx context.Context) error {
	for !l.stopping(ctx) {
		l.reader.SetDeadline(time.Now().Add(l.cfg.PollTimeout))

		rec, err := l.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			if errors.Is(err, bpf.ErrReaderClosed) && l.stopping(ctx) {
				break
			}

			return fmt.Errorf("failed to read perf buffer: %w", err)
		}

		if err := l.handle(rec); err != nil {
			return err
		}
	}

	l.logger.Infow("stopped reading events", "samples", l.stats.Samples, "lost", l.stats.Lost)

	return l.finalize()
}

func (l *Loop) stopping(ctx context.Context) bool {
	return l.stop.ShouldStop() || ctx.Err() != nil
}

func (l *Loop) handle(rec bpf.Record) error {
	switch rec.Kind {
	case bpf.RecordSample:
		ev, err := bpf.DecodeEvent(rec.Data)
		if err != nil {
			l.cfg.Metrics.DecodeError()
			return fmt.Errorf("failed to decode sample from cpu %d: %w", rec.CPU, err)
		}

		l.stats.Samples++
		l.cfg.Metrics.Sample()

		if err := l.out.OnTrace(ev); err != nil {
			return fmt.Errorf("failed to output event: %w", err)
		}
	case bpf.RecordLost:
		l.stats.Lost += rec.Lost
		l.cfg.Metrics.Lost(rec.Lost)
		l.logger.Debugw("lost samples", "cpu", rec.CPU, "count", rec.Lost)
	default:
		return fmt.Errorf("%w: kind %d on cpu %d", ErrUnknownRecord, rec.Kind, rec.CPU)
	}

	return nil
}

func (l *Loop) finalize() error {
	if err := l.out.PostTrace(); err != nil {
		return fmt.Errorf("failed to finalize output: %w", err)
	}

	if l.cfg.Script == nil {
		return nil
	}

	if err := l.cfg.Script.Fini(); err != nil {
		return fmt.Errorf("failed to finalize script: %w", err)
	}

	return nil
}

func (l *Loop) Stats() LoopStats {
	return l.stats
}
