package bpf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"
)

// ErrReaderClosed is returned by Read once the reader has been closed.
var ErrReaderClosed = perf.ErrClosed

type RecordKind int

const (
	RecordUnknown RecordKind = iota
	RecordSample
	RecordLost
)

func (k RecordKind) String() string {
	switch k {
	case RecordSample:
		return "sample"
	case RecordLost:
		return "lost"
	}

	return "unknown"
}

// Record is one entry of the perf stream.
type Record struct {
	Kind RecordKind
	CPU  int
	// Data is the raw event for RecordSample.
	Data []byte
	// Lost is the number of dropped samples for RecordLost.
	Lost uint64
}

type ReaderOptions struct {
	// PageCount is the size of each per-CPU buffer in pages.
	PageCount int
	// WakeupEvents is how many samples the kernel buffers before waking
	// the reader. Zero wakes on every sample.
	WakeupEvents int
}

func DefaultReaderOptions() ReaderOptions {
	return ReaderOptions{PageCount: 64}
}

// PerfReader reads Records from the events map.
type PerfReader struct {
	logger *zap.SugaredLogger
	rd     *perf.Reader
}

func NewPerfReader(logger *zap.SugaredLogger, events *ebpf.Map, opts ReaderOptions) (*PerfReader, error) {
	if opts.PageCount <= 0 {
		opts.PageCount = DefaultReaderOptions().PageCount
	}

	rd, err := perf.NewReaderWithOptions(events, opts.PageCount*os.Getpagesize(), perf.ReaderOptions{
		WakeupEvents: opts.WakeupEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open perf reader: %w", err)
	}

	logger.Debugw("perf reader open", "pages", opts.PageCount, "wakeup_events", opts.WakeupEvents)

	return &PerfReader{logger: logger, rd: rd}, nil
}

// SetDeadline bounds the next Read. An expired deadline makes Read return
// an error wrapping os.ErrDeadlineExceeded.
func (r *PerfReader) SetDeadline(t time.Time) {
	r.rd.SetDeadline(t)
}

func (r *PerfReader) Read() (Record, error) {
	rec, err := r.rd.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return Record{}, ErrReaderClosed
		}

		return Record{}, err
	}

	return toRecord(rec), nil
}

func toRecord(rec perf.Record) Record {
	switch {
	case rec.LostSamples > 0:
		return Record{Kind: RecordLost, CPU: rec.CPU, Lost: rec.LostSamples}
	case len(rec.RawSample) > 0:
		return Record{Kind: RecordSample, CPU: rec.CPU, Data: rec.RawSample}
	}

	return Record{Kind: RecordUnknown, CPU: rec.CPU}
}

// Close unblocks any pending Read.
func (r *PerfReader) Close() error {
	if err := r.rd.Close(); err != nil {
		return fmt.Errorf("failed to close perf reader: %w", err)
	}

	return nil
}
