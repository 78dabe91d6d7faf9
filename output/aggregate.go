package output

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf"
)

// AggregateOutput groups events per packet and prints each packet's path
// through the kernel once it is complete, which is either when it is pushed
// out of the trace table or when tracing ends.
type AggregateOutput struct {
	logger   *zap.SugaredLogger
	w        *bufio.Writer
	resolver Resolver
	decoder  Decoder

	traces *simplelru.LRU[uint64, []*bpf.Event]
	// err is the first write error seen while evicting.
	err     error
	flushed int
}

func NewAggregate(w io.Writer, r Resolver, d Decoder, opts Options) (*AggregateOutput, error) {
	if opts.TraceCapacity <= 0 {
		opts.TraceCapacity = DefaultTraceCapacity
	}

	a := &AggregateOutput{
		logger:   opts.Logger,
		w:        bufio.NewWriter(w),
		resolver: r,
		decoder:  d,
	}

	traces, err := simplelru.NewLRU[uint64, []*bpf.Event](opts.TraceCapacity, a.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace table: %w", err)
	}

	a.traces = traces

	return a, nil
}

func (a *AggregateOutput) onEvict(packetID uint64, events []*bpf.Event) {
	if err := a.writeTrace(packetID, events); err != nil && a.err == nil {
		a.err = err
	}
}

func (a *AggregateOutput) OnTrace(ev *bpf.Event) error {
	events, _ := a.traces.Get(ev.PacketID)
	a.traces.Add(ev.PacketID, append(events, ev))

	return a.err
}

// PostTrace flushes every remaining trace, least recently seen first.
func (a *AggregateOutput) PostTrace() error {
	for _, id := range a.traces.Keys() {
		events, ok := a.traces.Peek(id)
		if !ok {
			continue
		}

		if err := a.writeTrace(id, events); err != nil {
			return err
		}
	}

	a.logger.Infow("flushed traces", "count", a.flushed)

	return a.err
}

func (a *AggregateOutput) writeTrace(packetID uint64, events []*bpf.Event) error {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	fmt.Fprintf(a.w, "packet 0x%x: %d hits\n", packetID, len(events))

	start := events[0].Timestamp
	for _, ev := range events {
		dir := ">"
		if ev.IsReturn {
			dir = "<"
		}

		fmt.Fprintf(a.w, "  %+12.3fus cpu%-3d %s %s",
			float64(ev.Timestamp-start)/1e3, ev.CPU, dir, funcName(a.resolver, ev.FuncAddr))

		if fields := decode(a.decoder, ev); len(fields) > 0 {
			parts := make([]string, 0, len(fields))
			for _, f := range fields {
				parts = append(parts, f.Name+"="+f.Value)
			}

			fmt.Fprintf(a.w, " [%s]", strings.Join(parts, " "))
		}

		fmt.Fprintln(a.w)
	}

	a.flushed++

	if err := a.w.Flush(); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}

	return nil
}
