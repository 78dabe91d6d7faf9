package frontend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tcassar-diss/skbtrace/bpf/attach"
)

// Metrics exposes the counters of a run. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attach       *prometheus.GaugeVec
	samples      prometheus.Counter
	lostSamples  prometheus.Counter
	decodeErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	return &Metrics{
		registry: registry,
		attach: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "skbtrace_attach_symbols",
				Help: "Symbols considered by the attach pass, by outcome",
			},
			[]string{"result"},
		),
		samples: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "skbtrace_samples_total",
				Help: "Events read from the perf buffer",
			},
		),
		lostSamples: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "skbtrace_lost_samples_total",
				Help: "Events dropped by the kernel because the perf buffer was full",
			},
		),
		decodeErrors: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "skbtrace_decode_errors_total",
				Help: "Samples which could not be decoded",
			},
		),
	}
}

func (m *Metrics) ObserveAttach(s attach.Stat) {
	if m == nil {
		return
	}

	m.attach.WithLabelValues("total").Set(float64(s.Total))
	m.attach.WithLabelValues("succeeded").Set(float64(s.Succeeded))
	m.attach.WithLabelValues("failed").Set(float64(s.Failed))
	m.attach.WithLabelValues("filtered").Set(float64(s.Filtered))
}

func (m *Metrics) Sample() {
	if m == nil {
		return
	}

	m.samples.Inc()
}

func (m *Metrics) Lost(n uint64) {
	if m == nil {
		return
	}

	m.lostSamples.Add(float64(n))
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}

	m.decodeErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger *zap.SugaredLogger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Infow("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	return nil
}
