package frontend

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// StartProbeServer runs the liveness listener when cfg enables it. Every
// connection is accepted and closed straight away. The listener is detached:
// it closes itself within one interval of stop firing. The bound address is
// returned, or nil when the listener is disabled.
func StartProbeServer(logger *zap.SugaredLogger, cfg ProbeServerConfig, stop StopToken, interval time.Duration) (net.Addr, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if interval <= 0 {
		interval = DefaultPollTimeout
	}

	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen for liveness probes on port %d: %w", cfg.Port, err)
	}

	logger.Infow("liveness probe listener started", "addr", ln.Addr().String())

	go func() {
		defer ln.Close()

		for !stop.ShouldStop() {
			if err := ln.SetDeadline(time.Now().Add(interval)); err != nil {
				logger.Warnw("failed to set accept deadline", "err", err)
				return
			}

			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					continue
				}

				if errors.Is(err, net.ErrClosed) {
					return
				}

				logger.Warnw("accept failed", "err", err)

				continue
			}

			conn.Close()
		}

		logger.Debugw("liveness probe listener stopped")
	}()

	return ln.Addr(), nil
}
