package frontend

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type RunState int32

const (
	Running RunState = iota
	Stopping
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}

	return "invalid"
}

// Controller is the run's stop token. It moves Running -> Stopping when a
// termination signal arrives or Stop is called, and Stopping -> Stopped once
// cleanup is done.
type Controller struct {
	logger *zap.SugaredLogger
	state  atomic.Int32
	stopCh chan struct{}

	watchOnce sync.Once
	closeOnce sync.Once
	sigs      chan os.Signal
	quit      chan struct{}
	// closed when the watch goroutine has returned
	watched chan struct{}
}

func NewController(logger *zap.SugaredLogger) *Controller {
	return &Controller{
		logger:  logger,
		stopCh:  make(chan struct{}),
		sigs:    make(chan os.Signal, 1),
		quit:    make(chan struct{}),
		watched: make(chan struct{}),
	}
}

// Watch starts listening for SIGINT and SIGTERM. The first one stops the
// run and restores the default disposition, so a second one kills the
// process even if shutdown hangs. Later calls do nothing.
func (c *Controller) Watch() {
	c.watchOnce.Do(func() {
		signal.Notify(c.sigs, unix.SIGINT, unix.SIGTERM)

		go func() {
			defer close(c.watched)

			select {
			case <-c.sigs:
				signal.Reset(unix.SIGINT, unix.SIGTERM)
				c.Stop()
			case <-c.quit:
			}
		}()
	})
}

// Close stops signal delivery to the controller and ends the watch
// goroutine. It does not change the run state.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		signal.Stop(c.sigs)
		close(c.quit)
	})
}

// Stop requests the run to end. It reports whether this call did so.
func (c *Controller) Stop() bool {
	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return false
	}

	close(c.stopCh)

	return true
}

func (c *Controller) ShouldStop() bool {
	return RunState(c.state.Load()) != Running
}

// Done is closed once a stop has been requested.
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}

// Finish marks cleanup as complete. It must run after every resource of the
// run has been released.
func (c *Controller) Finish() {
	c.Close()
	c.Stop()
	c.state.Store(int32(Stopped))
}

func (c *Controller) State() RunState {
	return RunState(c.state.Load())
}
