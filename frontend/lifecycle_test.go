package frontend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestController_Transitions(t *testing.T) {
	ctl := NewController(zap.NewNop().Sugar())

	require.Equal(t, Running, ctl.State())
	require.False(t, ctl.ShouldStop())

	select {
	case <-ctl.Done():
		t.Fatal("done before stop")
	default:
	}

	require.True(t, ctl.Stop())
	require.False(t, ctl.Stop())
	require.Equal(t, Stopping, ctl.State())
	require.True(t, ctl.ShouldStop())
	<-ctl.Done()

	ctl.Finish()
	require.Equal(t, Stopped, ctl.State())
	require.False(t, ctl.Stop())
	require.Equal(t, Stopped, ctl.State())
}

func TestController_ConcurrentStop(t *testing.T) {
	ctl := NewController(zap.NewNop().Sugar())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if ctl.Stop() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestController_Signal(t *testing.T) {
	ctl := NewController(zap.NewNop().Sugar())
	ctl.Watch()

	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGTERM))

	require.Eventually(t, ctl.ShouldStop, time.Second, 5*time.Millisecond)
	require.Equal(t, Stopping, ctl.State())
}

func TestController_CloseEndsWatch(t *testing.T) {
	ctl := NewController(zap.NewNop().Sugar())
	ctl.Watch()
	ctl.Watch()

	ctl.Close()
	ctl.Close()

	select {
	case <-ctl.watched:
	case <-time.After(time.Second):
		t.Fatal("watch goroutine still running after Close")
	}

	require.Equal(t, Running, ctl.State())
}

func TestController_FinishEndsWatch(t *testing.T) {
	ctl := NewController(zap.NewNop().Sugar())
	ctl.Watch()

	ctl.Finish()

	select {
	case <-ctl.watched:
	case <-time.After(time.Second):
		t.Fatal("watch goroutine still running after Finish")
	}

	require.Equal(t, Stopped, ctl.State())
}
