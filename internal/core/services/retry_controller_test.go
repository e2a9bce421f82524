package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []domain.RetryState
}

func (r *stateRecorder) record(s domain.RetryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []domain.RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RetryState(nil), r.states...)
}

type switchableConnectivity struct {
	mu     sync.Mutex
	online bool
	ready  chan struct{}
}

func newSwitchableConnectivity(online bool) *switchableConnectivity {
	return &switchableConnectivity{online: online, ready: make(chan struct{})}
}

func (c *switchableConnectivity) Online(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *switchableConnectivity) WaitOnline(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *switchableConnectivity) restore() {
	c.mu.Lock()
	c.online = true
	c.mu.Unlock()
	close(c.ready)
}

func enabledReconnect(attempts int) domain.AutoReconnectConfiguration {
	cfg := domain.NewAutoReconnectConfiguration()
	cfg.Enabled = true
	cfg.MaxAttempts = attempts
	return cfg
}

func waitForState(t *testing.T, r *RetryController, want domain.RetryState) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, 2*time.Second, 2*time.Millisecond,
		"retry state never reached %s", want)
}

func TestRetryController_DisabledDoesNotRetry(t *testing.T) {
	r := NewRetryController(domain.NewAutoReconnectConfiguration(), clock.NewMock(), nil, newTestDispatcher(t), nil, testLogger(t))
	r.Arm(func(context.Context) error { return nil }, nil)

	assert.False(t, r.HandleFailure(errors.New("lost")))
	assert.Equal(t, domain.RetryStateNotRetrying, r.State())
}

func TestRetryController_UnarmedDoesNotRetry(t *testing.T) {
	r := NewRetryController(enabledReconnect(3), clock.NewMock(), nil, newTestDispatcher(t), nil, testLogger(t))
	assert.False(t, r.HandleFailure(errors.New("lost")))
}

func TestRetryController_SucceedsAfterBackoff(t *testing.T) {
	clk := clock.NewMock()
	d := newTestDispatcher(t)
	rec := &stateRecorder{}
	r := NewRetryController(enabledReconnect(3), clk, nil, d, rec.record, testLogger(t))

	var calls int32
	outcome := make(chan error, 1)
	r.Arm(func(context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("handshake refused")
		}
		return nil
	}, func(err error) { outcome <- err })

	require.True(t, r.HandleFailure(errors.New("lost")))
	assert.Equal(t, domain.RetryStateWaitingForBackoffTimer, r.State())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 2*time.Millisecond)
	waitForState(t, r, domain.RetryStateWaitingForBackoffTimer)

	// second delay doubles
	clk.Add(time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	clk.Add(time.Second)

	select {
	case err := <-outcome:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
	assert.Equal(t, domain.RetryStateSuccess, r.State())

	d.Flush()
	assert.Equal(t, []domain.RetryState{
		domain.RetryStateWaitingForBackoffTimer,
		domain.RetryStateRetrying,
		domain.RetryStateWaitingForBackoffTimer,
		domain.RetryStateRetrying,
		domain.RetryStateSuccess,
	}, rec.snapshot())
}

func TestRetryController_FailsAfterMaxAttempts(t *testing.T) {
	clk := clock.NewMock()
	r := NewRetryController(enabledReconnect(2), clk, nil, newTestDispatcher(t), nil, testLogger(t))

	var calls int32
	outcome := make(chan error, 1)
	refused := errors.New("refused")
	r.Arm(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return refused
	}, func(err error) { outcome <- err })
	require.True(t, r.HandleFailure(errors.New("lost")))

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 2*time.Millisecond)
	waitForState(t, r, domain.RetryStateWaitingForBackoffTimer)
	clk.Add(2 * time.Second)

	select {
	case err := <-outcome:
		assert.ErrorIs(t, err, refused)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
	assert.Equal(t, domain.RetryStateFailure, r.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRetryController_WaitsForInternet(t *testing.T) {
	clk := clock.NewMock()
	conn := newSwitchableConnectivity(false)
	r := NewRetryController(enabledReconnect(3), clk, conn, newTestDispatcher(t), nil, testLogger(t))
	r.Arm(func(context.Context) error { return nil }, nil)

	require.True(t, r.HandleFailure(errors.New("lost")))
	waitForState(t, r, domain.RetryStateWaitingForInternet)

	conn.restore()
	waitForState(t, r, domain.RetryStateWaitingForBackoffTimer)
	clk.Add(time.Second)
	waitForState(t, r, domain.RetryStateSuccess)
}

func TestRetryController_StopSilencesCallbacks(t *testing.T) {
	clk := clock.NewMock()
	d := newTestDispatcher(t)
	rec := &stateRecorder{}
	r := NewRetryController(enabledReconnect(5), clk, nil, d, rec.record, testLogger(t))

	var calls int32
	r.Arm(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("refused")
	}, func(error) { t.Error("outcome delivered after stop") })

	require.True(t, r.HandleFailure(errors.New("lost")))
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 2*time.Millisecond)
	waitForState(t, r, domain.RetryStateWaitingForBackoffTimer)

	r.Stop()
	assert.Equal(t, domain.RetryStateNotRetrying, r.State())
	d.Flush()
	before := len(rec.snapshot())

	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	d.Flush()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.RetryStateNotRetrying, r.State())
	assert.Len(t, rec.snapshot(), before)
	assert.False(t, r.HandleFailure(errors.New("lost again")))
}

// blockingConnectivity answers Online only once released.
type blockingConnectivity struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingConnectivity) Online(ctx context.Context) bool {
	c.entered <- struct{}{}
	select {
	case <-c.release:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *blockingConnectivity) WaitOnline(context.Context) error { return nil }

func TestRetryController_ConnectivityCheckDoesNotHoldLock(t *testing.T) {
	clk := clock.NewMock()
	conn := &blockingConnectivity{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(conn.release)
	r := NewRetryController(enabledReconnect(3), clk, conn, newTestDispatcher(t), nil, testLogger(t))
	r.Arm(func(context.Context) error { return nil }, func(error) { t.Error("outcome delivered after stop") })

	failed := make(chan bool, 1)
	go func() { failed <- r.HandleFailure(errors.New("lost")) }()
	select {
	case ok := <-failed:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("HandleFailure waited on the connectivity check")
	}
	<-conn.entered

	assert.True(t, r.HandleFailure(errors.New("lost again")), "a check in flight counts as retrying")
	assert.Equal(t, domain.RetryStateNotRetrying, r.State())

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited on the connectivity check")
	}

	clk.Add(time.Minute)
	assert.Equal(t, domain.RetryStateNotRetrying, r.State())
}
