package services

import (
	"context"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/retry"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// AttemptFunc re-runs the ingest handshake.
type AttemptFunc func(ctx context.Context) error

// RetryController drives reconnection after a transport failure. It is
// armed by start and disarmed by stop; outside that window failures are
// not retried.
type RetryController struct {
	policy       retry.Config
	clock        clock.Clock
	connectivity ports.ConnectivityMonitor
	dispatcher   *Dispatcher
	logger       *zap.SugaredLogger
	onState      func(domain.RetryState)

	gate gate

	mu        sync.Mutex
	state     domain.RetryState
	armed     bool
	checking  bool
	attempts  int
	attempt   AttemptFunc
	onOutcome func(error)
	timer     *clock.Timer
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewRetryController(
	cfg domain.AutoReconnectConfiguration,
	clk clock.Clock,
	connectivity ports.ConnectivityMonitor,
	dispatcher *Dispatcher,
	onState func(domain.RetryState),
	logger *zap.SugaredLogger,
) *RetryController {
	return &RetryController{
		policy: retry.Config{
			Enabled:      cfg.Enabled,
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.Multiplier,
		},
		clock:        clk,
		connectivity: connectivity,
		dispatcher:   dispatcher,
		onState:      onState,
		logger:       logger,
		state:        domain.RetryStateNotRetrying,
	}
}

func (r *RetryController) Enabled() bool {
	return r.policy.Enabled
}

func (r *RetryController) State() domain.RetryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Arm enables retries until the next Stop. attempt re-runs the handshake;
// onOutcome is delivered on the dispatcher with nil once a retry succeeds,
// or with the last error once attempts are exhausted.
func (r *RetryController) Arm(attempt AttemptFunc, onOutcome func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.armed = true
	r.checking = false
	r.attempts = 0
	r.attempt = attempt
	r.onOutcome = onOutcome
	r.state = domain.RetryStateNotRetrying
}

// HandleFailure starts a retry sequence for cause. It returns false when the
// policy is disabled or the controller is not armed, in which case the
// caller owns the failure.
func (r *RetryController) HandleFailure(cause error) bool {
	if !r.policy.Enabled {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return false
	}
	if r.checking {
		return true
	}
	switch r.state {
	case domain.RetryStateWaitingForInternet, domain.RetryStateWaitingForBackoffTimer, domain.RetryStateRetrying:
		return true
	}

	r.logger.Warnw("transport failed, retrying", "error", cause, "max_attempts", r.policy.MaxAttempts)
	r.attempts = 0
	r.advanceLocked(r.gate.current())
	return true
}

// Stop cancels any pending timer or attempt and resets to NotRetrying.
// Callbacks queued before Stop are discarded, one already running has
// returned, and none are queued after.
func (r *RetryController) Stop() {
	r.stop()
	r.awaitCallbacks()
}

func (r *RetryController) awaitCallbacks() {
	r.gate.wait(r.dispatcher)
}

// stop is Stop without waiting for a running callback, for callers that
// hold locks.
func (r *RetryController) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gate.Cancel()
	r.armed = false
	r.checking = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.state = domain.RetryStateNotRetrying
	r.attempt = nil
	r.onOutcome = nil
}

// advanceLocked moves to WaitingForInternet or straight to the backoff timer.
// The connectivity check dials out, so it runs on its own goroutine without
// the lock.
func (r *RetryController) advanceLocked(gen uint64) {
	if r.connectivity == nil {
		r.backoffLocked(gen)
		return
	}
	r.checking = true
	go r.awaitConnectivity(r.ctx, gen)
}

func (r *RetryController) awaitConnectivity(ctx context.Context, gen uint64) {
	online := r.connectivity.Online(ctx)

	r.mu.Lock()
	if r.stale(gen) {
		r.mu.Unlock()
		return
	}
	r.checking = false
	if online {
		r.backoffLocked(gen)
		r.mu.Unlock()
		return
	}
	r.setStateLocked(gen, domain.RetryStateWaitingForInternet)
	r.mu.Unlock()

	if err := r.connectivity.WaitOnline(ctx); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) {
		return
	}
	r.backoffLocked(gen)
}

func (r *RetryController) backoffLocked(gen uint64) {
	delay := retry.Backoff(r.policy, r.attempts)
	r.setStateLocked(gen, domain.RetryStateWaitingForBackoffTimer)
	r.logger.Debugw("retry backoff", "attempt", r.attempts+1, "delay", delay)
	r.timer = r.clock.AfterFunc(delay, func() { r.run(gen) })
}

func (r *RetryController) run(gen uint64) {
	r.mu.Lock()
	if r.stale(gen) {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.attempts++
	n := r.attempts
	attempt := r.attempt
	ctx := r.ctx
	r.setStateLocked(gen, domain.RetryStateRetrying)
	r.mu.Unlock()

	err := attempt(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stale(gen) {
		return
	}
	switch {
	case err == nil:
		r.logger.Infow("reconnected", "attempt", n)
		r.setStateLocked(gen, domain.RetryStateSuccess)
		r.outcomeLocked(gen, nil)
	case n >= r.policy.MaxAttempts:
		r.logger.Errorw("giving up reconnecting", "attempts", n, "error", err)
		r.setStateLocked(gen, domain.RetryStateFailure)
		r.outcomeLocked(gen, err)
	default:
		r.logger.Warnw("reconnect attempt failed", "attempt", n, "error", err)
		r.advanceLocked(gen)
	}
}

func (r *RetryController) stale(gen uint64) bool {
	return !r.armed || r.gate.current() != gen
}

func (r *RetryController) setStateLocked(gen uint64, s domain.RetryState) {
	if r.state == s {
		return
	}
	r.state = s
	if r.onState != nil {
		cb := r.onState
		r.gate.deliver(r.dispatcher, gen, func() { cb(s) })
	}
}

func (r *RetryController) outcomeLocked(gen uint64, err error) {
	if cb := r.onOutcome; cb != nil {
		r.gate.deliver(r.dispatcher, gen, func() { cb(err) })
	}
}
