package services

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Dispatcher runs user-facing callbacks one at a time, in submission order,
// on a single goroutine. Producers never block on it.
type Dispatcher struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  bool
	worker  atomic.Uint64
	logger  *zap.SugaredLogger
}

func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

// Dispatch queues fn. It returns false once the dispatcher is closed.
func (d *Dispatcher) Dispatch(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush blocks until everything queued before the call has run. It must not
// be called from a callback.
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	if !d.Dispatch(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-d.done:
	}
}

// Close drains queued callbacks and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	d.worker.Store(goroutineID())
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, fn := range batch {
			d.invoke(fn)
		}
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("callback panicked", "panic", r)
		}
	}()
	fn()
}

// onWorker reports whether the caller is running inside a callback.
func (d *Dispatcher) onWorker() bool {
	id := d.worker.Load()
	return id != 0 && id == goroutineID()
}

// goroutineID parses the id from the "goroutine N [...]" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// gate lets a producer revoke callbacks it has already queued. A callback
// queued under generation g runs only if Cancel has not been called by the
// time the dispatcher reaches it. Cancel followed by wait also covers a
// callback that passed the check and is still running.
type gate struct {
	mu  sync.Mutex
	gen uint64
	// running is read-held for the whole of a gated callback.
	running sync.RWMutex
}

func (g *gate) current() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Cancel invalidates every callback queued so far and returns the new
// generation. It never blocks on callbacks, so it is safe under locks.
func (g *gate) Cancel() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	return g.gen
}

// wait blocks until no gated callback is running. Called from a callback it
// returns at once: the only callback running is the caller. It must not be
// called while holding a lock a callback may take.
func (g *gate) wait(d *Dispatcher) {
	if d.onWorker() {
		return
	}
	g.running.Lock()
	g.running.Unlock()
}

func (g *gate) deliver(d *Dispatcher, gen uint64, fn func()) {
	d.Dispatch(func() {
		g.running.RLock()
		defer g.running.RUnlock()
		if g.current() == gen {
			fn()
		}
	})
}
