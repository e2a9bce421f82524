package netwatch

import (
	"context"
	"net"
	"sync"
	"time"

	"livecast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// ProbeAddress is a host:port reached over TCP to decide whether the
	// network is usable.
	ProbeAddress string
	Timeout      time.Duration
	Interval     time.Duration

	Dialer Dialer
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Status is the outcome of the most recent reachability check.
type Status struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Watcher reports network reachability by dialing a well-known address.
type Watcher struct {
	cfg Config

	mu   sync.RWMutex
	last Status
}

var _ ports.ConnectivityMonitor = (*Watcher)(nil)

func New(cfg Config) *Watcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Watcher{cfg: cfg}
}

// Online dials the probe address once.
func (w *Watcher) Online(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	conn, err := w.cfg.Dialer.DialContext(dialCtx, "tcp", w.cfg.ProbeAddress)
	if conn != nil {
		_ = conn.Close()
	}
	w.record(err)
	return err == nil
}

// WaitOnline polls every Interval until the probe address is reachable.
func (w *Watcher) WaitOnline(ctx context.Context) error {
	if w.Online(ctx) {
		return nil
	}

	ticker := w.cfg.Clock.Ticker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.Online(ctx) {
				return nil
			}
		}
	}
}

// Last returns the result of the most recent check.
func (w *Watcher) Last() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *Watcher) record(err error) {
	st := Status{Online: err == nil, CheckedAt: w.cfg.Clock.Now()}
	if err != nil {
		st.Error = err.Error()
	}

	w.mu.Lock()
	changed := w.last.CheckedAt.IsZero() || w.last.Online != st.Online
	w.last = st
	w.mu.Unlock()

	if !changed {
		return
	}
	if st.Online {
		w.cfg.Logger.Infow("Network reachable", "probe_address", w.cfg.ProbeAddress)
	} else {
		w.cfg.Logger.Warnw("Network unreachable", "probe_address", w.cfg.ProbeAddress, "error", st.Error)
	}
}
