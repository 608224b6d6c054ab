package loop

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"
)

// Loop runs queued callbacks sequentially on a single goroutine.
type Loop struct {
	clock clock.Clock
	l     log15.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	quit     chan struct{}
	stopOnce sync.Once
}

// Option configures a Loop.
type Option func(lp *Loop)

// WithClock sets the clock timers are scheduled on. Tests use a fake clock
// to fire timers deterministically.
func WithClock(c clock.Clock) Option {
	return func(lp *Loop) {
		lp.clock = c
	}
}

// WithLogger configures the logger for loop diagnostics.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(lp *Loop) {
		lp.l = l
	}
}

// New constructs a stopped loop. Callbacks may be posted before Run is
// called; they run once it is.
func New(opts ...Option) *Loop {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	lp := &Loop{
		clock: clock.RealClock{},
		l:     noopLogger,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Clock returns the clock this loop schedules timers on.
func (lp *Loop) Clock() clock.Clock {
	return lp.clock
}

// Post queues fn to run on the loop goroutine. It never blocks. It returns
// false, and drops fn, if the loop has been stopped.
func (lp *Loop) Post(fn func()) bool {
	if lp.Stopped() {
		return false
	}
	lp.mu.Lock()
	lp.pending = append(lp.pending, fn)
	lp.mu.Unlock()
	select {
	case lp.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes posted callbacks until Stop is called or ctx is done.
// It returns nil after Stop, and the context's error otherwise.
// Run must not be called concurrently with itself.
func (lp *Loop) Run(ctx context.Context) error {
	lp.l.Debug("event loop running")
	for {
		for {
			fn := lp.next()
			if fn == nil {
				break
			}
			fn()
			if lp.Stopped() {
				return nil
			}
		}
		select {
		case <-lp.wake:
		case <-lp.quit:
			lp.l.Debug("event loop stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (lp *Loop) next() func() {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if len(lp.pending) == 0 {
		return nil
	}
	fn := lp.pending[0]
	lp.pending[0] = nil
	lp.pending = lp.pending[1:]
	return fn
}

// Stop makes Run return after the callback currently executing, if any.
// Queued callbacks are discarded. Stop is idempotent.
func (lp *Loop) Stop() {
	lp.stopOnce.Do(func() {
		close(lp.quit)
		lp.mu.Lock()
		lp.pending = nil
		lp.mu.Unlock()
	})
}

// Stopped reports whether Stop has been called.
func (lp *Loop) Stopped() bool {
	select {
	case <-lp.quit:
		return true
	default:
		return false
	}
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	stopC    chan struct{}
	stopOnce sync.Once
}

// Stop cancels the timer. A callback that was already queued but has not run
// yet is dropped. Stop is idempotent.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopC)
	})
}

// Stopped reports whether Stop has been called.
func (t *Timer) Stopped() bool {
	select {
	case <-t.stopC:
		return true
	default:
		return false
	}
}

// AfterFunc runs fn on the loop goroutine once d has elapsed on the loop's
// clock, unless the returned timer is stopped first.
func (lp *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{stopC: make(chan struct{})}
	ct := lp.clock.NewTimer(d)
	go func() {
		select {
		case <-ct.C():
			lp.Post(func() {
				if t.Stopped() {
					return
				}
				t.Stop()
				fn()
			})
		case <-t.stopC:
			ct.Stop()
		case <-lp.quit:
			ct.Stop()
		}
	}()
	return t
}
