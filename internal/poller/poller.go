// Package poller schedules periodic fetches with exponential backoff,
// a paused terminal state after repeated failures, and suspension while
// the client is hidden.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"assembly/client/internal/observable"
)

// Options tunes one poller. Zero values select the defaults.
type Options struct {
	// BaseInterval is the delay between successful fetches.
	BaseInterval time.Duration
	// MaxInterval caps the backed-off delay.
	MaxInterval time.Duration
	// MaxFailures is the consecutive-failure count that pauses the
	// poller until Retry.
	MaxFailures int
	// MinResumeGap is the minimum spacing between the last fetch and
	// the first fetch after becoming visible again.
	MinResumeGap time.Duration
	// FetchTimeout bounds a single fetch attempt.
	FetchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseInterval <= 0 {
		o.BaseInterval = 10 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Minute
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.MinResumeGap < 0 {
		o.MinResumeGap = 0
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	return o
}

// State is a snapshot of the poller's scheduling condition.
type State struct {
	ConsecutiveFailures int
	Paused              bool
	Hidden              bool
	LastFetchAt         time.Time
	LastErr             error
}

// backoffInterval doubles base per consecutive failure, capped at max.
func backoffInterval(base, max time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Poller repeatedly runs fetch and publishes successful results on an
// observable value. Failed fetches never overwrite the value.
type Poller[T any] struct {
	name  string
	fetch func(ctx context.Context) (T, error)
	opts  Options

	mu       sync.Mutex
	timer    *time.Timer
	inFlight bool
	seq      int
	closed   bool
	st       State

	// pubMu orders observable writes against Close: once Close returns,
	// no further Set happens on value or state.
	pubMu sync.Mutex

	value *observable.Value[T]
	state *observable.Value[State]
	now   func() time.Time
}

// New builds a poller; call Start to begin fetching.
func New[T any](name string, fetch func(ctx context.Context) (T, error), opts Options) *Poller[T] {
	var zero T
	return &Poller[T]{
		name:  name,
		fetch: fetch,
		opts:  opts.withDefaults(),
		value: observable.New(zero),
		state: observable.New(State{}),
		now:   time.Now,
	}
}

// Value exposes the most recent successful result.
func (p *Poller[T]) Value() *observable.Value[T] { return p.value }

// State exposes scheduling snapshots.
func (p *Poller[T]) State() *observable.Value[State] { return p.state }

// Name identifies the poller in logs and the status endpoint.
func (p *Poller[T]) Name() string { return p.name }

// Start triggers the first fetch immediately.
func (p *Poller[T]) Start() { p.kick(false) }

// kick starts a fetch unless one is already in flight. force bypasses
// the hidden gate for manual refresh; a paused poller never fetches
// until Retry clears the pause.
func (p *Poller[T]) kick(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.inFlight || p.st.Paused {
		return
	}
	if !force && p.st.Hidden {
		return
	}
	p.stopTimerLocked()
	p.inFlight = true
	p.seq++
	go p.run(p.seq)
}

// run performs one fetch attempt. seq guards against a result landing
// after Close or a newer attempt.
func (p *Poller[T]) run(seq int) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.FetchTimeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := p.fetch(ctx)
		ch <- result{val, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	p.mu.Lock()
	if p.closed || seq != p.seq {
		p.mu.Unlock()
		return
	}
	p.inFlight = false
	p.st.LastFetchAt = p.now()
	p.st.LastErr = res.err

	var next time.Duration
	if res.err != nil {
		p.st.ConsecutiveFailures++
		if p.st.ConsecutiveFailures >= p.opts.MaxFailures {
			p.st.Paused = true
			log.Printf("poller %s: paused after %d consecutive failures: %v", p.name, p.st.ConsecutiveFailures, res.err)
		} else {
			next = backoffInterval(p.opts.BaseInterval, p.opts.MaxInterval, p.st.ConsecutiveFailures)
			log.Printf("poller %s: fetch failed (%d consecutive), next attempt in %s: %v", p.name, p.st.ConsecutiveFailures, next, res.err)
		}
	} else {
		p.st.ConsecutiveFailures = 0
		p.st.Paused = false
		next = p.opts.BaseInterval
	}
	if next > 0 && !p.st.Paused && !p.st.Hidden {
		p.scheduleLocked(next)
	}
	stSnap := p.st
	p.mu.Unlock()

	if res.err == nil {
		p.publish(&res.val, stSnap)
	} else {
		p.publish(nil, stSnap)
	}
}

// publish emits the value (when non-nil) and the state snapshot.
// p.mu is released first so listeners can call back in; pubMu and the
// closed re-check guarantee nothing is published once Close returns.
func (p *Poller[T]) publish(val *T, st State) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if val != nil {
		p.value.Set(*val)
	}
	p.state.Set(st)
}

func (p *Poller[T]) scheduleLocked(d time.Duration) {
	p.stopTimerLocked()
	p.timer = time.AfterFunc(d, func() { p.kick(false) })
}

func (p *Poller[T]) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// SetVisible suspends scheduling while hidden and resumes on return.
// Hiding cancels the pending timer but leaves the failure count and
// paused flag untouched. Resuming keeps at least MinResumeGap from the
// last fetch.
func (p *Poller[T]) SetVisible(visible bool) {
	p.mu.Lock()
	if p.closed || p.st.Hidden == !visible {
		p.mu.Unlock()
		return
	}
	p.st.Hidden = !visible
	if p.st.Hidden {
		p.stopTimerLocked()
		stSnap := p.st
		p.mu.Unlock()
		p.publish(nil, stSnap)
		return
	}
	stSnap := p.st
	if p.st.Paused {
		p.mu.Unlock()
		p.publish(nil, stSnap)
		return
	}
	gap := p.opts.MinResumeGap - p.now().Sub(p.st.LastFetchAt)
	p.mu.Unlock()
	p.publish(nil, stSnap)

	if gap > 0 {
		p.mu.Lock()
		if !p.closed && !p.st.Hidden {
			p.scheduleLocked(gap)
		}
		p.mu.Unlock()
		return
	}
	p.kick(false)
}

// Retry clears the paused state and failure count, then fetches
// immediately. It is the only way out of the paused state.
func (p *Poller[T]) Retry() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.st.Paused = false
	p.st.ConsecutiveFailures = 0
	stSnap := p.st
	p.mu.Unlock()
	p.publish(nil, stSnap)
	p.kick(true)
}

// ManualRefresh fetches immediately without touching the failure count.
// A fetch already in flight, or a paused poller, makes it a no-op.
func (p *Poller[T]) ManualRefresh() { p.kick(true) }

// Close stops scheduling. A fetch in flight is abandoned; its result is
// discarded and nothing further is published. Safe to call more than
// once.
func (p *Poller[T]) Close() {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.seq++
	p.stopTimerLocked()
}
