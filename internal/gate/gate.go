// Package gate serializes work per trolley. Trolleys are independent, so there is no global lock.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a bounded wait for a key runs out.
var ErrBusy = errors.New("lock wait exceeded")

// Gate hands out exclusive locks keyed by trolley id.
// A zero wait blocks until the lock is free or the context is done.
type Gate struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration

	observe func(key string, waited time.Duration)
}

type keyLock struct {
	ch   chan struct{}
	refs int // holders + waiters
}

type Option func(*Gate)

// WithWaitObserver reports how long each successful acquisition waited.
func WithWaitObserver(fn func(key string, waited time.Duration)) Option {
	return func(g *Gate) {
		g.observe = fn
	}
}

func New(wait time.Duration, opts ...Option) *Gate {
	g := &Gate{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire takes the lock for key. The returned release func must be called exactly once.
func (g *Gate) Acquire(ctx context.Context, key string) (func(), error) {
	started := time.Now()
	l := g.ref(key)

	var timeout <-chan time.Time
	if g.wait > 0 {
		timer := time.NewTimer(g.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		g.unref(key, l)
		return nil, ctx.Err()
	case <-timeout:
		g.unref(key, l)
		return nil, ErrBusy
	}

	if g.observe != nil {
		g.observe(key, time.Since(started))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			g.unref(key, l)
		})
	}, nil
}

// Do runs fn while holding the lock for key.
func (g *Gate) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Len returns the number of keys currently held or waited on.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

func (g *Gate) ref(key string) *keyLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		g.locks[key] = l
	}
	l.refs++
	return l
}

func (g *Gate) unref(key string, l *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(g.locks, key)
	}
}
