package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize          = 4
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultHealthCheckPeriod = 60 * time.Second
	maxRecordedErrors        = 10
)

var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrPoolTimeout = errors.New("timeout waiting for available session")
)

// Session is a single inference context. Sessions are never used by two
// requests at once.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

type SessionFactory func() (Session, error)

type PoolConfig struct {
	Size              int
	AcquireTimeout    time.Duration
	InferenceTimeout  time.Duration
	HealthCheckPeriod time.Duration
}

type SessionPool struct {
	sessions         chan Session
	size             int
	factory          SessionFactory
	acquireTimeout   time.Duration
	inferenceTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	lastErrors []error
	stop       chan struct{}

	metrics *poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	discarded       int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"live_sessions"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewSessionPool(factory SessionFactory, cfg PoolConfig) (*SessionPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.HealthCheckPeriod <= 0 {
		cfg.HealthCheckPeriod = DefaultHealthCheckPeriod
	}

	pool := &SessionPool{
		sessions:         make(chan Session, cfg.Size),
		size:             cfg.Size,
		factory:          factory,
		acquireTimeout:   cfg.AcquireTimeout,
		inferenceTimeout: cfg.InferenceTimeout,
		stop:             make(chan struct{}),
		metrics:          &poolMetrics{},
	}

	// Initialize sessions
	for i := 0; i < cfg.Size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.live++
		pool.sessions <- session
	}

	go pool.healthCheck(cfg.HealthCheckPeriod)

	return pool, nil
}

func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.live--
		session.Destroy()
		return
	}

	// live never exceeds size, so this send does not block.
	p.sessions <- session
}

// discard drops a session whose last run failed; the health check replaces it.
func (p *SessionPool) discard(session Session, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.discarded++
	p.metrics.mu.Unlock()

	p.recordError(cause)

	p.mu.Lock()
	p.live--
	p.mu.Unlock()

	session.Destroy()
}

// Predict runs input through a pooled session. The call gives up when ctx is
// done or the inference timeout passes; a session still running at that point
// returns to the pool once its run finishes.
func (p *SessionPool) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if p.inferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.inferenceTimeout)
		defer cancel()
	}

	session, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	type result struct {
		out []float32
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := session.Run(input)
		if err != nil {
			p.discard(session, err)
		} else {
			p.Release(session)
		}
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	// Destroy all idle sessions; busy ones are destroyed on release.
	for session := range p.sessions {
		p.live--
		session.Destroy()
	}
}

func (p *SessionPool) healthCheck(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenishSessions()
		}
	}
}

func (p *SessionPool) replenishSessions() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.live++
		p.sessions <- session
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > maxRecordedErrors {
		p.lastErrors = p.lastErrors[1:]
	}
}

func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := make([]error, len(p.lastErrors))
	copy(errs, p.lastErrors)
	return errs
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		Discarded:       p.metrics.discarded,
		WaitTime:        p.metrics.waitTime,
	}
}
