// Package gate admits stage launches based on a concurrency limit and the
// memory available on the host.
package gate

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRequiredMemoryMB = 100
	DefaultQueueTimeout     = 360 * time.Second
	DefaultRecheckInterval  = time.Second
)

type (
	Config struct {
		Enabled          bool
		MaxConcurrent    int
		RequiredMemoryMB uint64
		QueueTimeout     time.Duration
		RecheckInterval  time.Duration
	}

	// MemoryProbe reports the memory available for new processes, in bytes.
	MemoryProbe func() (uint64, error)

	// Observer receives gate events; the metrics package implements it.
	Observer interface {
		GateAdmitted(current int, waited time.Duration)
		GateDenied(waited time.Duration)
		GateReleased(current int)
	}

	Option func(*Gate)

	// Gate is shared by every pipeline running in the process, nested ones
	// included. Waiters are woken together on each release and on every
	// recheck tick and race to re-check the predicate, so admission order is
	// not FIFO and a waiter can be outrun by a stream of short stages.
	Gate struct {
		cfg      Config
		probe    MemoryProbe
		observer Observer
		log      zerolog.Logger

		mu       sync.Mutex
		admitted int
		wake     chan struct{}
	}
)

// DefaultConfig returns an enabled gate sized to the number of CPUs.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxConcurrent:    runtime.NumCPU(),
		RequiredMemoryMB: DefaultRequiredMemoryMB,
		QueueTimeout:     DefaultQueueTimeout,
		RecheckInterval:  DefaultRecheckInterval,
	}
}

func WithMemoryProbe(p MemoryProbe) Option {
	return func(g *Gate) { g.probe = p }
}

func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

func New(cfg Config, opts ...Option) *Gate {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}

	g := &Gate{
		cfg:   cfg,
		probe: VirtualMemoryAvailable,
		log:   log.Logger,
		wake:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Acquire blocks until the stage may start, the queue timeout elapses or ctx
// is done. It reports whether admission was granted; a granted admission
// must be paired with exactly one Release.
func (g *Gate) Acquire(ctx context.Context) bool {
	start := time.Now()
	timeout := time.NewTimer(g.cfg.QueueTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(g.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		g.mu.Lock()
		if g.canAcquire() {
			g.admitted++
			current := g.admitted
			g.mu.Unlock()
			if g.observer != nil {
				g.observer.GateAdmitted(current, time.Since(start))
			}
			return true
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
		case <-ticker.C:
		case <-timeout.C:
			g.deny(start)
			return false
		case <-ctx.Done():
			g.deny(start)
			return false
		}
	}
}

// Release frees one admission and wakes every waiter.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.admitted > 0 {
		g.admitted--
	}
	current := g.admitted
	close(g.wake)
	g.wake = make(chan struct{})
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.GateReleased(current)
	}
}

// Admitted is the number of stages currently holding an admission.
func (g *Gate) Admitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitted
}

func (g *Gate) deny(start time.Time) {
	g.log.Warn().Dur("waited", time.Since(start)).Msg("stage was not admitted before the queue timeout")
	if g.observer != nil {
		g.observer.GateDenied(time.Since(start))
	}
}

// canAcquire must be called with mu held.
func (g *Gate) canAcquire() bool {
	if !g.cfg.Enabled {
		return true
	}
	if g.admitted >= g.cfg.MaxConcurrent {
		return false
	}

	available, err := g.probe()
	if err != nil {
		g.log.Error().Err(err).Msg("could not check available memory, admitting anyway")
		return true
	}
	if available < g.cfg.RequiredMemoryMB*1024*1024 {
		g.log.Warn().
			Uint64("available_mb", available/1024/1024).
			Uint64("required_mb", g.cfg.RequiredMemoryMB).
			Msg("not enough memory to start a stage")
		return false
	}
	return true
}
