package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/reactor/core/http"
	"github.com/searchktools/reactor/core/observability"
	"github.com/searchktools/reactor/core/pools"
	"github.com/searchktools/reactor/logging"
)

// Options configures an Engine. Zero values get sensible defaults.
type Options struct {
	Addr    string
	Port    int
	Backlog int

	// Loops is the number of event loops; 0 means one per CPU.
	Loops int

	ReadBufferSize int
	Limits         http.Limits

	MaxConns          int64 // global, enforced at accept
	MaxConnsPerLoop   int
	MaxConnsPerSource int

	IdleTimeout time.Duration
	DrainGrace  time.Duration

	PoolClasses     []int
	PoolMaxResident int64

	GC pools.GCConfig

	Logger  *logging.Logger
	OnOpen  func(id uint64, fd int)
	OnClose func(id uint64, fd int)
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Loops <= 0 {
		opts.Loops = runtime.GOMAXPROCS(0)
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4 * 1024
	}
	if opts.Limits == (http.Limits{}) {
		opts.Limits = http.DefaultLimits()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 5 * time.Second
	}
	if opts.GC == (pools.GCConfig{}) {
		opts.GC = pools.DefaultGCConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.LevelInfo)
	}
	return opts
}

// Engine ties the acceptor and the event loops together. One Engine per
// listening address.
type Engine struct {
	opts     Options
	handler  Handler
	loops    []*Loop
	acceptor *Acceptor
	stats    *observability.Stats
	log      *logging.Logger

	cancel context.CancelFunc
}

// NewEngine builds the loops and binds the listening socket. The socket is
// live (and the port claimed) when NewEngine returns; Run starts serving.
func NewEngine(handler Handler, opts Options) (*Engine, error) {
	if handler == nil {
		return nil, fmt.Errorf("engine: nil handler")
	}
	opts = opts.withDefaults()

	e := &Engine{
		opts:    opts,
		handler: handler,
		stats:   &observability.Stats{},
		log:     opts.Logger,
	}

	lcfg := loopConfig{
		readBufSize:     opts.ReadBufferSize,
		maxConns:        opts.MaxConnsPerLoop,
		idleTimeout:     opts.IdleTimeout,
		drainGrace:      opts.DrainGrace,
		limits:          opts.Limits,
		poolClasses:     opts.PoolClasses,
		poolMaxResident: opts.PoolMaxResident,
	}
	for i := 0; i < opts.Loops; i++ {
		l, err := newLoop(i, lcfg, handler, e.stats, e.log)
		if err != nil {
			e.closeLoops()
			return nil, fmt.Errorf("engine: loop %d: %w", i, err)
		}
		l.onOpen = opts.OnOpen
		e.loops = append(e.loops, l)
	}

	acfg := acceptorConfig{
		addr:         opts.Addr,
		port:         opts.Port,
		backlog:      opts.Backlog,
		maxConns:     opts.MaxConns,
		maxPerSource: opts.MaxConnsPerSource,
	}
	acc, err := newAcceptor(acfg, e.loops, e.stats, e.log)
	if err != nil {
		e.closeLoops()
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.acceptor = acc

	// Per-source accounting must see every close, user hook or not.
	for _, l := range e.loops {
		l.onClose = func(id uint64, fd int) {
			acc.release(fd)
			if opts.OnClose != nil {
				opts.OnClose(id, fd)
			}
		}
	}
	return e, nil
}

func (e *Engine) closeLoops() {
	for _, l := range e.loops {
		l.poller.Close()
	}
}

// Port returns the bound port, useful when Options.Port was 0.
func (e *Engine) Port() int { return e.acceptor.port() }

// Run serves until ctx is canceled or Shutdown is called, then drains the
// loops and returns. A failed worker loop is contained: it is logged and
// its connections are lost, but the acceptor and the remaining loops keep
// serving. Only an acceptor failure stops the engine.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	pools.ApplyGCConfig(e.opts.GC)
	e.log.Infof("listening on %s:%d with %d loops", e.opts.Addr, e.Port(), len(e.loops))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.acceptor.run(ctx) })
	for _, l := range e.loops {
		l := l
		g.Go(func() error {
			if err := l.run(ctx); err != nil {
				e.log.Errorf("loop %d: stopped: %v", l.id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.log.Infof("engine stopped: %s", e.Snapshot())
	return err
}

// Shutdown begins a graceful stop: accepting ends at once, established
// connections get the drain grace period. Safe to call from any goroutine.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Snapshot aggregates engine counters with every loop's pool counters.
func (e *Engine) Snapshot() observability.Snapshot {
	sn := e.stats.Snapshot()
	for _, l := range e.loops {
		ps := l.poolStats()
		sn.PoolCheckouts += ps.Checkouts
		sn.PoolReleases += ps.Releases
		sn.PoolMisses += ps.Misses
		sn.PoolResident += ps.Resident
	}
	return sn
}
