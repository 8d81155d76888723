// Package poller watches a training run until it reaches a terminal status.
// Every subscription owns its goroutine and timer; there is no shared
// registry, so concurrent watches of the same run are independent.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"PulseML/internal/backend"
	"PulseML/internal/gateway"
)

// DefaultInterval is the delay between the end of one fetch and the next
const DefaultInterval = 2 * time.Second

// ErrRunNotFound ends a subscription whose run no longer exists
var ErrRunNotFound = errors.New("training run not found")

// RunFetcher fetches fresh run state
type RunFetcher interface {
	FetchRun(ctx context.Context, id int64) (*backend.TrainingRun, error)
	FetchMetrics(ctx context.Context, id int64) (*backend.TrainingMetrics, error)
}

// Update is one poll result. Tick counts fetches starting at 1.
type Update struct {
	Run     *backend.TrainingRun
	Metrics *backend.TrainingMetrics
	Tick    int
}

// Poller starts subscriptions
type Poller struct {
	fetcher  RunFetcher
	interval time.Duration
	logger   *slog.Logger
	fetches  metric.Int64Counter
}

// Option configures a Poller
type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithMeter(m metric.Meter) Option {
	return func(p *Poller) { p.initInstruments(m) }
}

// New creates a Poller reading through fetcher
func New(fetcher RunFetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	p.initInstruments(otel.Meter("pulseml/poller"))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) initInstruments(m metric.Meter) {
	if c, err := m.Int64Counter(
		"pulseml.poller.fetches",
		metric.WithDescription("Training run status fetches issued by watches"),
	); err == nil {
		p.fetches = c
	}
}

// Subscription is one running watch
type Subscription struct {
	ID    string
	RunID int64

	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	last  backend.RunStatus
	ticks int
	err   error
}

// Cancel stops the watch. The result of a fetch still in flight is dropped;
// only a delivery already under way may complete. Safe to call from onUpdate.
func (s *Subscription) Cancel() {
	s.active.Store(false)
	s.cancel()
}

// Done is closed when the watch has stopped for any reason
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Active reports whether updates are still being delivered
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// LastStatus is the most recently delivered run status
func (s *Subscription) LastStatus() backend.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Ticks is the number of run fetches issued so far
func (s *Subscription) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Err is the error that ended the watch, or nil if it ended on a terminal
// status or was cancelled
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Watch polls runID until its status is terminal, the run disappears, a
// fetch fails or the subscription is cancelled. onUpdate is called from the
// subscription's goroutine after every successful fetch pair.
func (p *Poller) Watch(ctx context.Context, runID int64, onUpdate func(Update)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ID:     uuid.NewString(),
		RunID:  runID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.active.Store(true)

	go func() {
		defer close(sub.done)
		defer cancel()
		p.loop(ctx, sub, onUpdate)
		sub.active.Store(false)
	}()
	return sub
}

func (p *Poller) loop(ctx context.Context, sub *Subscription, onUpdate func(Update)) {
	logger := p.logger.With("run_id", sub.RunID, "subscription", sub.ID)
	logger.Debug("watch started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("watch cancelled")
			return
		case <-timer.C:
		}

		update, err := p.poll(ctx, sub)
		if !sub.active.Load() || ctx.Err() != nil {
			logger.Debug("discarding result of cancelled watch")
			return
		}
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				err = fmt.Errorf("%w: %d", ErrRunNotFound, sub.RunID)
			}
			sub.mu.Lock()
			sub.err = err
			sub.mu.Unlock()
			logger.Warn("watch stopped", "error", err)
			return
		}

		sub.mu.Lock()
		sub.last = update.Run.Status
		sub.mu.Unlock()
		if onUpdate != nil {
			onUpdate(update)
		}

		if update.Run.Status.Terminal() {
			logger.Info("run finished", "status", update.Run.Status, "ticks", update.Tick)
			return
		}
		timer.Reset(p.interval)
	}
}

// poll fetches the run and then its metrics. The next poll never starts
// before this one returns.
func (p *Poller) poll(ctx context.Context, sub *Subscription) (Update, error) {
	sub.mu.Lock()
	sub.ticks++
	tick := sub.ticks
	sub.mu.Unlock()

	run, err := p.fetcher.FetchRun(ctx, sub.RunID)
	if p.fetches != nil {
		p.fetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
	}
	if err != nil {
		return Update{}, fmt.Errorf("fetch run %d: %w", sub.RunID, err)
	}
	metrics, err := p.fetcher.FetchMetrics(ctx, sub.RunID)
	if err != nil {
		return Update{}, fmt.Errorf("fetch metrics of run %d: %w", sub.RunID, err)
	}
	return Update{Run: run, Metrics: metrics, Tick: tick}, nil
}
