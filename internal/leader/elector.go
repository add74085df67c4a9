package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leader-election/internal/lock"
	"github.com/kneutral-org/leader-election/internal/logging"
	"github.com/kneutral-org/leader-election/internal/metrics"
)

// Defaults for Elector timing.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultRenewInterval = 3 * time.Second
	DefaultStoreTimeout  = time.Second
)

// ErrAlreadyStarted is returned by Start when the elector was already started or stopped.
var ErrAlreadyStarted = fmt.Errorf("%w: elector already started", lock.ErrIllegalLockState)

// Elector campaigns for a candidate's role using a lock from a Registry.
//
// While a candidate it makes one non-blocking lock attempt per poll interval.
// Once granted it renews the lease on a separate goroutine until the lease is
// lost, leadership is yielded, or the elector is stopped.
type Elector struct {
	registry  *lock.Registry
	candidate Candidate
	lock      *lock.DistributedLock
	logger    zerolog.Logger
	clock     clock.Clock

	pollInterval  time.Duration
	renewInterval time.Duration
	yieldBackoff  time.Duration
	storeTimeout  time.Duration
	publishers    []EventPublisher

	context  *Context
	isLeader atomic.Bool
	state    atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
	baseCtx context.Context

	stopOnce sync.Once
	stopCh   chan struct{}
	yieldCh  chan struct{}
	done     chan struct{}
}

// Option configures an Elector.
type Option func(*Elector)

// WithPollInterval sets how often a candidate tries to take the lock.
func WithPollInterval(d time.Duration) Option {
	return func(e *Elector) {
		e.pollInterval = d
	}
}

// WithRenewInterval sets how often the leader renews its lease.
// Must be less than the lease TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(e *Elector) {
		e.renewInterval = d
	}
}

// WithYieldBackoff sets how long the elector stays out of the race after yielding.
// Defaults to twice the poll interval.
func WithYieldBackoff(d time.Duration) Option {
	return func(e *Elector) {
		e.yieldBackoff = d
	}
}

// WithStoreTimeout bounds each call to the lock store.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Elector) {
		e.storeTimeout = d
	}
}

// WithEventPublisher adds a publisher notified of leadership transitions.
// May be given more than once.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Elector) {
		e.publishers = append(e.publishers, p)
	}
}

// WithOnBecomeLeader sets a callback that's called when this instance becomes leader.
func WithOnBecomeLeader(fn func()) Option {
	return WithEventPublisher(PublisherFuncs{
		OnGranted: func(any, *Context, string) { fn() },
	})
}

// WithOnLoseLeader sets a callback that's called when this instance loses leadership.
func WithOnLoseLeader(fn func()) Option {
	return WithEventPublisher(PublisherFuncs{
		OnRevoked: func(any, *Context, string) { fn() },
	})
}

// WithClock sets the clock driving polling and renewal.
func WithClock(clk clock.Clock) Option {
	return func(e *Elector) {
		e.clock = clk
	}
}

// NewElector creates an elector for candidate. The lock key is the candidate's role.
func NewElector(registry *lock.Registry, candidate Candidate, logger zerolog.Logger, opts ...Option) (*Elector, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry must not be nil", lock.ErrInvalidConfig)
	}
	if candidate == nil || candidate.Role() == "" {
		return nil, fmt.Errorf("%w: candidate must have a role", lock.ErrInvalidConfig)
	}

	e := &Elector{
		registry:      registry,
		candidate:     candidate,
		lock:          registry.Obtain(candidate.Role()),
		logger:        logging.CandidateLogger(logger, candidate.Role(), candidate.ID()).With().Str("component", "leader-elector").Logger(),
		clock:         clock.New(),
		pollInterval:  DefaultPollInterval,
		renewInterval: DefaultRenewInterval,
		storeTimeout:  DefaultStoreTimeout,
		stopCh:        make(chan struct{}),
		yieldCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	e.context = &Context{elector: e}
	for _, opt := range opts {
		opt(e)
	}
	if e.yieldBackoff == 0 {
		e.yieldBackoff = 2 * e.pollInterval
	}

	if e.pollInterval <= 0 || e.renewInterval <= 0 || e.storeTimeout <= 0 || e.yieldBackoff < 0 {
		return nil, fmt.Errorf("%w: intervals must be positive", lock.ErrInvalidConfig)
	}
	if ttl := registry.TTL(); e.renewInterval >= ttl {
		return nil, fmt.Errorf("%w: renew interval %s must be less than lease ttl %s", lock.ErrInvalidConfig, e.renewInterval, ttl)
	}
	return e, nil
}

// Start begins campaigning. Cancelling ctx has the same effect as Stop.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.stopped {
		return ErrAlreadyStarted
	}
	e.started = true
	e.baseCtx = ctx
	e.setState(StateCandidate)

	e.logger.Info().
		Dur("pollInterval", e.pollInterval).
		Dur("renewInterval", e.renewInterval).
		Dur("ttl", e.registry.TTL()).
		Msg("starting leader election")

	go e.run(ctx)
	return nil
}

// Stop ends the election, releasing leadership if held, and waits until the
// election goroutines exit or ctx is done. Safe to call more than once.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started && !e.stopped {
		e.stopped = true
		e.setState(StateStopped)
		close(e.done)
	}
	e.stopped = true
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Yield gives up leadership if held; otherwise it does nothing. Never blocks.
func (e *Elector) Yield() {
	if e.State() != StateLeader {
		e.logger.Debug().Msg("yield ignored, not leader")
		return
	}
	select {
	case e.yieldCh <- struct{}{}:
	default:
	}
}

// IsLeader reports whether this elector currently holds leadership.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// State returns the current lifecycle state.
func (e *Elector) State() State {
	return State(e.state.Load())
}

// Context returns the context handed to candidates and publishers.
func (e *Elector) Context() *Context {
	return e.context
}

// Role returns the contended role.
func (e *Elector) Role() string {
	return e.candidate.Role()
}

// ID returns the candidate id.
func (e *Elector) ID() string {
	return e.candidate.ID()
}

// Done is closed once the elector has fully stopped.
func (e *Elector) Done() <-chan struct{} {
	return e.done
}

func (e *Elector) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Elector) stopping(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// storeContext bounds a store call without inheriting cancellation, so a stop
// never interrupts a transaction midway.
func (e *Elector) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(e.baseCtx), e.storeTimeout)
}

func (e *Elector) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.pollInterval
	bo.MaxInterval = max(e.registry.TTL(), e.pollInterval)
	bo.MaxElapsedTime = 0
	bo.Clock = e.clock
	bo.Reset()
	return bo
}

func (e *Elector) run(ctx context.Context) {
	defer func() {
		e.setState(StateStopped)
		e.logger.Info().Msg("leader election stopped")
		close(e.done)
	}()

	bo := e.newBackOff()
	for {
		if e.stopping(ctx) {
			return
		}

		wait := e.campaign(ctx, bo)
		if e.stopping(ctx) {
			return
		}

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.clock.After(wait):
		}
	}
}

// campaign makes one attempt at the lock, leads if granted, and returns how
// long to wait before the next attempt.
func (e *Elector) campaign(ctx context.Context, bo *backoff.ExponentialBackOff) time.Duration {
	attemptStart := e.clock.Now()
	storeCtx, cancel := e.storeContext()
	acquired, err := e.lock.TryLock(storeCtx, 0)
	cancel()

	if err != nil {
		wait := bo.NextBackOff()
		e.logger.Warn().Err(err).Dur("retryIn", wait).Msg("failed to acquire leadership")
		return wait
	}
	bo.Reset()

	if !acquired {
		e.logger.Debug().Msg("another candidate is leader")
		return e.pollInterval
	}

	if e.stopping(ctx) {
		e.unlock()
		return 0
	}

	if yielded := e.lead(ctx, attemptStart); yielded {
		return e.yieldBackoff
	}
	return e.pollInterval
}

// leaseWindow is how long after the start of the last successful acquire or
// renewal the leader may keep its flag. The store stamps the lease no earlier
// than that start, so another owner can take it over no sooner than a TTL
// later; the window ends halfway between the last due renewal and that point.
func (e *Elector) leaseWindow() time.Duration {
	ttl := e.registry.TTL()
	return ttl - (ttl-e.renewInterval)/2
}

func (e *Elector) leaseRemaining(attemptStart time.Time) time.Duration {
	return attemptStart.Add(e.leaseWindow()).Sub(e.clock.Now())
}

// lead holds leadership until it is lost, yielded, or the elector stops.
// leaseStart is when the winning acquire was issued.
// Returns true when leadership was given up voluntarily.
func (e *Elector) lead(ctx context.Context, leaseStart time.Time) bool {
	e.drainYield()
	e.setState(StateLeader)
	e.isLeader.Store(true)
	metrics.SetLeaderStatus(e.Role(), true)
	metrics.RecordLeaderTransition(e.Role(), metrics.TransitionGranted)
	e.logger.Info().Msg("acquired leadership")

	expiry := e.clock.Timer(e.leaseRemaining(leaseStart))
	defer expiry.Stop()

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	renewed := make(chan time.Time, 1)
	lost := make(chan error, 1)
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		e.renewLoop(renewCtx, renewed, lost)
	}()

	// The flag drops before anything that may block on the store.
	stepDown := func() {
		e.isLeader.Store(false)
		e.setState(StateCandidate)
		cancelRenew()
		renewWG.Wait()
		e.unlock()
	}

	if err := e.candidate.OnGranted(e.context); err != nil {
		e.logger.Error().Err(err).Msg("candidate rejected leadership, relinquishing")
		stepDown()
		e.candidate.OnRevoked(e.context)
		e.recordRevoked()
		return true
	}
	e.publishGranted()

	yielded := false
	for done := false; !done; {
		select {
		case <-e.stopCh:
			e.logger.Info().Msg("releasing leadership on shutdown")
			done = true
		case <-ctx.Done():
			e.logger.Info().Msg("releasing leadership, context cancelled")
			done = true
		case <-e.yieldCh:
			yielded = true
			e.logger.Info().Msg("yielding leadership")
			done = true
		case err := <-lost:
			e.logger.Warn().Err(err).Msg("lost leadership")
			done = true
		case at := <-renewed:
			if !expiry.Stop() {
				select {
				case <-expiry.C:
				default:
				}
			}
			expiry.Reset(e.leaseRemaining(at))
		case <-expiry.C:
			e.logger.Warn().
				Err(fmt.Errorf("%w: no successful renewal within %s", lock.ErrExpiredOwnership, e.leaseWindow())).
				Msg("lost leadership")
			done = true
		}
	}

	stepDown()
	e.candidate.OnRevoked(e.context)
	e.publishRevoked()
	e.recordRevoked()
	return yielded
}

// renewLoop renews the lease every renew interval and reports the start time
// of each successful renewal on renewed. Store outages are retried; lead
// steps down on its own once the lease window passes. A lease taken by
// another owner is reported on lost.
func (e *Elector) renewLoop(ctx context.Context, renewed chan time.Time, lost chan<- error) {
	ticker := e.clock.Ticker(e.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		attemptStart := e.clock.Now()
		storeCtx, cancel := e.storeContext()
		err := e.lock.Renew(storeCtx)
		cancel()

		switch {
		case err == nil:
			e.logger.Debug().Msg("renewed leadership")
			// Only this goroutine sends, so after the drain the send never blocks.
			select {
			case <-renewed:
			default:
			}
			renewed <- attemptStart
		case errors.Is(err, lock.ErrStoreUnavailable):
			e.logger.Warn().Err(err).Msg("failed to renew leadership, will retry")
		default:
			lost <- err
			return
		}
	}
}

func (e *Elector) unlock() {
	storeCtx, cancel := e.storeContext()
	defer cancel()

	if err := e.lock.Unlock(storeCtx); err != nil {
		e.logger.Warn().Err(err).Msg("failed to release lock, lease will expire by ttl")
	}
}

func (e *Elector) drainYield() {
	select {
	case <-e.yieldCh:
	default:
	}
}

func (e *Elector) publishGranted() {
	for _, p := range e.publishers {
		p.PublishOnGranted(e, e.context, e.Role())
	}
}

func (e *Elector) publishRevoked() {
	for _, p := range e.publishers {
		p.PublishOnRevoked(e, e.context, e.Role())
	}
}

func (e *Elector) recordRevoked() {
	metrics.SetLeaderStatus(e.Role(), false)
	metrics.RecordLeaderTransition(e.Role(), metrics.TransitionRevoked)
}
