package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/leader-election/internal/lock"
)

const (
	testRole     = "X"
	testTTL      = 200 * time.Millisecond
	testPoll     = 50 * time.Millisecond
	testRenew    = 50 * time.Millisecond
	testDeadline = 2 * time.Second
	testTick     = 5 * time.Millisecond

	// timingSlack absorbs scheduler jitter in wall-clock bounds.
	timingSlack = 25 * time.Millisecond
)

// flakyStore wraps a LockStore. failing simulates a partition from the store;
// deny makes every acquire report that another owner holds the lease.
type flakyStore struct {
	lock.LockStore
	failing      atomic.Bool
	deny         atomic.Bool
	acquireCalls atomic.Int32
}

func (s *flakyStore) Acquire(ctx context.Context, key string) (bool, error) {
	s.acquireCalls.Add(1)
	if s.failing.Load() {
		return false, fmt.Errorf("%w: partitioned", lock.ErrStoreUnavailable)
	}
	if s.deny.Load() {
		return false, nil
	}
	return s.LockStore.Acquire(ctx, key)
}

func (s *flakyStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	if s.failing.Load() {
		return false, fmt.Errorf("%w: partitioned", lock.ErrStoreUnavailable)
	}
	return s.LockStore.IsAcquired(ctx, key)
}

func (s *flakyStore) Delete(ctx context.Context, key string) error {
	if s.failing.Load() {
		return fmt.Errorf("%w: partitioned", lock.ErrStoreUnavailable)
	}
	return s.LockStore.Delete(ctx, key)
}

// recorder is an EventPublisher that records transitions in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	times  []time.Time
}

func (r *recorder) PublishOnGranted(_ any, ctx *Context, role string) {
	r.record("granted:" + ctx.Elector().ID())
}

func (r *recorder) PublishOnRevoked(_ any, ctx *Context, role string) {
	r.record("revoked:" + ctx.Elector().ID())
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.times = append(r.times, time.Now())
}

// lastAt returns when event was last recorded.
func (r *recorder) lastAt(event string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == event {
			return r.times[i], true
		}
	}
	return time.Time{}, false
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type testNode struct {
	elector *Elector
	store   *flakyStore
}

func newTestNode(t *testing.T, table *lock.MemoryTable, id string, opts ...Option) *testNode {
	t.Helper()

	memory, err := lock.NewMemoryStore(table, lock.WithOwnerID(id), lock.WithTTL(testTTL))
	require.NoError(t, err)
	store := &flakyStore{LockStore: memory}

	registry, err := lock.NewRegistry(store)
	require.NoError(t, err)

	opts = append([]Option{WithPollInterval(testPoll), WithRenewInterval(testRenew)}, opts...)
	elector, err := NewElector(registry, NewDefaultCandidate(testRole, id), zerolog.Nop(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
		defer cancel()
		_ = elector.Stop(ctx)
	})
	return &testNode{elector: elector, store: store}
}

func startNode(t *testing.T, n *testNode) {
	t.Helper()
	require.NoError(t, n.elector.Start(context.Background()))
}

func stopNode(t *testing.T, n *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()
	require.NoError(t, n.elector.Stop(ctx))
}

func waitLeader(t *testing.T, n *testNode) {
	t.Helper()
	require.Eventually(t, n.elector.IsLeader, testDeadline, testTick, "%s never became leader", n.elector.ID())
}

func TestElector_BecomeLeader(t *testing.T) {
	table := lock.NewMemoryTable()

	var becameLeader, lostLeader atomic.Bool
	node := newTestNode(t, table, "node-a",
		WithOnBecomeLeader(func() { becameLeader.Store(true) }),
		WithOnLoseLeader(func() { lostLeader.Store(true) }),
	)
	assert.Equal(t, StateIdle, node.elector.State())

	startNode(t, node)
	waitLeader(t, node)

	require.Eventually(t, becameLeader.Load, testDeadline, testTick)
	assert.True(t, node.elector.Context().IsLeader())
	assert.Equal(t, StateLeader, node.elector.State())
	require.Len(t, table.Rows(lock.DefaultPrefix, lock.DefaultRegion), 1)
	assert.Equal(t, testRole, table.Rows(lock.DefaultPrefix, lock.DefaultRegion)[0].LockKey)

	stopNode(t, node)

	assert.False(t, node.elector.IsLeader())
	assert.True(t, lostLeader.Load())
	assert.Equal(t, StateStopped, node.elector.State())
	assert.Zero(t, table.Len(), "stop must release the lease")

	select {
	case <-node.elector.Done():
	default:
		t.Error("Done should be closed after Stop")
	}
}

func TestElector_RenewsWhileLeader(t *testing.T) {
	table := lock.NewMemoryTable()
	node := newTestNode(t, table, "node-a")

	startNode(t, node)
	waitLeader(t, node)

	before := node.store.acquireCalls.Load()
	require.Eventually(t, func() bool {
		return node.store.acquireCalls.Load() >= before+3
	}, testDeadline, testTick)

	// Renewals keep the lease alive well past a single TTL.
	time.Sleep(2 * testTTL)
	assert.True(t, node.elector.IsLeader())
}

func TestElector_MutualExclusion(t *testing.T) {
	table := lock.NewMemoryTable()

	nodes := make([]*testNode, 3)
	for i := range nodes {
		nodes[i] = newTestNode(t, table, fmt.Sprintf("node-%d", i))
		startNode(t, nodes[i])
	}

	leaders := func() int {
		n := 0
		for _, node := range nodes {
			if node.elector.IsLeader() {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool { return leaders() == 1 }, testDeadline, testTick)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.LessOrEqual(t, leaders(), 1)
		time.Sleep(testTick)
	}
}

func TestElector_YieldRoundTrip(t *testing.T) {
	table := lock.NewMemoryTable()
	events := &recorder{}

	a := newTestNode(t, table, "A", WithEventPublisher(events))
	b := newTestNode(t, table, "B", WithEventPublisher(events))

	startNode(t, a)
	waitLeader(t, a)
	time.Sleep(10 * time.Millisecond)
	startNode(t, b)
	time.Sleep(testPoll)
	require.False(t, b.elector.IsLeader())

	yieldedAt := time.Now()
	a.elector.Context().Yield()

	waitLeader(t, b)
	assert.False(t, a.elector.IsLeader())
	require.Eventually(t, func() bool {
		return events.count("revoked:A") == 1 && events.count("granted:B") == 1
	}, testDeadline, testTick)

	// B polls every 50ms, so it takes over well inside poll + renew (100ms).
	grantedAt, ok := events.lastAt("granted:B")
	require.True(t, ok)
	assert.Less(t, grantedAt.Sub(yieldedAt), testPoll+testRenew+timingSlack)
	revokedAt, ok := events.lastAt("revoked:A")
	require.True(t, ok)
	assert.Less(t, revokedAt.Sub(yieldedAt), testPoll+testRenew+timingSlack)

	held, err := a.elector.registry.Obtain(testRole).IsAcquired(context.Background())
	require.NoError(t, err)
	assert.False(t, held, "yielded lease must be released in the store")

	// A rejoins polling and takes over when B yields.
	assert.Equal(t, StateCandidate, a.elector.State())
	b.elector.Yield()

	waitLeader(t, a)
	assert.False(t, b.elector.IsLeader())
	require.Eventually(t, func() bool {
		return events.count("granted:A") == 2 && events.count("revoked:B") == 1
	}, testDeadline, testTick)
}

func TestElector_SingleCandidateReacquiresAfterYield(t *testing.T) {
	table := lock.NewMemoryTable()
	events := &recorder{}

	node := newTestNode(t, table, "A", WithEventPublisher(events))
	startNode(t, node)
	waitLeader(t, node)

	node.elector.Yield()

	require.Eventually(t, func() bool {
		return events.count("revoked:A") == 1 && events.count("granted:A") == 2
	}, testDeadline, testTick)
	assert.True(t, node.elector.IsLeader())
}

func TestElector_PartitionedLeaderStepsDown(t *testing.T) {
	table := lock.NewMemoryTable()

	var lost atomic.Bool
	a := newTestNode(t, table, "A", WithOnLoseLeader(func() { lost.Store(true) }))
	b := newTestNode(t, table, "B")

	startNode(t, a)
	waitLeader(t, a)
	startNode(t, b)

	// A can no longer reach the store: its lease lapses and B takes over
	// within one TTL plus one poll interval.
	a.store.failing.Store(true)
	start := time.Now()

	waitLeader(t, b)
	assert.Less(t, time.Since(start), testTTL+testPoll+500*time.Millisecond)

	require.Eventually(t, lost.Load, testDeadline, testTick)
	assert.False(t, a.elector.IsLeader())
	assert.Equal(t, StateCandidate, a.elector.State())

	// A keeps campaigning through the outage and stays a follower once it heals.
	a.store.failing.Store(false)
	time.Sleep(3 * testPoll)
	assert.False(t, a.elector.IsLeader())
	assert.True(t, b.elector.IsLeader())
}

func TestElector_PartitionedLeaderNeverOverlaps(t *testing.T) {
	table := lock.NewMemoryTable()

	// Renewal close to the TTL leaves a single renewal per lease.
	opts := []Option{WithPollInterval(20 * time.Millisecond), WithRenewInterval(150 * time.Millisecond)}
	a := newTestNode(t, table, "A", opts...)
	b := newTestNode(t, table, "B", opts...)

	startNode(t, a)
	waitLeader(t, a)
	startNode(t, b)

	// Cut A off right after a successful renewal.
	before := a.store.acquireCalls.Load()
	require.Eventually(t, func() bool {
		return a.store.acquireCalls.Load() > before
	}, testDeadline, time.Millisecond)
	a.store.failing.Store(true)

	deadline := time.Now().Add(3 * testTTL)
	for time.Now().Before(deadline) {
		aLeads := a.elector.IsLeader()
		bLeads := b.elector.IsLeader()
		require.False(t, aLeads && bLeads, "A and B lead at the same time")
		time.Sleep(time.Millisecond)
	}

	assert.False(t, a.elector.IsLeader())
	assert.True(t, b.elector.IsLeader())
}

func TestElector_LeaseWindow(t *testing.T) {
	node := newTestNode(t, lock.NewMemoryTable(), "A", WithRenewInterval(150*time.Millisecond))

	window := node.elector.leaseWindow()
	assert.Equal(t, 175*time.Millisecond, window)
	assert.Less(t, window, testTTL)
	assert.Greater(t, window, 150*time.Millisecond)
}

func TestElector_LosesLeadershipOnExpiredOwnership(t *testing.T) {
	table := lock.NewMemoryTable()
	events := &recorder{}

	node := newTestNode(t, table, "A", WithEventPublisher(events))
	startNode(t, node)
	waitLeader(t, node)

	node.store.deny.Store(true)

	require.Eventually(t, func() bool {
		return events.count("revoked:A") == 1
	}, testDeadline, testTick)
	assert.False(t, node.elector.IsLeader())

	node.store.deny.Store(false)
	waitLeader(t, node)
}

func TestElector_StoreOutageWhileCandidate(t *testing.T) {
	table := lock.NewMemoryTable()
	node := newTestNode(t, table, "A")

	node.store.failing.Store(true)
	startNode(t, node)

	require.Eventually(t, func() bool {
		return node.store.acquireCalls.Load() >= 2
	}, testDeadline, testTick)
	assert.False(t, node.elector.IsLeader())
	assert.Equal(t, StateCandidate, node.elector.State())

	node.store.failing.Store(false)
	waitLeader(t, node)
}

func TestElector_StartTwice(t *testing.T) {
	node := newTestNode(t, lock.NewMemoryTable(), "A")

	startNode(t, node)
	err := node.elector.Start(context.Background())

	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.ErrorIs(t, err, lock.ErrIllegalLockState)
}

func TestElector_StartAfterStop(t *testing.T) {
	node := newTestNode(t, lock.NewMemoryTable(), "A")

	startNode(t, node)
	stopNode(t, node)

	assert.ErrorIs(t, node.elector.Start(context.Background()), ErrAlreadyStarted)
}

func TestElector_StopBeforeStart(t *testing.T) {
	node := newTestNode(t, lock.NewMemoryTable(), "A")

	stopNode(t, node)
	stopNode(t, node)

	assert.Equal(t, StateStopped, node.elector.State())
	assert.ErrorIs(t, node.elector.Start(context.Background()), ErrAlreadyStarted)
}

func TestElector_StopIsIdempotent(t *testing.T) {
	events := &recorder{}
	node := newTestNode(t, lock.NewMemoryTable(), "A", WithEventPublisher(events))

	startNode(t, node)
	waitLeader(t, node)

	stopNode(t, node)
	stopNode(t, node)

	assert.Equal(t, 1, events.count("revoked:A"))
}

func TestElector_ContextCancellation(t *testing.T) {
	table := lock.NewMemoryTable()
	node := newTestNode(t, table, "A")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, node.elector.Start(ctx))
	waitLeader(t, node)

	cancel()

	select {
	case <-node.elector.Done():
	case <-time.After(testDeadline):
		t.Fatal("elector did not stop after context cancellation")
	}
	assert.False(t, node.elector.IsLeader())
	assert.Equal(t, StateStopped, node.elector.State())
	assert.Zero(t, table.Len(), "lease must be released although the start context was cancelled")

	// Stop should still work cleanly
	stopNode(t, node)
}

func TestElector_YieldWhenNotLeader(t *testing.T) {
	table := lock.NewMemoryTable()
	a := newTestNode(t, table, "A")
	b := newTestNode(t, table, "B")

	b.elector.Yield()

	startNode(t, a)
	waitLeader(t, a)
	startNode(t, b)

	b.elector.Yield()
	time.Sleep(3 * testPoll)

	assert.True(t, a.elector.IsLeader())
	assert.False(t, b.elector.IsLeader())
}

// scriptedCandidate lets tests control the candidate callbacks.
type scriptedCandidate struct {
	*DefaultCandidate
	onGranted func(ctx *Context) error
	revoked   atomic.Int32
}

func (c *scriptedCandidate) OnGranted(ctx *Context) error {
	return c.onGranted(ctx)
}

func (c *scriptedCandidate) OnRevoked(*Context) {
	c.revoked.Add(1)
}

func newScriptedNode(t *testing.T, candidate Candidate, opts ...Option) *Elector {
	t.Helper()

	store, err := lock.NewMemoryStore(nil, lock.WithTTL(testTTL))
	require.NoError(t, err)
	registry, err := lock.NewRegistry(store)
	require.NoError(t, err)

	opts = append([]Option{WithPollInterval(testPoll), WithRenewInterval(testRenew)}, opts...)
	elector, err := NewElector(registry, candidate, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = elector.Stop(context.Background()) })
	return elector
}

func TestElector_OnGrantedErrorRelinquishes(t *testing.T) {
	var attempts atomic.Int32
	candidate := &scriptedCandidate{
		DefaultCandidate: NewDefaultCandidate(testRole, "A"),
		onGranted: func(*Context) error {
			if attempts.Add(1) == 1 {
				return errors.New("not ready")
			}
			return nil
		},
	}
	events := &recorder{}
	elector := newScriptedNode(t, candidate, WithEventPublisher(events))

	require.NoError(t, elector.Start(context.Background()))

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2 && events.count("granted:A") == 1
	}, testDeadline, testTick)
	assert.True(t, elector.IsLeader())
	assert.Equal(t, int32(2), attempts.Load(), "a rejected grant is not published")
	assert.Equal(t, int32(1), candidate.revoked.Load())
	assert.Zero(t, events.count("revoked:A"))
}

func TestElector_YieldFromOnGranted(t *testing.T) {
	var grants atomic.Int32
	candidate := &scriptedCandidate{
		DefaultCandidate: NewDefaultCandidate(testRole, "A"),
		onGranted: func(ctx *Context) error {
			if grants.Add(1) == 1 {
				ctx.Yield()
			}
			return nil
		},
	}
	elector := newScriptedNode(t, candidate)

	require.NoError(t, elector.Start(context.Background()))

	require.Eventually(t, func() bool {
		return candidate.revoked.Load() == 1 && grants.Load() == 2 && elector.IsLeader()
	}, testDeadline, testTick)
}

func TestNewElector_Validation(t *testing.T) {
	store, err := lock.NewMemoryStore(nil, lock.WithTTL(time.Second))
	require.NoError(t, err)
	registry, err := lock.NewRegistry(store)
	require.NoError(t, err)

	tests := []struct {
		name      string
		registry  *lock.Registry
		candidate Candidate
		opts      []Option
	}{
		{"nil registry", nil, NewDefaultCandidate("r", ""), nil},
		{"nil candidate", registry, nil, nil},
		{"empty role", registry, NewDefaultCandidate("", ""), nil},
		{"renew not below ttl", registry, NewDefaultCandidate("r", ""), []Option{WithRenewInterval(time.Second)}},
		{"negative poll interval", registry, NewDefaultCandidate("r", ""), []Option{WithPollInterval(-time.Second)}},
		{"zero store timeout", registry, NewDefaultCandidate("r", ""), []Option{WithRenewInterval(100 * time.Millisecond), WithStoreTimeout(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewElector(tt.registry, tt.candidate, zerolog.Nop(), tt.opts...)
			assert.ErrorIs(t, err, lock.ErrInvalidConfig)
		})
	}
}

func TestNewElector_Defaults(t *testing.T) {
	store, err := lock.NewMemoryStore(nil)
	require.NoError(t, err)
	registry, err := lock.NewRegistry(store)
	require.NoError(t, err)

	elector, err := NewElector(registry, NewDefaultCandidate("scheduler", "node-1"), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, DefaultPollInterval, elector.pollInterval)
	assert.Equal(t, DefaultRenewInterval, elector.renewInterval)
	assert.Equal(t, 2*DefaultPollInterval, elector.yieldBackoff)
	assert.Equal(t, DefaultStoreTimeout, elector.storeTimeout)
	assert.Equal(t, "scheduler", elector.Role())
	assert.Equal(t, "node-1", elector.ID())
	assert.Same(t, elector, elector.Context().Elector())
	assert.Equal(t, "scheduler", elector.Context().Role())
}
