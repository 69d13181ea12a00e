/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/log/logtest"
	"github.com/acronis/go-quotaguard/lrucache"
	"github.com/acronis/go-quotaguard/quota"
)

var testNow = time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyStore returns the configured error for operations on the listed keys.
// It hides kvstore.Incrementer of the wrapped store, so counters fall back to read-modify-write.
type faultyStore struct {
	kvstore.Store
	mu      sync.Mutex
	getErrs map[string]error
	putErrs map[string]error
}

func newFaultyStore(s kvstore.Store) *faultyStore {
	return &faultyStore{Store: s, getErrs: map[string]error{}, putErrs: map[string]error{}}
}

func (s *faultyStore) failGet(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.getErrs, key)
		return
	}
	s.getErrs[key] = err
}

func (s *faultyStore) failPut(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.putErrs, key)
		return
	}
	s.putErrs[key] = err
}

func (s *faultyStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	err := s.getErrs[key]
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return s.Store.Get(ctx, key)
}

func (s *faultyStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	err := s.putErrs[key]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, key, value)
}

type testEnv struct {
	store  *kvstore.Memory
	opener *Opener
	clock  *clock
}

func newTestEnv(t *testing.T, policy kvstore.CounterPolicy, modify ...func(*Opts)) *testEnv {
	t.Helper()
	env := &testEnv{store: kvstore.NewMemory(), clock: &clock{now: testNow}}
	seq := 0
	opts := Opts{
		CounterPolicy: policy,
		Now:           env.clock.Now,
		NewSessionID: func() string {
			seq++
			return fmt.Sprintf("session-%d", seq)
		},
	}
	for _, m := range modify {
		m(&opts)
	}
	var err error
	env.opener, err = NewOpener(env.store, opts)
	require.NoError(t, err)
	return env
}

func (env *testEnv) counter(t *testing.T, key string) int64 {
	t.Helper()
	n, err := kvstore.GetInt(context.Background(), env.store, key)
	require.NoError(t, err)
	return n
}

func (env *testEnv) open(t *testing.T, limits quota.Limits, id Identity) Guard {
	t.Helper()
	g, err := env.opener.Open(context.Background(), limits, id)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

var policies = []kvstore.CounterPolicy{kvstore.CounterPolicyRMW, kvstore.CounterPolicyAtomic}

func forEachPolicy(t *testing.T, fn func(t *testing.T, policy kvstore.CounterPolicy)) {
	for _, policy := range policies {
		t.Run(string(policy), func(t *testing.T) { fn(t, policy) })
	}
}

func TestOpen_MaxUsers(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy)
		limits := quota.Limits{MaxConcurrentSessions: 1}
		id := Identity{UserID: "alice"}

		first := env.open(t, limits, id)
		require.True(t, first.Allowed())
		require.Empty(t, first.Reason())
		require.Equal(t, "session-1", first.SessionID())

		second := env.open(t, limits, id)
		require.False(t, second.Allowed())
		require.Equal(t, ReasonMaxUsers, second.Reason())
		require.Empty(t, second.SessionID())
		require.Equal(t, int64(1), env.counter(t, KeyActiveSessions))

		require.NoError(t, first.Close(ctx))
		require.Equal(t, int64(0), env.counter(t, KeyActiveSessions))

		third := env.open(t, limits, id)
		require.True(t, third.Allowed())
		require.NoError(t, third.Close(ctx))
	})
}

func TestCommit_VolumeLimit(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy, func(o *Opts) { o.FlushThreshold = 64 })
		limits := quota.Limits{TotalVolumeBytes: 100}

		g := env.open(t, limits, Identity{UserID: "alice"})
		require.True(t, g.Allowed())

		require.NoError(t, g.Commit(ctx, 40))
		require.Equal(t, int64(0), env.counter(t, KeyUsageBytes), "below the threshold nothing is flushed")

		require.NoError(t, g.Commit(ctx, 40))
		require.Equal(t, int64(80), env.counter(t, KeyUsageBytes))
		require.Equal(t, int64(80), env.counter(t, DailyUsageKey(testNow)))

		require.ErrorIs(t, g.Commit(ctx, 30), ErrVolumeLimitReached)
		require.Equal(t, int64(110), g.SessionBytes())

		require.NoError(t, g.Close(ctx))
		require.Equal(t, int64(110), env.counter(t, KeyUsageBytes), "overage is counted, not rolled back")

		denied := env.open(t, limits, Identity{UserID: "bob"})
		require.False(t, denied.Allowed())
		require.Equal(t, ReasonVolumeLimit, denied.Reason())
	})
}

func TestOpen_Expired(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy)
		windowStart := testNow.Add(-48 * time.Hour).UnixMilli()
		require.NoError(t, env.store.Put(ctx, KeyWindowStart, kvstore.FormatInt(windowStart)))
		require.NoError(t, env.store.Put(ctx, KeyUsageBytes, "1000"))
		require.NoError(t, env.store.Put(ctx, KeyActiveSessions, "5"))

		g := env.open(t, quota.Limits{ValidityDurationDays: 1, TotalVolumeBytes: 10, MaxConcurrentSessions: 1},
			Identity{UserID: "alice"})
		require.False(t, g.Allowed())
		require.Equal(t, ReasonExpired, g.Reason())

		require.Equal(t, windowStart, env.counter(t, KeyWindowStart), "window is never reset")
		require.Equal(t, int64(5), env.counter(t, KeyActiveSessions))
		history, err := ReadHistory(ctx, env.store, "")
		require.NoError(t, err)
		require.Empty(t, history)
	})
}

func TestOpen_WindowBoundary(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)
	limits := quota.Limits{ValidityDurationDays: 1}

	g := env.open(t, limits, Identity{})
	require.True(t, g.Allowed(), "the first admission starts the window")
	require.Equal(t, testNow.UnixMilli(), env.counter(t, KeyWindowStart))
	require.NoError(t, g.Close(ctx))

	env.clock.Advance(24*time.Hour - time.Millisecond)
	g = env.open(t, limits, Identity{})
	require.True(t, g.Allowed())
	require.NoError(t, g.Close(ctx))

	env.clock.Advance(time.Millisecond)
	g = env.open(t, limits, Identity{})
	require.False(t, g.Allowed())
	require.Equal(t, ReasonExpired, g.Reason())
}

func TestOpen_CheckOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)
	require.NoError(t, env.store.Put(ctx, KeyUsageBytes, "100"))
	require.NoError(t, env.store.Put(ctx, KeyActiveSessions, "3"))

	g := env.open(t, quota.Limits{TotalVolumeBytes: 100, MaxConcurrentSessions: 3}, Identity{})
	require.Equal(t, ReasonVolumeLimit, g.Reason())

	g = env.open(t, quota.Limits{TotalVolumeBytes: 101, MaxConcurrentSessions: 3}, Identity{})
	require.Equal(t, ReasonMaxUsers, g.Reason())

	g = env.open(t, quota.Limits{TotalVolumeBytes: 101, MaxConcurrentSessions: 4}, Identity{})
	require.True(t, g.Allowed())
	require.Equal(t, int64(4), env.counter(t, KeyActiveSessions))
}

func TestCommit_UnlimitedVolume(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy)
		g := env.open(t, quota.Limits{}, Identity{UserID: "alice"})

		for i := 0; i < 100; i++ {
			require.NoError(t, g.Commit(ctx, 1<<40))
		}
		require.NoError(t, g.Close(ctx))
		require.Equal(t, int64(100<<40), env.counter(t, KeyUsageBytes))
	})
}

func TestCommit_IgnoredCalls(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto, func(o *Opts) { o.FlushThreshold = 1 })
	g := env.open(t, quota.Limits{TotalVolumeBytes: 10}, Identity{})

	require.NoError(t, g.Commit(ctx, 0))
	require.NoError(t, g.Commit(ctx, -5))
	require.Equal(t, int64(0), g.SessionBytes())

	require.NoError(t, g.Close(ctx))
	require.NoError(t, g.Commit(ctx, 100), "commit after close is a no-op")
	require.Equal(t, int64(0), env.counter(t, KeyUsageBytes))
}

func TestClose(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy)
		id := Identity{UserID: "alice", Profile: "trial"}
		ns := quota.Namespace(id.Profile)

		g := env.open(t, quota.Limits{}, id)
		require.NoError(t, g.Commit(ctx, 10))
		require.Equal(t, int64(0), env.counter(t, ns+KeyUsageBytes))

		env.clock.Advance(2500 * time.Millisecond)
		require.NoError(t, g.Close(ctx))
		require.NoError(t, g.Close(ctx))
		require.Equal(t, int64(10), env.counter(t, ns+KeyUsageBytes), "close flushes the rest of the buffer")
		require.Equal(t, int64(10), env.counter(t, ns+DailyUsageKey(testNow)))
		require.Equal(t, int64(0), env.counter(t, ns+KeyActiveSessions), "double close does not double-decrement")

		history, err := ReadHistory(ctx, env.store, ns)
		require.NoError(t, err)
		require.Len(t, history, 2)

		end := history[0]
		require.Equal(t, HistoryTypeEnd, end.Type)
		require.Equal(t, "alice", end.UserID)
		require.Equal(t, "trial", end.Profile)
		require.Equal(t, "session-1", end.SessionID)
		require.NotNil(t, end.Bytes)
		require.Equal(t, int64(10), *end.Bytes)
		require.NotNil(t, end.DurationSec)
		require.Equal(t, int64(2), *end.DurationSec)
		require.Equal(t, int64(0), end.ActiveSessions)
		require.Equal(t, testNow.Add(2500*time.Millisecond).Format(HistoryTimeLayout), end.Timestamp)

		start := history[1]
		require.Equal(t, HistoryTypeStart, start.Type)
		require.Equal(t, int64(1), start.ActiveSessions)
		require.Nil(t, start.Bytes)
		require.Nil(t, start.DurationSec)
		require.Equal(t, "2024-05-01T23:59:00.000Z", start.Timestamp)
	})
}

func TestClose_MinimalDuration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)
	g := env.open(t, quota.Limits{}, Identity{})
	require.NoError(t, g.Close(ctx))

	history, err := ReadHistory(ctx, env.store, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), *history[0].DurationSec)
	require.Equal(t, int64(0), *history[0].Bytes)
}

func TestDeniedGuard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)
	require.NoError(t, env.store.Put(ctx, KeyActiveSessions, "1"))

	g := env.open(t, quota.Limits{MaxConcurrentSessions: 1}, Identity{})
	require.False(t, g.Allowed())
	require.NoError(t, g.Commit(ctx, 1000))
	require.NoError(t, g.Close(ctx))
	require.NoError(t, g.Close(ctx))
	require.Equal(t, int64(0), g.SessionBytes())
	require.Equal(t, int64(1), env.counter(t, KeyActiveSessions))
	require.Equal(t, int64(0), env.counter(t, KeyUsageBytes))
}

func TestHistory_Cap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)

	for i := 0; i < 40; i++ {
		g := env.open(t, quota.Limits{}, Identity{UserID: "alice"})
		require.NoError(t, g.Close(ctx))

		history, err := ReadHistory(ctx, env.store, "")
		require.NoError(t, err)
		require.LessOrEqual(t, len(history), MaxHistoryEntries)
		require.Equal(t, HistoryTypeEnd, history[0].Type)
		require.Equal(t, g.SessionID(), history[0].SessionID, "the most recent event is at the head")
	}

	history, err := ReadHistory(ctx, env.store, "")
	require.NoError(t, err)
	require.Len(t, history, MaxHistoryEntries)
	require.Equal(t, "session-40", history[0].SessionID)
	require.Equal(t, HistoryTypeStart, history[MaxHistoryEntries-1].Type)
	require.Equal(t, "session-16", history[MaxHistoryEntries-1].SessionID)
}

func TestHistory_Malformed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyAuto)
	require.NoError(t, env.store.Put(ctx, KeySessionHistory, "{not json"))

	history, err := ReadHistory(ctx, env.store, "")
	require.NoError(t, err)
	require.Empty(t, history)

	g := env.open(t, quota.Limits{}, Identity{})
	require.True(t, g.Allowed())
	history, err = ReadHistory(ctx, env.store, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestMalformedCounters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, kvstore.CounterPolicyRMW)
	require.NoError(t, env.store.Put(ctx, KeyActiveSessions, "many"))
	require.NoError(t, env.store.Put(ctx, KeyUsageBytes, ""))
	require.NoError(t, env.store.Put(ctx, KeyWindowStart, "yesterday"))

	g := env.open(t, quota.Limits{MaxConcurrentSessions: 1, TotalVolumeBytes: 1, ValidityDurationDays: 1}, Identity{})
	require.True(t, g.Allowed())
	require.Equal(t, int64(1), env.counter(t, KeyActiveSessions))
	require.Equal(t, testNow.UnixMilli(), env.counter(t, KeyWindowStart))
}

func TestNamespaceIsolation(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		env := newTestEnv(t, policy, func(o *Opts) { o.FlushThreshold = 1 })
		limits := quota.Limits{MaxConcurrentSessions: 1}

		a := env.open(t, limits, Identity{UserID: "u", Profile: "a"})
		require.True(t, a.Allowed())
		require.NoError(t, a.Commit(ctx, 7))

		b := env.open(t, limits, Identity{UserID: "u", Profile: "b"})
		require.True(t, b.Allowed(), "profile a does not consume slots of profile b")
		global := env.open(t, limits, Identity{UserID: "u"})
		require.True(t, global.Allowed())

		require.Equal(t, int64(1), env.counter(t, "profile:a:"+KeyActiveSessions))
		require.Equal(t, int64(1), env.counter(t, "profile:b:"+KeyActiveSessions))
		require.Equal(t, int64(1), env.counter(t, KeyActiveSessions))
		require.Equal(t, int64(7), env.counter(t, "profile:a:"+KeyUsageBytes))
		require.Equal(t, int64(0), env.counter(t, "profile:b:"+KeyUsageBytes))
		require.Equal(t, int64(0), env.counter(t, KeyUsageBytes))

		for _, g := range []Guard{a, b, global} {
			require.NoError(t, g.Close(ctx))
		}
		require.Len(t, env.store.Keys("profile:a:"), 5)
	})
}

// A single-threaded simulation of random admissions and closes never has more than N open sessions
// and always ends with a balanced counter.
func TestOpenClose_RandomSequence(t *testing.T) {
	forEachPolicy(t, func(t *testing.T, policy kvstore.CounterPolicy) {
		ctx := context.Background()
		const maxSessions = 3
		env := newTestEnv(t, policy, func(o *Opts) { o.FlushThreshold = 16 })
		limits := quota.Limits{MaxConcurrentSessions: maxSessions}
		rnd := rand.New(rand.NewSource(42))

		var open []Guard
		for i := 0; i < 500; i++ {
			switch {
			case rnd.Intn(2) == 0:
				g := env.open(t, limits, Identity{UserID: "u"})
				if g.Allowed() {
					open = append(open, g)
				} else {
					require.Equal(t, ReasonMaxUsers, g.Reason())
					require.Len(t, open, maxSessions)
				}
			case len(open) > 0:
				idx := rnd.Intn(len(open))
				require.NoError(t, open[idx].Commit(ctx, int64(rnd.Intn(100))))
				if rnd.Intn(2) == 0 {
					require.NoError(t, open[idx].Close(ctx))
					open = append(open[:idx], open[idx+1:]...)
				}
			}
			require.LessOrEqual(t, len(open), maxSessions)
			require.Equal(t, int64(len(open)), env.counter(t, KeyActiveSessions))
		}
		for _, g := range open {
			require.NoError(t, g.Close(ctx))
		}
		require.Equal(t, int64(0), env.counter(t, KeyActiveSessions))
	})
}

// Volume checks never deny admission while the usage is below the limit, and a session crossing it fails.
func TestCommit_VolumeProperty(t *testing.T) {
	ctx := context.Background()
	const limit = 10_000
	env := newTestEnv(t, kvstore.CounterPolicyAuto, func(o *Opts) { o.FlushThreshold = 512 })
	limits := quota.Limits{TotalVolumeBytes: limit}
	rnd := rand.New(rand.NewSource(7))

	var failed bool
	for !failed {
		usage := env.counter(t, KeyUsageBytes)
		g := env.open(t, limits, Identity{})
		if usage >= limit {
			require.Equal(t, ReasonVolumeLimit, g.Reason())
			return
		}
		require.True(t, g.Allowed())
		for i := 0; i < 5; i++ {
			if err := g.Commit(ctx, int64(rnd.Intn(1000)+1)); err != nil {
				require.ErrorIs(t, err, ErrVolumeLimitReached)
				failed = true
				break
			}
		}
		require.NoError(t, g.Close(ctx))
	}
	require.Greater(t, env.counter(t, KeyUsageBytes), int64(limit))

	g := env.open(t, limits, Identity{})
	require.Equal(t, ReasonVolumeLimit, g.Reason())
}

func TestOpen_StoreErrors(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("store is unavailable")

	t.Run("window start", func(t *testing.T) {
		store := newFaultyStore(kvstore.NewMemory())
		store.failGet(KeyWindowStart, storeErr)
		opener, err := NewOpener(store, Opts{})
		require.NoError(t, err)
		g, err := opener.Open(ctx, quota.Limits{}, Identity{})
		require.ErrorIs(t, err, storeErr)
		require.Nil(t, g)
	})

	t.Run("history failure releases the slot", func(t *testing.T) {
		mem := kvstore.NewMemory()
		store := newFaultyStore(mem)
		store.failPut(KeySessionHistory, storeErr)
		opener, err := NewOpener(store, Opts{})
		require.NoError(t, err)
		_, err = opener.Open(ctx, quota.Limits{}, Identity{})
		require.ErrorIs(t, err, storeErr)

		active, err := kvstore.GetInt(ctx, mem, KeyActiveSessions)
		require.NoError(t, err)
		require.Equal(t, int64(0), active)
	})

	t.Run("close error still closes the guard", func(t *testing.T) {
		mem := kvstore.NewMemory()
		store := newFaultyStore(mem)
		opener, err := NewOpener(store, Opts{})
		require.NoError(t, err)
		g, err := opener.Open(ctx, quota.Limits{}, Identity{})
		require.NoError(t, err)
		require.NoError(t, g.Commit(ctx, 10))

		store.failPut(KeyUsageBytes, storeErr)
		require.ErrorIs(t, g.Close(ctx), storeErr)
		store.failPut(KeyUsageBytes, nil)
		require.NoError(t, g.Close(ctx))

		active, err := kvstore.GetInt(ctx, mem, KeyActiveSessions)
		require.NoError(t, err)
		require.Equal(t, int64(0), active, "the slot is released even when the flush fails")
	})

	t.Run("commit propagates usage read errors", func(t *testing.T) {
		store := newFaultyStore(kvstore.NewMemory())
		opener, err := NewOpener(store, Opts{})
		require.NoError(t, err)
		g, err := opener.Open(ctx, quota.Limits{TotalVolumeBytes: 1000}, Identity{})
		require.NoError(t, err)
		store.failGet(KeyUsageBytes, storeErr)
		require.ErrorIs(t, g.Commit(ctx, 1), storeErr)
	})
}

func TestNewOpener_AtomicUnsupported(t *testing.T) {
	_, err := NewOpener(newFaultyStore(kvstore.NewMemory()), Opts{CounterPolicy: kvstore.CounterPolicyAtomic})
	require.ErrorIs(t, err, kvstore.ErrAtomicUnsupported)
}

func TestOpener_WindowCache(t *testing.T) {
	ctx := context.Background()
	cache, err := lrucache.New[string, int64](10, nil)
	require.NoError(t, err)
	env := newTestEnv(t, kvstore.CounterPolicyAuto, func(o *Opts) { o.WindowCache = cache })

	g := env.open(t, quota.Limits{ValidityDurationDays: 1}, Identity{Profile: "a"})
	require.True(t, g.Allowed())
	v, ok := cache.Get("profile:a:" + KeyWindowStart)
	require.True(t, ok)
	require.Equal(t, testNow.UnixMilli(), v)

	// The cached value is used even if the stored one is gone.
	require.NoError(t, env.store.Put(ctx, "profile:a:"+KeyWindowStart, "0"))
	g = env.open(t, quota.Limits{ValidityDurationDays: 1}, Identity{Profile: "a"})
	require.True(t, g.Allowed())
}

// slowWindowStore blocks reads of window starts until released.
type slowWindowStore struct {
	*kvstore.Memory
	loadingOnce sync.Once
	loading     chan struct{}
	release     chan struct{}
}

func (s *slowWindowStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasSuffix(key, KeyWindowStart) {
		s.loadingOnce.Do(func() { close(s.loading) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return s.Memory.Get(ctx, key)
}

func TestOpener_WindowCacheLoadOutlivesCanceledCaller(t *testing.T) {
	store := &slowWindowStore{Memory: kvstore.NewMemory(), loading: make(chan struct{}), release: make(chan struct{})}
	cache, err := lrucache.New[string, int64](10, nil)
	require.NoError(t, err)
	opener, err := NewOpener(store, Opts{WindowCache: cache, Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	limits := quota.Limits{ValidityDurationDays: 1}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = opener.Open(firstCtx, limits, Identity{UserID: "alice"})
	}()
	select {
	case <-store.loading:
	case <-time.After(time.Second):
		t.Fatal("window start is not loaded")
	}

	type openResult struct {
		g   Guard
		err error
	}
	second := make(chan openResult, 1)
	go func() {
		g, openErr := opener.Open(context.Background(), limits, Identity{UserID: "bob"})
		second <- openResult{g, openErr}
	}()
	time.Sleep(50 * time.Millisecond) // The second call joins the load.
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	res := <-second
	require.NoError(t, res.err)
	require.True(t, res.g.Allowed())
	<-firstDone

	v, ok := cache.Get(KeyWindowStart)
	require.True(t, ok)
	require.Equal(t, testNow.UnixMilli(), v)
}

func TestOpener_LogsAndMetrics(t *testing.T) {
	ctx := context.Background()
	logger := logtest.NewRecorder()
	metrics := NewPrometheusMetrics()
	env := newTestEnv(t, kvstore.CounterPolicyAuto, func(o *Opts) {
		o.Logger = logger
		o.MetricsCollector = metrics
		o.FlushThreshold = 1
	})
	limits := quota.Limits{MaxConcurrentSessions: 1, TotalVolumeBytes: 5}
	id := Identity{UserID: "alice", Profile: "trial"}

	g := env.open(t, limits, id)
	denied := env.open(t, limits, id)
	require.False(t, denied.Allowed())
	require.ErrorIs(t, g.Commit(ctx, 6), ErrVolumeLimitReached)
	require.NoError(t, g.Close(ctx))

	entry, found := logger.FindEntry("session denied")
	require.True(t, found)
	require.Equal(t, log.LevelInfo, entry.Level)
	reason, found := entry.FindField("reason")
	require.True(t, found)
	require.Equal(t, ReasonMaxUsers, string(reason.Bytes))
	_, found = logger.FindEntry("volume limit reached")
	require.True(t, found)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("trial", AdmissionAllowed)))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionsTotal.WithLabelValues("trial", AdmissionDeniedMaxUsers)))
	require.Equal(t, 6.0, testutil.ToFloat64(metrics.FlushedBytesTotal.WithLabelValues("trial")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.VolumeLimitExceededTotal.WithLabelValues("trial")))
}
