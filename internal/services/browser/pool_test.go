package browser

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/testutil/fakebrowser"
)

// recorder keeps the order of lifecycle events across fakes
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeLauncher struct {
	rec      *recorder
	launches int
	last     *fakeChrome
	page     *fakebrowser.Page
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	l.launches++
	l.last = &fakeChrome{rec: l.rec, id: l.launches, alive: true, page: l.page}
	l.rec.add("launch %d", l.launches)
	return l.last, nil
}

type fakeChrome struct {
	rec      *recorder
	id       int
	alive    bool
	contexts int
	page     *fakebrowser.Page
}

func (b *fakeChrome) NewContext(ctx context.Context) (Context, error) {
	b.contexts++
	c := &fakeContext{rec: b.rec, name: fmt.Sprintf("b%d/c%d", b.id, b.contexts), alive: true, page: b.page}
	b.rec.add("open %s", c.name)
	return c, nil
}

func (b *fakeChrome) Alive(ctx context.Context) bool { return b.alive }

func (b *fakeChrome) Close() error {
	b.alive = false
	b.rec.add("close browser %d", b.id)
	return nil
}

type fakeContext struct {
	rec   *recorder
	name  string
	alive bool
	page  *fakebrowser.Page
}

func (c *fakeContext) NewPage(ctx context.Context) (interfaces.Page, error) {
	if c.page != nil {
		return c.page, nil
	}
	return fakebrowser.NewPage(), nil
}

func (c *fakeContext) Alive() bool { return c.alive }

func (c *fakeContext) Close() error {
	c.alive = false
	c.rec.add("close %s", c.name)
	return nil
}

func newTestPool(t *testing.T, maxContexts int) (*Pool, *fakeLauncher, *recorder) {
	t.Helper()
	rec := &recorder{}
	launcher := &fakeLauncher{rec: rec}
	pool := NewPool(launcher, PoolConfig{
		MaxContexts:   maxContexts,
		LeaseTimeout:  50 * time.Millisecond,
		LockDir:       t.TempDir(),
		ActionTimeout: 50 * time.Millisecond,
	}, arbor.NewLogger())
	return pool, launcher, rec
}

func TestPool_ReusesContextForSameAccount(t *testing.T) {
	pool, launcher, rec := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "Recruiter@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "recruiter_example_com", lease.Account())

	page, err := lease.NewPage(ctx)
	require.NoError(t, err)
	assert.NotNil(t, page)
	lease.Release()
	lease.Release()

	lease, err = pool.Acquire(ctx, "recruiter@example.com")
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, 1, launcher.launches)
	assert.Equal(t, []string{"launch 1", "open b1/c1"}, rec.list())
}

func TestPool_SameAccountIsExclusive(t *testing.T) {
	pool, _, _ := newTestPool(t, 2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)

	_, err = pool.Acquire(ctx, "a@example.com")
	assert.ErrorIs(t, err, interfaces.ErrAccountBusy)

	// a queued request proceeds once the holder releases
	done := make(chan error, 1)
	pool.config.LeaseTimeout = time.Second
	go func() {
		second, err := pool.Acquire(ctx, "a@example.com")
		if err == nil {
			second.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	first.Release()
	assert.NoError(t, <-done)
}

func TestPool_SwitchClosesIdleContextFirst(t *testing.T) {
	pool, _, rec := newTestPool(t, 1)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	a.Release()

	b, err := pool.Acquire(ctx, "b@example.com")
	require.NoError(t, err)
	b.Release()

	assert.Equal(t, []string{
		"launch 1",
		"open b1/c1",
		"close b1/c1",
		"open b1/c2",
	}, rec.list())
}

func TestPool_DifferentAccountsRunConcurrently(t *testing.T) {
	pool, _, rec := newTestPool(t, 1)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, "b@example.com")
	require.NoError(t, err)

	// the busy context of a is never closed under b
	assert.NotContains(t, rec.list(), "close b1/c1")

	// both stay open, one over the cap, while both are leased
	stats := pool.Stats()
	assert.Equal(t, 1, stats["max_contexts"])
	assert.Len(t, stats["contexts"], 2)

	a.Release()
	b.Release()
}

func TestPool_RecreatesDeadBrowser(t *testing.T) {
	pool, launcher, rec := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	lease.Release()

	launcher.last.alive = false

	lease, err = pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, 2, launcher.launches)
	assert.Equal(t, []string{
		"launch 1",
		"open b1/c1",
		"close b1/c1",
		"close browser 1",
		"launch 2",
		"open b2/c1",
	}, rec.list())
}

func TestPool_RecreatesDeadContext(t *testing.T) {
	pool, launcher, _ := newTestPool(t, 1)
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	lease.Release()

	pool.slots["a_example_com"].context.(*fakeContext).alive = false

	lease, err = pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, 1, launcher.launches)
	assert.Equal(t, 2, launcher.last.contexts)
}

func TestPool_ShutdownClosesContextsThenBrowser(t *testing.T) {
	pool, _, rec := newTestPool(t, 2)
	ctx := context.Background()

	for _, account := range []string{"a@example.com", "b@example.com"} {
		lease, err := pool.Acquire(ctx, account)
		require.NoError(t, err)
		lease.Release()
	}

	require.NoError(t, pool.Shutdown(ctx))

	events := rec.list()
	assert.Equal(t, "close browser 1", events[len(events)-1])
	assert.Contains(t, events, "close b1/c1")
	assert.Contains(t, events, "close b1/c2")

	_, err := pool.Acquire(ctx, "a@example.com")
	assert.ErrorIs(t, err, interfaces.ErrPoolClosed)
	assert.NoError(t, pool.Shutdown(ctx))
}

func TestPoolConfigFromConfig(t *testing.T) {
	cfg := PoolConfigFromConfig(&common.BrowserConfig{MaxContexts: 0, LeaseTimeout: "5s", LockDir: "/tmp/locks", ActionTimeout: "7s"})
	assert.Equal(t, 1, cfg.MaxContexts)
	assert.Equal(t, 5*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, "/tmp/locks", cfg.LockDir)
	assert.Equal(t, 7*time.Second, cfg.ActionTimeout)

	cfg = PoolConfigFromConfig(&common.BrowserConfig{})
	assert.Equal(t, 15*time.Second, cfg.ActionTimeout)
}

func TestPool_StalledElementReleasesAccount(t *testing.T) {
	pool, launcher, _ := newTestPool(t, 1)
	page := fakebrowser.NewPage()
	page.Add("trigger").Stall = true
	launcher.page = page
	ctx := context.Background()

	l, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	tab, err := l.NewPage(ctx)
	require.NoError(t, err)
	trigger, found, err := tab.Locate(ctx, interfaces.Probe{Name: "trigger"}, 0)
	require.NoError(t, err)
	require.True(t, found)

	start := time.Now()
	err = trigger.Click(ctx)
	assert.ErrorIs(t, err, interfaces.ErrActionTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	l.Release()

	next, err := pool.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	next.Release()
}
