// Package browser owns the browser process and the per-account browsing
// contexts. A lease gives exclusive use of one account's context; requests for
// the same account queue behind it, other accounts run on their own contexts.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
)

// Launcher starts a browser process
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one live browser process
type Browser interface {
	NewContext(ctx context.Context) (Context, error)
	Alive(ctx context.Context) bool
	Close() error
}

// Context is an isolated cookie jar inside a browser, used by exactly one account
type Context interface {
	NewPage(ctx context.Context) (interfaces.Page, error)
	Alive() bool
	Close() error
}

// PoolConfig bounds the pool
type PoolConfig struct {
	// MaxContexts caps the contexts kept open, but only idle contexts are ever
	// closed to honour it. When every other open context is leased, the new
	// context opens anyway and the pool runs over the cap until leases end.
	MaxContexts  int
	LeaseTimeout time.Duration
	LockDir      string
	// ActionTimeout bounds each call on a leased page and its elements
	ActionTimeout time.Duration
}

func PoolConfigFromConfig(cfg *common.BrowserConfig) PoolConfig {
	return PoolConfig{
		MaxContexts:   max(cfg.MaxContexts, 1),
		LeaseTimeout:  common.ParseDuration(cfg.LeaseTimeout, 2*time.Minute),
		LockDir:       cfg.LockDir,
		ActionTimeout: common.ParseDuration(cfg.ActionTimeout, 15*time.Second),
	}
}

type slot struct {
	account  string
	sem      chan struct{}
	context  Context
	busy     bool
	lastUsed time.Time
}

// Pool implements interfaces.BrowserPool
type Pool struct {
	launcher Launcher
	config   PoolConfig
	logger   arbor.ILogger

	mu      sync.Mutex
	browser Browser
	slots   map[string]*slot
	closed  bool
}

func NewPool(launcher Launcher, config PoolConfig, logger arbor.ILogger) *Pool {
	if config.MaxContexts < 1 {
		config.MaxContexts = 1
	}
	return &Pool{
		launcher: launcher,
		config:   config,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
}

// Acquire waits up to LeaseTimeout for exclusive use of the account's context.
// The browser and the context are created lazily and recreated when dead.
func (p *Pool) Acquire(ctx context.Context, account string) (interfaces.BrowserLease, error) {
	key := common.NormalizeAccount(account)
	if key == "" {
		return nil, fmt.Errorf("account is required")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, interfaces.ErrPoolClosed
	}
	s, ok := p.slots[key]
	if !ok {
		s = &slot{account: key, sem: make(chan struct{}, 1)}
		p.slots[key] = s
	}
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, p.config.LeaseTimeout)
	defer cancel()

	select {
	case s.sem <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", interfaces.ErrAccountBusy, key)
	}

	lock, err := p.lockFile(waitCtx, key)
	if err != nil {
		<-s.sem
		return nil, err
	}

	if err := p.prepare(ctx, s); err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		<-s.sem
		return nil, err
	}

	p.logger.Debug().Str("account", key).Msg("Browser lease acquired")
	return &lease{pool: p, slot: s, lock: lock}, nil
}

// lockFile takes the cross-process lock for the account, when a lock directory is configured
func (p *Pool) lockFile(ctx context.Context, key string) (*flock.Flock, error) {
	if p.config.LockDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(p.config.LockDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(filepath.Join(p.config.LockDir, key+".lock"))
	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil || !locked {
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("failed to lock account %s: %w", key, err)
		}
		return nil, fmt.Errorf("%w: %s is locked by another process", interfaces.ErrAccountBusy, key)
	}
	return lock, nil
}

// prepare makes sure the browser is alive and the slot holds a live context
func (p *Pool) prepare(ctx context.Context, s *slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return interfaces.ErrPoolClosed
	}

	if p.browser == nil || !p.browser.Alive(ctx) {
		if p.browser != nil {
			p.logger.Warn().Msg("Browser disconnected, recreating")
			p.dropAllLocked()
		}
		b, err := p.launcher.Launch(ctx)
		if err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		p.browser = b
		p.logger.Info().Msg("Browser launched")
	}

	if s.context != nil && !s.context.Alive() {
		p.logger.Warn().Str("account", s.account).Msg("Account context lost, recreating")
		_ = s.context.Close()
		s.context = nil
	}

	if s.context == nil {
		p.evictLocked(s.account)

		c, err := p.browser.NewContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to open context for %s: %w", s.account, err)
		}
		s.context = c
		p.logger.Info().Str("account", s.account).Msg("Account context opened")
	}

	s.busy = true
	s.lastUsed = time.Now()
	return nil
}

// evictLocked closes idle contexts of other accounts, least recently used first,
// until opening one more stays within MaxContexts
func (p *Pool) evictLocked(account string) {
	for p.openContextsLocked() >= p.config.MaxContexts {
		var victim *slot
		for _, s := range p.slots {
			if s.account == account || s.context == nil || s.busy {
				continue
			}
			if victim == nil || s.lastUsed.Before(victim.lastUsed) {
				victim = s
			}
		}
		if victim == nil {
			p.logger.Warn().
				Str("account", account).
				Int("open_contexts", p.openContextsLocked()).
				Int("max_contexts", p.config.MaxContexts).
				Msg("Every other context is leased, opening beyond max_contexts")
			return
		}

		if err := victim.context.Close(); err != nil {
			p.logger.Warn().Err(err).Str("account", victim.account).Msg("Failed to close idle context")
		}
		victim.context = nil
		p.logger.Info().
			Str("closed_account", victim.account).
			Str("next_account", account).
			Msg("Closed idle account context before switching")
	}
}

func (p *Pool) openContextsLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.context != nil {
			n++
		}
	}
	return n
}

func (p *Pool) dropAllLocked() {
	for _, s := range p.slots {
		if s.context != nil {
			_ = s.context.Close()
			s.context = nil
		}
	}
	_ = p.browser.Close()
	p.browser = nil
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	s.busy = false
	s.lastUsed = time.Now()
	p.mu.Unlock()
}

// Shutdown closes every context, then the browser. Leases still held become unusable.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	closedContexts := 0
	for _, s := range p.slots {
		if s.context == nil {
			continue
		}
		if err := s.context.Close(); err != nil {
			p.logger.Warn().Err(err).Str("account", s.account).Msg("Failed to close context")
		}
		s.context = nil
		closedContexts++
	}

	var err error
	if p.browser != nil {
		err = p.browser.Close()
		p.browser = nil
	}

	p.logger.Info().Int("contexts_closed", closedContexts).Msg("Browser pool shut down")
	return err
}

// Stats reports the open contexts and which are in use
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	accounts := make(map[string]bool)
	for _, s := range p.slots {
		if s.context != nil {
			accounts[s.account] = s.busy
		}
	}
	return map[string]interface{}{
		"browser_running": p.browser != nil,
		"max_contexts":    p.config.MaxContexts,
		"contexts":        accounts,
	}
}

type lease struct {
	pool *Pool
	slot *slot
	lock *flock.Flock
	once sync.Once
}

func (l *lease) Account() string {
	return l.slot.account
}

func (l *lease) NewPage(ctx context.Context) (interfaces.Page, error) {
	l.pool.mu.Lock()
	c := l.slot.context
	l.pool.mu.Unlock()

	if c == nil {
		return nil, interfaces.ErrPoolClosed
	}
	page, err := c.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return BoundPage(page, l.pool.config.ActionTimeout), nil
}

// Release returns the context to the pool. It is safe to call more than once.
func (l *lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.slot)
		if l.lock != nil {
			if err := l.lock.Unlock(); err != nil {
				l.pool.logger.Warn().Err(err).Str("account", l.slot.account).Msg("Failed to unlock account")
			}
		}
		<-l.slot.sem
		l.pool.logger.Debug().Str("account", l.slot.account).Msg("Browser lease released")
	})
}
