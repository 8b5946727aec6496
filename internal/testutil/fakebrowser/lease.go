package fakebrowser

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/jobrelay/internal/interfaces"
)

// Lease hands out queued pages in order
type Lease struct {
	mu       sync.Mutex
	account  string
	pages    []*Page
	Opened   int
	Released bool
}

// NewLease creates a lease for account that serves pages in order
func NewLease(account string, pages ...*Page) *Lease {
	return &Lease{account: account, pages: pages}
}

func (l *Lease) Account() string {
	return l.account
}

func (l *Lease) NewPage(ctx context.Context) (interfaces.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pages) == 0 {
		return nil, fmt.Errorf("no more pages")
	}
	p := l.pages[0]
	l.pages = l.pages[1:]
	l.Opened++
	return p, nil
}

func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Released = true
}

// Pool returns the configured lease (or error) for every Acquire
type Pool struct {
	mu       sync.Mutex
	Leases   map[string]*Lease
	Err      error
	Acquired []string
}

func (p *Pool) Acquire(ctx context.Context, account string) (interfaces.BrowserLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Acquired = append(p.Acquired, account)
	if p.Err != nil {
		return nil, p.Err
	}
	lease, ok := p.Leases[account]
	if !ok {
		return nil, fmt.Errorf("no lease scripted for %s", account)
	}
	return lease, nil
}

func (p *Pool) Shutdown(ctx context.Context) error {
	return nil
}
