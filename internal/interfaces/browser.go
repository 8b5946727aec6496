package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/jobrelay/internal/models"
)

// Probe is one selector strategy. CSS narrows the candidates; Text, when set,
// keeps only candidates whose visible text contains it. Probes are tried in
// order and the first visible match wins.
type Probe struct {
	Name string
	CSS  string
	Text string
}

// Page is the driver surface the automation code needs from a browser tab
type Page interface {
	Navigate(ctx context.Context, url string) error
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)

	// Locate returns the first visible element matching probe, waiting up to timeout.
	// A miss is (nil, false, nil), not an error.
	Locate(ctx context.Context, probe Probe, timeout time.Duration) (Element, bool, error)

	Cookies(ctx context.Context) ([]models.CredentialArtifact, error)
	SetCookies(ctx context.Context, artifacts []models.CredentialArtifact) error
	ClearCookies(ctx context.Context) error

	// Crashed reports whether the renderer crashed or the target went away
	Crashed() bool
	Close() error
}

// Element is a located node
type Element interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	// Clear selects all residual content of an editable node and deletes it
	Clear(ctx context.Context) error
	// Type sends the text as key events with delay between runes
	Type(ctx context.Context, text string, delay time.Duration) error
	// InjectParagraphs replaces the editable content with one paragraph per line
	InjectParagraphs(ctx context.Context, text string) error
	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
}

// BrowserLease is exclusive use of one account's browsing context
type BrowserLease interface {
	Account() string
	NewPage(ctx context.Context) (Page, error)
	Release()
}

// BrowserPool hands out per-account leases
type BrowserPool interface {
	Acquire(ctx context.Context, account string) (BrowserLease, error)
	Shutdown(ctx context.Context) error
}
