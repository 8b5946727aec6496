package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

const (
	handleAttr   = "data-jr-handle"
	locatePoll   = 250 * time.Millisecond
	healthProbe  = 3 * time.Second
	closeTimeout = 10 * time.Second
)

// ChromeLauncher starts Chrome through a chromedp exec allocator
type ChromeLauncher struct {
	config common.BrowserConfig
	logger arbor.ILogger
}

func NewChromeLauncher(config common.BrowserConfig, logger arbor.ILogger) *ChromeLauncher {
	return &ChromeLauncher{config: config, logger: logger}
}

func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", l.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if l.config.WindowWidth > 0 && l.config.WindowHeight > 0 {
		allocatorOpts = append(allocatorOpts, chromedp.WindowSize(l.config.WindowWidth, l.config.WindowHeight))
	}
	if l.config.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(l.config.UserAgent))
	}
	if l.config.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(l.config.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Startup test
	testCtx, testCancel := context.WithTimeout(browserCtx, common.ParseDuration(l.config.StartupTimeout, 30*time.Second))
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	l.logger.Debug().
		Bool("headless", l.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Chrome started")

	return &chromeBrowser{
		ctx:             browserCtx,
		cancel:          browserCancel,
		allocatorCancel: allocatorCancel,
		logger:          l.logger,
	}, nil
}

type chromeBrowser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	logger          arbor.ILogger
}

// NewContext opens an isolated browser context with its own cookie jar
func (b *chromeBrowser) NewContext(ctx context.Context) (Context, error) {
	cctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	if err := runBridged(ctx, cctx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	return &chromeContext{ctx: cctx, cancel: cancel, logger: b.logger}, nil
}

// Alive asks the browser for its version over the browser-level session
func (b *chromeBrowser) Alive(ctx context.Context) bool {
	if b.ctx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbe)
	defer cancel()
	_, _, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(probeCtx, c.Browser))
	return err == nil
}

func (b *chromeBrowser) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-closeCtx.Done():
		err = fmt.Errorf("browser close timed out")
	}
	b.cancel()
	b.allocatorCancel()
	return err
}

type chromeContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger arbor.ILogger
}

// NewPage opens a tab in this browser context
func (c *chromeContext) NewPage(ctx context.Context) (interfaces.Page, error) {
	pctx, cancel := chromedp.NewContext(c.ctx)
	p := &chromePage{ctx: pctx, cancel: cancel, logger: c.logger}

	chromedp.ListenTarget(pctx, func(ev interface{}) {
		switch ev.(type) {
		case *inspector.EventTargetCrashed:
			p.crashed.Store(true)
		case *inspector.EventDetached:
			p.crashed.Store(true)
		}
	})

	if err := runBridged(ctx, pctx, network.Enable(), inspector.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return p, nil
}

func (c *chromeContext) Alive() bool {
	return c.ctx.Err() == nil
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger arbor.ILogger

	crashed atomic.Bool
	closed  atomic.Bool
	handles atomic.Int64
}

// runBridged runs actions on the chromedp target context while honouring the
// caller's cancellation and deadline
func runBridged(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.closed.Load() {
		return interfaces.ErrPageClosed
	}
	err := runBridged(ctx, p.ctx, actions...)
	if err != nil && p.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrPageClosed, err)
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// locateScript tags the first visible element matching the probe. Text-only
// probes pick the innermost element containing the text.
const locateScript = `(function(css, text, attr, handle) {
	const nodes = document.querySelectorAll(css || 'body *');
	let best = null;
	for (const el of nodes) {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		if (rect.width === 0 || rect.height === 0 || style.visibility === 'hidden' || style.display === 'none') continue;
		if (text && !(el.innerText || '').includes(text)) continue;
		if (css) { best = el; break; }
		if (!best || (el.innerText || '').length <= (best.innerText || '').length) best = el;
	}
	if (!best) return false;
	best.setAttribute(attr, handle);
	return true;
})(%s, %s, %s, %s)`

func (p *chromePage) Locate(ctx context.Context, probe interfaces.Probe, timeout time.Duration) (interfaces.Element, bool, error) {
	handle := fmt.Sprintf("h%d", p.handles.Add(1))
	script := fmt.Sprintf(locateScript, jsString(probe.CSS), jsString(probe.Text), jsString(handleAttr), jsString(handle))
	deadline := time.Now().Add(timeout)

	for {
		var found bool
		if err := p.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
			if p.Crashed() {
				return nil, false, fmt.Errorf("%w: %v", interfaces.ErrCrashDetected, err)
			}
			return nil, false, err
		}
		if found {
			return &chromeElement{page: p, selector: fmt.Sprintf(`[%s=%q]`, handleAttr, handle)}, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}

		timer := time.NewTimer(locatePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *chromePage) Cookies(ctx context.Context) ([]models.CredentialArtifact, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	artifacts := make([]models.CredentialArtifact, 0, len(cookies))
	for _, c := range cookies {
		a := models.CredentialArtifact{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			a.Expires = int64(c.Expires)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (p *chromePage) SetCookies(ctx context.Context, artifacts []models.CredentialArtifact) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, a := range artifacts {
			params := network.SetCookie(a.Name, a.Value).
				WithDomain(a.Domain).
				WithPath(a.Path).
				WithSecure(a.Secure).
				WithHTTPOnly(a.HTTPOnly)

			switch a.NormalizedSameSite() {
			case "Strict":
				params = params.WithSameSite(network.CookieSameSiteStrict)
			case "Lax":
				params = params.WithSameSite(network.CookieSameSiteLax)
			default:
				params = params.WithSameSite(network.CookieSameSiteNone)
			}
			if exp, ok := a.ExpiresAt(); ok {
				ts := cdp.TimeSinceEpoch(exp)
				params = params.WithExpires(&ts)
			}

			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", a.Name, err)
			}
		}
		return nil
	}))
}

func (p *chromePage) ClearCookies(ctx context.Context) error {
	return p.run(ctx, network.ClearBrowserCookies())
}

func (p *chromePage) Crashed() bool {
	return p.crashed.Load() || (!p.closed.Load() && p.ctx.Err() != nil)
}

func (p *chromePage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	return nil
}

// chromeElement addresses a node by the handle Locate tagged it with. Its
// actions keep polling for that node until ctx ends, so pages reach callers
// through BoundPage.
type chromeElement struct {
	page     *chromePage
	selector string
}

func (e *chromeElement) Click(ctx context.Context) error {
	return e.page.run(ctx, chromedp.Click(e.selector, chromedp.ByQuery))
}

func (e *chromeElement) Fill(ctx context.Context, value string) error {
	return e.page.run(ctx,
		chromedp.SetValue(e.selector, "", chromedp.ByQuery),
		chromedp.SendKeys(e.selector, value, chromedp.ByQuery),
	)
}

func (e *chromeElement) Clear(ctx context.Context) error {
	return e.page.run(ctx,
		chromedp.Focus(e.selector, chromedp.ByQuery),
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Backspace),
	)
}

func (e *chromeElement) Type(ctx context.Context, text string, delay time.Duration) error {
	if err := e.page.run(ctx, chromedp.Focus(e.selector, chromedp.ByQuery)); err != nil {
		return err
	}
	for _, r := range text {
		key := string(r)
		if r == '\n' {
			key = kb.Enter
		}
		if err := e.page.run(ctx, chromedp.KeyEvent(key)); err != nil {
			return err
		}
		if delay > 0 {
			if err := e.page.run(ctx, chromedp.Sleep(delay)); err != nil {
				return err
			}
		}
	}
	return nil
}

const injectScript = `(function(sel, lines) {
	const el = document.querySelector(sel);
	if (!el) return false;
	el.focus();
	el.innerHTML = '';
	for (const line of lines) {
		const p = document.createElement('p');
		if (line) { p.textContent = line; } else { p.appendChild(document.createElement('br')); }
		el.appendChild(p);
	}
	el.dispatchEvent(new InputEvent('input', { bubbles: true }));
	return true;
})(%s, %s)`

func (e *chromeElement) InjectParagraphs(ctx context.Context, text string) error {
	lines, err := json.Marshal(strings.Split(text, "\n"))
	if err != nil {
		return err
	}
	var ok bool
	if err := e.page.run(ctx, chromedp.Evaluate(fmt.Sprintf(injectScript, jsString(e.selector), lines), &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: element detached", interfaces.ErrSelectorNotFound)
	}
	return nil
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	script := fmt.Sprintf(`(function(sel){ const el = document.querySelector(sel); return el ? (el.innerText || el.value || '') : ''; })(%s)`, jsString(e.selector))
	err := e.page.run(ctx, chromedp.Evaluate(script, &text))
	return text, err
}

func (e *chromeElement) Attribute(ctx context.Context, name string) (string, bool, error) {
	var value string
	var ok bool
	err := e.page.run(ctx, chromedp.AttributeValue(e.selector, name, &value, &ok, chromedp.ByQuery))
	return value, ok, err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
