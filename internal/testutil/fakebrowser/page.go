// Package fakebrowser provides in-memory implementations of the browser driver
// interfaces for tests that exercise automation flows without Chrome.
package fakebrowser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// Page is a scripted interfaces.Page. Elements are addressed by probe name.
type Page struct {
	mu sync.Mutex

	// NavigateErrs is consumed one entry per Navigate call; a nil entry or an
	// exhausted list means success.
	NavigateErrs []error
	// CrashOnNavigate marks the page crashed on the next Navigate
	CrashOnNavigate bool
	// OnNavigate runs after every successful Navigate
	OnNavigate func(p *Page, url string)
	// CookiesErr fails every Cookies call
	CookiesErr error

	TitleValue string
	URLValue   string
	HTMLValue  string

	elements map[string]*Element
	cookies  []models.CredentialArtifact

	NavigateCalls []string
	LocateCalls   []string
	ClearCalls    int
	crashed       bool
	closed        bool
}

// NewPage creates a page with an empty body
func NewPage() *Page {
	return &Page{
		TitleValue: "Group",
		HTMLValue:  "<html><body></body></html>",
		elements:   make(map[string]*Element),
	}
}

// Add registers a visible element under a probe name and returns it
func (p *Page) Add(name string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	el := &Element{Name: name, page: p, Attrs: map[string][]string{}}
	p.elements[name] = el
	return el
}

// Remove detaches the element registered under name
func (p *Page) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, name)
}

// Crash marks the renderer as gone
func (p *Page) Crash() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashed = true
}

func (p *Page) SetCookieJar(artifacts []models.CredentialArtifact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append([]models.CredentialArtifact(nil), artifacts...)
}

func (p *Page) CookieJar() []models.CredentialArtifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CredentialArtifact(nil), p.cookies...)
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.NavigateCalls = append(p.NavigateCalls, url)
	if p.closed {
		p.mu.Unlock()
		return interfaces.ErrPageClosed
	}
	if p.CrashOnNavigate {
		p.crashed = true
		p.mu.Unlock()
		return fmt.Errorf("target crashed")
	}
	if len(p.NavigateErrs) > 0 {
		err := p.NavigateErrs[0]
		p.NavigateErrs = p.NavigateErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.URLValue = url
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TitleValue, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URLValue, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTMLValue, nil
}

// Locate finds the element registered under probe.Name. Timeouts are not waited out.
func (p *Page) Locate(ctx context.Context, probe interfaces.Probe, timeout time.Duration) (interfaces.Element, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LocateCalls = append(p.LocateCalls, probe.Name)
	if p.closed {
		return nil, false, interfaces.ErrPageClosed
	}
	el, ok := p.elements[probe.Name]
	if !ok {
		return nil, false, nil
	}
	return el, true, nil
}

func (p *Page) Cookies(ctx context.Context) ([]models.CredentialArtifact, error) {
	if p.CookiesErr != nil {
		return nil, p.CookiesErr
	}
	return p.CookieJar(), nil
}

// SetCookies replaces artifacts with the same name and adds the rest
func (p *Page) SetCookies(ctx context.Context, artifacts []models.CredentialArtifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range artifacts {
		replaced := false
		for i := range p.cookies {
			if p.cookies[i].Name == a.Name {
				p.cookies[i] = a
				replaced = true
			}
		}
		if !replaced {
			p.cookies = append(p.cookies, a)
		}
	}
	return nil
}

func (p *Page) ClearCookies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = nil
	p.ClearCalls++
	return nil
}

func (p *Page) Crashed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crashed
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Element is a scripted interfaces.Element
type Element struct {
	mu   sync.Mutex
	page *Page

	Name string
	// Attrs holds a sequence per attribute; each read pops until one value remains
	Attrs map[string][]string
	// IgnoreTyping drops typed keys, simulating an editor that did not take focus
	IgnoreTyping bool
	// IgnoreInjection drops injected paragraphs as well
	IgnoreInjection bool
	// Stall makes every call wait for its context to end, like a driver
	// polling for a node that went away
	Stall   bool
	OnClick func(p *Page)

	Clicks    int
	Filled    string
	content   string
	Injected  bool
	TypeDelay time.Duration
}

func (e *Element) stall(ctx context.Context) error {
	e.mu.Lock()
	stall := e.Stall
	e.mu.Unlock()
	if !stall {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (e *Element) Click(ctx context.Context) error {
	if err := e.stall(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.Clicks++
	hook := e.OnClick
	e.mu.Unlock()
	if hook != nil {
		hook(e.page)
	}
	return nil
}

func (e *Element) Fill(ctx context.Context, value string) error {
	if err := e.stall(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Filled = value
	return nil
}

func (e *Element) Clear(ctx context.Context) error {
	if err := e.stall(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content = ""
	return nil
}

func (e *Element) Type(ctx context.Context, text string, delay time.Duration) error {
	if err := e.stall(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TypeDelay = delay
	if !e.IgnoreTyping {
		e.content += text
	}
	return nil
}

func (e *Element) InjectParagraphs(ctx context.Context, text string) error {
	if err := e.stall(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Injected = true
	if !e.IgnoreInjection {
		e.content = strings.ReplaceAll(text, "\n", " ")
	}
	return nil
}

// SetContent presets the element text
func (e *Element) SetContent(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.content = text
}

func (e *Element) Text(ctx context.Context) (string, error) {
	if err := e.stall(ctx); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content, nil
}

func (e *Element) Attribute(ctx context.Context, name string) (string, bool, error) {
	if err := e.stall(ctx); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	values, ok := e.Attrs[name]
	if !ok || len(values) == 0 {
		return "", false, nil
	}
	v := values[0]
	if len(values) > 1 {
		e.Attrs[name] = values[1:]
	}
	return v, true, nil
}
