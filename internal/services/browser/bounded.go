package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// boundedPage gives every page and element call a deadline. Navigate keeps the
// caller's bound; Locate gets its own wait plus one action timeout.
type boundedPage struct {
	interfaces.Page
	timeout time.Duration
}

// BoundPage wraps page so no call on it, or on an element it returns, can
// block longer than timeout. A zero timeout returns page unchanged.
func BoundPage(page interfaces.Page, timeout time.Duration) interfaces.Page {
	if timeout <= 0 {
		return page
	}
	return &boundedPage{Page: page, timeout: timeout}
}

// bounded runs fn under timeout and tags a deadline hit that the caller's own
// context did not cause
func bounded(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(actionCtx)
	if err != nil && ctx.Err() == nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not finish within %s", interfaces.ErrActionTimeout, op, timeout)
	}
	return err
}

func (p *boundedPage) Title(ctx context.Context) (title string, err error) {
	err = bounded(ctx, p.timeout, "title", func(ctx context.Context) error {
		var innerErr error
		title, innerErr = p.Page.Title(ctx)
		return innerErr
	})
	return title, err
}

func (p *boundedPage) URL(ctx context.Context) (url string, err error) {
	err = bounded(ctx, p.timeout, "url", func(ctx context.Context) error {
		var innerErr error
		url, innerErr = p.Page.URL(ctx)
		return innerErr
	})
	return url, err
}

func (p *boundedPage) HTML(ctx context.Context) (html string, err error) {
	err = bounded(ctx, p.timeout, "html", func(ctx context.Context) error {
		var innerErr error
		html, innerErr = p.Page.HTML(ctx)
		return innerErr
	})
	return html, err
}

func (p *boundedPage) Locate(ctx context.Context, probe interfaces.Probe, timeout time.Duration) (interfaces.Element, bool, error) {
	var (
		el    interfaces.Element
		found bool
	)
	err := bounded(ctx, timeout+p.timeout, "locate", func(ctx context.Context) error {
		var innerErr error
		el, found, innerErr = p.Page.Locate(ctx, probe, timeout)
		return innerErr
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &boundedElement{Element: el, timeout: p.timeout}, true, nil
}

func (p *boundedPage) Cookies(ctx context.Context) (artifacts []models.CredentialArtifact, err error) {
	err = bounded(ctx, p.timeout, "cookies", func(ctx context.Context) error {
		var innerErr error
		artifacts, innerErr = p.Page.Cookies(ctx)
		return innerErr
	})
	return artifacts, err
}

func (p *boundedPage) SetCookies(ctx context.Context, artifacts []models.CredentialArtifact) error {
	return bounded(ctx, p.timeout, "set cookies", func(ctx context.Context) error {
		return p.Page.SetCookies(ctx, artifacts)
	})
}

func (p *boundedPage) ClearCookies(ctx context.Context) error {
	return bounded(ctx, p.timeout, "clear cookies", p.Page.ClearCookies)
}

type boundedElement struct {
	interfaces.Element
	timeout time.Duration
}

func (e *boundedElement) Click(ctx context.Context) error {
	return bounded(ctx, e.timeout, "click", e.Element.Click)
}

func (e *boundedElement) Fill(ctx context.Context, value string) error {
	return bounded(ctx, e.timeout, "fill", func(ctx context.Context) error {
		return e.Element.Fill(ctx, value)
	})
}

func (e *boundedElement) Clear(ctx context.Context) error {
	return bounded(ctx, e.timeout, "clear", e.Element.Clear)
}

// Type is allowed one action timeout plus the per-rune delay for the whole text
func (e *boundedElement) Type(ctx context.Context, text string, delay time.Duration) error {
	budget := e.timeout + time.Duration(utf8.RuneCountInString(text))*delay
	return bounded(ctx, budget, "type", func(ctx context.Context) error {
		return e.Element.Type(ctx, text, delay)
	})
}

func (e *boundedElement) InjectParagraphs(ctx context.Context, text string) error {
	return bounded(ctx, e.timeout, "inject", func(ctx context.Context) error {
		return e.Element.InjectParagraphs(ctx, text)
	})
}

func (e *boundedElement) Text(ctx context.Context) (text string, err error) {
	err = bounded(ctx, e.timeout, "text", func(ctx context.Context) error {
		var innerErr error
		text, innerErr = e.Element.Text(ctx)
		return innerErr
	})
	return text, err
}

func (e *boundedElement) Attribute(ctx context.Context, name string) (value string, ok bool, err error) {
	err = bounded(ctx, e.timeout, "attribute", func(ctx context.Context) error {
		var innerErr error
		value, ok, innerErr = e.Element.Attribute(ctx, name)
		return innerErr
	})
	return value, ok, err
}
