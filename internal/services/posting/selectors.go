package posting

import "github.com/ternarybob/jobrelay/internal/interfaces"

// Selectors holds the ordered probe lists. The destination UI drifts without
// notice, so these lists change while the state functions stay the same.
type Selectors struct {
	ComposerTriggers  []interfaces.Probe
	InputSurfaces     []interfaces.Probe
	SubmitEnabled     interfaces.Probe
	SubmitAny         interfaces.Probe
	ComposerOverlay   interfaces.Probe
	SuccessIndicators []interfaces.Probe
	FailureIndicators []interfaces.Probe

	// Page text that means the account may not post in the destination
	RestrictionPhrases []string
	// Title or URL fragments left behind by a crashed renderer
	CrashMarkers []string
	// URL fragments that mean the session was lost and the site asks for login
	LoginMarkers []string
}

// DefaultSelectors returns the probe lists for group posting
func DefaultSelectors() Selectors {
	return Selectors{
		ComposerTriggers: []interfaces.Probe{
			{Name: "write-aria-label", CSS: `[aria-label="Write something..."]`},
			{Name: "write-button-text", CSS: `div[role="button"]`, Text: "Write something..."},
			{Name: "write-span-text", CSS: "span", Text: "Write something..."},
			{Name: "mentions-input", CSS: `[data-testid="status-attachment-mentions-input"]`},
			{Name: "write-placeholder", CSS: `[placeholder="Write something..."]`},
			{Name: "write-any-text", Text: "Write something"},
		},
		InputSurfaces: []interfaces.Probe{
			{Name: "public-post-editor", CSS: `[aria-placeholder="Create a public post…"][contenteditable="true"]`},
			{Name: "lexical-editor", CSS: `[data-lexical-editor="true"][contenteditable="true"]`},
			{Name: "textbox", CSS: `div[contenteditable="true"][role="textbox"]`},
		},
		SubmitEnabled:   interfaces.Probe{Name: "post-enabled", CSS: `div[aria-label="Post"][role="button"]:not([aria-disabled="true"])`},
		SubmitAny:       interfaces.Probe{Name: "post-any", CSS: `div[aria-label="Post"][role="button"]`},
		ComposerOverlay: interfaces.Probe{Name: "composer-dialog", CSS: `[role="dialog"]`},
		SuccessIndicators: []interfaces.Probe{
			{Name: "published-text", Text: "Your post is now published"},
			{Name: "shared-text", Text: "Post shared"},
			{Name: "toast", CSS: `div[data-testid="toast-message"]`},
		},
		FailureIndicators: []interfaces.Probe{
			{Name: "alert-went-wrong", CSS: `[role="alert"]`, Text: "went wrong"},
			{Name: "alert-could-not-post", CSS: `[role="alert"]`, Text: "couldn't post"},
		},
		RestrictionPhrases: []string{
			"you can't post in this group",
			"posting is restricted",
			"you've been restricted",
		},
		CrashMarkers: []string{
			"aw, snap",
			"snap!",
			"crash",
			"killed",
			"he's dead, jim",
			"chrome-error://",
		},
		LoginMarkers: []string{
			"/login",
			"/checkpoint",
		},
	}
}
