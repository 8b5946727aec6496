package fakebrowser

// Probe names of the default posting selectors used to script group pages
const (
	ComposerTrigger = "write-button-text"
	ComposerInput   = "lexical-editor"
	SubmitEnabled   = "post-enabled"
	SubmitAny       = "post-any"
	ComposerDialog  = "composer-dialog"
)

// ComposerPage returns a group page on which a post goes through: the trigger
// opens the composer, the input accepts typing and submitting closes the dialog.
func ComposerPage() (*Page, *Element, *Element) {
	page := NewPage()
	page.Add(ComposerTrigger)
	input := page.Add(ComposerInput)
	submit := page.Add(SubmitEnabled)
	submit.OnClick = func(p *Page) { p.Remove(ComposerDialog) }
	page.Add(ComposerDialog)
	return page, input, submit
}

// CrashedPage returns a page whose title shows the renderer crash screen
func CrashedPage() *Page {
	page := NewPage()
	page.TitleValue = "Aw, Snap!"
	return page
}
