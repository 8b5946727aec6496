package publish

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/models"
	"github.com/ternarybob/jobrelay/internal/services/tokens"
)

// Formatter renders the post body, including the deep link minted for the record
type Formatter struct {
	publicBaseURL string
	redirectPath  string
	now           func() time.Time
}

func NewFormatter(relay common.RelayConfig) *Formatter {
	return &Formatter{
		publicBaseURL: strings.TrimRight(relay.PublicBaseURL, "/"),
		redirectPath:  "/" + strings.TrimLeft(relay.RedirectPath, "/"),
		now:           time.Now,
	}
}

// DeepLink mints the context token for the record and returns the link
func (f *Formatter) DeepLink(job *models.Job, record *models.PublishRecord) (string, error) {
	token, err := tokens.Encode(models.NewContextPayload(job, record, f.now()))
	if err != nil {
		return "", err
	}
	return f.publicBaseURL + f.redirectPath + "?context=" + url.QueryEscape(token), nil
}

// Format builds the post text
func (f *Formatter) Format(job *models.Job, record *models.PublishRecord) (string, error) {
	link, err := f.DeepLink(job, record)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s at %s\n\n", job.Title, job.Company)
	if job.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", job.Location)
	}
	if job.JobType != "" {
		fmt.Fprintf(&b, "Type: %s\n", job.JobType)
	}
	if job.Experience != "" {
		fmt.Fprintf(&b, "Experience: %s\n", job.Experience)
	}
	if job.SalaryRange != "" {
		fmt.Fprintf(&b, "Salary: %s\n", job.SalaryRange)
	}

	if job.Description != "" {
		fmt.Fprintf(&b, "\nAbout the Role:\n%s\n", job.Description)
	}
	writeBullets(&b, "Requirements", job.Requirements)
	writeBullets(&b, "Responsibilities", job.Responsibilities)
	if len(job.Perks) > 0 {
		fmt.Fprintf(&b, "\nPerks: %s\n", strings.Join(job.Perks, ", "))
	}

	fmt.Fprintf(&b, "\nInterested? Apply directly here: %s\n\n", link)
	b.WriteString(strings.Join(hashtags(job), " "))

	return b.String(), nil
}

func writeBullets(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "• %s\n", item)
	}
}

func hashtags(job *models.Job) []string {
	tags := []string{"#hiring", "#jobs"}
	for _, v := range []string{job.JobType, job.Location} {
		if tag := hashtag(v); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// hashtag keeps letters and digits only, lower-cased
func hashtag(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}
