// Package content renders digest content for recipients. The producer is
// a collaborator boundary: the dispatcher treats any implementation
// failure as a hard per-recipient failure without retrying.
package content

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
)

// Producer generates the rendered digest for one recipient.
type Producer interface {
	Generate(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error)
}

const digestTemplate = `<html>
<body>
<h1>Your daily digest</h1>
<p>Hello! Here is what is new for {{.Day}}.</p>
{{if .Topics}}<ul>
{{range .Topics}}<li>{{.}}</li>
{{end}}</ul>
{{else}}<p>No topics configured; showing top stories.</p>
{{end}}</body>
</html>`

var _ Producer = (*TemplateProducer)(nil)

// TemplateProducer renders a static digest template over the recipient's
// configured topics.
type TemplateProducer struct {
	tmpl *template.Template
	now  func() time.Time
}

func NewTemplateProducer() (*TemplateProducer, error) {
	tmpl, err := template.New("digest").Parse(digestTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest template: %w", err)
	}
	return &TemplateProducer{
		tmpl: tmpl,
		now:  time.Now,
	}, nil
}

func (p *TemplateProducer) Generate(ctx context.Context, recipient domain.Recipient) (*domain.Digest, error) {
	if p == nil || p.tmpl == nil {
		return nil, fmt.Errorf("producer is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	day := p.now().UTC().Format("January 2, 2006")

	var body bytes.Buffer
	err := p.tmpl.Execute(&body, struct {
		Day    string
		Topics []string
	}{
		Day:    day,
		Topics: recipient.Topics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render digest for %s: %w", recipient.ID, err)
	}

	return &domain.Digest{
		RecipientID: recipient.ID,
		Subject:     fmt.Sprintf("Your daily digest for %s", day),
		HTML:        body.String(),
	}, nil
}
