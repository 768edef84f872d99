package content

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/digest-dispatch/internal/domain"
)

func TestTemplateProducerGenerate(t *testing.T) {
	t.Parallel()

	p, err := NewTemplateProducer()
	if err != nil {
		t.Fatalf("NewTemplateProducer() error = %v", err)
	}
	p.now = func() time.Time {
		return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	}

	digest, err := p.Generate(context.Background(), domain.Recipient{
		ID:     "u1",
		Email:  "u1@example.com",
		Topics: []string{"go releases", "infra news"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if digest.RecipientID != "u1" {
		t.Fatalf("RecipientID = %s, want u1", digest.RecipientID)
	}
	if !strings.Contains(digest.Subject, "March 10, 2026") {
		t.Fatalf("Subject = %q, want the rendered day", digest.Subject)
	}
	for _, topic := range []string{"go releases", "infra news"} {
		if !strings.Contains(digest.HTML, topic) {
			t.Fatalf("HTML missing topic %q:\n%s", topic, digest.HTML)
		}
	}
}

func TestTemplateProducerGenerateNoTopics(t *testing.T) {
	t.Parallel()

	p, err := NewTemplateProducer()
	if err != nil {
		t.Fatalf("NewTemplateProducer() error = %v", err)
	}

	digest, err := p.Generate(context.Background(), domain.Recipient{ID: "u2", Email: "u2@example.com"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(digest.HTML, "No topics configured") {
		t.Fatalf("HTML missing fallback copy:\n%s", digest.HTML)
	}
}

func TestTemplateProducerEscapesTopics(t *testing.T) {
	t.Parallel()

	p, err := NewTemplateProducer()
	if err != nil {
		t.Fatalf("NewTemplateProducer() error = %v", err)
	}

	digest, err := p.Generate(context.Background(), domain.Recipient{
		ID:     "u3",
		Email:  "u3@example.com",
		Topics: []string{`<script>alert("x")</script>`},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if strings.Contains(digest.HTML, "<script>") {
		t.Fatalf("topic was not escaped:\n%s", digest.HTML)
	}
}

func TestTemplateProducerCanceledContext(t *testing.T) {
	t.Parallel()

	p, err := NewTemplateProducer()
	if err != nil {
		t.Fatalf("NewTemplateProducer() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Generate(ctx, domain.Recipient{ID: "u4", Email: "u4@example.com"}); err == nil {
		t.Fatal("Generate() should fail with a canceled context")
	}
}
