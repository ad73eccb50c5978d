// Package webhook posts alerts to a chat webhook that accepts
// {"content": "..."} bodies.
package webhook

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
)

const Kind = "webhook"

// MaxContent is the longest content the webhook accepts, in characters.
const MaxContent = 2000

func init() {
	dispatch.Register(Kind, New)
}

type Sink struct {
	name    string
	url     string
	timeout time.Duration
	client  *core.Client
}

type payload struct {
	Content string `json:"content"`
}

// New returns nil when no URL is configured.
func New(cfg dispatch.SinkConfig, client *core.Client) dispatch.Sink {
	if cfg.URL == "" {
		return nil
	}
	if client == nil {
		client = core.DefaultClient()
	}
	return &Sink{
		name:    cfg.DisplayName(),
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client:  client,
	}
}

func (s *Sink) Name() string           { return s.name }
func (s *Sink) Kind() string           { return Kind }
func (s *Sink) Timeout() time.Duration { return s.timeout }

func (s *Sink) Render(n dispatch.Notification) ([]dispatch.Message, error) {
	msg := dispatch.RenderCombined(n)
	msg.Text = truncate(msg.Text, MaxContent)
	return []dispatch.Message{msg}, nil
}

func (s *Sink) Send(ctx context.Context, msg dispatch.Message) error {
	return s.client.PostJSON(ctx, s.url, nil, payload{Content: msg.Text}, nil)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
