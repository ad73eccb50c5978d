// Package chatbot posts alerts to a chat bot API such as Telegram's
// sendMessage endpoint.
package chatbot

import (
	"context"
	"fmt"
	"time"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
)

const Kind = "chatbot"

func init() {
	dispatch.Register(Kind, New)
}

// Sink sends one combined Markdown message per notification. The chat
// Markdown dialect has no way to quote a backtick, so a notification
// containing one is sent as plain text.
type Sink struct {
	name    string
	url     string
	chatID  string
	timeout time.Duration
	client  *core.Client
}

type payload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// New returns nil unless both Token and ChatID are set. URL overrides the
// default Telegram endpoint.
func New(cfg dispatch.SinkConfig, client *core.Client) dispatch.Sink {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil
	}
	if client == nil {
		client = core.DefaultClient()
	}
	url := cfg.URL
	if url == "" {
		url = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.Token)
	}
	return &Sink{
		name:    cfg.DisplayName(),
		url:     url,
		chatID:  cfg.ChatID,
		timeout: cfg.Timeout,
		client:  client,
	}
}

func (s *Sink) Name() string           { return s.name }
func (s *Sink) Kind() string           { return Kind }
func (s *Sink) Timeout() time.Duration { return s.timeout }

func (s *Sink) Render(n dispatch.Notification) ([]dispatch.Message, error) {
	if dispatch.HasBacktick(n) {
		return []dispatch.Message{dispatch.RenderPlain(n)}, nil
	}
	return []dispatch.Message{dispatch.RenderCombined(n)}, nil
}

func (s *Sink) Send(ctx context.Context, msg dispatch.Message) error {
	p := payload{ChatID: s.chatID, Text: msg.Text}
	if !msg.Plain {
		p.Format = "Markdown"
	}
	return s.client.PostJSON(ctx, s.url, nil, p, nil)
}
