// Package dispatch fans lifecycle-script alerts out to notification sinks.
//
// Each sink renders a Notification into one or more Messages and sends them
// independently of every other sink. A slow, failing or misconfigured sink
// never blocks or fails the others.
package dispatch

import (
	"context"
	"time"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// Notification is one batch of alerts for a single package version.
type Notification struct {
	PackageName     string
	Version         string
	PreviousVersion string
	Alerts          []core.Alert
	Packument       *core.Packument
	Links           map[string]string
}

// Message is one payload a sink sends. Alerts lists the alerts it carries.
// Target is sink-specific addressing, such as an "owner/repo".
type Message struct {
	Title  string
	Text   string
	Target string
	Alerts []core.Alert
	// Plain marks Text as carrying no markup.
	Plain bool
}

// Sink is a notification channel.
type Sink interface {
	// Name identifies the configured instance, e.g. "security-chat".
	Name() string

	// Kind is the registered sink kind, e.g. "chatbot".
	Kind() string

	// Render turns a notification into messages. A *core.ConfigurationError
	// means the sink cannot act on this notification.
	Render(n Notification) ([]Message, error)

	// Send delivers one message.
	Send(ctx context.Context, msg Message) error
}

// Authoritative is implemented by sinks whose acceptance marks an alert as
// delivered, such as an issue tracker.
type Authoritative interface {
	Authoritative() bool
}

// SinkConfig declares one sink. Which fields are required depends on Kind.
type SinkConfig struct {
	Kind    string        `yaml:"kind" validate:"required"`
	Name    string        `yaml:"name"`
	Token   string        `yaml:"token"`
	ChatID  string        `yaml:"chat_id"`
	URL     string        `yaml:"url"`
	Repo    string        `yaml:"repo"`
	Timeout time.Duration `yaml:"timeout"`
}

// DisplayName returns Name, falling back to Kind.
func (c SinkConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Kind
}

func isAuthoritative(s Sink) bool {
	a, ok := s.(Authoritative)
	return ok && a.Authoritative()
}

type timeouter interface {
	Timeout() time.Duration
}
