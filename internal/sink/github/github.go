// Package github opens one issue per alert in the package's source
// repository on GitHub.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
)

const (
	Kind       = "github"
	DefaultURL = "https://api.github.com"
)

func init() {
	dispatch.Register(Kind, New)
}

// Sink files issues. It is authoritative: an alert counts as delivered
// once its issue exists.
type Sink struct {
	name    string
	apiURL  string
	token   string
	repo    string
	timeout time.Duration
	client  *core.Client
}

type issue struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// New returns nil when no token is configured. Repo, when set, pins every
// issue to one "owner/repo"; otherwise the packument's repository is used.
func New(cfg dispatch.SinkConfig, client *core.Client) dispatch.Sink {
	if cfg.Token == "" {
		return nil
	}
	if client == nil {
		client = core.DefaultClient()
	}
	apiURL := cfg.URL
	if apiURL == "" {
		apiURL = DefaultURL
	}
	return &Sink{
		name:    cfg.DisplayName(),
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		token:   cfg.Token,
		repo:    cfg.Repo,
		timeout: cfg.Timeout,
		client:  client,
	}
}

func (s *Sink) Name() string           { return s.name }
func (s *Sink) Kind() string           { return Kind }
func (s *Sink) Timeout() time.Duration { return s.timeout }
func (s *Sink) Authoritative() bool    { return true }

// Render produces one issue per alert, addressed to the resolved
// owner/repo.
func (s *Sink) Render(n dispatch.Notification) ([]dispatch.Message, error) {
	owner, repo, err := s.target(n)
	if err != nil {
		return nil, err
	}
	msgs := dispatch.RenderPerAlert(n)
	for i := range msgs {
		msgs[i].Target = owner + "/" + repo
	}
	return msgs, nil
}

func (s *Sink) Send(ctx context.Context, msg dispatch.Message) error {
	if msg.Target == "" {
		return &core.ConfigurationError{Sink: s.name, Reason: "message has no target repository"}
	}
	endpoint := fmt.Sprintf("%s/repos/%s/issues", s.apiURL, msg.Target)
	headers := map[string]string{
		"Authorization": "Bearer " + s.token,
		"Accept":        "application/vnd.github+json",
	}
	return s.client.PostJSON(ctx, endpoint, headers, issue{Title: msg.Title, Body: msg.Text}, nil)
}

func (s *Sink) target(n dispatch.Notification) (owner, repo string, err error) {
	raw := s.repo
	if raw == "" && n.Packument != nil {
		raw = n.Packument.Repository
	}
	if raw == "" {
		return "", "", &core.ConfigurationError{Sink: s.name, Reason: "package has no repository URL"}
	}
	owner, repo, ok := ParseRepo(raw, webHost(s.apiURL))
	if !ok {
		return "", "", &core.ConfigurationError{Sink: s.name, Reason: fmt.Sprintf("%q is not a GitHub repository", raw)}
	}
	return owner, repo, nil
}

// ParseRepo extracts owner and repository name from "owner/repo", the npm
// "github:owner/repo" shorthand or a repository URL such as
// https://github.com/owner/repo.git. URLs on any host other than
// github.com or one of hosts are rejected.
func ParseRepo(raw string, hosts ...string) (owner, repo string, ok bool) {
	raw = strings.TrimSpace(raw)
	path := raw
	switch {
	case strings.Contains(raw, "://"):
		u, err := url.Parse(raw)
		if err != nil || !allowedHost(u.Hostname(), hosts) {
			return "", "", false
		}
		path = u.Path
	case strings.HasPrefix(raw, "github:"):
		path = strings.TrimPrefix(raw, "github:")
	case strings.Contains(raw, ":"):
		// git@github.com:owner/repo.git
		i := strings.Index(raw, ":")
		host := raw[:i]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		if !allowedHost(host, hosts) {
			return "", "", false
		}
		path = raw[i+1:]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return "", "", false
	}
	owner = segments[0]
	repo = strings.TrimSuffix(segments[1], ".git")
	if repo == "" {
		return "", "", false
	}
	return owner, repo, true
}

func allowedHost(host string, extra []string) bool {
	host = strings.ToLower(host)
	if host == "github.com" || host == "www.github.com" {
		return true
	}
	for _, h := range extra {
		if h != "" && host == strings.ToLower(h) {
			return true
		}
	}
	return false
}

// webHost is the host repository URLs use on a GitHub Enterprise install
// whose API lives at apiURL.
func webHost(apiURL string) string {
	if apiURL == DefaultURL {
		return ""
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "api.")
}
