package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/git-pkgs/scriptwatch/internal/core"
	"github.com/git-pkgs/scriptwatch/internal/dispatch"
)

func TestSend(t *testing.T) {
	var got payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := New(dispatch.SinkConfig{Name: "discord", URL: server.URL}, core.DefaultClient())
	msgs, err := sink.Render(dispatch.Notification{
		PackageName: "evil-pkg",
		Version:     "2.0.0",
		Alerts:      []core.Alert{{ScriptType: "install", Action: core.ActionAdded, NewCommand: "node x.js"}},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if err := sink.Send(context.Background(), msgs[0]); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.Contains(got.Content, "node x.js") {
		t.Errorf("content = %q", got.Content)
	}
	if sink.Name() != "discord" {
		t.Errorf("Name = %q", sink.Name())
	}
}

func TestRenderTruncates(t *testing.T) {
	sink := New(dispatch.SinkConfig{URL: "http://example.invalid"}, nil)
	msgs, err := sink.Render(dispatch.Notification{
		PackageName: "big",
		Version:     "1.0.0",
		Alerts: []core.Alert{{
			ScriptType: "postinstall",
			Action:     core.ActionAdded,
			NewCommand: strings.Repeat("é", 5000),
		}},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if n := utf8.RuneCountInString(msgs[0].Text); n != MaxContent {
		t.Errorf("content length = %d, want %d", n, MaxContent)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if New(dispatch.SinkConfig{Token: "t"}, nil) != nil {
		t.Error("expected nil sink without URL")
	}
}
