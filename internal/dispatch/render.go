package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

// RenderCombined renders the whole batch as a single Markdown message.
func RenderCombined(n Notification) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "*Install script alert*: %s", codeSpan(n.PackageName+"@"+n.Version))
	if n.PreviousVersion != "" {
		fmt.Fprintf(&b, " (previous %s)", codeSpan(n.PreviousVersion))
	}
	b.WriteString("\n")
	for _, a := range n.Alerts {
		b.WriteString("\n")
		writeAlert(&b, a, codeSpan)
	}
	writeLinks(&b, n.Links)

	return Message{
		Title:  title(n, nil),
		Text:   b.String(),
		Alerts: append([]core.Alert(nil), n.Alerts...),
	}
}

// RenderPerAlert renders one message per alert.
func RenderPerAlert(n Notification) []Message {
	msgs := make([]Message, 0, len(n.Alerts))
	for _, a := range n.Alerts {
		var b strings.Builder
		fmt.Fprintf(&b, "Package %s version %s", codeSpan(n.PackageName), codeSpan(n.Version))
		if n.PreviousVersion != "" {
			fmt.Fprintf(&b, " (previous %s)", codeSpan(n.PreviousVersion))
		}
		b.WriteString("\n\n")
		writeAlert(&b, a, codeSpan)
		writeLinks(&b, n.Links)

		alert := a
		msgs = append(msgs, Message{
			Title:  title(n, &alert),
			Text:   b.String(),
			Alerts: []core.Alert{alert},
		})
	}
	return msgs
}

// RenderPlain renders the whole batch as a single message without any
// markup, for channels whose Markdown dialect cannot quote the commands.
func RenderPlain(n Notification) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Install script alert: %s@%s", n.PackageName, n.Version)
	if n.PreviousVersion != "" {
		fmt.Fprintf(&b, " (previous %s)", n.PreviousVersion)
	}
	b.WriteString("\n")
	for _, a := range n.Alerts {
		b.WriteString("\n")
		writeAlert(&b, a, func(s string) string { return s })
	}
	writeLinks(&b, n.Links)

	return Message{
		Title:  title(n, nil),
		Text:   b.String(),
		Alerts: append([]core.Alert(nil), n.Alerts...),
		Plain:  true,
	}
}

// HasBacktick reports whether any value rendered inside a code span
// contains a backtick.
func HasBacktick(n Notification) bool {
	fields := []string{n.PackageName, n.Version, n.PreviousVersion}
	for _, a := range n.Alerts {
		fields = append(fields, a.ScriptType, a.NewCommand, a.OldCommand)
	}
	for _, f := range fields {
		if strings.Contains(f, "`") {
			return true
		}
	}
	return false
}

func title(n Notification, a *core.Alert) string {
	if a == nil {
		return fmt.Sprintf("%s@%s: install script alert", n.PackageName, n.Version)
	}
	return fmt.Sprintf("%s@%s: %s script %s", n.PackageName, n.Version, a.ScriptType, a.Action)
}

func writeAlert(b *strings.Builder, a core.Alert, quote func(string) string) {
	fmt.Fprintf(b, "- %s %s\n", quote(a.ScriptType), a.Action)
	fmt.Fprintf(b, "  new: %s\n", quote(a.NewCommand))
	if a.OldCommand != "" {
		fmt.Fprintf(b, "  old: %s\n", quote(a.OldCommand))
	}
}

// codeSpan wraps s in a CommonMark code span whose fence is one backtick
// longer than the longest backtick run inside s.
func codeSpan(s string) string {
	longest, run := 0, 0
	for _, r := range s {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	fence := strings.Repeat("`", longest+1)
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		s = " " + s + " "
	}
	return fence + s + fence
}

func writeLinks(b *strings.Builder, links map[string]string) {
	if len(links) == 0 {
		return
	}
	keys := make([]string, 0, len(links))
	for k := range links {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("\n")
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %s\n", k, links[k])
	}
}
