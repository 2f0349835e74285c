package api

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/mnemo/internal/memory"
)

// TranscriptMarkdown renders a session transcript as markdown, one
// section per message.
func TranscriptMarkdown(key memory.Key, msgs []memory.ChatMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation %s\n\n", key.SessionID)
	fmt.Fprintf(&sb, "User: %s\n", key.UserID)
	if len(msgs) == 0 {
		sb.WriteString("\n_No messages._\n")
		return sb.String()
	}
	for _, m := range msgs {
		speaker := "User"
		if m.Role == memory.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&sb, "\n## %s (%s)\n\n%s\n", speaker, m.Timestamp.UTC().Format("2006-01-02 15:04:05"), m.Content)
	}
	return sb.String()
}

// TranscriptHTML converts transcript markdown to a standalone HTML page.
// Raw HTML inside messages is not rendered.
func TranscriptHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	title := "Conversation"
	if line, _, _ := strings.Cut(md, "\n"); strings.HasPrefix(line, "# ") {
		title = strings.TrimPrefix(line, "# ")
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(title), buf.String()), nil
}
