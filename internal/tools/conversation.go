package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/mnemo/internal/memory"
)

// NewConversationReviewTool returns the conversation_review tool, which
// reads the current session's transcript.
func NewConversationReviewTool(store memory.Store) *Tool {
	return &Tool{
		Name: "conversation_review",
		Description: "Searches the conversation transcript. If a 'query' is provided, it finds specific messages. " +
			"If no 'query' is provided, it returns the entire conversation transcript. " +
			"Use this when the user asks what was said previously or asks you to remember something.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search term to find in the history. If omitted, the full transcript is returned.",
				},
			},
		},
		Output: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{"type": "string"},
				"error":  map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			userID, sessionID := SessionFromContext(ctx)
			if userID == "" || sessionID == "" {
				return errorResult("User ID and Session ID are required to review the conversation."), nil
			}
			query, _ := args["query"].(string)

			msgs, err := store.Messages(ctx, memory.Key{UserID: userID, SessionID: sessionID})
			if err != nil {
				return errorResult(fmt.Sprintf("An error occurred while searching the conversation: %v", err)), nil
			}
			return map[string]any{"result": reviewTranscript(msgs, query)}, nil
		},
	}
}

func reviewTranscript(msgs []memory.ChatMessage, query string) string {
	if len(msgs) == 0 {
		return "No conversation history found."
	}

	selected := msgs
	if query != "" {
		q := strings.ToLower(query)
		selected = nil
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.Content), q) {
				selected = append(selected, m)
			}
		}
		if len(selected) == 0 {
			return `No messages found matching the query: "` + query + `"`
		}
	}

	lines := make([]string, len(selected))
	for i, m := range selected {
		lines[i] = string(m.Role) + ": " + m.Content
	}

	header := "Full conversation transcript:\n"
	if query != "" {
		header = "Found matching messages in the transcript:\n"
	}
	return header + strings.Join(lines, "\n")
}
