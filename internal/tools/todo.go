package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/todo"
)

// NewTodoTool returns the todo tool backed by store. Items are scoped to
// the session carried in the context.
func NewTodoTool(store *todo.Store) *Tool {
	return &Tool{
		Name: "todo",
		Description: "A to-do list tool. It can add items, list open items, and mark one or more items as complete. " +
			"Actions: add (requires text), list, complete (requires ids). All items belong to the current session.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "The action to perform on the to-do list: add, list, or complete.",
				},
				"text": map[string]any{
					"type":        "string",
					"description": "The text content of the to-do item for the add action.",
				},
				"ids": map[string]any{
					"description": "The ID or an array of IDs of the item(s) to complete.",
					"oneOf": []any{
						map[string]any{"type": "string"},
						map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
				},
			},
			"required": []string{"action"},
		},
		Output: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			userID, sessionID := SessionFromContext(ctx)
			if userID == "" || sessionID == "" {
				return errorResult("A session ID is required to use the to-do list."), nil
			}
			res, err := handleTodo(ctx, store, memory.Key{UserID: userID, SessionID: sessionID}, args)
			if err != nil {
				return errorResult("An error occurred while executing the to-do tool: " + err.Error()), nil
			}
			return res, nil
		},
	}
}

func handleTodo(ctx context.Context, store *todo.Store, key memory.Key, args map[string]any) (map[string]any, error) {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		text, _ := args["text"].(string)
		if text == "" {
			return errorResult("`text` is required for the `add` action."), nil
		}
		item, err := store.Add(ctx, key, text)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success": true,
			"message": fmt.Sprintf("Successfully added to-do item: \"%s\"", text),
			"id":      item.ID,
		}, nil

	case "list":
		items, err := store.ListOpen(ctx, key)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = map[string]any{
				"id":        it.ID,
				"text":      it.Text,
				"createdAt": it.CreatedAt.Format(time.RFC3339Nano),
			}
		}
		return map[string]any{"items": out}, nil

	case "complete":
		var ids []string
		switch v := args["ids"].(type) {
		case nil:
			return errorResult("`ids` field is required for the `complete` action."), nil
		case string:
			if v == "" {
				return errorResult("`ids` field is required for the `complete` action."), nil
			}
			ids = []string{v}
		case []any:
			for _, id := range v {
				if s, ok := id.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		if len(ids) == 0 {
			return errorResult("No IDs provided to complete."), nil
		}
		if err := store.Complete(ctx, key, ids); err != nil {
			return nil, err
		}
		completed := make([]any, len(ids))
		for i, id := range ids {
			completed[i] = id
		}
		return map[string]any{
			"success":       true,
			"message":       fmt.Sprintf("Successfully completed %d item(s).", len(ids)),
			"completed_ids": completed,
		}, nil
	}

	return errorResult("Unknown action: " + action), nil
}
