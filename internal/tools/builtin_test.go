package tools

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/todo"
)

func testTodoStore(t *testing.T) *todo.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := todo.NewStore(db)
	if err != nil {
		t.Fatalf("todo.NewStore: %v", err)
	}
	return s
}

func errorOf(t *testing.T, res any) string {
	t.Helper()
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("result %v is not a map", res)
	}
	msg, _ := m["error"].(string)
	return msg
}

func TestMathTool(t *testing.T) {
	r := mustRegistry(t, NewMathTool())
	tool := r.Get("math_evaluator")
	ctx := context.Background()

	tests := []struct {
		expr string
		want string
	}{
		{"2+2*3", "8"},
		{"(1+2)/4", "0.75"},
		{"1/0", "Error evaluating expression: division by zero"},
	}
	for _, tt := range tests {
		got := r.Invoke(ctx, tool, map[string]any{"expression": tt.expr})
		if got != tt.want {
			t.Errorf("math_evaluator(%q) = %v, want %q", tt.expr, got, tt.want)
		}
	}

	got, _ := r.Invoke(ctx, tool, map[string]any{"expression": "alert(1)"}).(string)
	if !strings.HasPrefix(got, "Error evaluating expression: ") {
		t.Errorf("math_evaluator(alert(1)) = %q, want evaluation error", got)
	}
}

func TestRandomFactTool(t *testing.T) {
	r := mustRegistry(t, NewRandomFactTool())
	for range 20 {
		got, _ := r.Invoke(context.Background(), r.Get("random_fact"), nil).(string)
		if !slices.Contains(RandomFacts, got) {
			t.Fatalf("random_fact returned %q, not in the fact list", got)
		}
	}
}

func TestConversationReviewTool(t *testing.T) {
	store := memory.NewMemStore()
	r := mustRegistry(t, NewConversationReviewTool(store))
	tool := r.Get("conversation_review")
	key := memory.Key{UserID: "u1", SessionID: "s1"}
	ctx := WithSession(context.Background(), key.UserID, key.SessionID)

	result := func(args map[string]any) string {
		t.Helper()
		res := r.Invoke(ctx, tool, args)
		m, ok := res.(map[string]any)
		if !ok {
			t.Fatalf("result %v is not a map", res)
		}
		s, _ := m["result"].(string)
		return s
	}

	if got := result(nil); got != "No conversation history found." {
		t.Errorf("empty transcript = %q", got)
	}

	store.AppendMessage(ctx, key, memory.RoleUser, "My cat is named Miso")
	store.AppendMessage(ctx, key, memory.RoleAssistant, "Nice to meet Miso!")
	store.AppendMessage(ctx, key, memory.RoleUser, "What's the weather?")

	want := "Full conversation transcript:\n" +
		"user: My cat is named Miso\n" +
		"assistant: Nice to meet Miso!\n" +
		"user: What's the weather?"
	if got := result(nil); got != want {
		t.Errorf("full transcript =\n%s\nwant\n%s", got, want)
	}

	want = "Found matching messages in the transcript:\n" +
		"user: My cat is named Miso\n" +
		"assistant: Nice to meet Miso!"
	if got := result(map[string]any{"query": "MISO"}); got != want {
		t.Errorf("query transcript =\n%s\nwant\n%s", got, want)
	}

	if got := result(map[string]any{"query": "dog"}); got != `No messages found matching the query: "dog"` {
		t.Errorf("no match = %q", got)
	}
}

func TestConversationReviewToolRequiresSession(t *testing.T) {
	r := mustRegistry(t, NewConversationReviewTool(memory.NewMemStore()))
	res := r.Invoke(context.Background(), r.Get("conversation_review"), nil)
	if got := errorOf(t, res); got != "User ID and Session ID are required to review the conversation." {
		t.Errorf("error = %q", got)
	}
}

func TestTodoTool(t *testing.T) {
	r := mustRegistry(t, NewTodoTool(testTodoStore(t)))
	tool := r.Get("todo")
	ctx := WithSession(context.Background(), "u1", "s1")

	invoke := func(args map[string]any) map[string]any {
		t.Helper()
		m, ok := r.Invoke(ctx, tool, args).(map[string]any)
		if !ok {
			t.Fatalf("todo result is not a map")
		}
		return m
	}

	added := invoke(map[string]any{"action": "add", "text": "buy milk"})
	if added["message"] != `Successfully added to-do item: "buy milk"` || added["success"] != true {
		t.Fatalf("add result = %v", added)
	}
	milkID, _ := added["id"].(string)
	invoke(map[string]any{"action": "add", "text": "walk dog"})

	list := invoke(map[string]any{"action": "list"})
	items, _ := list["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("list returned %d items, want 2", len(items))
	}
	first, _ := items[0].(map[string]any)
	if first["text"] != "walk dog" {
		t.Errorf("first item = %v, want newest first", first)
	}
	if _, ok := first["createdAt"].(string); !ok {
		t.Errorf("item missing createdAt: %v", first)
	}

	done := invoke(map[string]any{"action": "complete", "ids": milkID})
	if done["message"] != "Successfully completed 1 item(s)." {
		t.Errorf("complete result = %v", done)
	}

	list = invoke(map[string]any{"action": "list"})
	if items, _ := list["items"].([]any); len(items) != 1 {
		t.Errorf("open items after complete = %d, want 1", len(items))
	}
}

func TestTodoToolMessages(t *testing.T) {
	r := mustRegistry(t, NewTodoTool(testTodoStore(t)))
	tool := r.Get("todo")
	ctx := WithSession(context.Background(), "u1", "s1")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"add without text", map[string]any{"action": "add"}, "`text` is required for the `add` action."},
		{"complete without ids", map[string]any{"action": "complete"}, "`ids` field is required for the `complete` action."},
		{"complete empty ids", map[string]any{"action": "complete", "ids": []any{}}, "No IDs provided to complete."},
		{"unknown action", map[string]any{"action": "archive"}, "Unknown action: archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorOf(t, r.Invoke(ctx, tool, tt.args)); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
		})
	}

	got := errorOf(t, r.Invoke(ctx, tool, map[string]any{"action": "complete", "ids": []any{"nope"}}))
	if !strings.HasPrefix(got, "An error occurred while executing the to-do tool: ") {
		t.Errorf("unknown id error = %q", got)
	}
}
