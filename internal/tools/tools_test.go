package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name: name,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"msg": map[string]any{"type": "string"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["msg"], nil
		},
	}
}

func mustRegistry(t *testing.T, ts ...*Tool) *Registry {
	t.Helper()
	r, err := NewRegistry(ts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestResolve(t *testing.T) {
	r := mustRegistry(t, echoTool("todo"), echoTool("random_fact"))

	tests := []struct {
		name string
		want string
	}{
		{"todo", "todo"},
		{"functions.todo", "todo"},
		{"mcp/tools/random_fact", "random_fact"},
		{"server:todo", "todo"},
		{"a.b:todo", "todo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.name)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.name, err)
			}
			if got.Name != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.name, got.Name, tt.want)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	r := mustRegistry(t, echoTool("todo"))

	for _, name := range []string{"weather", "todo.weather", "todo:", ""} {
		_, err := r.Resolve(name)
		var unavailable *ErrToolUnavailable
		if !errors.As(err, &unavailable) {
			t.Errorf("Resolve(%q) error = %v, want *ErrToolUnavailable", name, err)
			continue
		}
		if unavailable.ToolName != name {
			t.Errorf("ToolName = %q, want %q", unavailable.ToolName, name)
		}
	}
}

func TestResolveExactWins(t *testing.T) {
	r := mustRegistry(t, echoTool("todo"), echoTool("x.todo"))

	got, err := r.Resolve("x.todo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "x.todo" {
		t.Errorf("Resolve(x.todo) = %q, want exact match", got.Name)
	}
}

func TestNamesSorted(t *testing.T) {
	r := mustRegistry(t, echoTool("b"), echoTool("c"), echoTool("a"))
	if got := strings.Join(r.Names(), ","); got != "a,b,c" {
		t.Errorf("Names() = %s, want a,b,c", got)
	}
	if got := r.List(); len(got) != 3 || got[0].Name != "a" {
		t.Errorf("List() = %v", got)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	bad := echoTool("bad")
	bad.Parameters = map[string]any{"type": 42}
	if _, err := NewRegistry(bad); err == nil {
		t.Error("NewRegistry() with invalid schema should fail")
	}
	badOut := echoTool("badout")
	badOut.Output = map[string]any{"type": "nonsense"}
	if _, err := NewRegistry(badOut); err == nil {
		t.Error("NewRegistry() with invalid output schema should fail")
	}
	if _, err := NewRegistry(&Tool{Name: "nohandler"}); err == nil {
		t.Error("NewRegistry() with nil handler should fail")
	}
}

func TestInvoke(t *testing.T) {
	r := mustRegistry(t, echoTool("echo"))
	got := r.Invoke(context.Background(), r.Get("echo"), map[string]any{"msg": "hi"})
	if got != "hi" {
		t.Errorf("Invoke() = %v, want hi", got)
	}
}

func TestInvokeNilArgs(t *testing.T) {
	var seen map[string]any
	tool := &Tool{
		Name: "peek",
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			seen = args
			return "ok", nil
		},
	}
	r := mustRegistry(t, tool)
	r.Invoke(context.Background(), tool, nil)
	if seen == nil {
		t.Error("handler received nil args, want empty map")
	}
}

func TestInvokeFailuresBecomeResults(t *testing.T) {
	tests := []struct {
		name    string
		handler func(context.Context, map[string]any) (any, error)
		args    map[string]any
		timeout time.Duration
		want    string
	}{
		{
			name:    "handler error",
			handler: func(context.Context, map[string]any) (any, error) { return nil, errors.New("boom") },
			want:    "boom",
		},
		{
			name:    "panic",
			handler: func(context.Context, map[string]any) (any, error) { panic("kaboom") },
			want:    "panicked",
		},
		{
			name: "timeout",
			handler: func(ctx context.Context, _ map[string]any) (any, error) {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return "late", nil
			},
			timeout: 20 * time.Millisecond,
			want:    "did not finish",
		},
		{
			name:    "schema violation",
			handler: func(context.Context, map[string]any) (any, error) { return "unreachable", nil },
			args:    map[string]any{"msg": 7},
			want:    "invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := echoTool("t")
			tool.Handler = tt.handler
			r := mustRegistry(t, tool)
			if tt.timeout > 0 {
				r.SetTimeout(tt.timeout)
			}

			got := r.Invoke(context.Background(), tool, tt.args)
			if !IsError(got) {
				t.Fatalf("Invoke() = %v, want error result", got)
			}
			msg, _ := got.(map[string]any)["error"].(string)
			if !strings.Contains(msg, tt.want) {
				t.Errorf("error = %q, want substring %q", msg, tt.want)
			}
		})
	}
}

func TestInvokeChecksOutput(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		wantErr bool
	}{
		{"matches", map[string]any{"count": 3}, false},
		{"wrong type", "three", true},
		{"missing field", map[string]any{"total": 3}, true},
		{"error result passes through", map[string]any{"error": "store offline"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := echoTool("counter")
			tool.Output = map[string]any{
				"type":       "object",
				"properties": map[string]any{"count": map[string]any{"type": "integer"}},
				"required":   []string{"count"},
			}
			tool.Handler = func(context.Context, map[string]any) (any, error) { return tt.result, nil }
			r := mustRegistry(t, tool)

			got := r.Invoke(context.Background(), tool, nil)
			msg, _ := got.(map[string]any)["error"].(string)
			if tt.wantErr {
				if !strings.Contains(msg, "invalid result") {
					t.Errorf("Invoke() = %v, want invalid result error", got)
				}
				return
			}
			if strings.Contains(msg, "invalid result") {
				t.Errorf("Invoke() = %v, want handler result unchanged", got)
			}
		})
	}
}

func TestBuiltinResultsMatchOutputSchemas(t *testing.T) {
	r := mustRegistry(t, Builtins(nil, nil)...)
	ctx := WithSession(context.Background(), "u1", "s1")

	if got := r.Invoke(ctx, r.Get("math_evaluator"), map[string]any{"expression": "2+2"}); got != "4" {
		t.Errorf("math_evaluator = %v, want 4", got)
	}
	if got := r.Invoke(ctx, r.Get("random_fact"), nil); IsError(got) {
		t.Errorf("random_fact = %v", got)
	}
}

func TestInvokeNormalizesArgs(t *testing.T) {
	var seen any
	tool := &Tool{
		Name: "ids",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			seen = args["ids"]
			return nil, nil
		},
	}
	r := mustRegistry(t, tool)
	r.Invoke(context.Background(), tool, map[string]any{"ids": []string{"a", "b"}})

	ids, ok := seen.([]any)
	if !ok || len(ids) != 2 {
		t.Errorf("handler saw ids = %#v, want []any of 2", seen)
	}
}

func TestBuiltinsRegister(t *testing.T) {
	r := mustRegistry(t, Builtins(nil, nil)...)
	want := "conversation_review,math_evaluator,random_fact"
	if got := strings.Join(r.Names(), ","); got != want {
		t.Errorf("Names() = %s, want %s", got, want)
	}
}
