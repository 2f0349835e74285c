package tools

import (
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/todo"
)

// Builtins returns the standard tool set. A nil todo store leaves out
// the todo tool.
func Builtins(store memory.Store, todos *todo.Store) []*Tool {
	ts := []*Tool{
		NewConversationReviewTool(store),
		NewMathTool(),
		NewRandomFactTool(),
	}
	if todos != nil {
		ts = append(ts, NewTodoTool(todos))
	}
	return ts
}
