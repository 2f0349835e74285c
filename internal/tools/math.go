package tools

import (
	"context"

	"github.com/nugget/mnemo/internal/calc"
)

// NewMathTool returns the math_evaluator tool. Evaluation problems are
// returned as text, not as an error result, so the model can relay them.
func NewMathTool() *Tool {
	return &Tool{
		Name:        "math_evaluator",
		Description: "Evaluates a simple arithmetic expression with numbers, + - * /, unary minus, and parentheses.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": `An arithmetic expression like "2+2*3"`,
				},
			},
			"required": []string{"expression"},
		},
		Output: map[string]any{"type": "string"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			expr, _ := args["expression"].(string)
			v, err := calc.Eval(expr)
			if err != nil {
				return "Error evaluating expression: " + err.Error(), nil
			}
			return calc.Format(v), nil
		},
	}
}
