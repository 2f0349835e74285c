package tools

import (
	"context"
	"math/rand/v2"
)

// RandomFacts is the fixed list random_fact draws from.
var RandomFacts = []string{
	"The Eiffel Tower can be 15 cm taller during the summer, due to thermal expansion.",
	"A bolt of lightning contains enough energy to toast 100,000 slices of bread.",
	"The average person walks the equivalent of five times around the world in their lifetime.",
	"Bananas are berries, but strawberries are not.",
	"A group of flamingos is called a flamboyance.",
}

// NewRandomFactTool returns the random_fact tool.
func NewRandomFactTool() *Tool {
	return &Tool{
		Name:        "random_fact",
		Description: "Returns a random fact from a list of predefined facts.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Output:      map[string]any{"type": "string"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return RandomFacts[rand.IntN(len(RandomFacts))], nil
		},
	}
}
