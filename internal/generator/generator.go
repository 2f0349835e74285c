// Package generator turns one user message (or tool result) plus the
// session's memory into a structured model reply: a response or a tool
// request, the model's reasoning, and any new facts worth remembering.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/mnemo/internal/llm"
	"github.com/nugget/mnemo/internal/prompts"
	"github.com/nugget/mnemo/internal/tools"
)

// DefaultReasoning fills in for a reply that omits its reasoning.
const DefaultReasoning = "No reasoning was provided."

var (
	// ErrEmptyOutput means the model returned no content at all.
	ErrEmptyOutput = errors.New("model produced no output")
	// ErrInvalidOutput means the content was not a JSON object matching
	// the output schema.
	ErrInvalidOutput = errors.New("model output is not valid")
)

// Input is what one generation sees.
type Input struct {
	UserMessage  string
	Memory       []string
	ToolResponse string
}

// ToolRequest asks the loop to run a tool.
type ToolRequest struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Output is the decoded model reply. Response and ToolRequest are
// normally exclusive; callers should prefer the tool request when both
// are set.
type Output struct {
	Response    string       `json:"response"`
	Reasoning   string       `json:"reasoning"`
	NewFacts    []string     `json:"newFacts"`
	ToolRequest *ToolRequest `json:"toolRequest,omitempty"`
}

const outputSchema = `{
	"type": "object",
	"properties": {
		"response": {"type": ["string", "null"]},
		"reasoning": {"type": ["string", "null"]},
		"newFacts": {
			"type": ["array", "null"],
			"items": {"type": "string"}
		},
		"toolRequest": {
			"type": ["object", "null"],
			"properties": {
				"name": {"type": "string"},
				"input": {"type": ["object", "null"]}
			},
			"required": ["name"]
		}
	}
}`

// Generator makes single, non-retrying model calls.
type Generator struct {
	client llm.Client
	model  string
	system string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New creates a generator for model whose prompt advertises catalog.
func New(client llm.Client, model string, catalog []*tools.Tool, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("generator-output.json", strings.NewReader(outputSchema)); err != nil {
		return nil, fmt.Errorf("add output schema: %w", err)
	}
	schema, err := c.Compile("generator-output.json")
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}

	specs := make([]prompts.ToolSpec, len(catalog))
	for i, t := range catalog {
		specs[i] = prompts.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}

	return &Generator{
		client: client,
		model:  model,
		system: prompts.GenerateSystemPrompt(specs),
		schema: schema,
		logger: logger.With("component", "generator"),
	}, nil
}

// Generate runs one model call. ErrEmptyOutput and ErrInvalidOutput are
// wrapped in the returned error when the reply cannot be used.
func (g *Generator) Generate(ctx context.Context, in Input) (*Output, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: g.system},
		{Role: llm.RoleUser, Content: prompts.GenerateTurnPrompt(in.UserMessage, in.Memory, in.ToolResponse)},
	}

	start := time.Now()
	resp, err := g.client.Chat(ctx, g.model, messages)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	g.logger.Debug("model call complete",
		"model", g.model,
		"elapsed", time.Since(start),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	return g.parse(resp.Message.Content)
}

func (g *Generator) parse(content string) (*Output, error) {
	content = extractJSON(content)
	if content == "" {
		return nil, ErrEmptyOutput
	}

	var raw any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		g.logger.Debug("unparseable model output", "content", content)
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := g.schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	var out Output
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	if strings.TrimSpace(out.Reasoning) == "" {
		out.Reasoning = DefaultReasoning
	}
	if out.NewFacts == nil {
		out.NewFacts = []string{}
	}
	if out.ToolRequest != nil && strings.TrimSpace(out.ToolRequest.Name) == "" {
		out.ToolRequest = nil
	}
	return &out, nil
}

// extractJSON strips markdown code fences and any prose around the
// outermost JSON object.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json\n")
	content = strings.TrimPrefix(content, "```\n")
	content = strings.TrimSuffix(content, "\n```")
	content = strings.TrimSpace(content)

	if content == "" || strings.HasPrefix(content, "{") {
		return content
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
