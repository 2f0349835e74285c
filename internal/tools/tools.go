// Package tools defines the tools available to the agent and the
// registry that validates and runs them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 30 * time.Second

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Output, when set, is the JSON schema every successful result must
	// satisfy. Error results are not checked against it.
	Output map[string]any `json:"output,omitempty"`
	// Handler returns any JSON-encodable value. Expected failures may be
	// reported either as an error or as a map with an "error" key.
	Handler func(ctx context.Context, args map[string]any) (any, error) `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...*Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
		outputs: make(map[string]*jsonschema.Schema),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetTimeout changes the per-invocation timeout. Zero or negative
// disables it.
func (r *Registry) SetTimeout(d time.Duration) {
	r.timeout = d
}

// SetLogger sets the logger used for invocation diagnostics.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds a tool, compiling its parameter and output schemas. A
// tool with the same name is replaced.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool must have a name and a handler")
	}
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	schema, err := compileSchema(t.Name+".input.json", params)
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	var output *jsonschema.Schema
	if t.Output != nil {
		if output, err = compileSchema(t.Name+".output.json", t.Output); err != nil {
			return fmt.Errorf("tool %s output: %w", t.Name, err)
		}
	}
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
	if output != nil {
		r.outputs[t.Name] = output
	} else {
		delete(r.outputs, t.Name)
	}
	return nil
}

// Get retrieves a tool by exact name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Resolve finds the tool for a requested name. An exact match wins;
// otherwise the segment after the last '.', '/' or ':' is tried, so
// "functions.todo" and "mcp:todo" both resolve to "todo".
func (r *Registry) Resolve(name string) (*Tool, error) {
	if t := r.tools[name]; t != nil {
		return t, nil
	}
	if i := strings.LastIndexAny(name, "./:"); i >= 0 {
		if t := r.tools[name[i+1:]]; t != nil {
			return t, nil
		}
	}
	return nil, &ErrToolUnavailable{ToolName: name, Available: r.Names()}
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns every tool sorted by name, for prompt catalogs.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		out = append(out, r.tools[name])
	}
	return out
}

// Invoke runs t with args and always returns a result. Invalid
// arguments, handler errors, panics, timeouts and results that break
// the tool's output schema are all reported as map[string]any{"error": msg}.
func (r *Registry) Invoke(ctx context.Context, t *Tool, args map[string]any) any {
	if args == nil {
		args = map[string]any{}
	}
	log := r.logger.With("tool", t.Name)

	// Round-trip through JSON so handlers and the validator see the
	// same types the model would have produced.
	norm, err := normalize(args)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments for tool %s: %v", t.Name, err))
	}
	if schema := r.schemas[t.Name]; schema != nil {
		if err := schema.Validate(norm); err != nil {
			log.Debug("tool arguments rejected", "error", err)
			return errorResult(fmt.Sprintf("invalid arguments for tool %s: %v", t.Name, err))
		}
	}
	args, _ = norm.(map[string]any)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("tool panicked", "panic", p)
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", t.Name, p)}
			}
		}()
		res, err := t.Handler(ctx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		log.Debug("tool finished", "elapsed", time.Since(start), "error", o.err)
		if o.err != nil {
			return errorResult(o.err.Error())
		}
		if err := r.checkOutput(t, o.result); err != nil {
			log.Warn("tool result rejected", "error", err)
			return errorResult(fmt.Sprintf("tool %s returned an invalid result: %v", t.Name, err))
		}
		return o.result
	case <-ctx.Done():
		log.Warn("tool timed out", "elapsed", time.Since(start), "error", ctx.Err())
		return errorResult(fmt.Sprintf("tool %s did not finish: %v", t.Name, ctx.Err()))
	}
}

func (r *Registry) checkOutput(t *Tool, result any) error {
	schema := r.outputs[t.Name]
	if schema == nil || IsError(result) {
		return nil
	}
	norm, err := normalize(result)
	if err != nil {
		return err
	}
	return schema.Validate(norm)
}

func errorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// IsError reports whether a tool result carries an "error" key.
func IsError(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["error"]
	return ok
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(url string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}
