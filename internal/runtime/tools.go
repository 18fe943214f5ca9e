package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultToolTimeout bounds every tool call.
const DefaultToolTimeout = 30 * time.Second

// ToolDefinition describes a tool the model can call.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments object.
	Parameters map[string]any
	// ReadOnly tools never change files or the index and may be retried.
	ReadOnly bool
}

// ToolHandler executes a call whose arguments already passed validation.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

type registered struct {
	def     ToolDefinition
	schema  *jsonschema.Schema
	handler ToolHandler
}

// ToolRegistry is the closed set of tools one agent may call.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]*registered
	timeout time.Duration
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]*registered),
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout changes the per-call timeout. Non-positive values restore the
// default.
func (tr *ToolRegistry) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultToolTimeout
	}
	tr.mu.Lock()
	tr.timeout = d
	tr.mu.Unlock()
}

// Register adds a tool. The schema is compiled once here.
func (tr *ToolRegistry) Register(def ToolDefinition, handler ToolHandler) error {
	if def.Name == "" || handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %q: encode schema: %w", def.Name, err)
	}
	schema, err := jsonschema.CompileString("mediamcp://tools/"+def.Name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", def.Name, err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, exists := tr.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	tr.tools[def.Name] = &registered{def: def, schema: schema, handler: handler}
	return nil
}

// MustRegister panics on registration errors; for static tool tables.
func (tr *ToolRegistry) MustRegister(def ToolDefinition, handler ToolHandler) {
	if err := tr.Register(def, handler); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry.
func (tr *ToolRegistry) Unregister(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.tools, name)
}

// Get returns a tool definition by name.
func (tr *ToolRegistry) Get(name string) (ToolDefinition, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	r, ok := tr.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return r.def, true
}

// List returns all tool definitions sorted by name.
func (tr *ToolRegistry) List() []ToolDefinition {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(tr.tools))
	for _, r := range tr.tools {
		tools = append(tools, r.def)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (tr *ToolRegistry) HasTool(name string) bool {
	_, ok := tr.Get(name)
	return ok
}

func (tr *ToolRegistry) Count() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.tools)
}

// ReadOnly reports whether name is a registered read-only tool.
func (tr *ToolRegistry) ReadOnly(name string) bool {
	def, ok := tr.Get(name)
	return ok && def.ReadOnly
}

// Schemas returns the tool descriptions sent to the model, sorted by name.
func (tr *ToolRegistry) Schemas() []provider.ToolSchema {
	defs := tr.List()
	out := make([]provider.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = provider.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Invoke validates args and runs the handler under the per-call timeout.
//
// A read-only handler that overruns is abandoned. A mutating handler runs
// detached from ctx until it finishes; if the caller stops waiting first the
// result is an ambiguous ToolExecutionError.
func (tr *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	tr.mu.RLock()
	r, ok := tr.tools[name]
	timeout := tr.timeout
	tr.mu.RUnlock()
	if !ok {
		return "", &ToolArgumentError{Tool: name, Reason: fmt.Sprintf("unknown tool %q", name)}
	}

	args, err := normalizeArgs(args)
	if err != nil {
		return "", &ToolArgumentError{Tool: name, Reason: err.Error()}
	}
	if err := r.schema.Validate(args); err != nil {
		return "", &ToolArgumentError{Tool: name, Reason: describeValidation(err)}
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)

	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !r.def.ReadOnly {
		handlerCtx = context.WithoutCancel(ctx)
	}
	go func() {
		out, err := r.handler(handlerCtx, args)
		done <- result{out, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			var argErr *ToolArgumentError
			if errors.As(res.err, &argErr) {
				return "", res.err
			}
			var execErr *ToolExecutionError
			if errors.As(res.err, &execErr) {
				return "", res.err
			}
			return "", &ToolExecutionError{Tool: name, Err: res.err}
		}
		return res.out, nil
	case <-timer.C:
		return "", &ToolExecutionError{Tool: name, Err: context.DeadlineExceeded, TimedOut: true, Ambiguous: !r.def.ReadOnly}
	case <-ctx.Done():
		return "", &ToolExecutionError{Tool: name, Err: ctx.Err(), Ambiguous: !r.def.ReadOnly}
	}
}

// Call implements Invoker.
func (tr *ToolRegistry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	return tr.Invoke(ctx, name, args)
}

// normalizeArgs round-trips args through JSON so the validator and the
// handlers only ever see JSON-decoded values.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("arguments are not JSON: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseArgs decodes the raw arguments of a tool call. An empty string is an
// empty object; anything but a JSON object is an error.
func ParseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if v == nil {
		return map[string]any{}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}
	return obj, nil
}

func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+v.Message)
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
