package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var searchDef = ToolDefinition{
	Name:        "search_image_by_text",
	Description: "Find images matching a description",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"top_k": map[string]any{"type": "integer", "minimum": 1},
		},
		"required": []string{"query"},
	},
	ReadOnly: true,
}

func TestToolRegistry_Register(t *testing.T) {
	tr := NewToolRegistry()
	handler := func(ctx context.Context, args map[string]any) (string, error) { return "ok", nil }

	if err := tr.Register(searchDef, handler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := tr.Register(searchDef, handler); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	bad := ToolDefinition{Name: "bad", Parameters: map[string]any{"type": 12}}
	if err := tr.Register(bad, handler); err == nil {
		t.Error("expected invalid schema to be rejected")
	}
	if tr.Count() != 1 || !tr.HasTool("search_image_by_text") || !tr.ReadOnly("search_image_by_text") {
		t.Error("registry state wrong after registration")
	}

	tr.Unregister("search_image_by_text")
	if tr.HasTool("search_image_by_text") {
		t.Error("tool should be gone")
	}
}

func TestToolRegistry_SchemasSortedByName(t *testing.T) {
	tr := NewToolRegistry()
	noop := func(ctx context.Context, args map[string]any) (string, error) { return "", nil }
	for _, name := range []string{"write_file", "allowed_paths", "list_directory"} {
		tr.MustRegister(ToolDefinition{Name: name}, noop)
	}

	schemas := tr.Schemas()
	got := []string{schemas[0].Name, schemas[1].Name, schemas[2].Name}
	if strings.Join(got, ",") != "allowed_paths,list_directory,write_file" {
		t.Errorf("unexpected order %v", got)
	}
	if schemas[0].Parameters["type"] != "object" {
		t.Error("tools without parameters should get an empty object schema")
	}
}

func TestToolRegistry_Invoke(t *testing.T) {
	tr := NewToolRegistry()
	var calls atomic.Int32
	tr.MustRegister(searchDef, func(ctx context.Context, args map[string]any) (string, error) {
		calls.Add(1)
		return "found " + args["query"].(string), nil
	})

	t.Run("valid arguments reach the handler", func(t *testing.T) {
		out, err := tr.Invoke(context.Background(), "search_image_by_text", map[string]any{"query": "beach", "top_k": 3})
		if err != nil || out != "found beach" {
			t.Errorf("got %q, %v", out, err)
		}
	})

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing required argument", "search_image_by_text", map[string]any{}},
		{"wrong type", "search_image_by_text", map[string]any{"query": 7}},
		{"below minimum", "search_image_by_text", map[string]any{"query": "x", "top_k": 0}},
		{"unknown tool", "run_shell", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := calls.Load()
			_, err := tr.Invoke(context.Background(), tt.tool, tt.args)
			var argErr *ToolArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("expected ToolArgumentError, got %v", err)
			}
			if calls.Load() != before {
				t.Error("handler must not be invoked")
			}
		})
	}
}

func TestToolRegistry_HandlerErrors(t *testing.T) {
	tr := NewToolRegistry()
	tr.MustRegister(ToolDefinition{Name: "delete_file"}, func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("permission denied")
	})

	_, err := tr.Invoke(context.Background(), "delete_file", nil)
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ToolExecutionError, got %v", err)
	}
	if execErr.TimedOut || execErr.Ambiguous {
		t.Errorf("plain failure flagged as %+v", execErr)
	}
	if got := FormatObservation("", err); !strings.HasPrefix(got, ExecutionErrorPrefix) {
		t.Errorf("unexpected observation %q", got)
	}
}

func TestToolRegistry_Timeouts(t *testing.T) {
	t.Run("read-only calls are abandoned", func(t *testing.T) {
		tr := NewToolRegistry()
		tr.SetTimeout(20 * time.Millisecond)
		cancelled := make(chan struct{})
		tr.MustRegister(ToolDefinition{Name: "slow_search", ReadOnly: true}, func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			close(cancelled)
			return "", ctx.Err()
		})

		_, err := tr.Invoke(context.Background(), "slow_search", nil)
		var execErr *ToolExecutionError
		if !errors.As(err, &execErr) || !execErr.TimedOut || execErr.Ambiguous {
			t.Fatalf("expected plain timeout, got %v", err)
		}
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Error("handler context was not cancelled")
		}
	})

	t.Run("mutating calls run to completion", func(t *testing.T) {
		tr := NewToolRegistry()
		tr.SetTimeout(20 * time.Millisecond)
		finished := make(chan error, 1)
		tr.MustRegister(ToolDefinition{Name: "move_file"}, func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(60 * time.Millisecond)
			finished <- ctx.Err()
			return "moved", nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := tr.Invoke(ctx, "move_file", nil)
		var execErr *ToolExecutionError
		if !errors.As(err, &execErr) || !execErr.Ambiguous {
			t.Fatalf("expected ambiguous ToolExecutionError, got %v", err)
		}
		select {
		case herr := <-finished:
			if herr != nil {
				t.Errorf("mutating handler saw cancellation: %v", herr)
			}
		case <-time.After(time.Second):
			t.Error("mutating handler did not finish")
		}
	})
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		raw string
		ok  bool
	}{
		{"", true},
		{`{"path":"/a"}`, true},
		{`[1,2]`, false},
		{`"text"`, false},
		{`{not json`, false},
	}
	for _, tt := range tests {
		_, err := ParseArgs(tt.raw)
		if (err == nil) != tt.ok {
			t.Errorf("ParseArgs(%q) error = %v", tt.raw, err)
		}
	}
}

func TestEncodeDecodeError(t *testing.T) {
	arg := EncodeError(&ToolArgumentError{Tool: "t", Reason: "/: missing properties: 'query'"})
	var argErr *ToolArgumentError
	if err := DecodeError("t", arg); !errors.As(err, &argErr) || argErr.Reason != "/: missing properties: 'query'" {
		t.Errorf("argument error not restored: %v", err)
	}

	exec := EncodeError(errors.New("disk full"))
	var execErr *ToolExecutionError
	if err := DecodeError("t", exec); !errors.As(err, &execErr) || execErr.Err.Error() != "disk full" {
		t.Errorf("execution error not restored: %v", err)
	}

	if DecodeError("t", "plain result") != nil {
		t.Error("plain text must not decode as an error")
	}
}
