package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// Prefixes of error observations. Remote tool servers use the same text so
// the client can restore the error kind.
const (
	ArgumentErrorPrefix  = "argument_error: "
	ExecutionErrorPrefix = "execution_error: "
)

// ErrMalformedResponse is returned when the model twice in a row produced
// neither a final answer nor usable tool calls.
var ErrMalformedResponse = errors.New("malformed model response")

// ToolArgumentError means the call never reached the handler: the tool is
// unknown or the arguments do not satisfy its schema.
type ToolArgumentError struct {
	Tool   string
	Reason string
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// Hint is the correction fed back to the model.
func (e *ToolArgumentError) Hint() string {
	return fmt.Sprintf("Check the schema of %s and call it again with corrected arguments.", e.Tool)
}

// ToolExecutionError is a handler failure, including timeouts.
type ToolExecutionError struct {
	Tool string
	Err  error
	// TimedOut is set when the per-call timeout fired.
	TimedOut bool
	// Ambiguous is set when a mutating call was abandoned mid-flight; it may
	// or may not have taken effect.
	Ambiguous bool
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.Ambiguous:
		return fmt.Sprintf("%s did not report back before it was abandoned (%v); it may still complete, check the current state before retrying", e.Tool, e.Err)
	case e.TimedOut:
		return fmt.Sprintf("%s timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// BudgetExceeded ends a conversation that used all its iterations.
type BudgetExceeded struct {
	Limit int
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("iteration budget of %d exhausted", e.Limit)
}

// Message is the answer shown to the user.
func (e *BudgetExceeded) Message() string {
	return fmt.Sprintf("I could not complete this request within %d steps.", e.Limit)
}

// FormatObservation renders a tool outcome as the text the model sees.
func FormatObservation(content string, err error) string {
	if err == nil {
		return content
	}
	var argErr *ToolArgumentError
	if errors.As(err, &argErr) {
		return ArgumentErrorPrefix + argErr.Error() + ". " + argErr.Hint()
	}
	return ExecutionErrorPrefix + err.Error()
}

// EncodeError renders err for a remote client; DecodeError reverses it.
func EncodeError(err error) string {
	var argErr *ToolArgumentError
	if errors.As(err, &argErr) {
		return ArgumentErrorPrefix + argErr.Reason
	}
	return ExecutionErrorPrefix + err.Error()
}

// DecodeError returns nil when text carries no error prefix.
func DecodeError(tool, text string) error {
	switch {
	case strings.HasPrefix(text, ArgumentErrorPrefix):
		return &ToolArgumentError{Tool: tool, Reason: strings.TrimPrefix(text, ArgumentErrorPrefix)}
	case strings.HasPrefix(text, ExecutionErrorPrefix):
		return &ToolExecutionError{Tool: tool, Err: errors.New(strings.TrimPrefix(text, ExecutionErrorPrefix))}
	}
	return nil
}
