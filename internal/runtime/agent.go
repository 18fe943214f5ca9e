package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/provider"
)

// DefaultMaxIterations is the number of tool rounds allowed per request.
const DefaultMaxIterations = 10

// SystemPrompt is the prompt every new conversation starts from.
const SystemPrompt = `You are MediaMCP, an assistant for a local photo and video library. You can browse and organise files and search the web.

Answer directly from your own knowledge when no tool is needed, and handle greetings conversationally.

Files:
- Call allowed_paths before any other file operation and stay inside those directories.
- Use list_directory or search_files to verify a path before acting on it.
- To find pictures or videos by what they show, use search_image_by_text; to find media that looks like a given file, use search_by_image or similar_media.
- Ask for confirmation before deleting or moving many files.
- Report full absolute paths.

Web:
- Use current_datetime when the answer depends on today's date.
- Use search_web to find pages and scrape_site_content to read one.

If a tool returns an argument_error, fix the arguments and call it again. If it returns an execution_error, explain the problem or try another approach.
Finish with a short summary of what you found or changed.`

// Invoker runs tool calls for the agent.
type Invoker interface {
	Schemas() []provider.ToolSchema
	ReadOnly(name string) bool
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// Observation is the outcome of one tool call.
type Observation struct {
	CallID  string
	Tool    string
	Content string
	Err     error
}

// Text is the observation as the model reads it.
func (o Observation) Text() string {
	return FormatObservation(o.Content, o.Err)
}

// Outcome is the result of one request.
type Outcome struct {
	ConversationID string
	Phase          Phase
	Answer         string
	Iterations     int
	History        History
	Calls          []provider.ToolCall
	Usage          provider.Usage
	// Err is set when Phase is ABORTED.
	Err error
}

type AgentOptions struct {
	MaxIterations int
}

// Agent drives the ReAct loop: THINKING asks the model, ACTING runs the
// requested tools, OBSERVING appends their results, until the model answers
// or the iteration budget runs out.
type Agent struct {
	provider provider.Provider
	tools    Invoker
	obs      *observe.Observer
	bus      *EventBus
	opts     AgentOptions
}

func NewAgent(p provider.Provider, tools Invoker, obs *observe.Observer, opts AgentOptions) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Agent{provider: p, tools: tools, obs: obs, opts: opts}
}

// SetEventBus attaches a bus that receives every transition.
func (a *Agent) SetEventBus(b *EventBus) { a.bus = b }

const correctionPrompt = "Your last reply contained neither an answer nor a usable tool call. Reply with a final answer, or call a tool with arguments given as a JSON object."

type conversationKey struct{}

// WithConversation tags ctx with the conversation a tool call belongs to.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationFrom returns the id set by WithConversation, or "".
func ConversationFrom(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// Run handles one utterance on top of history. The returned Outcome always
// carries the history reached so far; the error is non-nil exactly when the
// request was aborted.
func (a *Agent) Run(ctx context.Context, conversationID string, history History, utterance string) (*Outcome, error) {
	ctx, span := a.obs.StartSpan(ctx, "agent.Run")
	defer span.End()
	ctx = WithConversation(ctx, conversationID)

	log := a.obs.Log().With().Str("conversation", conversationID).Logger()

	if history.Len() == 0 {
		history = NewHistory(SystemPrompt)
	}
	out := &Outcome{ConversationID: conversationID}
	h := history.Append(provider.Message{Role: provider.RoleUser, Content: utterance})
	schemas := a.tools.Schemas()

	phase := PhaseThinking
	move := func(to Phase) {
		if phase == to {
			return
		}
		a.bus.PublishWithData(EventPhaseChange, conversationID, map[string]any{"from": phase, "to": to})
		phase = to
	}
	finish := func(to Phase, answer string, err error) (*Outcome, error) {
		move(to)
		out.Phase, out.Answer, out.Err, out.History = to, answer, err, h
		if to == PhaseDone {
			a.bus.PublishWithData(EventConversationDone, conversationID, map[string]any{"iterations": out.Iterations})
			log.Info().Int("iterations", out.Iterations).Msg("request completed")
			return out, nil
		}
		a.bus.PublishWithData(EventConversationError, conversationID, map[string]any{"error": err.Error()})
		log.Warn().Int("iterations", out.Iterations).Err(err).Msg("request aborted")
		return out, err
	}

	malformed := 0
	for {
		if err := ctx.Err(); err != nil {
			return finish(PhaseAborted, "The request was cancelled.", err)
		}

		a.bus.PublishWithData(EventProviderRequest, conversationID, map[string]any{"messages": h.Len()})
		resp, err := a.provider.Chat(ctx, h.Messages(), schemas)
		if err != nil {
			if ctx.Err() != nil {
				return finish(PhaseAborted, "The request was cancelled.", ctx.Err())
			}
			var pe *provider.ProviderError
			if !errors.As(err, &pe) {
				err = &provider.ProviderError{Provider: a.provider.Name(), Code: "unavailable", Message: err.Error(), Cause: err}
			}
			return finish(PhaseAborted, "The language model is unavailable right now, please try again later.", err)
		}
		out.Usage.PromptTokens += resp.Usage.PromptTokens
		out.Usage.CompletionTokens += resp.Usage.CompletionTokens
		out.Usage.TotalTokens += resp.Usage.TotalTokens
		a.bus.PublishWithData(EventProviderResponse, conversationID, map[string]any{
			"tool_calls": len(resp.ToolCalls),
			"tokens":     resp.Usage.TotalTokens,
		})

		calls, ok := wellFormed(resp)
		if !ok {
			malformed++
			a.bus.PublishWithData(EventMalformedResponse, conversationID, map[string]any{"consecutive": malformed})
			log.Warn().Int("consecutive", malformed).Msg("malformed model response")
			if malformed >= 2 {
				return finish(PhaseAborted, "I could not understand the language model's replies.", ErrMalformedResponse)
			}
			if out.Iterations >= a.opts.MaxIterations {
				be := &BudgetExceeded{Limit: a.opts.MaxIterations}
				a.bus.PublishSimple(EventBudgetExceeded, conversationID)
				return finish(PhaseAborted, be.Message(), be)
			}
			out.Iterations++
			h = h.Append(provider.Message{Role: provider.RoleUser, Content: correctionPrompt})
			continue
		}
		malformed = 0

		if len(calls) == 0 {
			h = h.Append(provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			return finish(PhaseDone, resp.Content, nil)
		}

		if out.Iterations >= a.opts.MaxIterations {
			be := &BudgetExceeded{Limit: a.opts.MaxIterations}
			a.bus.PublishSimple(EventBudgetExceeded, conversationID)
			return finish(PhaseAborted, be.Message(), be)
		}
		out.Iterations++
		a.bus.PublishWithData(EventIterationStart, conversationID, map[string]any{"iteration": out.Iterations})

		h = h.Append(provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		move(PhaseActing)
		var observations []provider.Message
		for _, call := range calls {
			out.Calls = append(out.Calls, call.ToolCall)
			o := a.act(ctx, conversationID, call)
			observations = append(observations, provider.Message{
				Role:       provider.RoleTool,
				Content:    o.Text(),
				ToolCallID: o.CallID,
				Name:       o.Tool,
			})
		}
		move(PhaseObserving)
		h = h.Append(observations...)

		if err := ctx.Err(); err != nil {
			return finish(PhaseAborted, "The request was cancelled.", err)
		}
		move(PhaseThinking)
	}
}

type parsedCall struct {
	provider.ToolCall
	args map[string]any
}

// wellFormed returns the parsed tool calls of resp. A response is malformed
// when it has neither content nor calls, or when any call lacks a name or
// has arguments that are not a JSON object.
func wellFormed(resp *provider.Response) ([]parsedCall, bool) {
	if len(resp.ToolCalls) == 0 {
		return nil, strings.TrimSpace(resp.Content) != ""
	}
	calls := make([]parsedCall, 0, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.Name == "" {
			return nil, false
		}
		args, err := ParseArgs(tc.Args)
		if err != nil {
			return nil, false
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
			resp.ToolCalls[i].ID = tc.ID
		}
		calls = append(calls, parsedCall{ToolCall: tc, args: args})
	}
	return calls, true
}

// act runs one call. Errors become observations; a read-only call that
// timed out is retried once.
func (a *Agent) act(ctx context.Context, conversationID string, call parsedCall) Observation {
	ctx, span := a.obs.StartSpan(ctx, "tool "+call.Name)
	defer span.End()

	a.bus.PublishWithData(EventToolCallStart, conversationID, map[string]any{"tool": call.Name, "id": call.ID})
	content, err := a.tools.Call(ctx, call.Name, call.args)

	var execErr *ToolExecutionError
	if errors.As(err, &execErr) && execErr.TimedOut && a.tools.ReadOnly(call.Name) && ctx.Err() == nil {
		a.bus.PublishWithData(EventToolCallRetry, conversationID, map[string]any{"tool": call.Name, "id": call.ID})
		a.obs.Log().Info().Str("tool", call.Name).Msg("retrying read-only tool after timeout")
		content, err = a.tools.Call(ctx, call.Name, call.args)
	}

	data := map[string]any{"tool": call.Name, "id": call.ID}
	if err != nil {
		data["error"] = err.Error()
		a.obs.Log().Warn().Str("tool", call.Name).Err(err).Msg("tool call failed")
	}
	a.bus.PublishWithData(EventToolCallEnd, conversationID, data)
	return Observation{CallID: call.ID, Tool: call.Name, Content: content, Err: err}
}
