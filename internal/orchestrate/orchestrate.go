// Package orchestrate runs agent conversations concurrently, one goroutine
// per in-flight request, and keeps their state and history in the store.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/observe"
	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/runtime"
	"github.com/felixgeelhaar/mediamcp/internal/store"
	"github.com/google/uuid"
)

var (
	ErrBusy                = errors.New("conversation already has a request in flight")
	ErrUnknownConversation = errors.New("unknown conversation")
)

const titleLength = 60

type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *runtime.Outcome
	err     error
}

// Manager owns every conversation of one mediamcp process. Each request
// gets its own context, budget and history; nothing is shared between
// conversations except the agent's provider and tools.
type Manager struct {
	agent  *runtime.Agent
	store  store.Storage
	states *runtime.StateManager
	bus    *runtime.EventBus
	obs    *observe.Observer

	mu   sync.Mutex
	runs map[string]*run
}

// New wires agent to a fresh event bus and state manager. s may be nil for
// conversations that are not persisted.
func New(agent *runtime.Agent, s store.Storage, obs *observe.Observer) *Manager {
	m := &Manager{
		agent:  agent,
		store:  s,
		states: runtime.NewStateManager(s),
		bus:    runtime.NewEventBus(),
		obs:    obs,
		runs:   make(map[string]*run),
	}
	agent.SetEventBus(m.bus)
	m.bus.Subscribe(runtime.EventPhaseChange, m.onPhase)
	m.bus.Subscribe(runtime.EventIterationStart, m.onIteration)
	return m
}

// Bus returns the event bus the agent publishes on, for UIs.
func (m *Manager) Bus() *runtime.EventBus { return m.bus }

func (m *Manager) onPhase(e runtime.Event) {
	to, _ := e.Data["to"].(runtime.Phase)
	if err := m.states.SetPhase(e.ConversationID, to); err != nil {
		m.obs.Log().Debug().Str("conversation", e.ConversationID).Err(err).Msg("phase not recorded")
	}
}

func (m *Manager) onIteration(e runtime.Event) {
	if n, ok := e.Data["iteration"].(int); ok {
		m.states.SetIteration(e.ConversationID, n)
	}
}

// Start submits utterance to a conversation and returns immediately. An
// empty conversationID starts a new conversation; its ID is returned.
func (m *Manager) Start(ctx context.Context, conversationID, utterance string) (string, error) {
	history, persisted, id, err := m.open(ctx, conversationID, utterance)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if r, ok := m.runs[id]; ok {
		select {
		case <-r.done:
		default:
			m.mu.Unlock()
			return "", fmt.Errorf("%s: %w", id, ErrBusy)
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.runs[id] = r
	m.mu.Unlock()

	m.states.Init(id, history, persisted)
	go m.execute(runCtx, id, history, utterance, r)
	return id, nil
}

func (m *Manager) execute(ctx context.Context, id string, history runtime.History, utterance string, r *run) {
	defer close(r.done)
	defer r.cancel()

	start := time.Now()
	out, err := m.agent.Run(ctx, id, history, utterance)
	r.outcome, r.err = out, err

	m.states.SetHistory(id, out.History)
	m.states.AddTokenUsage(id, out.Usage)
	if perr := m.states.Persist(context.WithoutCancel(ctx), id); perr != nil {
		m.obs.Log().Error().Str("conversation", id).Err(perr).Msg("failed to persist conversation")
	}
	m.obs.Log().Debug().
		Str("conversation", id).
		Str("phase", string(out.Phase)).
		Str("elapsed", time.Since(start).Round(time.Millisecond).String()).
		Msg("request finished")
}

// open loads or creates the conversation.
func (m *Manager) open(ctx context.Context, conversationID, utterance string) (runtime.History, int, string, error) {
	if conversationID == "" {
		id := uuid.NewString()
		if m.store != nil {
			now := time.Now()
			err := m.store.CreateConversation(ctx, &store.Conversation{
				ID:        id,
				Title:     title(utterance),
				Status:    string(runtime.PhaseThinking),
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				return runtime.History{}, 0, "", fmt.Errorf("create conversation: %w", err)
			}
		}
		return runtime.History{}, 0, id, nil
	}

	if m.store == nil {
		if state, ok := m.states.Get(conversationID); ok {
			return state.History, state.History.Len(), conversationID, nil
		}
		return runtime.History{}, 0, "", fmt.Errorf("%s: %w", conversationID, ErrUnknownConversation)
	}
	if _, err := m.store.GetConversation(ctx, conversationID); err != nil {
		return runtime.History{}, 0, "", fmt.Errorf("%s: %w", conversationID, ErrUnknownConversation)
	}
	rows, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return runtime.History{}, 0, "", err
	}
	msgs, err := runtime.MessagesFromStore(rows)
	if err != nil {
		return runtime.History{}, 0, "", err
	}
	return runtime.HistoryFrom(msgs), len(msgs), conversationID, nil
}

func title(utterance string) string {
	r := []rune(utterance)
	if len(r) > titleLength {
		return string(r[:titleLength-1]) + "…"
	}
	return utterance
}

// Wait blocks until the request in flight for id finishes.
func (m *Manager) Wait(ctx context.Context, id string) (*runtime.Outcome, error) {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownConversation)
	}
	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ask runs one request to completion.
func (m *Manager) Ask(ctx context.Context, conversationID, utterance string) (*runtime.Outcome, error) {
	id, err := m.Start(ctx, conversationID, utterance)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { m.Cancel(id) })
	defer stop()
	return m.Wait(context.WithoutCancel(ctx), id)
}

// Cancel stops the request in flight for id. The conversation ends ABORTED.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		r.cancel()
		return true
	}
}

// State returns the live state of a conversation.
func (m *Manager) State(id string) (runtime.ConversationState, bool) {
	return m.states.Get(id)
}

// Active lists conversations with a request in flight, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.runs {
		select {
		case <-r.done:
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// History returns the messages of a conversation.
func (m *Manager) History(ctx context.Context, id string) ([]provider.Message, error) {
	if state, ok := m.states.Get(id); ok {
		return state.History.Messages(), nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownConversation)
	}
	rows, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return runtime.MessagesFromStore(rows)
}

// Close cancels every request in flight and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.cancel()
		<-r.done
	}
}
