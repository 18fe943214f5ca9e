package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/provider"
	"github.com/felixgeelhaar/mediamcp/internal/store"
)

// Phase is the position of a conversation in the ReAct loop.
type Phase string

const (
	PhaseThinking  Phase = "THINKING"
	PhaseActing    Phase = "ACTING"
	PhaseObserving Phase = "OBSERVING"
	PhaseDone      Phase = "DONE"
	PhaseAborted   Phase = "ABORTED"
)

var transitions = map[Phase][]Phase{
	PhaseThinking:  {PhaseThinking, PhaseActing, PhaseDone, PhaseAborted},
	PhaseActing:    {PhaseObserving, PhaseAborted},
	PhaseObserving: {PhaseThinking, PhaseAborted},
	PhaseDone:      {PhaseThinking},
	PhaseAborted:   {PhaseThinking},
}

// CanTransition reports whether the loop may move from one phase to another.
// A finished conversation may start thinking again on the next utterance.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether p ends a request.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseAborted }

// ConversationState is the live view of one conversation.
type ConversationState struct {
	ConversationID    string
	Phase             Phase
	CurrentIteration  int
	TotalPromptTokens int
	TotalOutputTokens int
	History           History
	StartedAt         time.Time
	LastUpdatedAt     time.Time

	persisted int
}

// StateManager tracks every running conversation and writes finished turns
// to the store. It is safe for concurrent use; conversations never share
// state.
type StateManager struct {
	mu            sync.RWMutex
	store         store.Storage
	conversations map[string]*ConversationState
}

// NewStateManager creates a new state manager. s may be nil.
func NewStateManager(s store.Storage) *StateManager {
	return &StateManager{
		store:         s,
		conversations: make(map[string]*ConversationState),
	}
}

// Init registers a conversation. persisted is the number of messages of h
// already in the store.
func (sm *StateManager) Init(conversationID string, h History, persisted int) *ConversationState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	state := &ConversationState{
		ConversationID: conversationID,
		Phase:          PhaseThinking,
		History:        h,
		StartedAt:      now,
		LastUpdatedAt:  now,
		persisted:      persisted,
	}
	sm.conversations[conversationID] = state
	return state
}

// Get returns a copy of the state of a conversation.
func (sm *StateManager) Get(conversationID string) (ConversationState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	state, ok := sm.conversations[conversationID]
	if !ok {
		return ConversationState{}, false
	}
	return *state, true
}

// SetPhase moves a conversation to phase. Illegal transitions are refused.
func (sm *StateManager) SetPhase(conversationID string, phase Phase) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, ok := sm.conversations[conversationID]
	if !ok {
		return fmt.Errorf("unknown conversation %s", conversationID)
	}
	if !CanTransition(state.Phase, phase) {
		return fmt.Errorf("conversation %s: illegal transition %s -> %s", conversationID, state.Phase, phase)
	}
	state.Phase = phase
	state.LastUpdatedAt = time.Now()
	return nil
}

func (sm *StateManager) SetIteration(conversationID string, n int) {
	sm.update(conversationID, func(s *ConversationState) { s.CurrentIteration = n })
}

func (sm *StateManager) AddTokenUsage(conversationID string, u provider.Usage) {
	sm.update(conversationID, func(s *ConversationState) {
		s.TotalPromptTokens += u.PromptTokens
		s.TotalOutputTokens += u.CompletionTokens
	})
}

// SetHistory replaces the conversation history with a newer version. Older
// versions are ignored.
func (sm *StateManager) SetHistory(conversationID string, h History) {
	sm.update(conversationID, func(s *ConversationState) {
		if h.Version() >= s.History.Version() {
			s.History = h
		}
	})
}

func (sm *StateManager) update(conversationID string, fn func(*ConversationState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if state, ok := sm.conversations[conversationID]; ok {
		fn(state)
		state.LastUpdatedAt = time.Now()
	}
}

// Persist writes the phase and the messages not yet stored.
func (sm *StateManager) Persist(ctx context.Context, conversationID string) error {
	if sm.store == nil {
		return nil
	}
	sm.mu.RLock()
	state, ok := sm.conversations[conversationID]
	var phase Phase
	var pending []provider.Message
	var from int
	if ok {
		phase = state.Phase
		from = state.persisted
		pending = state.History.Since(from)
	}
	sm.mu.RUnlock()
	if !ok {
		return nil
	}

	msgs := make([]store.Message, 0, len(pending))
	for _, m := range pending {
		var calls string
		if len(m.ToolCalls) > 0 {
			raw, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return err
			}
			calls = string(raw)
		}
		msgs = append(msgs, store.Message{
			ConversationID: conversationID,
			Role:           m.Role,
			Content:        m.Content,
			ToolCalls:      calls,
			ToolCallID:     m.ToolCallID,
		})
	}
	if err := sm.store.AppendMessages(ctx, msgs); err != nil {
		return fmt.Errorf("persist messages: %w", err)
	}

	conv, err := sm.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	conv.Status = string(phase)
	if err := sm.store.UpdateConversation(ctx, conv); err != nil {
		return err
	}

	sm.update(conversationID, func(s *ConversationState) {
		if s.persisted == from {
			s.persisted = from + len(pending)
		}
	})
	return nil
}

// Cleanup forgets a conversation.
func (sm *StateManager) Cleanup(conversationID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.conversations, conversationID)
}

// Active lists the IDs of tracked conversations.
func (sm *StateManager) Active() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.conversations))
	for id := range sm.conversations {
		ids = append(ids, id)
	}
	return ids
}

// MessagesFromStore converts persisted rows back into provider messages.
func MessagesFromStore(rows []store.Message) ([]provider.Message, error) {
	out := make([]provider.Message, 0, len(rows))
	for _, r := range rows {
		m := provider.Message{Role: r.Role, Content: r.Content, ToolCallID: r.ToolCallID}
		if r.ToolCalls != "" {
			if err := json.Unmarshal([]byte(r.ToolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("message %d: %w", r.Seq, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}
