package store

import (
	"context"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/media"
)

// Conversation is one chat with the agent.
type Conversation struct {
	ID        string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
}

// Message is one persisted turn of a conversation. ToolCalls holds the
// provider's tool calls as JSON.
type Message struct {
	ConversationID string
	Seq            int
	Role           string
	Content        string
	ToolCalls      string
	ToolCallID     string
	CreatedAt      time.Time
}

// Artifact is a tool output too large to keep inline in the history.
type Artifact struct {
	ID             string
	ConversationID string
	Path           string // relative to the artifact directory
	Type           string // e.g. "tool_output"
	CreatedAt      time.Time
	Digest         string
}

// Storage is everything mediamcp keeps between runs.
type Storage interface {
	media.Snapshotter

	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	AppendMessages(ctx context.Context, msgs []Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	SaveArtifact(ctx context.Context, a *Artifact, content []byte) error
	GetArtifact(ctx context.Context, id string) (*Artifact, []byte, error)
	ListArtifacts(ctx context.Context, conversationID string) ([]*Artifact, error)

	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
