// Package media holds the semantic index of the photo and video library.
package media

import (
	"errors"
	"time"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
)

// State is the index state of one media file.
type State string

const (
	// StateIndexed items have a vector computed from their current bytes.
	StateIndexed State = "INDEXED"
	// StateStale items could not be embedded from their current bytes. They
	// are never returned by queries.
	StateStale State = "STALE"
	// StateDeleted items vanished from disk; kept as tombstones until re-added.
	StateDeleted State = "DELETED"
)

var (
	ErrIndexCorruption   = errors.New("index snapshot is corrupt")
	ErrNotIndexed        = errors.New("path is not indexed")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Item is one media file known to the index. Path is the identity.
type Item struct {
	Path      string
	Hash      string
	Vector    []float32
	ModTime   time.Time
	Size      int64
	Kind      embed.Modality
	State     State
	IndexedAt time.Time
}

// Match is a query hit.
type Match struct {
	Path  string         `json:"path"`
	Score float64        `json:"score"`
	Kind  embed.Modality `json:"kind"`
}

// Stats summarises the index content.
type Stats struct {
	Indexed   int `json:"indexed"`
	Stale     int `json:"stale"`
	Deleted   int `json:"deleted"`
	Images    int `json:"images"`
	Videos    int `json:"videos"`
	Dimension int `json:"dimension"`
}

func (it Item) clone() Item {
	if it.Vector != nil {
		v := make([]float32, len(it.Vector))
		copy(v, it.Vector)
		it.Vector = v
	}
	return it
}
