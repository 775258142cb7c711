package interfaces

import (
	"context"

	"github.com/m-mizutani/memaudit/pkg/model"
)

// SearchOptions holds optional search parameters. Zero values mean the
// memory system's own defaults.
type SearchOptions struct {
	TopK   int
	Method model.SearchMethod
}

// SearchOption is a functional option for MemorySystem.Search
type SearchOption func(*SearchOptions)

// WithTopK limits the number of records used to answer a query
func WithTopK(k int) SearchOption {
	return func(o *SearchOptions) {
		o.TopK = k
	}
}

// WithSearchMethod selects the retrieval method
func WithSearchMethod(m model.SearchMethod) SearchOption {
	return func(o *SearchOptions) {
		o.Method = m
	}
}

// NewSearchOptions applies opts to an empty SearchOptions
func NewSearchOptions(opts ...SearchOption) *SearchOptions {
	o := &SearchOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MemorySystem is the memory subsystem under evaluation
type MemorySystem interface {
	// Search answers query from the user's memory. An empty string means no
	// answer was found.
	Search(ctx context.Context, userID, query string, opts ...SearchOption) (string, error)

	// BuildMemory builds (or augments) the user's memory from a dialogue.
	// Building is additive.
	BuildMemory(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error)

	// AddMemory stores one record verbatim and returns its ID
	AddMemory(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error)
}

// Snapshotter is implemented by memory systems that can list their records
type Snapshotter interface {
	ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error)
}
