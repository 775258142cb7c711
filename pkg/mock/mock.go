// Package mock provides func-field test doubles of the interfaces package.
// A nil func field makes the method fail with ErrNotImplemented.
package mock

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
)

var ErrNotImplemented = goerr.New("not implemented")

// LLMClient is a mock of interfaces.LLMClient
type LLMClient struct {
	CompleteFunc func(ctx context.Context, prompt string, opts *interfaces.CompleteOptions) (string, error)

	mu      sync.Mutex
	prompts []string
}

var _ interfaces.LLMClient = (*LLMClient)(nil)

func (m *LLMClient) Complete(ctx context.Context, prompt string, opts ...interfaces.CompleteOption) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt, interfaces.NewCompleteOptions(opts...))
	}
	return "", ErrNotImplemented
}

// Prompts returns the prompts received so far
func (m *LLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Embedder is a mock of interfaces.Embedder
type Embedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

var _ interfaces.Embedder = (*Embedder)(nil)

func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return nil, ErrNotImplemented
}

// Scorer is a mock of interfaces.Scorer
type Scorer struct {
	ScoreFunc func(ctx context.Context, candidate, reference string) (float64, error)
}

var _ interfaces.Scorer = (*Scorer)(nil)

func (m *Scorer) Score(ctx context.Context, candidate, reference string) (float64, error) {
	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, candidate, reference)
	}
	return 0, ErrNotImplemented
}

// SearchCall is one recorded MemorySystem.Search call
type SearchCall struct {
	UserID  string
	Query   string
	Options *interfaces.SearchOptions
}

// AddMemoryCall is one recorded MemorySystem.AddMemory call
type AddMemoryCall struct {
	UserID   string
	Content  string
	Metadata map[string]string
}

// MemorySystem is a mock of interfaces.MemorySystem and interfaces.Snapshotter
type MemorySystem struct {
	SearchFunc       func(ctx context.Context, userID, query string, opts *interfaces.SearchOptions) (string, error)
	BuildMemoryFunc  func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error)
	AddMemoryFunc    func(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error)
	ListMemoriesFunc func(ctx context.Context, userID string) ([]*model.MemoryRecord, error)

	mu       sync.Mutex
	searches []SearchCall
	builds   []model.Dialogue
	adds     []AddMemoryCall
}

var (
	_ interfaces.MemorySystem = (*MemorySystem)(nil)
	_ interfaces.Snapshotter  = (*MemorySystem)(nil)
)

func (m *MemorySystem) Search(ctx context.Context, userID, query string, opts ...interfaces.SearchOption) (string, error) {
	options := interfaces.NewSearchOptions(opts...)
	m.mu.Lock()
	m.searches = append(m.searches, SearchCall{UserID: userID, Query: query, Options: options})
	m.mu.Unlock()

	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, userID, query, options)
	}
	return "", ErrNotImplemented
}

func (m *MemorySystem) BuildMemory(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
	m.mu.Lock()
	m.builds = append(m.builds, dialogue.Clone())
	m.mu.Unlock()

	if m.BuildMemoryFunc != nil {
		return m.BuildMemoryFunc(ctx, userID, dialogue)
	}
	return nil, ErrNotImplemented
}

func (m *MemorySystem) AddMemory(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error) {
	m.mu.Lock()
	m.adds = append(m.adds, AddMemoryCall{UserID: userID, Content: content, Metadata: metadata})
	m.mu.Unlock()

	if m.AddMemoryFunc != nil {
		return m.AddMemoryFunc(ctx, userID, content, metadata)
	}
	return "", ErrNotImplemented
}

func (m *MemorySystem) ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error) {
	if m.ListMemoriesFunc != nil {
		return m.ListMemoriesFunc(ctx, userID)
	}
	return nil, ErrNotImplemented
}

// Searches returns the recorded Search calls
func (m *MemorySystem) Searches() []SearchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SearchCall(nil), m.searches...)
}

// Builds returns the dialogues passed to BuildMemory
func (m *MemorySystem) Builds() []model.Dialogue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Dialogue(nil), m.builds...)
}

// Adds returns the recorded AddMemory calls
func (m *MemorySystem) Adds() []AddMemoryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AddMemoryCall(nil), m.adds...)
}
