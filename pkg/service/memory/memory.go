// Package memory is a reference memory system. It summarizes dialogues into
// embedded memory records and answers questions from the records most
// relevant to them.
package memory

import (
	"bytes"
	"context"
	_ "embed"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/repository"
	"github.com/m-mizutani/memaudit/pkg/utils/llmjson"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

//go:embed prompt/build.md
var buildPromptRaw string

//go:embed prompt/answer.md
var answerPromptRaw string

var (
	buildPromptTmpl  = template.Must(template.New("build").Parse(buildPromptRaw))
	answerPromptTmpl = template.Must(template.New("answer").Parse(answerPromptRaw))
)

const (
	// DefaultTopK is the number of records used to answer a query
	DefaultTopK = 20

	unanswerable = "unanswerable"
)

var buildSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"summary": {Type: "string", Description: "Brief summary of the dialogue"},
		"memories": {
			Type: "array",
			Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"content":   {Type: "string"},
					"timestamp": {Type: "string"},
				},
				Required: []string{"content"},
			},
		},
	},
	Required: []string{"summary", "memories"},
}

var answerSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"answer": {Type: "string"},
	},
	Required: []string{"answer"},
}

// System implements interfaces.MemorySystem and interfaces.Snapshotter on a
// Repository
type System struct {
	repo     repository.Repository
	llm      interfaces.LLMClient
	embedder interfaces.Embedder
	topK     int
	method   model.SearchMethod
	now      func() time.Time
}

var (
	_ interfaces.MemorySystem = (*System)(nil)
	_ interfaces.Snapshotter  = (*System)(nil)
)

type Option func(*System)

// WithTopK sets the default number of records used to answer a query
func WithTopK(k int) Option {
	return func(s *System) {
		s.topK = k
	}
}

// WithSearchMethod sets the default retrieval method
func WithSearchMethod(m model.SearchMethod) Option {
	return func(s *System) {
		s.method = m
	}
}

// WithClock replaces the clock used for record timestamps
func WithClock(now func() time.Time) Option {
	return func(s *System) {
		s.now = now
	}
}

// New creates a memory system
func New(repo repository.Repository, llm interfaces.LLMClient, embedder interfaces.Embedder, opts ...Option) *System {
	s := &System{
		repo:     repo,
		llm:      llm,
		embedder: embedder,
		topK:     DefaultTopK,
		method:   model.SearchVector,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type buildResponse struct {
	Summary  string `json:"summary"`
	Memories []struct {
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	} `json:"memories"`
}

// BuildMemory summarizes the dialogue into memory records and stores them.
// Existing records are kept.
func (s *System) BuildMemory(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
	if len(dialogue) == 0 {
		return nil, goerr.New("dialogue is empty", goerr.V("user_id", userID))
	}

	now := s.now().UTC()
	var buf bytes.Buffer
	if err := buildPromptTmpl.Execute(&buf, map[string]any{
		"Dialogue": dialogue.String(),
		"Now":      now.Format("2006-01-02T15:04:05"),
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute build prompt template")
	}

	text, err := s.llm.Complete(ctx, buf.String(),
		interfaces.WithSchema(buildSchema),
		interfaces.WithTemperature(0),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to summarize dialogue", goerr.V("user_id", userID))
	}

	var resp buildResponse
	if err := llmjson.Decode(text, buildSchema, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to parse summarization", goerr.V("user_id", userID))
	}

	logger := logging.From(ctx)
	stored := 0
	for _, m := range resp.Memories {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}

		createdAt := now
		if ts, err := time.Parse("2006-01-02T15:04:05", m.Timestamp); err == nil {
			createdAt = ts
		}

		metadata := map[string]string{
			model.MetaSource:  model.SourceDialogueSummarization,
			model.MetaSummary: resp.Summary,
		}
		if _, err := s.put(ctx, userID, content, metadata, createdAt); err != nil {
			return nil, err
		}
		stored++
	}

	result := &model.BuildResult{
		Status:        model.BuildStatusBuilt,
		Summary:       resp.Summary,
		MemoriesCount: stored,
	}

	all, err := s.repo.ListMemories(ctx, userID)
	if err != nil {
		logger.Warn("failed to count memories", "error", err, "user_id", userID)
	} else {
		result.TotalMemories = len(all)
	}

	logger.Info("memory built",
		"user_id", userID,
		"memories_count", result.MemoriesCount,
		"total_memories", result.TotalMemories,
	)
	return result, nil
}

// AddMemory embeds and stores content as one record
func (s *System) AddMemory(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error) {
	if strings.TrimSpace(content) == "" {
		return "", goerr.New("memory content is empty", goerr.V("user_id", userID))
	}
	return s.put(ctx, userID, content, metadata, s.now().UTC())
}

func (s *System) put(ctx context.Context, userID, content string, metadata map[string]string, createdAt time.Time) (model.MemoryID, error) {
	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", goerr.Wrap(err, "failed to embed memory", goerr.V("user_id", userID))
	}

	record := &model.MemoryRecord{
		ID:        model.NewMemoryID(),
		UserID:    userID,
		Content:   content,
		Metadata:  metadata,
		Embedding: embedding,
		CreatedAt: createdAt,
	}
	if err := s.repo.PutMemory(ctx, record); err != nil {
		return "", goerr.Wrap(err, "failed to store memory", goerr.V("user_id", userID))
	}

	logging.From(ctx).Debug("memory stored", "user_id", userID, "memory_id", record.ID, "content", content)
	return record.ID, nil
}

// ListMemories returns all records of the user, oldest first
func (s *System) ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error) {
	records, err := s.repo.ListMemories(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("user_id", userID))
	}
	return records, nil
}

// Search answers query from the records most relevant to it. It returns an
// empty string when no record exists or the records do not answer the query.
func (s *System) Search(ctx context.Context, userID, query string, opts ...interfaces.SearchOption) (string, error) {
	options := interfaces.NewSearchOptions(opts...)
	topK := s.topK
	if options.TopK > 0 {
		topK = options.TopK
	}
	method := s.method
	if options.Method != "" {
		method = options.Method
	}
	if err := method.Validate(); err != nil {
		return "", goerr.Wrap(err, "invalid search option", goerr.V("method", method))
	}

	records, err := s.retrieve(ctx, userID, query, topK, method)
	if err != nil {
		return "", err
	}

	logger := logging.From(ctx)
	logger.Debug("memories retrieved", "user_id", userID, "query", query, "method", method, "count", len(records))
	if len(records) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := answerPromptTmpl.Execute(&buf, map[string]any{
		"Memories": records,
		"Question": query,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute answer prompt template")
	}

	text, err := s.llm.Complete(ctx, buf.String(),
		interfaces.WithSchema(answerSchema),
		interfaces.WithTemperature(0),
	)
	if err != nil {
		return "", goerr.Wrap(err, "failed to synthesize answer", goerr.V("user_id", userID), goerr.V("query", query))
	}

	var resp struct {
		Answer string `json:"answer"`
	}
	if err := llmjson.Decode(text, answerSchema, &resp); err != nil {
		return "", goerr.Wrap(err, "failed to parse answer", goerr.V("query", query))
	}

	answer := strings.TrimSpace(resp.Answer)
	if strings.EqualFold(strings.Trim(answer, ".\"'` "), unanswerable) {
		return "", nil
	}
	return answer, nil
}

func (s *System) retrieve(ctx context.Context, userID, query string, topK int, method model.SearchMethod) ([]*model.MemoryRecord, error) {
	switch method {
	case model.SearchKeyword:
		return s.keywordSearch(ctx, userID, query, topK)

	case model.SearchHybrid:
		vector, err := s.vectorSearch(ctx, userID, query, topK)
		if err != nil {
			return nil, err
		}
		keyword, err := s.keywordSearch(ctx, userID, query, topK)
		if err != nil {
			return nil, err
		}
		return mergeRecords(topK, vector, keyword), nil

	default:
		return s.vectorSearch(ctx, userID, query, topK)
	}
}

func (s *System) vectorSearch(ctx context.Context, userID, query string, topK int) ([]*model.MemoryRecord, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query", goerr.V("query", query))
	}

	records, err := s.repo.SearchMemories(ctx, userID, embedding, topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memories", goerr.V("user_id", userID))
	}
	return records, nil
}

// keywordSearch ranks records by the number of query keywords they contain.
// Records without any keyword are dropped.
func (s *System) keywordSearch(ctx context.Context, userID, query string, topK int) ([]*model.MemoryRecord, error) {
	keywords := textutil.Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	records, err := s.repo.ListMemories(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("user_id", userID))
	}

	type hit struct {
		record *model.MemoryRecord
		count  int
	}
	var hits []hit
	for _, r := range records {
		tokens := textutil.TokenSet(r.Content)
		count := 0
		for _, kw := range keywords {
			if _, ok := tokens[kw]; ok {
				count++
			}
		}
		if count > 0 {
			hits = append(hits, hit{record: r, count: count})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].count > hits[j].count
	})

	result := make([]*model.MemoryRecord, 0, min(len(hits), topK))
	for _, h := range hits {
		if len(result) == topK {
			break
		}
		result = append(result, h.record)
	}
	return result, nil
}

func mergeRecords(limit int, lists ...[]*model.MemoryRecord) []*model.MemoryRecord {
	seen := make(map[model.MemoryID]struct{})
	var merged []*model.MemoryRecord
	for _, list := range lists {
		for _, r := range list {
			if len(merged) == limit {
				return merged
			}
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			merged = append(merged, r)
		}
	}
	return merged
}
