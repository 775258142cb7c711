package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/philippgille/chromem-go"
)

const (
	chromemCollectionPrefix = "memories-"
	chromemIndexID          = "_index"
	chromemMetaCreatedAt    = "_created_at"
)

// Chromem implements Repository with an embedded chromem-go database. Each
// user has one collection. A per-collection index document keeps the list of
// record IDs because chromem has no listing API.
type Chromem struct {
	db *chromem.DB
	mu sync.Mutex
}

var _ Repository = (*Chromem)(nil)

type ChromemOption func(*chromemConfig)

type chromemConfig struct {
	path     string
	compress bool
}

// WithChromemPath persists the database under path
func WithChromemPath(path string) ChromemOption {
	return func(c *chromemConfig) {
		c.path = path
	}
}

// WithChromemCompress enables gzip compression of persisted files
func WithChromemCompress(compress bool) ChromemOption {
	return func(c *chromemConfig) {
		c.compress = compress
	}
}

// NewChromem creates a chromem repository. Without WithChromemPath the
// database lives in memory only.
func NewChromem(opts ...ChromemOption) (*Chromem, error) {
	var cfg chromemConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}

	db, err := chromem.NewPersistentDB(cfg.path, cfg.compress)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("path", cfg.path))
	}
	return &Chromem{db: db}, nil
}

var errNoEmbeddingFunc = goerr.New("chromem repository requires precomputed embeddings")

// Embeddings are always computed by the caller.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

func collectionName(userID string) string {
	return chromemCollectionPrefix + userID
}

func (r *Chromem) collection(userID string) *chromem.Collection {
	return r.db.GetCollection(collectionName(userID), noEmbedding)
}

type chromemIndex struct {
	IDs []model.MemoryID `json:"ids"`
}

func readIndex(ctx context.Context, col *chromem.Collection) (*chromemIndex, error) {
	doc, err := col.GetByID(ctx, chromemIndexID)
	if err != nil {
		// no record has been stored yet
		return &chromemIndex{}, nil
	}

	var idx chromemIndex
	if err := json.Unmarshal([]byte(doc.Content), &idx); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chromem index", goerr.V("collection", col.Name))
	}
	return &idx, nil
}

func (r *Chromem) PutMemory(ctx context.Context, record *model.MemoryRecord) error {
	if len(record.Embedding) == 0 {
		return goerr.New("memory record has no embedding", goerr.V("memory_id", record.ID))
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	col, err := r.db.GetOrCreateCollection(collectionName(record.UserID), nil, noEmbedding)
	if err != nil {
		return goerr.Wrap(err, "failed to get chromem collection", goerr.V("user_id", record.UserID))
	}

	metadata := make(map[string]string, len(record.Metadata)+1)
	for k, v := range record.Metadata {
		metadata[k] = v
	}
	metadata[chromemMetaCreatedAt] = record.CreatedAt.Format(time.RFC3339Nano)

	doc := chromem.Document{
		ID:        string(record.ID),
		Content:   record.Content,
		Metadata:  metadata,
		Embedding: append([]float32(nil), record.Embedding...),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add chromem document",
			goerr.V("user_id", record.UserID),
			goerr.V("memory_id", record.ID))
	}

	idx, err := readIndex(ctx, col)
	if err != nil {
		return err
	}
	for _, id := range idx.IDs {
		if id == record.ID {
			return nil
		}
	}
	idx.IDs = append(idx.IDs, record.ID)

	raw, err := json.Marshal(idx)
	if err != nil {
		return goerr.Wrap(err, "failed to encode chromem index")
	}
	indexDoc := chromem.Document{
		ID:        chromemIndexID,
		Content:   string(raw),
		Embedding: append([]float32(nil), record.Embedding...),
	}
	if err := col.AddDocument(ctx, indexDoc); err != nil {
		return goerr.Wrap(err, "failed to update chromem index", goerr.V("user_id", record.UserID))
	}
	return nil
}

func toRecord(userID, id, content string, metadata map[string]string, embedding []float32) *model.MemoryRecord {
	record := &model.MemoryRecord{
		ID:        model.MemoryID(id),
		UserID:    userID,
		Content:   content,
		Metadata:  make(map[string]string, len(metadata)),
		Embedding: embedding,
	}
	for k, v := range metadata {
		if k == chromemMetaCreatedAt {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				record.CreatedAt = ts
			}
			continue
		}
		record.Metadata[k] = v
	}
	return record
}

func (r *Chromem) GetMemory(ctx context.Context, userID string, id model.MemoryID) (*model.MemoryRecord, error) {
	col := r.collection(userID)
	if col == nil || id == chromemIndexID {
		return nil, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("user_id", userID), goerr.V("memory_id", id))
	}

	doc, err := col.GetByID(ctx, string(id))
	if err != nil {
		return nil, goerr.Wrap(ErrNotFound, "memory not found",
			goerr.V("user_id", userID),
			goerr.V("memory_id", id),
			goerr.V("error", err.Error()))
	}
	return toRecord(userID, doc.ID, doc.Content, doc.Metadata, doc.Embedding), nil
}

func (r *Chromem) ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error) {
	col := r.collection(userID)
	if col == nil {
		return nil, nil
	}

	r.mu.Lock()
	idx, err := readIndex(ctx, col)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	records := make([]*model.MemoryRecord, 0, len(idx.IDs))
	for _, id := range idx.IDs {
		record, err := r.GetMemory(ctx, userID, id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (r *Chromem) SearchMemories(ctx context.Context, userID string, embedding []float32, limit int) ([]*model.MemoryRecord, error) {
	if len(embedding) == 0 {
		return nil, goerr.New("embedding is empty", goerr.V("user_id", userID))
	}
	if limit <= 0 {
		return nil, goerr.New("limit must be positive", goerr.V("limit", limit))
	}

	col := r.collection(userID)
	if col == nil {
		return nil, nil
	}

	// One extra slot for the index document, and chromem requires
	// nResults <= Count().
	n := limit + 1
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chromem collection", goerr.V("user_id", userID))
	}

	records := make([]*model.MemoryRecord, 0, len(results))
	for _, res := range results {
		if res.ID == chromemIndexID {
			continue
		}
		records = append(records, toRecord(userID, res.ID, res.Content, res.Metadata, res.Embedding))
		if len(records) == limit {
			break
		}
	}
	return records, nil
}
