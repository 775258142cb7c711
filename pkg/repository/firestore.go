package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionUsers    = "users"
	collectionMemories = "memories"
	fieldEmbedding     = "embedding"
	fieldCreatedAt     = "created_at"
)

// Firestore implements Repository. Records are stored under
// users/{user_id}/memories/{memory_id}; vector search needs a vector index
// on the embedding field of the memories collection group.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close closes the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) memories(userID string) *firestore.CollectionRef {
	return r.client.Collection(collectionUsers).Doc(userID).Collection(collectionMemories)
}

func (r *Firestore) PutMemory(ctx context.Context, record *model.MemoryRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if _, err := r.memories(record.UserID).Doc(string(record.ID)).Set(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to put memory",
			goerr.V("user_id", record.UserID),
			goerr.V("memory_id", record.ID))
	}
	return nil
}

func (r *Firestore) GetMemory(ctx context.Context, userID string, id model.MemoryID) (*model.MemoryRecord, error) {
	doc, err := r.memories(userID).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "memory not found", goerr.V("user_id", userID), goerr.V("memory_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("user_id", userID), goerr.V("memory_id", id))
	}

	var record model.MemoryRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("memory_id", id))
	}
	return &record, nil
}

func (r *Firestore) ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error) {
	iter := r.memories(userID).OrderBy(fieldCreatedAt, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	return collectRecords(iter, userID)
}

func (r *Firestore) SearchMemories(ctx context.Context, userID string, embedding []float32, limit int) ([]*model.MemoryRecord, error) {
	if len(embedding) == 0 {
		return nil, goerr.New("embedding is empty", goerr.V("user_id", userID))
	}
	if limit <= 0 {
		return nil, goerr.New("limit must be positive", goerr.V("limit", limit))
	}

	query := r.memories(userID).FindNearest(fieldEmbedding,
		firestore.Vector32(embedding),
		limit,
		firestore.DistanceMeasureCosine,
		nil,
	)
	iter := query.Documents(ctx)
	defer iter.Stop()

	return collectRecords(iter, userID)
}

func collectRecords(iter *firestore.DocumentIterator, userID string) ([]*model.MemoryRecord, error) {
	var records []*model.MemoryRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories", goerr.V("user_id", userID))
		}

		var record model.MemoryRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", doc.Ref.ID))
		}
		records = append(records, &record)
	}
	return records, nil
}
