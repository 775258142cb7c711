package repository

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
)

// ErrNotFound is returned when a memory record does not exist
var ErrNotFound = goerr.New("memory record not found")

// Repository defines the interface for memory record persistence. Records
// are partitioned by user.
type Repository interface {
	// PutMemory saves a memory record. A record with the same ID is overwritten.
	PutMemory(ctx context.Context, record *model.MemoryRecord) error

	// GetMemory retrieves a memory record by ID
	GetMemory(ctx context.Context, userID string, id model.MemoryID) (*model.MemoryRecord, error)

	// ListMemories retrieves all records of a user, oldest first
	ListMemories(ctx context.Context, userID string) ([]*model.MemoryRecord, error)

	// SearchMemories performs vector search, most similar first
	SearchMemories(ctx context.Context, userID string, embedding []float32, limit int) ([]*model.MemoryRecord, error)
}
