package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/repository"
)

// unitVector returns a dim-sized vector pointing mostly to axis
func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = 0.01
	}
	v[axis] = 1
	return v
}

func newRecord(userID, content string, axis int, createdAt time.Time) *model.MemoryRecord {
	return &model.MemoryRecord{
		ID:        model.NewMemoryID(),
		UserID:    userID,
		Content:   content,
		Metadata:  map[string]string{model.MetaSource: model.SourceDialogueSummarization},
		Embedding: unitVector(8, axis),
		CreatedAt: createdAt,
	}
}

func testRepository(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	userID := "user-" + model.NewMemoryID().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	japan := newRecord(userID, "User is leaving for Japan on March 15th, 2024", 0, now.Add(-2*time.Minute))
	sushi := newRecord(userID, "User likes sushi", 1, now.Add(-1*time.Minute))
	correction := &model.MemoryRecord{
		ID:        model.NewMemoryID(),
		UserID:    userID,
		Content:   "Question: Where? Correct Answer: Tokyo.",
		Metadata:  map[string]string{model.MetaSource: model.SourceCorrection},
		Embedding: unitVector(8, 2),
		CreatedAt: now,
	}

	t.Run("put and get", func(t *testing.T) {
		gt.NoError(t, repo.PutMemory(ctx, japan))
		gt.NoError(t, repo.PutMemory(ctx, sushi))
		gt.NoError(t, repo.PutMemory(ctx, correction))

		got, err := repo.GetMemory(ctx, userID, japan.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.ID, japan.ID)
		gt.Equal(t, got.UserID, userID)
		gt.Equal(t, got.Content, japan.Content)
		gt.Equal(t, got.Metadata[model.MetaSource], model.SourceDialogueSummarization)
		gt.True(t, got.CreatedAt.Equal(japan.CreatedAt))
	})

	t.Run("get not found", func(t *testing.T) {
		_, err := repo.GetMemory(ctx, userID, model.MemoryID("no-such-memory"))
		gt.Error(t, err)
		gt.True(t, errors.Is(err, repository.ErrNotFound))
	})

	t.Run("list oldest first", func(t *testing.T) {
		records, err := repo.ListMemories(ctx, userID)
		gt.NoError(t, err)
		gt.A(t, records).Length(3)
		gt.Equal(t, records[0].ID, japan.ID)
		gt.Equal(t, records[1].ID, sushi.ID)
		gt.Equal(t, records[2].ID, correction.ID)
		gt.True(t, records[2].IsCorrection())
	})

	t.Run("overwrite keeps one record", func(t *testing.T) {
		updated := *sushi
		updated.Content = "User likes sushi and ramen"
		gt.NoError(t, repo.PutMemory(ctx, &updated))

		records, err := repo.ListMemories(ctx, userID)
		gt.NoError(t, err)
		gt.A(t, records).Length(3)

		got, err := repo.GetMemory(ctx, userID, sushi.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Content, "User likes sushi and ramen")
	})

	t.Run("search most similar first", func(t *testing.T) {
		records, err := repo.SearchMemories(ctx, userID, unitVector(8, 1), 2)
		gt.NoError(t, err)
		gt.A(t, records).Length(2)
		gt.Equal(t, records[0].ID, sushi.ID)

		all, err := repo.SearchMemories(ctx, userID, unitVector(8, 0), 10)
		gt.NoError(t, err)
		gt.A(t, all).Length(3)
		gt.Equal(t, all[0].ID, japan.ID)
	})

	t.Run("search validation", func(t *testing.T) {
		_, err := repo.SearchMemories(ctx, userID, nil, 3)
		gt.Error(t, err)
		_, err = repo.SearchMemories(ctx, userID, unitVector(8, 0), 0)
		gt.Error(t, err)
	})

	t.Run("users are isolated", func(t *testing.T) {
		other := "other-" + model.NewMemoryID().String()
		records, err := repo.ListMemories(ctx, other)
		gt.NoError(t, err)
		gt.A(t, records).Length(0)

		found, err := repo.SearchMemories(ctx, other, unitVector(8, 0), 3)
		gt.NoError(t, err)
		gt.A(t, found).Length(0)
	})
}
