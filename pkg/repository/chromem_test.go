package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/repository"
)

func TestChromemInMemory(t *testing.T) {
	repo, err := repository.NewChromem()
	gt.NoError(t, err)
	testRepository(t, repo)
}

func TestChromemPersistent(t *testing.T) {
	dir := t.TempDir()
	repo, err := repository.NewChromem(repository.WithChromemPath(dir))
	gt.NoError(t, err)
	testRepository(t, repo)
}

func TestChromemReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := repository.NewChromem(repository.WithChromemPath(dir), repository.WithChromemCompress(true))
	gt.NoError(t, err)

	rec := newRecord("u1", "User is leaving for Japan", 0, time.Now().UTC())
	gt.NoError(t, repo.PutMemory(ctx, rec))

	reopened, err := repository.NewChromem(repository.WithChromemPath(dir), repository.WithChromemCompress(true))
	gt.NoError(t, err)

	records, err := reopened.ListMemories(ctx, "u1")
	gt.NoError(t, err)
	gt.A(t, records).Length(1)
	gt.Equal(t, records[0].ID, rec.ID)
	gt.Equal(t, records[0].Content, "User is leaving for Japan")
}

func TestChromemRequiresEmbedding(t *testing.T) {
	repo, err := repository.NewChromem()
	gt.NoError(t, err)

	err = repo.PutMemory(context.Background(), &model.MemoryRecord{
		ID:      model.NewMemoryID(),
		UserID:  "u1",
		Content: "no vector",
	})
	gt.Error(t, err)
}
