package repair_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/mock"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/repository"
	"github.com/m-mizutani/memaudit/pkg/service/memory"
	"github.com/m-mizutani/memaudit/pkg/usecase/repair"
)

var trip = model.ParseDialogue(`
user: I'm leaving for Japan on March 15th, 2024.
assistant: Exciting! Where will you stay?
user: At the Park Hyatt in Tokyo.
assistant: Any company?
user: My sister Emma is coming along.
user: I also started learning the violin last month.
`)

var failedQA = []*model.QAPair{
	{Question: "Who is coming along?", Answer: "their sister Emma"},
	{Question: "Which instrument is the user learning?", Answer: "violin"},
	{Question: "Which hotel?", Answer: "the Park Hyatt"},
}

var failedReasons = []model.FailureReason{
	model.FailureNotFound,
	model.FailureLowSimilarity,
	model.FailureNotFound,
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	a := repair.New()

	filtered := a.Update(ctx, "u1", trip, failedQA, failedReasons)
	gt.Equal(t, filtered, model.Dialogue{trip[2], trip[4], trip[5]})

	t.Run("input dialogue is untouched", func(t *testing.T) {
		gt.A(t, trip).Length(6)
		gt.Equal(t, trip[0].Text, "I'm leaving for Japan on March 15th, 2024.")
	})
}

func TestUpdateKeepsSourceSpan(t *testing.T) {
	ctx := context.Background()
	qa := &model.QAPair{
		Question:   "What did the assistant ask?",
		Answer:     "about lodging",
		SourceSpan: &model.Span{Start: 1, End: 1},
	}

	filtered := repair.New().Update(ctx, "u1", trip, []*model.QAPair{qa}, nil)
	gt.Equal(t, filtered, model.Dialogue{trip[1]})
}

func TestUpdateFailsOpen(t *testing.T) {
	ctx := context.Background()
	qa := &model.QAPair{Question: "What's their favorite color?", Answer: "blue"}

	filtered := repair.New().Update(ctx, "u1", trip, []*model.QAPair{qa}, []model.FailureReason{model.FailureNotFound})
	gt.Equal(t, filtered, trip)

	filtered = repair.New().Update(ctx, "u1", trip, nil, nil)
	gt.Equal(t, filtered, trip)
}

func TestUpdateIsSubsequence(t *testing.T) {
	ctx := context.Background()
	for _, qa := range failedQA {
		filtered := repair.New().Update(ctx, "u1", trip, []*model.QAPair{qa}, nil)
		gt.A(t, filtered).Longer(0)

		// every kept turn appears in the input after the previous one
		pos := 0
		for _, turn := range filtered {
			found := false
			for pos < len(trip) {
				if trip[pos] == turn {
					found = true
					pos++
					break
				}
				pos++
			}
			gt.True(t, found)
		}
	}
}

const buildJSON = `{
  "summary": "The user is traveling to Japan with their sister Emma.",
  "memories": [
    {"content": "The user's sister Emma joins the trip", "timestamp": "2024-01-10T09:00:00"}
  ]
}`

func newMemory(t *testing.T) *memory.System {
	repo, err := repository.NewChromem()
	gt.NoError(t, err)
	llm := &mock.LLMClient{
		CompleteFunc: func(ctx context.Context, prompt string, opts *interfaces.CompleteOptions) (string, error) {
			return buildJSON, nil
		},
	}
	return memory.New(repo, llm, &mock.HashEmbedder{Dim: 32})
}

func TestReconstruct(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	a := repair.New()

	_, err := mem.BuildMemory(ctx, "u1", trip)
	gt.NoError(t, err)
	before, err := mem.ListMemories(ctx, "u1")
	gt.NoError(t, err)

	filtered := a.Update(ctx, "u1", trip, failedQA, failedReasons)
	result, err := a.Reconstruct(ctx, mem, "u1", filtered, failedQA)
	gt.NoError(t, err)
	gt.Equal(t, result.Build.Status, model.BuildStatusBuilt)
	gt.A(t, result.Corrections).Length(3)

	after, err := mem.ListMemories(ctx, "u1")
	gt.NoError(t, err)

	t.Run("existing records are kept", func(t *testing.T) {
		ids := make(map[model.MemoryID]bool)
		for _, r := range after {
			ids[r.ID] = true
		}
		for _, r := range before {
			gt.True(t, ids[r.ID])
		}
	})

	t.Run("one correction per failed pair", func(t *testing.T) {
		var corrections []*model.MemoryRecord
		for _, r := range after {
			if r.IsCorrection() {
				corrections = append(corrections, r)
			}
		}
		gt.A(t, corrections).Length(3)

		byQuestion := make(map[string]*model.MemoryRecord)
		for _, r := range corrections {
			byQuestion[r.Metadata[model.MetaQuestion]] = r
		}
		r := byQuestion["Which hotel?"]
		gt.V(t, r).NotNil()
		gt.Equal(t, r.Content, "Question: Which hotel? Correct Answer: the Park Hyatt.")
		gt.Equal(t, r.Metadata[model.MetaTrueAnswer], "the Park Hyatt")
		gt.Equal(t, r.Metadata[model.MetaType], model.TypeQACorrection)
	})
}

func TestReconstructFailure(t *testing.T) {
	ctx := context.Background()
	a := repair.New()

	t.Run("build failure", func(t *testing.T) {
		cause := goerr.New("backend down")
		mem := &mock.MemorySystem{
			BuildMemoryFunc: func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
				return nil, cause
			},
		}

		result, err := a.Reconstruct(ctx, mem, "u1", trip, failedQA)
		gt.Error(t, err)
		gt.V(t, result).Nil()
		gt.True(t, errors.Is(err, model.ErrReconstructionFailure))
		gt.True(t, errors.Is(err, cause))
		gt.A(t, mem.Adds()).Length(0)
	})

	t.Run("correction failure", func(t *testing.T) {
		mem := &mock.MemorySystem{
			BuildMemoryFunc: func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
				return &model.BuildResult{Status: model.BuildStatusBuilt}, nil
			},
		}

		_, err := a.Reconstruct(ctx, mem, "u1", trip, failedQA)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrReconstructionFailure))
		gt.True(t, errors.Is(err, mock.ErrNotImplemented))
		gt.A(t, mem.Adds()).Length(1)
	})

	t.Run("filtered dialogue is what gets built", func(t *testing.T) {
		mem := &mock.MemorySystem{
			BuildMemoryFunc: func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
				return &model.BuildResult{Status: model.BuildStatusBuilt}, nil
			},
			AddMemoryFunc: func(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error) {
				return model.NewMemoryID(), nil
			},
		}
		filtered := model.Dialogue{trip[4]}

		_, err := a.Reconstruct(ctx, mem, "u1", filtered, failedQA[:1])
		gt.NoError(t, err)
		gt.Equal(t, mem.Builds(), []model.Dialogue{filtered})
		adds := mem.Adds()
		gt.A(t, adds).Length(1)
		gt.Equal(t, adds[0].Metadata[model.MetaSource], model.SourceCorrection)
	})
}
