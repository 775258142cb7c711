package evaluate_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/mock"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/scorer"
	"github.com/m-mizutani/memaudit/pkg/usecase/challenge"
	"github.com/m-mizutani/memaudit/pkg/usecase/evaluate"
)

var japanTrip = model.ParseDialogue(`
user: I'm planning a trip to Japan. I'm leaving on March 15th, 2024.
assistant: Have a great trip!
`)

type challengerFunc func(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error)

func (f challengerFunc) GenerateQAPairs(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error) {
	return f(ctx, dialogue, numQA)
}

func fixedPairs(pairs ...*model.QAPair) challengerFunc {
	return func(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error) {
		return pairs, nil
	}
}

func qa(q, a string) *model.QAPair {
	return &model.QAPair{ID: model.NewQAID(), Question: q, Answer: a}
}

func answering(answers map[string]string) *mock.MemorySystem {
	return &mock.MemorySystem{
		SearchFunc: func(ctx context.Context, userID, query string, opts *interfaces.SearchOptions) (string, error) {
			return answers[query], nil
		},
	}
}

func newEvaluator(c evaluate.Challenger) *evaluate.Evaluator {
	return evaluate.New(c, scorer.NewSimilarity(&scorer.Lexical{}, 0), evaluate.DefaultConfig())
}

func singlePairLLM() *mock.LLMClient {
	return &mock.LLMClient{
		CompleteFunc: func(ctx context.Context, prompt string, opts *interfaces.CompleteOptions) (string, error) {
			return `{"qa_pairs": [{"question": "When are they leaving for Japan?", "answer": "March 15th, 2024", "source_turn": 0}]}`, nil
		},
	}
}

func TestEvaluateSessionEmptyMemory(t *testing.T) {
	ctx := context.Background()
	e := newEvaluator(challenge.New(singlePairLLM(), challenge.DefaultConfig()))
	mem := answering(nil)

	summary, need, err := e.EvaluateSession(ctx, mem, "u1", japanTrip)
	gt.NoError(t, err)
	gt.Equal(t, summary.QAPairsCount, 1)
	gt.Equal(t, summary.PassRate, 0.0)
	gt.True(t, need)
	gt.Equal(t, summary.Attempts[0].FailureReason, model.FailureNotFound)
	gt.False(t, summary.Attempts[0].Passed)
}

func TestEvaluateSessionNearExactAnswer(t *testing.T) {
	ctx := context.Background()
	e := newEvaluator(challenge.New(singlePairLLM(), challenge.DefaultConfig()))
	mem := answering(map[string]string{
		"When are they leaving for Japan?": "March 15, 2024",
	})

	summary, need, err := e.EvaluateSession(ctx, mem, "u1", japanTrip)
	gt.NoError(t, err)
	gt.Equal(t, summary.PassRate, 100.0)
	gt.False(t, need)
	gt.True(t, summary.Attempts[0].Passed)
	gt.True(t, summary.Attempts[0].Similarity >= scorer.DefaultThreshold)
	gt.Equal(t, summary.Attempts[0].FailureReason, model.FailureNone)
}

func TestEvaluateSessionEmptyQASet(t *testing.T) {
	ctx := context.Background()
	e := newEvaluator(fixedPairs())
	mem := answering(nil)

	summary, need, err := e.EvaluateSession(ctx, mem, "u1", japanTrip)
	gt.NoError(t, err)
	gt.Equal(t, summary.QAPairsCount, 0)
	gt.Equal(t, summary.PassRate, 100.0)
	gt.False(t, need)
	gt.A(t, mem.Searches()).Length(0)
}

func TestEvaluateSessionGenerationFailure(t *testing.T) {
	ctx := context.Background()
	e := newEvaluator(challengerFunc(func(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error) {
		return nil, model.Classify(model.ErrGenerationFailure, goerr.New("malformed"))
	}))
	mem := answering(nil)

	summary, need, err := e.EvaluateSession(ctx, mem, "u1", japanTrip)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrGenerationFailure))
	gt.V(t, summary).Nil()
	gt.False(t, need)
	gt.A(t, mem.Searches()).Length(0)
}

func TestEvaluateSessionPassesConfig(t *testing.T) {
	ctx := context.Background()

	var gotNumQA int
	c := challengerFunc(func(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error) {
		gotNumQA = numQA
		return []*model.QAPair{qa("Where?", "Japan")}, nil
	})
	mem := answering(map[string]string{"Where?": "Japan"})
	e := evaluate.New(c, scorer.NewSimilarity(&scorer.Lexical{}, 0), evaluate.Config{
		NumQA:        3,
		SearchTopK:   7,
		SearchMethod: model.SearchHybrid,
	})

	_, _, err := e.EvaluateSession(ctx, mem, "u1", japanTrip)
	gt.NoError(t, err)
	gt.Equal(t, gotNumQA, 3)
	gt.Equal(t, e.PassRateThreshold(), evaluate.DefaultPassRateThreshold)

	searches := mem.Searches()
	gt.A(t, searches).Length(1)
	gt.Equal(t, searches[0].UserID, "u1")
	gt.Equal(t, searches[0].Options.TopK, 7)
	gt.Equal(t, searches[0].Options.Method, model.SearchHybrid)
}

func TestEvaluatePairs(t *testing.T) {
	ctx := context.Background()
	pairs := []*model.QAPair{
		qa("When are they leaving?", "March 15th, 2024"),
		qa("Where are they going?", "Japan"),
		qa("Who is joining?", "their sister Emma"),
		qa("Where are they staying?", "the Park Hyatt"),
		qa("What do they eat?", "sushi"),
	}
	mem := &mock.MemorySystem{
		SearchFunc: func(ctx context.Context, userID, query string, opts *interfaces.SearchOptions) (string, error) {
			switch query {
			case "When are they leaving?":
				return "march 15 2024", nil
			case "Where are they going?":
				return "Japan", nil
			case "Who is joining?":
				return "...", nil
			case "Where are they staying?":
				return "", goerr.New("connection reset")
			default:
				return "ramen", nil
			}
		},
	}
	e := newEvaluator(fixedPairs(pairs...))

	summary := e.EvaluatePairs(ctx, mem, "u1", pairs)
	gt.Equal(t, summary.QAPairsCount, 5)
	gt.Equal(t, summary.PassedCount, 2)
	gt.Equal(t, summary.FailedCount, 3)
	gt.Equal(t, summary.PassRate, 40.0)
	gt.True(t, e.NeedReconstruct(summary))

	t.Run("order mirrors the QA set", func(t *testing.T) {
		for i, a := range summary.Attempts {
			gt.Equal(t, a.QA.ID, pairs[i].ID)
		}
		searches := mem.Searches()
		gt.A(t, searches).Length(5)
		for i, s := range searches {
			gt.Equal(t, s.Query, pairs[i].Question)
		}
	})

	t.Run("failure reasons", func(t *testing.T) {
		gt.Equal(t, summary.Attempts[2].FailureReason, model.FailureEmptyAnswer)
		gt.Equal(t, summary.Attempts[3].FailureReason, model.FailureNotFound)
		gt.True(t, strings.Contains(summary.Attempts[3].Error, "connection reset"))
		gt.Equal(t, summary.Attempts[4].FailureReason, model.FailureLowSimilarity)
		gt.Equal(t, summary.Attempts[4].RetrievedAnswer, "ramen")
		gt.Equal(t, summary.FailureReasons(), []model.FailureReason{
			model.FailureEmptyAnswer,
			model.FailureNotFound,
			model.FailureLowSimilarity,
		})
		gt.Equal(t, summary.FailureCounts, map[model.FailureReason]int{
			model.FailureEmptyAnswer:   1,
			model.FailureNotFound:      1,
			model.FailureLowSimilarity: 1,
		})
	})

	t.Run("idempotent against unchanged memory", func(t *testing.T) {
		again := e.EvaluatePairs(ctx, mem, "u1", pairs)
		gt.Equal(t, again.PassRate, summary.PassRate)
		for i := range again.Attempts {
			gt.Equal(t, again.Attempts[i].Passed, summary.Attempts[i].Passed)
			gt.Equal(t, again.Attempts[i].Similarity, summary.Attempts[i].Similarity)
		}
	})
}

func TestEvaluatePairsScorerError(t *testing.T) {
	ctx := context.Background()
	pairs := []*model.QAPair{qa("Where?", "Japan")}
	mem := answering(map[string]string{"Where?": "Tokyo, Japan"})
	failing := &mock.Scorer{
		ScoreFunc: func(ctx context.Context, candidate, reference string) (float64, error) {
			return 0, goerr.New("judge unavailable")
		},
	}
	e := evaluate.New(fixedPairs(pairs...), scorer.NewSimilarity(failing, 0), evaluate.DefaultConfig())

	summary := e.EvaluatePairs(ctx, mem, "u1", pairs)
	gt.Equal(t, summary.PassRate, 0.0)
	gt.Equal(t, summary.Attempts[0].FailureReason, model.FailureLowSimilarity)
	gt.Equal(t, summary.Attempts[0].Similarity, 0.0)
	gt.True(t, strings.Contains(summary.Attempts[0].Error, "judge unavailable"))
}

func TestNeedReconstruct(t *testing.T) {
	e := evaluate.New(fixedPairs(), scorer.NewSimilarity(&scorer.Lexical{}, 0), evaluate.Config{PassRateThreshold: 60})

	attempts := func(passed, failed int) []*model.AnswerAttempt {
		var list []*model.AnswerAttempt
		for i := 0; i < passed; i++ {
			list = append(list, &model.AnswerAttempt{Passed: true})
		}
		for i := 0; i < failed; i++ {
			list = append(list, &model.AnswerAttempt{FailureReason: model.FailureNotFound})
		}
		return list
	}

	gt.False(t, e.NeedReconstruct(model.NewEvaluationSummary(attempts(3, 2))))
	gt.True(t, e.NeedReconstruct(model.NewEvaluationSummary(attempts(2, 3))))
	gt.False(t, e.NeedReconstruct(model.NewEvaluationSummary(nil)))
	gt.False(t, e.NeedReconstruct(nil))
}

func TestEvaluatePairsKeepsScoreReason(t *testing.T) {
	ctx := context.Background()
	pairs := []*model.QAPair{qa("Who is joining?", "their sister Emma")}
	mem := answering(map[string]string{"Who is joining?": "their brother Tom"})
	llm := &mock.LLMClient{
		CompleteFunc: func(ctx context.Context, prompt string, opts *interfaces.CompleteOptions) (string, error) {
			return `{"score": 0.1, "reason": "different person"}`, nil
		},
	}
	e := evaluate.New(fixedPairs(pairs...), scorer.NewSimilarity(scorer.NewJudge(llm), 0.8), evaluate.DefaultConfig())

	summary := e.EvaluatePairs(ctx, mem, "u1", pairs)
	gt.A(t, summary.Attempts).Length(1)
	gt.Equal(t, summary.Attempts[0].FailureReason, model.FailureLowSimilarity)
	gt.Equal(t, summary.Attempts[0].ScoreReason, "different person")
	gt.Equal(t, summary.FailureCounts[model.FailureLowSimilarity], 1)
}
