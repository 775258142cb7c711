// Package evaluate measures how well a memory system recalls a dialogue.
package evaluate

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/scorer"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// DefaultPassRateThreshold is the pass rate (percent) below which memory
// needs reconstruction
const DefaultPassRateThreshold = 90.0

// Challenger generates the QA set of a dialogue
type Challenger interface {
	GenerateQAPairs(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error)
}

type Config struct {
	NumQA             int                `yaml:"num_qa"`
	PassRateThreshold float64            `yaml:"pass_rate_threshold"`
	SearchTopK        int                `yaml:"search_top_k"`
	SearchMethod      model.SearchMethod `yaml:"search_method"`
}

func DefaultConfig() Config {
	return Config{
		NumQA:             5,
		PassRateThreshold: DefaultPassRateThreshold,
	}
}

// Evaluator asks a memory system the questions of a QA set and grades the
// answers
type Evaluator struct {
	challenger Challenger
	similarity *scorer.Similarity
	cfg        Config
}

// New creates an Evaluator. Zero NumQA and PassRateThreshold fall back to
// the defaults.
func New(challenger Challenger, similarity *scorer.Similarity, cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.NumQA <= 0 {
		cfg.NumQA = def.NumQA
	}
	if cfg.PassRateThreshold <= 0 {
		cfg.PassRateThreshold = def.PassRateThreshold
	}
	return &Evaluator{
		challenger: challenger,
		similarity: similarity,
		cfg:        cfg,
	}
}

// PassRateThreshold returns the configured threshold in percent
func (e *Evaluator) PassRateThreshold() float64 {
	return e.cfg.PassRateThreshold
}

// EvaluateSession generates a QA set for dialogue, evaluates it against mem
// and reports whether memory needs reconstruction. A QA generation failure
// is returned as an error wrapping model.ErrGenerationFailure and nothing is
// evaluated.
func (e *Evaluator) EvaluateSession(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error) {
	pairs, err := e.challenger.GenerateQAPairs(ctx, dialogue, e.cfg.NumQA)
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to generate QA set", goerr.V("user_id", userID))
	}

	logging.From(ctx).Info("QA set generated", "user_id", userID, "count", len(pairs))

	summary := e.EvaluatePairs(ctx, mem, userID, pairs)
	return summary, e.NeedReconstruct(summary), nil
}

// EvaluatePairs evaluates a fixed QA set. Attempts keep the order of pairs.
// Search and scoring errors are recorded on the attempt and never returned.
func (e *Evaluator) EvaluatePairs(ctx context.Context, mem interfaces.MemorySystem, userID string, pairs []*model.QAPair) *model.EvaluationSummary {
	attempts := make([]*model.AnswerAttempt, 0, len(pairs))
	for i, qa := range pairs {
		attempt := e.attempt(ctx, mem, userID, qa)
		attempts = append(attempts, attempt)

		logging.From(ctx).Info("QA evaluated",
			"index", i+1,
			"total", len(pairs),
			"question", qa.Question,
			"expected", qa.Answer,
			"got", attempt.RetrievedAnswer,
			"similarity", attempt.Similarity,
			"passed", attempt.Passed,
			"reason", attempt.FailureReason,
		)
	}

	summary := model.NewEvaluationSummary(attempts)
	logging.From(ctx).Info("evaluation finished",
		"user_id", userID,
		"pass_rate", summary.PassRate,
		"passed", summary.PassedCount,
		"qa_pairs_count", summary.QAPairsCount,
	)
	return summary
}

func (e *Evaluator) searchOptions() []interfaces.SearchOption {
	var opts []interfaces.SearchOption
	if e.cfg.SearchTopK > 0 {
		opts = append(opts, interfaces.WithTopK(e.cfg.SearchTopK))
	}
	if e.cfg.SearchMethod != "" {
		opts = append(opts, interfaces.WithSearchMethod(e.cfg.SearchMethod))
	}
	return opts
}

func (e *Evaluator) attempt(ctx context.Context, mem interfaces.MemorySystem, userID string, qa *model.QAPair) *model.AnswerAttempt {
	attempt := &model.AnswerAttempt{QA: qa}

	answer, err := mem.Search(ctx, userID, qa.Question, e.searchOptions()...)
	if err != nil {
		err = model.Classify(model.ErrSearchFailure, err)
		logging.From(ctx).Warn("memory search failed", "error", err, "user_id", userID, "question", qa.Question)
		attempt.FailureReason = model.FailureNotFound
		attempt.Error = err.Error()
		return attempt
	}

	attempt.RetrievedAnswer = answer
	if strings.TrimSpace(answer) == "" {
		attempt.FailureReason = model.FailureNotFound
		return attempt
	}
	if textutil.Canonical(answer) == "" {
		attempt.FailureReason = model.FailureEmptyAnswer
		return attempt
	}

	score, reason, err := e.similarity.Grade(ctx, answer, qa.Answer)
	if err != nil {
		logging.From(ctx).Warn("failed to score answer", "error", err, "question", qa.Question)
		attempt.FailureReason = model.FailureLowSimilarity
		attempt.Error = err.Error()
		return attempt
	}

	attempt.Similarity = score
	attempt.ScoreReason = reason
	if score >= e.similarity.Threshold {
		attempt.Passed = true
	} else {
		attempt.FailureReason = model.FailureLowSimilarity
	}
	return attempt
}

// NeedReconstruct reports whether summary falls below the pass rate
// threshold. An empty QA set never needs reconstruction.
func (e *Evaluator) NeedReconstruct(summary *model.EvaluationSummary) bool {
	if summary == nil || summary.QAPairsCount == 0 {
		return false
	}
	return summary.PassRate < e.cfg.PassRateThreshold
}
