// Package repair rebuilds memory for the QA pairs a memory system failed
package repair

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// Adapter filters a dialogue down to the failed topics and rebuilds memory
// from it
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

// Update returns the turns of dialogue relevant to failedQA in their
// original order. A turn is relevant when it lies in the source span of a
// failed pair or shares a keyword with a failed question or answer. When no
// turn is relevant the whole dialogue is returned.
func (x *Adapter) Update(ctx context.Context, userID string, dialogue model.Dialogue, failedQA []*model.QAPair, reasons []model.FailureReason) model.Dialogue {
	logger := logging.From(ctx)

	keywords := make(map[string]struct{})
	spans := make([]model.Span, 0, len(failedQA))
	for _, qa := range failedQA {
		for _, kw := range textutil.Keywords(qa.Question + " " + qa.Answer) {
			keywords[kw] = struct{}{}
		}
		if qa.SourceSpan != nil {
			spans = append(spans, *qa.SourceSpan)
		}
	}

	filtered := dialogue.Filter(func(idx int, t model.Turn) bool {
		for _, s := range spans {
			if s.Start <= idx && idx <= s.End {
				return true
			}
		}
		for tok := range textutil.TokenSet(t.Text) {
			if _, ok := keywords[tok]; ok {
				return true
			}
		}
		return false
	})

	if len(filtered) == 0 {
		logger.Warn("no turn matches failed QA pairs, using full dialogue",
			"user_id", userID,
			"failed", len(failedQA),
		)
		return dialogue.Clone()
	}

	counts := make(map[model.FailureReason]int)
	for _, r := range reasons {
		counts[r]++
	}
	logger.Info("dialogue filtered",
		"user_id", userID,
		"turns", len(dialogue),
		"kept", len(filtered),
		"not_found", counts[model.FailureNotFound],
		"low_similarity", counts[model.FailureLowSimilarity],
		"empty_answer", counts[model.FailureEmptyAnswer],
	)
	return filtered
}

// Reconstruction is the outcome of a successful Reconstruct
type Reconstruction struct {
	Build       *model.BuildResult
	Corrections []model.MemoryID
}

// Reconstruct builds memory from filtered and adds one correction record per
// failed QA pair. Existing records are never removed. Any failure is
// returned wrapping model.ErrReconstructionFailure; corrections added before
// the failure are kept.
func (x *Adapter) Reconstruct(ctx context.Context, mem interfaces.MemorySystem, userID string, filtered model.Dialogue, failedQA []*model.QAPair) (*Reconstruction, error) {
	logger := logging.From(ctx)

	build, err := mem.BuildMemory(ctx, userID, filtered)
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrReconstructionFailure, err),
			"failed to rebuild memory", goerr.V("user_id", userID), goerr.V("turns", len(filtered)))
	}
	logger.Info("memory rebuilt", "user_id", userID, "memories_count", build.MemoriesCount)

	result := &Reconstruction{Build: build}
	for _, qa := range failedQA {
		id, err := mem.AddMemory(ctx, userID, model.CorrectionContent(qa), model.CorrectionMetadata(qa))
		if err != nil {
			return nil, goerr.Wrap(model.Classify(model.ErrReconstructionFailure, err),
				"failed to add correction", goerr.V("user_id", userID), goerr.V("question", qa.Question))
		}
		result.Corrections = append(result.Corrections, id)
		logger.Debug("correction added", "user_id", userID, "memory_id", id, "question", qa.Question)
	}

	logger.Info("memory reconstructed", "user_id", userID, "corrections", len(result.Corrections))
	return result, nil
}
