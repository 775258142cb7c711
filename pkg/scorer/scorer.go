// Package scorer grades retrieved answers against ground truth answers.
package scorer

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// DefaultThreshold is the minimum score of a matching answer
const DefaultThreshold = 0.8

// Method names accepted by New
const (
	MethodLexical   = "lexical"
	MethodEmbedding = "embedding"
	MethodJudge     = "judge"
)

var ErrUnknownMethod = goerr.New("unknown scoring method")

// New returns the scorer of the given method. The embedding method needs
// embedder and the judge method needs llm.
func New(method string, llm interfaces.LLMClient, embedder interfaces.Embedder) (interfaces.Scorer, error) {
	switch method {
	case "", MethodLexical:
		return &Lexical{}, nil
	case MethodEmbedding:
		if embedder == nil {
			return nil, goerr.New("embedding scorer requires an embedder")
		}
		return NewEmbedding(embedder), nil
	case MethodJudge:
		if llm == nil {
			return nil, goerr.New("judge scorer requires an LLM client")
		}
		return NewJudge(llm), nil
	default:
		return nil, goerr.Wrap(ErrUnknownMethod, "invalid scorer", goerr.V("method", method))
	}
}

// Similarity applies a threshold to a Scorer
type Similarity struct {
	Scorer    interfaces.Scorer
	Threshold float64
}

// NewSimilarity creates a Similarity. A non-positive threshold means
// DefaultThreshold.
func NewSimilarity(scorer interfaces.Scorer, threshold float64) *Similarity {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Similarity{Scorer: scorer, Threshold: threshold}
}

// Score grades candidate against reference. A blank candidate scores 0 and
// a candidate equal to reference after case and whitespace normalization
// scores 1, both without calling the scorer. A candidate without any word
// token scores 0 against a different reference.
func (s *Similarity) Score(ctx context.Context, candidate, reference string) (float64, error) {
	score, _, err := s.Grade(ctx, candidate, reference)
	return score, err
}

// Grade is Score plus the explanation of the scorer when it gives one
func (s *Similarity) Grade(ctx context.Context, candidate, reference string) (float64, string, error) {
	switch {
	case textutil.Normalize(candidate) == "":
		return 0, "", nil
	case identical(candidate, reference):
		return 1, "", nil
	case textutil.Canonical(candidate) == "":
		return 0, "", nil
	}

	if rs, ok := s.Scorer.(interfaces.ReasonScorer); ok {
		score, reason, err := rs.ScoreReason(ctx, candidate, reference)
		if err != nil {
			return 0, "", err
		}
		return clamp(score), reason, nil
	}

	score, err := s.Scorer.Score(ctx, candidate, reference)
	if err != nil {
		return 0, "", err
	}
	return clamp(score), "", nil
}

// IsMatch reports whether candidate scores at least the threshold
func (s *Similarity) IsMatch(ctx context.Context, candidate, reference string) (bool, error) {
	score, err := s.Score(ctx, candidate, reference)
	if err != nil {
		return false, err
	}
	return score >= s.Threshold, nil
}

// identical reports whether two non-blank texts are equal up to case and
// whitespace
func identical(a, b string) bool {
	n := textutil.Normalize(a)
	return n != "" && n == textutil.Normalize(b)
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
