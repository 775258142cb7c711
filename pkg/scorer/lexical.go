package scorer

import (
	"context"

	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// Lexical scores the token F1 of candidate and reference. Tokens are case
// and punctuation insensitive and ordinal suffixes are ignored, so
// "March 15, 2024" and "March 15th, 2024" score 1.
type Lexical struct{}

var _ interfaces.Scorer = (*Lexical)(nil)

func (x *Lexical) Score(ctx context.Context, candidate, reference string) (float64, error) {
	if identical(candidate, reference) {
		return 1, nil
	}
	return tokenF1(textutil.Tokens(candidate), textutil.Tokens(reference)), nil
}

func tokenF1(candidate, reference []string) float64 {
	if len(candidate) == 0 || len(reference) == 0 {
		return 0
	}

	counts := make(map[string]int, len(reference))
	for _, tok := range reference {
		counts[tok]++
	}

	overlap := 0
	for _, tok := range candidate {
		if counts[tok] > 0 {
			counts[tok]--
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}

	precision := float64(overlap) / float64(len(candidate))
	recall := float64(overlap) / float64(len(reference))
	return 2 * precision * recall / (precision + recall)
}
