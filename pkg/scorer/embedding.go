package scorer

import (
	"context"
	"math"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// Embedding scores the cosine similarity of the embeddings of candidate and
// reference, clamped to [0, 1]. Identical texts and texts with the same
// canonical form score 1 without calling the embedder.
type Embedding struct {
	embedder interfaces.Embedder
}

var _ interfaces.Scorer = (*Embedding)(nil)

func NewEmbedding(embedder interfaces.Embedder) *Embedding {
	return &Embedding{embedder: embedder}
}

func (x *Embedding) Score(ctx context.Context, candidate, reference string) (float64, error) {
	if identical(candidate, reference) {
		return 1, nil
	}
	c, r := textutil.Canonical(candidate), textutil.Canonical(reference)
	if c == "" || r == "" {
		return 0, nil
	}
	if c == r {
		return 1, nil
	}

	cv, err := x.embedder.Embed(ctx, textutil.Normalize(candidate))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to embed candidate")
	}
	rv, err := x.embedder.Embed(ctx, textutil.Normalize(reference))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to embed reference")
	}

	return clamp(cosine(cv, rv)), nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
