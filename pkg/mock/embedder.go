package mock

import (
	"context"
	"hash/fnv"

	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

// HashEmbedder is a deterministic bag-of-words embedder. Texts sharing
// tokens get similar vectors.
type HashEmbedder struct {
	Dim int
}

var _ interfaces.Embedder = (*HashEmbedder)(nil)

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 1 {
		dim = 64
	}

	vec := make([]float32, dim)
	// constant component keeps the vector non-zero
	vec[0] = 0.1
	for _, token := range textutil.Tokens(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(token))
		vec[1+int(f.Sum32()%uint32(dim-1))] += 1
	}
	return vec, nil
}
