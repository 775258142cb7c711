package scorer

import (
	"bytes"
	"context"
	_ "embed"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/utils/llmjson"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

//go:embed prompt/judge.md
var judgePromptRaw string

var judgePromptTmpl = template.Must(template.New("judge").Parse(judgePromptRaw))

var judgeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"score":  {Type: "number"},
		"reason": {Type: "string"},
	},
	Required: []string{"score"},
}

// Judge asks an LLM to grade answer equivalence. Identical texts and texts
// with the same canonical form score 1 without calling the LLM.
type Judge struct {
	llm interfaces.LLMClient
}

var _ interfaces.ReasonScorer = (*Judge)(nil)

func NewJudge(llm interfaces.LLMClient) *Judge {
	return &Judge{llm: llm}
}

func (x *Judge) Score(ctx context.Context, candidate, reference string) (float64, error) {
	score, _, err := x.ScoreReason(ctx, candidate, reference)
	return score, err
}

// ScoreReason grades candidate and returns the reason given by the LLM
func (x *Judge) ScoreReason(ctx context.Context, candidate, reference string) (float64, string, error) {
	if identical(candidate, reference) {
		return 1, "", nil
	}
	c, r := textutil.Canonical(candidate), textutil.Canonical(reference)
	if c == "" || r == "" {
		return 0, "", nil
	}
	if c == r {
		return 1, "", nil
	}

	var buf bytes.Buffer
	if err := judgePromptTmpl.Execute(&buf, map[string]any{
		"Candidate": candidate,
		"Reference": reference,
	}); err != nil {
		return 0, "", goerr.Wrap(err, "failed to execute judge prompt template")
	}

	text, err := x.llm.Complete(ctx, buf.String(),
		interfaces.WithSchema(judgeSchema),
		interfaces.WithTemperature(0),
	)
	if err != nil {
		return 0, "", goerr.Wrap(err, "failed to judge answer")
	}

	var resp struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := llmjson.Decode(text, judgeSchema, &resp); err != nil {
		return 0, "", goerr.Wrap(err, "failed to parse judgement")
	}

	logging.From(ctx).Debug("answer judged", "candidate", candidate, "reference", reference, "score", resp.Score, "reason", resp.Reason)
	return clamp(resp.Score), resp.Reason, nil
}
