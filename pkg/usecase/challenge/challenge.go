package challenge

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/utils/llmjson"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/m-mizutani/memaudit/pkg/utils/textutil"
)

//go:embed prompt/challenge.md
var challengePromptRaw string

var challengePromptTmpl = template.Must(template.New("challenge").Parse(challengePromptRaw))

const (
	DefaultNumQA      = 5
	DefaultMaxRetries = 2

	// share of an answer's non-numeric keywords that must appear in the dialogue
	groundingRatio = 0.5
)

// Config of the Challenger
type Config struct {
	// NumQA is the number of QA pairs requested per dialogue
	NumQA int `yaml:"num_qa"`
	// MaxRetries bounds the re-generations after a malformed response
	MaxRetries int `yaml:"max_generation_retries"`
	// Temperature of the generation backend. Nil keeps the backend default.
	Temperature *float32 `yaml:"temperature"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		NumQA:      DefaultNumQA,
		MaxRetries: DefaultMaxRetries,
	}
}

// Challenger turns a dialogue into probing QA pairs
type Challenger struct {
	llm interfaces.LLMClient
	cfg Config
}

// New creates a Challenger. Zero or negative config values take defaults.
func New(llm interfaces.LLMClient, cfg Config) *Challenger {
	if cfg.NumQA <= 0 {
		cfg.NumQA = DefaultNumQA
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Challenger{llm: llm, cfg: cfg}
}

// NumQA returns the configured number of QA pairs
func (c *Challenger) NumQA() int {
	return c.cfg.NumQA
}

type rawQAPair struct {
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Category   string `json:"category"`
	SourceTurn *int   `json:"source_turn"`
}

type rawResponse struct {
	QAPairs []rawQAPair `json:"qa_pairs"`
}

var responseSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"qa_pairs": {
			Type: "array",
			Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"question":    {Type: "string", Description: "Question about this session"},
					"answer":      {Type: "string", Description: "Answer stated in the dialogue"},
					"category":    {Type: "string", Description: "fact, opinion, relationship, plan or other"},
					"source_turn": {Type: "integer", Description: "Index of the turn stating the answer"},
				},
				Required: []string{"question", "answer"},
			},
		},
	},
	Required: []string{"qa_pairs"},
}

// GenerateQAPairs returns at most numQA QA pairs grounded in dialogue, in
// generation order. A non-positive numQA means the configured count. The
// backend is called once, plus at most MaxRetries times when its response is
// malformed. A backend error or exhausted retries yield an error wrapping
// model.ErrGenerationFailure.
func (c *Challenger) GenerateQAPairs(ctx context.Context, dialogue model.Dialogue, numQA int) ([]*model.QAPair, error) {
	if numQA <= 0 {
		numQA = c.cfg.NumQA
	}
	if len(dialogue) == 0 {
		return nil, nil
	}

	turns := make([]string, len(dialogue))
	for i, t := range dialogue {
		turns[i] = t.String()
	}

	var buf bytes.Buffer
	if err := challengePromptTmpl.Execute(&buf, map[string]any{
		"NumQA": numQA,
		"Turns": turns,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute challenge prompt template")
	}

	opts := []interfaces.CompleteOption{
		interfaces.WithSystem("You must respond with valid JSON."),
		interfaces.WithSchema(responseSchema),
	}
	if c.cfg.Temperature != nil {
		opts = append(opts, interfaces.WithTemperature(*c.cfg.Temperature))
	}

	logger := logging.From(ctx)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, err := c.llm.Complete(ctx, buf.String(), opts...)
		if err != nil {
			return nil, goerr.Wrap(model.Classify(model.ErrGenerationFailure, err), "failed to generate QA pairs",
				goerr.V("attempt", attempt+1))
		}

		var resp rawResponse
		if err := llmjson.Decode(text, responseSchema, &resp); err != nil {
			if !errors.Is(err, llmjson.ErrMalformed) {
				return nil, goerr.Wrap(model.Classify(model.ErrGenerationFailure, err), "failed to decode QA pairs")
			}
			logger.Warn("malformed QA generation response", "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		pairs := c.refine(ctx, dialogue, resp.QAPairs, numQA)
		logger.Info("QA pairs generated", "requested", numQA, "generated", len(resp.QAPairs), "accepted", len(pairs))
		return pairs, nil
	}

	return nil, goerr.Wrap(model.Classify(model.ErrGenerationFailure, lastErr), "no well-formed QA set after retries",
		goerr.V("attempts", c.cfg.MaxRetries+1))
}

// refine drops empty, duplicate and ungrounded pairs, sets IDs and source
// spans, and keeps at most numQA pairs in order.
func (c *Challenger) refine(ctx context.Context, dialogue model.Dialogue, raws []rawQAPair, numQA int) []*model.QAPair {
	logger := logging.From(ctx)
	dialogueTokens := textutil.TokenSet(dialogue.String())
	seen := make(map[string]struct{})

	var pairs []*model.QAPair
	for _, raw := range raws {
		if len(pairs) == numQA {
			break
		}

		qa := &model.QAPair{
			ID:       model.NewQAID(),
			Question: textutil.Collapse(raw.Question),
			Answer:   textutil.Collapse(raw.Answer),
			Category: raw.Category,
		}
		if err := qa.Validate(); err != nil {
			logger.Debug("drop incomplete QA pair", "error", err)
			continue
		}

		key := textutil.Canonical(qa.Question)
		if _, dup := seen[key]; dup || key == "" {
			logger.Debug("drop duplicate QA pair", "question", qa.Question)
			continue
		}

		if !grounded(qa.Answer, dialogueTokens) {
			logger.Warn("drop QA pair not grounded in dialogue", "question", qa.Question, "answer", qa.Answer)
			continue
		}

		seen[key] = struct{}{}
		qa.SourceSpan = sourceSpan(dialogue, raw.SourceTurn, qa)
		pairs = append(pairs, qa)
	}
	return pairs
}

// grounded reports whether answer is supported by the dialogue tokens: every
// number must appear and at least groundingRatio of the other keywords.
func grounded(answer string, dialogueTokens map[string]struct{}) bool {
	keywords := textutil.Keywords(answer)
	if len(keywords) == 0 {
		// short answers such as "yes" or "no"
		keywords = textutil.Tokens(answer)
	}
	if len(keywords) == 0 {
		return false
	}

	words, found := 0, 0
	for _, kw := range keywords {
		_, ok := dialogueTokens[kw]
		if textutil.IsNumber(kw) {
			if !ok {
				return false
			}
			continue
		}
		words++
		if ok {
			found++
		}
	}
	if words == 0 {
		return true
	}
	return float64(found)/float64(words) >= groundingRatio
}

// sourceSpan uses the turn index given by the backend when it is in range,
// otherwise the turn sharing the most keywords with the pair.
func sourceSpan(dialogue model.Dialogue, turn *int, qa *model.QAPair) *model.Span {
	if turn != nil && *turn >= 0 && *turn < len(dialogue) {
		return &model.Span{Start: *turn, End: *turn}
	}

	keywords := textutil.Keywords(qa.Answer + " " + qa.Question)
	best, bestCount := -1, 0
	for i, t := range dialogue {
		tokens := textutil.TokenSet(t.Text)
		count := 0
		for _, kw := range keywords {
			if _, ok := tokens[kw]; ok {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = i, count
		}
	}
	if best < 0 {
		return nil
	}
	return &model.Span{Start: best, End: best}
}
