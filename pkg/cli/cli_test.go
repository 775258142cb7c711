package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/cli"
	"github.com/m-mizutani/memaudit/pkg/model"
)

func TestLoadPipeline(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := cli.LoadPipelineForTest("")
		gt.NoError(t, err)
		gt.Equal(t, cfg["num_qa"], any(5))
		gt.Equal(t, cfg["similarity_threshold"], any(0.8))
		gt.Equal(t, cfg["pass_rate_threshold"], any(90.0))
		gt.Equal(t, cfg["max_generation_retries"], any(2))
		gt.Equal(t, cfg["search_top_k"], any(20))
		gt.Equal(t, cfg["search_method"], any("vector"))
		gt.Equal(t, cfg["scorer"], any("lexical"))
		gt.Equal(t, cfg["reuse_questions"], any(false))
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "pipeline.yaml")
		gt.NoError(t, os.WriteFile(p, []byte(`
num_qa: 3
pass_rate_threshold: 75
search_method: hybrid
reuse_questions: true
`), 0o600))

		cfg, err := cli.LoadPipelineForTest(p)
		gt.NoError(t, err)
		gt.Equal(t, cfg["num_qa"], any(3))
		gt.Equal(t, cfg["pass_rate_threshold"], any(75.0))
		gt.Equal(t, cfg["search_method"], any("hybrid"))
		gt.Equal(t, cfg["reuse_questions"], any(true))
		gt.Equal(t, cfg["similarity_threshold"], any(0.8))
	})

	t.Run("invalid search method", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "pipeline.yaml")
		gt.NoError(t, os.WriteFile(p, []byte("search_method: fuzzy\n"), 0o600))
		_, err := cli.LoadPipelineForTest(p)
		gt.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := cli.LoadPipelineForTest(filepath.Join(t.TempDir(), "missing.yaml"))
		gt.Error(t, err)
	})
}

func summary(passed, failed int) *model.EvaluationSummary {
	var attempts []*model.AnswerAttempt
	for i := 0; i < passed; i++ {
		attempts = append(attempts, &model.AnswerAttempt{
			QA:     &model.QAPair{Question: "Where are they going?", Answer: "Japan"},
			Passed: true,
		})
	}
	for i := 0; i < failed; i++ {
		attempts = append(attempts, &model.AnswerAttempt{
			QA:              &model.QAPair{Question: "Who is joining?", Answer: "their sister Emma"},
			RetrievedAnswer: "their brother",
			Similarity:      0.4,
			FailureReason:   model.FailureLowSimilarity,
			ScoreReason:     "different person",
		})
	}
	return model.NewEvaluationSummary(attempts)
}

func TestPrintReport(t *testing.T) {
	t.Run("reconstructed", func(t *testing.T) {
		var buf bytes.Buffer
		initial := summary(3, 2)
		post := summary(5, 0)
		cli.PrintReportForTest(&buf, &model.SessionResult{
			UserID:         "u1",
			SessionID:      "s1",
			State:          model.StateDone,
			Build:          &model.BuildResult{Status: model.BuildStatusBuilt, MemoriesCount: 4},
			InitialSummary: initial,
			Reconstructed:  true,
			PostSummary:    post,
			FinalSummary:   post,
			Artifacts:      map[string]string{model.ArtifactResult: "out/u1/s1/result.json"},
		})

		out := buf.String()
		gt.S(t, out).Contains("Session s1 (user u1): done")
		gt.S(t, out).Contains("Pass rate: 60.0% (3/5)")
		gt.S(t, out).Contains("[LOW_SIMILARITY] Who is joining?")
		gt.S(t, out).Contains("expected:   their sister Emma")
		gt.S(t, out).Contains("similarity: 0.40")
		gt.S(t, out).Contains("reason:     different person")
		gt.S(t, out).Contains("Failure types: LOW_SIMILARITY=2")
		gt.S(t, out).Contains("Pass rate: 100.0% (5/5)")
		gt.S(t, out).Contains("Improvement: +40.0 points")
		gt.S(t, out).Contains("result: out/u1/s1/result.json")
	})

	t.Run("reconstruction failed", func(t *testing.T) {
		var buf bytes.Buffer
		initial := summary(1, 4)
		cli.PrintReportForTest(&buf, &model.SessionResult{
			UserID:              "u1",
			SessionID:           "s1",
			State:               model.StateDone,
			InitialSummary:      initial,
			FinalSummary:        initial,
			ReconstructionError: "reconstruction failure: rate limited",
		})

		out := buf.String()
		gt.S(t, out).Contains("Reconstruction failed: reconstruction failure: rate limited")
		gt.S(t, out).Contains("Final pass rate stays at 20.0%")
		gt.S(t, out).Contains("Failure types: LOW_SIMILARITY=4")
	})

	t.Run("build failed", func(t *testing.T) {
		var buf bytes.Buffer
		cli.PrintReportForTest(&buf, &model.SessionResult{
			UserID:      "u1",
			SessionID:   "s1",
			State:       model.StateBuildFailed,
			FailedStage: model.StateBuild,
		})

		out := buf.String()
		gt.S(t, out).Contains("build_failed")
		gt.S(t, out).Contains("Failed at stage: build")
	})
}

func TestRunRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dialogue := filepath.Join(dir, "dialogue.txt")
	gt.NoError(t, os.WriteFile(dialogue, []byte("user: hello\nassistant: hi\n"), 0o600))
	empty := filepath.Join(dir, "empty.json")
	gt.NoError(t, os.WriteFile(empty, []byte(`{"session_dialogue": []}`), 0o600))

	testCases := map[string][]string{
		"missing input":    {"memaudit", "run"},
		"missing user":     {"memaudit", "run", "--input", dialogue},
		"empty dialogue":   {"memaudit", "run", "--input", empty, "--user-id", "u1"},
		"unknown llm":      {"memaudit", "run", "--input", dialogue, "--user-id", "u1", "--llm", "gpt"},
		"bad method":       {"memaudit", "evaluate", "--input", dialogue, "--user-id", "u1", "--search-method", "fuzzy"},
		"gemini unset":     {"memaudit", "evaluate", "--input", dialogue, "--user-id", "u1", "--gemini-project", ""},
		"unknown memory":   {"memaudit", "run", "--input", dialogue, "--user-id", "u1", "--llm", "claude", "--anthropic-api-key", "x", "--memory", "redis"},
		"missing mcp conf": {"memaudit", "run", "--input", dialogue, "--user-id", "u1", "--llm", "claude", "--anthropic-api-key", "x", "--memory", "mcp"},
	}

	for name, argv := range testCases {
		t.Run(name, func(t *testing.T) {
			err := cli.Run(ctx, argv)
			if err == nil {
				t.Fatal("expected error")
			}
			gt.Equal(t, err.Code, 1)
		})
	}
}
