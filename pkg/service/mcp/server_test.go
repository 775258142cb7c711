package mcp_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/mock"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/service/mcp"
	"github.com/m-mizutani/memaudit/pkg/usecase/session"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type runnerFunc func(ctx context.Context, input *session.Input) (*model.SessionResult, error)

func (f runnerFunc) Run(ctx context.Context, input *session.Input) (*model.SessionResult, error) {
	return f(ctx, input)
}

type evaluatorFunc func(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error)

func (f evaluatorFunc) EvaluateSession(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error) {
	return f(ctx, mem, userID, dialogue)
}

func connectSDK(t *testing.T, url string) *mcpsdk.ClientSession {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "1.0.0"}, nil)
	cs, err := client.Connect(context.Background(), &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestPipelineServer(t *testing.T) {
	ctx := context.Background()

	var gotInput *session.Input
	runner := runnerFunc(func(ctx context.Context, input *session.Input) (*model.SessionResult, error) {
		gotInput = input
		if input.UserID == "broken" {
			return &model.SessionResult{State: model.StateBuildFailed}, goerr.New("build failed")
		}
		return &model.SessionResult{
			UserID:        input.UserID,
			SessionID:     input.SessionID,
			State:         model.StateDone,
			Reconstructed: true,
		}, nil
	})

	var gotDialogue model.Dialogue
	evaluator := evaluatorFunc(func(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error) {
		gotDialogue = dialogue
		return model.NewEvaluationSummary([]*model.AnswerAttempt{
			{QA: &model.QAPair{Question: "q", Answer: "a"}, FailureReason: model.FailureNotFound},
		}), true, nil
	})

	builds := 0
	mem := &mock.MemorySystem{
		BuildMemoryFunc: func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
			builds++
			return &model.BuildResult{Status: model.BuildStatusBuilt}, nil
		},
	}

	cs := connectSDK(t, serveHTTP(t, mcp.NewPipelineServer(runner, evaluator, mem)))

	tools, err := cs.ListTools(ctx, nil)
	gt.NoError(t, err)
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	gt.True(t, names[mcp.ToolRunSession])
	gt.True(t, names[mcp.ToolEvaluateSession])

	t.Run("run_session", func(t *testing.T) {
		result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
			Name: mcp.ToolRunSession,
			Arguments: map[string]any{
				"user_id":    "u1",
				"session_id": "s1",
				"dialogue":   "user: hello\nassistant: hi",
			},
		})
		gt.NoError(t, err)
		gt.False(t, result.IsError)

		var got model.SessionResult
		decodeText(t, result, &got)
		gt.Equal(t, got.State, model.StateDone)
		gt.True(t, got.Reconstructed)
		gt.Equal(t, gotInput.SessionID, "s1")
		gt.A(t, gotInput.Dialogue).Length(2)
	})

	t.Run("run_session failure", func(t *testing.T) {
		result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
			Name: mcp.ToolRunSession,
			Arguments: map[string]any{
				"user_id":  "broken",
				"dialogue": "user: hello",
			},
		})
		if err == nil {
			gt.True(t, result.IsError)
		}
	})

	t.Run("evaluate_session", func(t *testing.T) {
		result, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
			Name: mcp.ToolEvaluateSession,
			Arguments: map[string]any{
				"user_id":  "u1",
				"dialogue": "user: I'm leaving on March 15th.",
				"build":    true,
			},
		})
		gt.NoError(t, err)
		gt.False(t, result.IsError)

		var got struct {
			Summary         model.EvaluationSummary `json:"summary"`
			NeedReconstruct bool                    `json:"need_reconstruct"`
		}
		decodeText(t, result, &got)
		gt.True(t, got.NeedReconstruct)
		gt.Equal(t, got.Summary.PassRate, 0.0)
		gt.Equal(t, got.Summary.QAPairsCount, 1)
		gt.Equal(t, builds, 1)
		gt.Equal(t, gotDialogue[0].Text, "I'm leaving on March 15th.")
	})
}
