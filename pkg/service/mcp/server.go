package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/usecase/session"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names of the pipeline server
const (
	ToolRunSession      = "run_session"
	ToolEvaluateSession = "evaluate_session"
)

// Runner runs the whole pipeline for a session
type Runner interface {
	Run(ctx context.Context, input *session.Input) (*model.SessionResult, error)
}

// Evaluator evaluates a memory system against a dialogue
type Evaluator interface {
	EvaluateSession(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return textResult(string(raw))
}

func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}, nil, nil
}

type searchParams struct {
	UserID string `json:"user_id" jsonschema:"User whose memory is searched"`
	Query  string `json:"query" jsonschema:"Question to answer from memory"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"Number of memory records used to answer"`
	Method string `json:"method,omitempty" jsonschema:"Retrieval method: vector, keyword or hybrid"`
}

type buildMemoryParams struct {
	UserID   string `json:"user_id" jsonschema:"User who owns the memory"`
	Dialogue string `json:"dialogue" jsonschema:"Dialogue as role: utterance lines"`
}

type addMemoryParams struct {
	UserID   string            `json:"user_id" jsonschema:"User who owns the memory"`
	Content  string            `json:"content" jsonschema:"Memory content"`
	Metadata map[string]string `json:"metadata,omitempty" jsonschema:"Memory metadata"`
}

type listMemoriesParams struct {
	UserID string `json:"user_id" jsonschema:"User who owns the memory"`
}

// NewMemoryServer exposes mem as an MCP memory server. The list_memories
// tool is added when mem implements interfaces.Snapshotter.
func NewMemoryServer(mem interfaces.MemorySystem) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memaudit-memory",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolSearch,
		Description: "Answer a question from the memory of a user. Returns an empty text when memory has no answer.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *searchParams) (*mcp.CallToolResult, any, error) {
		var opts []interfaces.SearchOption
		if params.TopK > 0 {
			opts = append(opts, interfaces.WithTopK(params.TopK))
		}
		if params.Method != "" {
			opts = append(opts, interfaces.WithSearchMethod(model.SearchMethod(params.Method)))
		}

		answer, err := mem.Search(ctx, params.UserID, params.Query, opts...)
		if err != nil {
			return nil, nil, err
		}
		return textResult(answer)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolBuildMemory,
		Description: "Build memory of a user from a dialogue. Existing memory is kept.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *buildMemoryParams) (*mcp.CallToolResult, any, error) {
		result, err := mem.BuildMemory(ctx, params.UserID, model.ParseDialogue(params.Dialogue))
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(result)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolAddMemory,
		Description: "Add one memory record to the memory of a user",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *addMemoryParams) (*mcp.CallToolResult, any, error) {
		id, err := mem.AddMemory(ctx, params.UserID, params.Content, params.Metadata)
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(map[string]any{"memory_id": id})
	})

	if snapshotter, ok := mem.(interfaces.Snapshotter); ok {
		mcp.AddTool(server, &mcp.Tool{
			Name:        ToolListMemories,
			Description: "List all memory records of a user, oldest first",
		}, func(ctx context.Context, req *mcp.CallToolRequest, params *listMemoriesParams) (*mcp.CallToolResult, any, error) {
			records, err := snapshotter.ListMemories(ctx, params.UserID)
			if err != nil {
				return nil, nil, err
			}
			if records == nil {
				records = []*model.MemoryRecord{}
			}
			return jsonResult(map[string]any{"memories": records})
		})
	}

	return server
}

type runSessionParams struct {
	UserID    string `json:"user_id" jsonschema:"User who owns the memory"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session identifier. Generated when omitted"`
	Dialogue  string `json:"dialogue" jsonschema:"Dialogue as role: utterance lines"`
}

type evaluateSessionParams struct {
	UserID   string `json:"user_id" jsonschema:"User who owns the memory"`
	Dialogue string `json:"dialogue" jsonschema:"Dialogue as role: utterance lines"`
	Build    bool   `json:"build,omitempty" jsonschema:"Build memory from the dialogue before evaluation"`
}

// NewPipelineServer exposes the evaluation pipeline as MCP tools
func NewPipelineServer(runner Runner, evaluator Evaluator, mem interfaces.MemorySystem) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memaudit",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolRunSession,
		Description: "Build memory from a dialogue, evaluate it and reconstruct it when the pass rate is below the threshold",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *runSessionParams) (*mcp.CallToolResult, any, error) {
		result, err := runner.Run(ctx, &session.Input{
			UserID:    params.UserID,
			SessionID: params.SessionID,
			Dialogue:  model.ParseDialogue(params.Dialogue),
		})
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(result)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolEvaluateSession,
		Description: "Evaluate how well memory recalls a dialogue without changing memory",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params *evaluateSessionParams) (*mcp.CallToolResult, any, error) {
		dialogue := model.ParseDialogue(params.Dialogue)
		if params.Build {
			if _, err := mem.BuildMemory(ctx, params.UserID, dialogue); err != nil {
				return nil, nil, model.Classify(model.ErrBuildFailed, err)
			}
		}

		summary, need, err := evaluator.EvaluateSession(ctx, mem, params.UserID, dialogue)
		if err != nil {
			return nil, nil, err
		}
		return jsonResult(map[string]any{
			"summary":          summary,
			"need_reconstruct": need,
		})
	})

	return server
}

// Serve runs server on stdio, or on addr with the streamable HTTP transport,
// until ctx is canceled
func Serve(ctx context.Context, server *mcp.Server, transport, addr string) error {
	switch transport {
	case "", "stdio":
		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
			return goerr.Wrap(err, "failed to run stdio server")
		}
		return nil

	case "http":
		handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return server
		}, nil)
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.From(ctx).Info("MCP server listening", "addr", addr)
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return goerr.Wrap(err, "failed to serve MCP", goerr.V("addr", addr))
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown MCP server")
			}
			return nil
		}

	default:
		return goerr.New("unsupported transport",
			goerr.V("transport", transport),
			goerr.V("supported", []string{"stdio", "http"}))
	}
}
