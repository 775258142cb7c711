package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/service/mcp"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg       config
		mode      string
		transport string
		addr      string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "Exposed tools: pipeline (run_session, evaluate_session) or memory (search, build_memory, add_memory, list_memories)",
			Value:       "pipeline",
			Sources:     cli.EnvVars("MEMAUDIT_SERVE_MODE"),
			Destination: &mode,
		},
		&cli.StringFlag{
			Name:        "transport",
			Usage:       "MCP transport (stdio, http)",
			Value:       "stdio",
			Sources:     cli.EnvVars("MEMAUDIT_SERVE_TRANSPORT"),
			Destination: &transport,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of the http transport",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("MEMAUDIT_SERVE_ADDR"),
			Destination: &addr,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, pipelineFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, outputFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the pipeline or the reference memory system over MCP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := cfg.pipeline(c)
			if err != nil {
				return err
			}

			llm, err := cfg.newLLM(ctx)
			if err != nil {
				return err
			}

			mem, closer, err := cfg.newMemory(ctx, llm, p)
			if err != nil {
				return err
			}
			defer func() {
				if err := closer.Close(); err != nil {
					logging.From(ctx).Warn("failed to close memory system", "error", err)
				}
			}()

			switch mode {
			case "memory":
				if cfg.memory == "mcp" {
					return goerr.New("memory mode serves the reference memory system, choose chromem or firestore")
				}
				return mcp.Serve(ctx, mcp.NewMemoryServer(mem), transport, addr)

			case "pipeline":
				evaluator, err := cfg.newEvaluator(ctx, llm, p)
				if err != nil {
					return err
				}
				orchestrator, err := cfg.newOrchestrator(ctx, mem, evaluator, p)
				if err != nil {
					return err
				}
				return mcp.Serve(ctx, mcp.NewPipelineServer(orchestrator, evaluator, mem), transport, addr)

			default:
				return goerr.New("unsupported serve mode", goerr.V("mode", mode), goerr.V("supported", []string{"pipeline", "memory"}))
			}
		},
	}
}
