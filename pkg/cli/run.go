package cli

import (
	"context"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/memaudit/pkg/usecase/session"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func runCommand() *cli.Command {
	var (
		cfg       config
		input     string
		userID    string
		sessionID string
		format    string
	)

	flags := inputFlags(&input, &userID, &sessionID)
	flags = append(flags, &cli.StringFlag{
		Name:        "format",
		Aliases:     []string{"f"},
		Usage:       "Output format (text, json)",
		Value:       "text",
		Sources:     cli.EnvVars("MEMAUDIT_FORMAT"),
		Destination: &format,
	})
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, pipelineFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, outputFlags(&cfg)...)

	return &cli.Command{
		Name:  "run",
		Usage: "Build memory from a dialogue, evaluate it and reconstruct it when needed",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			file, err := loadInput(input, userID, sessionID)
			if err != nil {
				return err
			}

			p, err := cfg.pipeline(c)
			if err != nil {
				return err
			}

			// Initialize dependencies
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

			evaluator, err := cfg.newEvaluator(ctx, llm, p)
			if err != nil {
				return err
			}

			orchestrator, err := cfg.newOrchestrator(ctx, mem, evaluator, p)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Suffix = " evaluating memory of " + file.UserID
			s.Start()
			result, runErr := orchestrator.Run(ctx, &session.Input{
				UserID:    file.UserID,
				SessionID: file.SessionID,
				Dialogue:  file.Dialogue,
			})
			s.Stop()

			if result != nil {
				if format == "json" {
					if err := writeJSON(c.Root().Writer, result); err != nil {
						return err
					}
				} else {
					printReport(c.Root().Writer, result)
				}
			}
			return runErr
		},
	}
}
