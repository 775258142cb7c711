package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func evaluateCommand() *cli.Command {
	var (
		cfg       config
		input     string
		userID    string
		sessionID string
		build     bool
		format    string
	)

	flags := inputFlags(&input, &userID, &sessionID)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "build",
			Usage:       "Build memory from the dialogue before evaluation",
			Sources:     cli.EnvVars("MEMAUDIT_BUILD"),
			Destination: &build,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "Output format (text, json)",
			Value:       "text",
			Sources:     cli.EnvVars("MEMAUDIT_FORMAT"),
			Destination: &format,
		},
	)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, pipelineFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "evaluate",
		Usage: "Evaluate how well memory recalls a dialogue without reconstruction",
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

			if build {
				if _, err := mem.BuildMemory(ctx, file.UserID, file.Dialogue); err != nil {
					return goerr.Wrap(model.Classify(model.ErrBuildFailed, err), "failed to build memory")
				}
			}

			summary, need, err := evaluator.EvaluateSession(ctx, mem, file.UserID, file.Dialogue)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if format == "json" {
				return writeJSON(w, map[string]any{
					"user_id":          file.UserID,
					"summary":          summary,
					"need_reconstruct": need,
				})
			}

			printSummary(w, "Evaluation", summary)
			fmt.Fprintf(w, "Need reconstruction: %t (threshold %.1f%%)\n", need, evaluator.PassRateThreshold())
			return nil
		},
	}
}
