// Package session runs the build, evaluate and reconstruct pipeline for one
// dialogue session.
package session

import (
	"context"
	"encoding/json"
	"path"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/adapter"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/usecase/repair"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
)

// Evaluator grades a memory system against a dialogue
type Evaluator interface {
	EvaluateSession(ctx context.Context, mem interfaces.MemorySystem, userID string, dialogue model.Dialogue) (*model.EvaluationSummary, bool, error)
	EvaluatePairs(ctx context.Context, mem interfaces.MemorySystem, userID string, pairs []*model.QAPair) *model.EvaluationSummary
}

// Repairer filters a dialogue to failed topics and reconstructs memory
type Repairer interface {
	Update(ctx context.Context, userID string, dialogue model.Dialogue, failedQA []*model.QAPair, reasons []model.FailureReason) model.Dialogue
	Reconstruct(ctx context.Context, mem interfaces.MemorySystem, userID string, filtered model.Dialogue, failedQA []*model.QAPair) (*repair.Reconstruction, error)
}

// ResultExporter persists result records outside the artifact storage
type ResultExporter interface {
	Export(ctx context.Context, record *model.ResultRecord) error
}

// Orchestrator drives one session through
// build -> evaluate_initial -> [reconstruct -> evaluate_final] -> done.
// Reconstruction runs at most once per session.
type Orchestrator struct {
	mem       interfaces.MemorySystem
	evaluator Evaluator
	repairer  Repairer

	storage        adapter.Storage
	exporter       ResultExporter
	reuseQuestions bool
}

type Option func(*Orchestrator)

// WithStorage writes memory snapshots and the result record to storage
func WithStorage(storage adapter.Storage) Option {
	return func(o *Orchestrator) {
		o.storage = storage
	}
}

// WithExporter exports the result record of every completed session
func WithExporter(exporter ResultExporter) Option {
	return func(o *Orchestrator) {
		o.exporter = exporter
	}
}

// WithReuseQuestions makes the final evaluation ask the initial QA set again
// instead of generating a new one
func WithReuseQuestions(reuse bool) Option {
	return func(o *Orchestrator) {
		o.reuseQuestions = reuse
	}
}

func New(mem interfaces.MemorySystem, evaluator Evaluator, repairer Repairer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		mem:       mem,
		evaluator: evaluator,
		repairer:  repairer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Input is one session to process
type Input struct {
	UserID    string
	SessionID string
	Dialogue  model.Dialogue
}

// Snapshot is the memory artifact of a session
type Snapshot struct {
	UserID    string                `json:"user_id"`
	SessionID string                `json:"session_id"`
	Stage     string                `json:"stage"`
	Build     *model.BuildResult    `json:"build,omitempty"`
	Memories  []*model.MemoryRecord `json:"memories"`
}

// Run processes input. A fatal failure returns the partial result together
// with an error; result.FailedStage names the failed stage. A failed
// reconstruction is not fatal: the session completes with the initial
// summary as final summary and ReconstructionError set.
func (o *Orchestrator) Run(ctx context.Context, input *Input) (*model.SessionResult, error) {
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	result := &model.SessionResult{
		UserID:    input.UserID,
		SessionID: sessionID,
		State:     model.StateBuild,
	}

	ctx = logging.WithAttrs(ctx, "user_id", input.UserID, "session_id", sessionID)
	logger := logging.From(ctx)
	logger.Info("session started", "turns", len(input.Dialogue))

	build, err := o.mem.BuildMemory(ctx, input.UserID, input.Dialogue)
	if err != nil {
		result.State = model.StateBuildFailed
		result.FailedStage = model.StateBuild
		return result, goerr.Wrap(model.Classify(model.ErrBuildFailed, err), "failed to build memory",
			goerr.V("user_id", input.UserID), goerr.V("session_id", sessionID))
	}
	result.Build = build
	logger.Info("memory built", "memories_count", build.MemoriesCount, "total_memories", build.TotalMemories)

	result.State = model.StateEvaluateInitial
	initial, need, err := o.evaluator.EvaluateSession(ctx, o.mem, input.UserID, input.Dialogue)
	if err != nil {
		return o.fail(result, model.StateEvaluateInitial, err)
	}
	result.InitialSummary = initial
	result.FinalSummary = initial

	if need {
		if err := o.reconstruct(ctx, input, result); err != nil {
			return result, err
		}
	} else {
		logger.Info("memory passed, no reconstruction needed", "pass_rate", initial.PassRate)
		o.saveSnapshot(ctx, result, model.ArtifactMemory, build)
	}

	result.State = model.StateDone
	o.finish(ctx, result)
	return result, nil
}

func (o *Orchestrator) fail(result *model.SessionResult, stage model.SessionState, err error) (*model.SessionResult, error) {
	result.State = model.StateFailed
	result.FailedStage = stage
	return result, goerr.Wrap(err, "session failed",
		goerr.V("stage", stage),
		goerr.V("user_id", result.UserID),
		goerr.V("session_id", result.SessionID))
}

// reconstruct runs the reconstruct and evaluate_final stages once. Only a
// final evaluation failure is returned.
func (o *Orchestrator) reconstruct(ctx context.Context, input *Input, result *model.SessionResult) error {
	logger := logging.From(ctx)
	initial := result.InitialSummary

	result.State = model.StateReconstruct
	logger.Info("reconstructing memory", "pass_rate", initial.PassRate, "failed", initial.FailedCount)
	o.saveSnapshot(ctx, result, model.ArtifactMemoryBefore, result.Build)

	failedQA := initial.FailedQA()
	filtered := o.repairer.Update(ctx, input.UserID, input.Dialogue, failedQA, initial.FailureReasons())
	rc, err := o.repairer.Reconstruct(ctx, o.mem, input.UserID, filtered, failedQA)
	if err != nil {
		logger.Warn("reconstruction failed, keeping initial summary", "error", err)
		result.ReconstructionError = err.Error()
		return nil
	}
	result.Reconstructed = true
	o.saveSnapshot(ctx, result, model.ArtifactMemoryAfter, rc.Build)

	result.State = model.StateEvaluateFinal
	var post *model.EvaluationSummary
	if o.reuseQuestions {
		post = o.evaluator.EvaluatePairs(ctx, o.mem, input.UserID, initial.QAPairs())
	} else {
		post, _, err = o.evaluator.EvaluateSession(ctx, o.mem, input.UserID, input.Dialogue)
		if err != nil {
			_, err = o.fail(result, model.StateEvaluateFinal, err)
			return err
		}
	}

	result.PostSummary = post
	result.FinalSummary = post
	logger.Info("memory re-evaluated",
		"initial_pass_rate", initial.PassRate,
		"final_pass_rate", post.PassRate,
	)
	return nil
}

func (o *Orchestrator) artifactKey(result *model.SessionResult, name string) string {
	return path.Join(result.UserID, result.SessionID, name+".json")
}

func (o *Orchestrator) putArtifact(ctx context.Context, result *model.SessionResult, name string, v any) {
	if o.storage == nil {
		return
	}
	logger := logging.From(ctx)
	key := o.artifactKey(result, name)

	w, err := o.storage.Put(ctx, key)
	if err != nil {
		logger.Warn("failed to open artifact", "error", err, "key", key)
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		logger.Warn("failed to write artifact", "error", err, "key", key)
		_ = w.Close()
		return
	}
	if err := w.Close(); err != nil {
		logger.Warn("failed to save artifact", "error", err, "key", key)
		return
	}

	if result.Artifacts == nil {
		result.Artifacts = make(map[string]string)
	}
	result.Artifacts[name] = o.storage.Location(key)
	logger.Debug("artifact saved", "key", key)
}

// saveSnapshot stores the current memory of the user when the memory
// system can list its records
func (o *Orchestrator) saveSnapshot(ctx context.Context, result *model.SessionResult, name string, build *model.BuildResult) {
	if o.storage == nil {
		return
	}
	snapshotter, ok := o.mem.(interfaces.Snapshotter)
	if !ok {
		logging.From(ctx).Debug("memory system cannot list memories, snapshot skipped", "artifact", name)
		return
	}

	records, err := snapshotter.ListMemories(ctx, result.UserID)
	if err != nil {
		logging.From(ctx).Warn("failed to list memories for snapshot", "error", err, "artifact", name)
		return
	}

	o.putArtifact(ctx, result, name, &Snapshot{
		UserID:    result.UserID,
		SessionID: result.SessionID,
		Stage:     name,
		Build:     build,
		Memories:  records,
	})
}

func (o *Orchestrator) finish(ctx context.Context, result *model.SessionResult) {
	record := result.Record()
	o.putArtifact(ctx, result, model.ArtifactResult, record)

	if o.exporter != nil {
		if err := o.exporter.Export(ctx, record); err != nil {
			logging.From(ctx).Warn("failed to export result", "error", err)
		}
	}

	logging.From(ctx).Info("session finished",
		"state", result.State,
		"reconstructed", result.Reconstructed,
		"final_pass_rate", result.FinalSummary.PassRate,
	)
}
