package model

// SessionState is a state of the session pipeline
type SessionState string

const (
	StateBuild           SessionState = "build"
	StateEvaluateInitial SessionState = "evaluate_initial"
	StateReconstruct     SessionState = "reconstruct"
	StateEvaluateFinal   SessionState = "evaluate_final"
	StateDone            SessionState = "done"

	// Terminal failure states
	StateBuildFailed SessionState = "build_failed"
	StateFailed      SessionState = "failed"
)

// Artifact keys of SessionResult.Artifacts
const (
	ArtifactMemoryBefore = "memory_before"
	ArtifactMemoryAfter  = "memory_after"
	ArtifactMemory       = "memory"
	ArtifactResult       = "result"
)

// SessionResult is the root aggregate of one pipeline run
type SessionResult struct {
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`

	// FailedStage is set when the session ended in a fatal error
	FailedStage SessionState `json:"failed_stage,omitempty"`

	Build          *BuildResult       `json:"build,omitempty"`
	InitialSummary *EvaluationSummary `json:"initial_summary,omitempty"`

	Reconstructed       bool               `json:"reconstructed"`
	ReconstructionError string             `json:"reconstruction_error,omitempty"`
	PostSummary         *EvaluationSummary `json:"post_summary,omitempty"`

	// FinalSummary is PostSummary when reconstruction ran, InitialSummary otherwise
	FinalSummary *EvaluationSummary `json:"final_summary,omitempty"`

	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// ReconstructAttempted reports whether the reconstruction stage ran
func (r *SessionResult) ReconstructAttempted() bool {
	return r.Reconstructed || r.ReconstructionError != ""
}

// AfterReconstruct is the post-reconstruction part of a result record
type AfterReconstruct struct {
	PassRate     float64 `json:"pass_rate"`
	Passed       int     `json:"passed"`
	QAPairsCount int     `json:"qa_pairs_count"`
}

// ResultRecord is the persisted, flat form of a SessionResult
type ResultRecord struct {
	UserID           string            `json:"user_id"`
	SessionID        string            `json:"session_id"`
	InitialPassRate  float64           `json:"initial_pass_rate"`
	Reconstructed    bool              `json:"reconstructed"`
	AfterReconstruct *AfterReconstruct `json:"after_reconstruct,omitempty"`
}

// Record converts the result into its persisted record. AfterReconstruct is
// set only when reconstruction succeeded and a post summary exists.
func (r *SessionResult) Record() *ResultRecord {
	rec := &ResultRecord{
		UserID:        r.UserID,
		SessionID:     r.SessionID,
		Reconstructed: r.Reconstructed,
	}
	if r.InitialSummary != nil {
		rec.InitialPassRate = r.InitialSummary.PassRate
	}
	if r.Reconstructed && r.PostSummary != nil {
		rec.AfterReconstruct = &AfterReconstruct{
			PassRate:     r.PostSummary.PassRate,
			Passed:       r.PostSummary.PassedCount,
			QAPairsCount: r.PostSummary.QAPairsCount,
		}
	}
	return rec
}
