package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/m-mizutani/memaudit/pkg/model"
)

func printSummary(w io.Writer, title string, s *model.EvaluationSummary) {
	fmt.Fprintf(w, "=== %s ===\n", title)
	fmt.Fprintf(w, "Pass rate: %.1f%% (%d/%d)\n", s.PassRate, s.PassedCount, s.QAPairsCount)

	failed := s.Failed()
	if len(failed) == 0 {
		return
	}
	reasons := make([]string, 0, len(s.FailureCounts))
	for reason := range s.FailureCounts {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	fmt.Fprintf(w, "Failure types:")
	for _, reason := range reasons {
		fmt.Fprintf(w, " %s=%d", reason, s.FailureCounts[model.FailureReason(reason)])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Failed questions:\n")
	for _, a := range failed {
		fmt.Fprintf(w, "  [%s] %s\n", a.FailureReason, a.QA.Question)
		fmt.Fprintf(w, "    expected:   %s\n", a.QA.Answer)
		fmt.Fprintf(w, "    got:        %s\n", a.RetrievedAnswer)
		fmt.Fprintf(w, "    similarity: %.2f\n", a.Similarity)
		if a.ScoreReason != "" {
			fmt.Fprintf(w, "    reason:     %s\n", a.ScoreReason)
		}
		if a.Error != "" {
			fmt.Fprintf(w, "    error:      %s\n", a.Error)
		}
	}
}

// printReport writes the console report of a session
func printReport(w io.Writer, r *model.SessionResult) {
	fmt.Fprintf(w, "Session %s (user %s): %s\n", r.SessionID, r.UserID, r.State)
	if r.FailedStage != "" {
		fmt.Fprintf(w, "Failed at stage: %s\n", r.FailedStage)
	}
	if r.Build != nil {
		fmt.Fprintf(w, "Memories built: %d\n", r.Build.MemoriesCount)
	}

	if r.InitialSummary != nil {
		fmt.Fprintln(w)
		printSummary(w, "Initial evaluation", r.InitialSummary)
	}

	switch {
	case r.ReconstructionError != "":
		fmt.Fprintf(w, "\nReconstruction failed: %s\n", r.ReconstructionError)
		fmt.Fprintf(w, "Final pass rate stays at %.1f%%\n", r.InitialSummary.PassRate)
	case r.Reconstructed && r.PostSummary != nil:
		fmt.Fprintln(w)
		printSummary(w, "After reconstruction", r.PostSummary)
		fmt.Fprintf(w, "Improvement: %+.1f points\n", r.PostSummary.PassRate-r.InitialSummary.PassRate)
	case r.InitialSummary != nil:
		fmt.Fprintf(w, "\nNo reconstruction needed\n")
	}

	if len(r.Artifacts) > 0 {
		names := make([]string, 0, len(r.Artifacts))
		for name := range r.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(w, "\nArtifacts:\n")
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %s\n", name, r.Artifacts[name])
		}
	}
}

// PrintReportForTest exposes printReport to tests
func PrintReportForTest(w io.Writer, r *model.SessionResult) {
	printReport(w, r)
}
