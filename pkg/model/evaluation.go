package model

// EvaluationSummary aggregates one evaluation run. It is derived from the
// attempts and recomputed on every run.
type EvaluationSummary struct {
	QAPairsCount int              `json:"qa_pairs_count"`
	PassedCount  int              `json:"passed"`
	FailedCount  int              `json:"failed"`
	PassRate     float64          `json:"pass_rate"`
	Attempts     []*AnswerAttempt `json:"attempts"`

	// FailureCounts is the number of failed attempts per failure reason
	FailureCounts map[FailureReason]int `json:"failure_types,omitempty"`
}

// NewEvaluationSummary builds a summary from attempts kept in the given
// order. With no attempts the pass rate is 100: there is no evidence of
// failure.
func NewEvaluationSummary(attempts []*AnswerAttempt) *EvaluationSummary {
	s := &EvaluationSummary{
		QAPairsCount: len(attempts),
		Attempts:     attempts,
	}
	for _, a := range attempts {
		if a.Passed {
			s.PassedCount++
			continue
		}
		if s.FailureCounts == nil {
			s.FailureCounts = make(map[FailureReason]int)
		}
		s.FailureCounts[a.FailureReason]++
	}
	s.FailedCount = s.QAPairsCount - s.PassedCount

	if s.QAPairsCount == 0 {
		s.PassRate = 100
	} else {
		s.PassRate = 100 * float64(s.PassedCount) / float64(s.QAPairsCount)
	}
	return s
}

// Failed returns the attempts that did not pass, in evaluation order
func (s *EvaluationSummary) Failed() []*AnswerAttempt {
	var failed []*AnswerAttempt
	for _, a := range s.Attempts {
		if !a.Passed {
			failed = append(failed, a)
		}
	}
	return failed
}

// FailedQA returns the QA pairs of failed attempts
func (s *EvaluationSummary) FailedQA() []*QAPair {
	failed := s.Failed()
	pairs := make([]*QAPair, 0, len(failed))
	for _, a := range failed {
		pairs = append(pairs, a.QA)
	}
	return pairs
}

// FailureReasons returns the failure reason of each failed attempt, aligned
// with FailedQA
func (s *EvaluationSummary) FailureReasons() []FailureReason {
	failed := s.Failed()
	reasons := make([]FailureReason, 0, len(failed))
	for _, a := range failed {
		reasons = append(reasons, a.FailureReason)
	}
	return reasons
}

// QAPairs returns the evaluated QA pairs in order
func (s *EvaluationSummary) QAPairs() []*QAPair {
	pairs := make([]*QAPair, 0, len(s.Attempts))
	for _, a := range s.Attempts {
		pairs = append(pairs, a.QA)
	}
	return pairs
}
