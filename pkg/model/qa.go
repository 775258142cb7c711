package model

import (
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type QAID string

// NewQAID generates a new unique QAID
func NewQAID() QAID {
	return QAID(uuid.New().String())
}

// Span references turns [Start, End] (inclusive) of a dialogue
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// QAPair is a probing question and its ground-truth answer taken from a
// dialogue. It is not modified after the Challenger returns it.
type QAPair struct {
	ID         QAID   `json:"qa_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Category   string `json:"category,omitempty"`
	SourceSpan *Span  `json:"source_span,omitempty"`
}

// Validate checks that both question and answer are present
func (q *QAPair) Validate() error {
	if q.Question == "" {
		return goerr.New("question is empty", goerr.V("qa_id", q.ID))
	}
	if q.Answer == "" {
		return goerr.New("answer is empty", goerr.V("qa_id", q.ID), goerr.V("question", q.Question))
	}
	return nil
}

// FailureReason tells why an answer attempt did not pass
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureNotFound      FailureReason = "NOT_FOUND"
	FailureLowSimilarity FailureReason = "LOW_SIMILARITY"
	FailureEmptyAnswer   FailureReason = "EMPTY_ANSWER"
)

// AnswerAttempt is the outcome of asking the memory system one QA question.
// Attempts of a later evaluation run supersede earlier ones; they are never
// updated in place.
type AnswerAttempt struct {
	QA              *QAPair       `json:"qa"`
	RetrievedAnswer string        `json:"retrieved_answer"`
	Similarity      float64       `json:"similarity"`
	Passed          bool          `json:"passed"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	// ScoreReason is the explanation of the scorer, if it gives one.
	ScoreReason string `json:"score_reason,omitempty"`
	// Error keeps the collaborator error message when search or scoring failed.
	Error string `json:"error,omitempty"`
}
