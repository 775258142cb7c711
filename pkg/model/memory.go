package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// Metadata keys and values written by the pipeline
const (
	MetaSource     = "source"
	MetaSummary    = "summary"
	MetaQuestion   = "question"
	MetaTrueAnswer = "true_answer"
	MetaType       = "type"

	SourceDialogueSummarization = "dialogue_summarization"
	SourceCorrection            = "correction"
	TypeQACorrection            = "qa_correction"
)

// MemoryRecord is one entry of a user's memory. Records are owned by the
// memory system; the pipeline only adds correction records.
type MemoryRecord struct {
	ID        MemoryID           `json:"memory_id" firestore:"id"`
	UserID    string             `json:"user_id" firestore:"user_id"`
	Content   string             `json:"content" firestore:"content"`
	Metadata  map[string]string  `json:"metadata" firestore:"metadata"`
	Embedding firestore.Vector32 `json:"-" firestore:"embedding"`
	CreatedAt time.Time          `json:"created_at" firestore:"created_at"`
}

// IsCorrection reports whether the record is a QA correction record
func (r *MemoryRecord) IsCorrection() bool {
	return r.Metadata[MetaSource] == SourceCorrection
}

// NewCorrectionRecord builds the correction record for a failed QA pair
func NewCorrectionRecord(userID string, qa *QAPair) *MemoryRecord {
	return &MemoryRecord{
		ID:       NewMemoryID(),
		UserID:   userID,
		Content:  CorrectionContent(qa),
		Metadata: CorrectionMetadata(qa),
	}
}

// CorrectionContent is the text stored for a correction record
func CorrectionContent(qa *QAPair) string {
	return "Question: " + qa.Question + " Correct Answer: " + qa.Answer + "."
}

// CorrectionMetadata is the metadata stored for a correction record
func CorrectionMetadata(qa *QAPair) map[string]string {
	return map[string]string{
		MetaSource:     SourceCorrection,
		MetaQuestion:   qa.Question,
		MetaTrueAnswer: qa.Answer,
		MetaType:       TypeQACorrection,
	}
}

// BuildStatus is the outcome of building memory from a dialogue
type BuildStatus string

const (
	BuildStatusBuilt BuildStatus = "built"
	BuildStatusError BuildStatus = "error"
)

// BuildResult is returned by a memory system after building memory
type BuildResult struct {
	Status        BuildStatus `json:"status"`
	Summary       string      `json:"summary"`
	MemoriesCount int         `json:"memories_count"`
	TotalMemories int         `json:"total_memories,omitempty"`
}

// SearchMethod selects how a memory system retrieves records
type SearchMethod string

const (
	SearchVector  SearchMethod = "vector"
	SearchKeyword SearchMethod = "keyword"
	SearchHybrid  SearchMethod = "hybrid"
)

// Validate checks the search method
func (m SearchMethod) Validate() error {
	switch m {
	case SearchVector, SearchKeyword, SearchHybrid:
		return nil
	default:
		return ErrInvalidSearchMethod
	}
}

func (id MemoryID) String() string {
	return string(id)
}
