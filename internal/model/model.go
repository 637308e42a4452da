package model

import "time"

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// SessionStatus represents the lifecycle state of a generation session.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusGenerating SessionStatus = "generating"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether a session in this status accepts no further mutation.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MCQRecord is a validated multiple-choice question produced by one batch.
// CorrectOption always equals one of the four option texts after trimming.
type MCQRecord struct {
	QuestionText    string  `json:"question_text"`
	OptionA         string  `json:"option_a"`
	OptionB         string  `json:"option_b"`
	OptionC         string  `json:"option_c"`
	OptionD         string  `json:"option_d"`
	CorrectOption   string  `json:"correct_option"`
	Explanation     string  `json:"explanation,omitempty"`
	BatchID         int     `json:"batch_id"`
	SequenceInBatch int     `json:"sequence_in_batch"`
	SourceChunkIDs  []int64 `json:"source_chunk_ids,omitempty"`
}

// Options returns the four option texts in order.
func (r MCQRecord) Options() []string {
	return []string{r.OptionA, r.OptionB, r.OptionC, r.OptionD}
}

// OwnerRefs identifies the caller-side objects a session was created for.
// The orchestrator treats these as opaque.
type OwnerRefs struct {
	TestID      string `json:"test_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`
	SubjectID   string `json:"subject_id"`
}

// GenerationRequest describes one asynchronous generation job.
type GenerationRequest struct {
	Subject        string     `json:"subject"`
	TotalQuestions int        `json:"total_questions"`
	BatchSize      int        `json:"batch_size"`
	InitialCount   int        `json:"initial_count"`
	Difficulty     Difficulty `json:"difficulty"`
	Owner          OwnerRefs  `json:"owner"`
}

// SessionInfo is the immutable identity of a session returned at creation.
type SessionInfo struct {
	ID        string        `json:"id"`
	Subject   string        `json:"subject"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// ProgressSnapshot is a synchronized point-in-time view of a session.
// Questions holds at most InitialCount records so a caller can begin
// consuming before the session completes.
type ProgressSnapshot struct {
	SessionID       string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	Generated       int           `json:"generated"`
	Total           int           `json:"total"`
	ProgressPercent float64       `json:"progress_percent"`
	Questions       []MCQRecord   `json:"questions"`
	CanUsePartial   bool          `json:"can_use_partial"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// SearchHit is a single similarity-query result from a subject partition.
type SearchHit struct {
	ChunkID   int64   `json:"chunk_id"`
	ChunkText string  `json:"chunk_text"`
	Score     float64 `json:"score"`
}

// PartitionStats describes a built subject partition.
type PartitionStats struct {
	Subject     string    `json:"subject"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	StoragePath string    `json:"storage_path"`
}

// RetrievalContext is the grounding text assembled for one generation batch.
type RetrievalContext struct {
	Subject        string  `json:"subject"`
	TokenBudget    int     `json:"token_budget"`
	Text           string  `json:"text"`
	SourceChunkIDs []int64 `json:"source_chunk_ids"`
}
