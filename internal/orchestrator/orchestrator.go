// Package orchestrator owns generation sessions: it runs batched question
// generation in the background and exposes progress snapshots with
// partial-result semantics.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyprep/mcqgen/internal/generation"
	"github.com/studyprep/mcqgen/internal/index"
	"github.com/studyprep/mcqgen/internal/mcq"
	"github.com/studyprep/mcqgen/internal/model"
)

var (
	// ErrSessionNotFound means the session id is not in the live set.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotPending means background generation was already started.
	ErrNotPending = errors.New("session is not pending")

	// errGenerationTimeout marks a batch attempt that hit its deadline.
	// Fatal without retry: a backend that hangs once will likely hang again
	// and the retry would strand the session for another full deadline.
	errGenerationTimeout = errors.New("generation timed out")
)

// ContextProvider supplies grounding context for a batch. Invalidate forces
// the next read to recompute (the fresh draw used on batch retry).
type ContextProvider interface {
	Context(ctx context.Context, subject string, tokenBudget int) (model.RetrievalContext, error)
	Invalidate(subject string)
}

// HealthChecker gates generation on backend and model availability.
type HealthChecker interface {
	EnsureModelAvailable(ctx context.Context, name string, autoPull bool, progress func(status string)) (bool, string)
}

// Generator produces raw text for one batch prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds orchestrator settings.
type Config struct {
	Model        string
	AutoPull     bool
	TokenBudget  int           // 0 means 2000
	BatchTimeout time.Duration // deadline per batch attempt, 0 means 2m
}

// session is mutated only under the orchestrator mutex; the heavy work
// (context draws, generation calls, parsing) happens outside it.
type session struct {
	id          string
	req         model.GenerationRequest
	status      model.SessionStatus
	questions   []model.MCQRecord
	errMsg      string
	cancelled   bool
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

// Orchestrator manages the live session set and their background workers.
type Orchestrator struct {
	cfg      Config
	contexts ContextProvider
	health   HealthChecker
	gen      Generator

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an orchestrator with the given collaborators.
func New(cfg Config, contexts ContextProvider, health HealthChecker, gen Generator) *Orchestrator {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 2000
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:      cfg,
		contexts: contexts,
		health:   health,
		gen:      gen,
		sessions: make(map[string]*session),
	}
}

// CreateSession registers a pending session and returns its handle. No work
// is enqueued until StartBackgroundGeneration.
func (o *Orchestrator) CreateSession(req model.GenerationRequest) (model.SessionInfo, error) {
	if req.Subject == "" {
		return model.SessionInfo{}, fmt.Errorf("subject is required")
	}
	if req.TotalQuestions <= 0 {
		return model.SessionInfo{}, fmt.Errorf("total questions must be positive")
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 5
	}
	if req.InitialCount <= 0 {
		req.InitialCount = min(req.BatchSize, req.TotalQuestions)
	}
	if req.InitialCount > req.TotalQuestions {
		req.InitialCount = req.TotalQuestions
	}
	req.Subject = index.Normalize(req.Subject)
	req.Owner.SubjectID = req.Subject

	s := &session{
		id:        uuid.NewString(),
		req:       req,
		status:    model.StatusPending,
		createdAt: time.Now(),
	}

	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	slog.Info("created generation session",
		"session", s.id,
		"subject", req.Subject,
		"total", req.TotalQuestions,
		"batch_size", req.BatchSize,
	)
	return model.SessionInfo{ID: s.id, Subject: req.Subject, Status: s.status, CreatedAt: s.createdAt}, nil
}

// StartBackgroundGeneration moves a pending session to generating and
// launches its worker. The caller returns immediately.
func (o *Orchestrator) StartBackgroundGeneration(sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.status != model.StatusPending {
		o.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, ErrNotPending)
	}
	s.status = model.StatusGenerating
	s.startedAt = time.Now()
	o.mu.Unlock()

	go o.run(s)
	return nil
}

// Progress returns a synchronized snapshot of the session, including a
// prefix of questions up to the configured initial count.
func (o *Orchestrator) Progress(sessionID string) (model.ProgressSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return model.ProgressSnapshot{}, ErrSessionNotFound
	}

	generated := len(s.questions)
	prefix := generated
	if prefix > s.req.InitialCount {
		prefix = s.req.InitialCount
	}
	questions := make([]model.MCQRecord, prefix)
	copy(questions, s.questions[:prefix])

	return model.ProgressSnapshot{
		SessionID:       s.id,
		Status:          s.status,
		Generated:       generated,
		Total:           s.req.TotalQuestions,
		ProgressPercent: float64(generated) / float64(s.req.TotalQuestions) * 100,
		Questions:       questions,
		CanUsePartial:   generated >= s.req.InitialCount,
		ErrorMessage:    s.errMsg,
	}, nil
}

// Results returns all accumulated records for a session, in append order.
func (o *Orchestrator) Results(sessionID string) ([]model.MCQRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]model.MCQRecord, len(s.questions))
	copy(out, s.questions)
	return out, nil
}

// Cancel requests cooperative cancellation. A batch in flight completes
// first; a session that never started is cancelled immediately. Cancelling a
// terminal session is a no-op.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.status.Terminal() {
		return nil
	}
	if s.status == model.StatusPending {
		s.status = model.StatusCancelled
		s.completedAt = time.Now()
		return nil
	}
	s.cancelled = true
	slog.Info("cancellation requested", "session", sessionID)
	return nil
}

// Cleanup removes a session from the live set.
func (o *Orchestrator) Cleanup(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(o.sessions, sessionID)
	return nil
}

// Sessions lists the live sessions, newest first.
func (o *Orchestrator) Sessions() []model.SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	infos := make([]model.SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		infos = append(infos, model.SessionInfo{
			ID:        s.id,
			Subject:   s.req.Subject,
			Status:    s.status,
			CreatedAt: s.createdAt,
		})
	}
	return infos
}

// SweepTerminal removes terminal sessions that finished longer than
// olderThan ago and returns how many were removed.
func (o *Orchestrator) SweepTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, s := range o.sessions {
		if s.status.Terminal() && s.completedAt.Before(cutoff) {
			delete(o.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("swept terminal sessions", "removed", removed)
	}
	return removed
}

// run is the per-session worker. It is the only goroutine that appends
// questions or moves a generating session to a terminal state.
func (o *Orchestrator) run(s *session) {
	ok, msg := o.health.EnsureModelAvailable(context.Background(), o.cfg.Model, o.cfg.AutoPull, func(status string) {
		slog.Info("model provisioning", "session", s.id, "status", status)
	})
	if !ok {
		o.fail(s, fmt.Sprintf("generation backend unavailable: %s", msg))
		return
	}

	batchID := 0
	for {
		o.mu.Lock()
		if s.cancelled {
			s.status = model.StatusCancelled
			s.completedAt = time.Now()
			generated := len(s.questions)
			o.mu.Unlock()
			slog.Info("session cancelled", "session", s.id, "generated", generated)
			return
		}
		remaining := s.req.TotalQuestions - len(s.questions)
		o.mu.Unlock()

		if remaining <= 0 {
			break
		}
		size := min(s.req.BatchSize, remaining)

		records, err := o.runBatch(s, batchID, size)
		if err != nil && errors.Is(err, errGenerationTimeout) {
			o.fail(s, err.Error())
			return
		}
		if err != nil || len(records) == 0 {
			// One retry with a fresh context draw before giving up.
			if err != nil {
				slog.Warn("batch attempt failed, retrying", "session", s.id, "batch", batchID, "error", err)
			}
			o.contexts.Invalidate(s.req.Subject)
			records, err = o.runBatch(s, batchID, size)
			if err != nil {
				o.fail(s, err.Error())
				return
			}
			if len(records) == 0 {
				o.fail(s, fmt.Sprintf("batch %d produced no valid questions after retry", batchID))
				return
			}
		}
		if len(records) > remaining {
			records = records[:remaining]
		}

		o.mu.Lock()
		s.questions = append(s.questions, records...)
		generated := len(s.questions)
		o.mu.Unlock()

		slog.Info("batch appended",
			"session", s.id,
			"batch", batchID,
			"accepted", len(records),
			"generated", generated,
			"total", s.req.TotalQuestions,
		)
		batchID++
	}

	o.mu.Lock()
	s.status = model.StatusCompleted
	s.completedAt = time.Now()
	o.mu.Unlock()
	slog.Info("session completed", "session", s.id, "total", s.req.TotalQuestions)
}

// runBatch performs one bounded generation attempt: context draw, prompt,
// backend call, parse, validate. A deadline bounds the whole attempt so a
// hung backend call cannot strand the session in generating forever.
func (o *Orchestrator) runBatch(s *session, batchID, size int) ([]model.MCQRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BatchTimeout)
	defer cancel()

	rctx, err := o.contexts.Context(ctx, s.req.Subject, o.cfg.TokenBudget)
	if err != nil {
		// No context is degraded, not fatal: generation proceeds ungrounded.
		slog.Warn("no retrieval context available", "session", s.id, "subject", s.req.Subject, "error", err)
		rctx = model.RetrievalContext{Subject: s.req.Subject}
	}

	prompt := generation.BuildPrompt(s.req.Subject, s.req.Difficulty, size, rctx.Text)
	raw, err := o.gen.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch %d: %w after %s", batchID, errGenerationTimeout, o.cfg.BatchTimeout)
		}
		return nil, fmt.Errorf("batch %d: %w", batchID, err)
	}

	records := mcq.ParseBatch(raw, batchID)
	for i := range records {
		records[i].SourceChunkIDs = rctx.SourceChunkIDs
	}
	return records, nil
}

func (o *Orchestrator) fail(s *session, msg string) {
	o.mu.Lock()
	s.status = model.StatusFailed
	s.errMsg = msg
	s.completedAt = time.Now()
	o.mu.Unlock()
	slog.Error("session failed", "session", s.id, "error", msg)
}
