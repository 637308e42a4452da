package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studyprep/mcqgen/internal/model"
)

type fakeContexts struct {
	mu            sync.Mutex
	invalidations int
	draws         int
	err           error
}

func (f *fakeContexts) Context(_ context.Context, subject string, budget int) (model.RetrievalContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draws++
	if f.err != nil {
		return model.RetrievalContext{}, f.err
	}
	return model.RetrievalContext{
		Subject:        subject,
		TokenBudget:    budget,
		Text:           "study material",
		SourceChunkIDs: []int64{3, 7},
	}, nil
}

func (f *fakeContexts) Invalidate(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeContexts) invalidated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidations
}

type fakeHealth struct {
	ok    bool
	msg   string
	calls int
}

func (f *fakeHealth) EnsureModelAvailable(context.Context, string, bool, func(string)) (bool, string) {
	f.calls++
	return f.ok, f.msg
}

// steppedGen hands control of each Generate call to the test: the worker
// signals entry, then blocks until the test supplies a response.
type steppedGen struct {
	entered chan struct{}
	respond chan string
}

func newSteppedGen() *steppedGen {
	return &steppedGen{
		entered: make(chan struct{}, 16),
		respond: make(chan string, 16),
	}
}

func (g *steppedGen) Generate(ctx context.Context, _ string) (string, error) {
	g.entered <- struct{}{}
	select {
	case raw := <-g.respond:
		return raw, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// batchJSON builds a valid structured response of n questions.
func batchJSON(n, offset int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		q := offset + i
		fmt.Fprintf(&sb,
			`{"question":"Q%d?","options":["a%d","b%d","c%d","d%d"],"correct_answer":"b%d","explanation":"because"}`,
			q, q, q, q, q, q)
	}
	sb.WriteString("]")
	return sb.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(gen Generator, contexts ContextProvider, health HealthChecker) *Orchestrator {
	return New(Config{Model: "llama3.2", BatchTimeout: 5 * time.Second}, contexts, health, gen)
}

func createAndStart(t *testing.T, o *Orchestrator, req model.GenerationRequest) string {
	t.Helper()
	info, err := o.CreateSession(req)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := o.StartBackgroundGeneration(info.ID); err != nil {
		t.Fatalf("StartBackgroundGeneration: %v", err)
	}
	return info.ID
}

func snapshot(t *testing.T, o *Orchestrator, id string) model.ProgressSnapshot {
	t.Helper()
	snap, err := o.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	return snap
}

// Request 10 questions with batch size 3 and initial count 3: after the
// first batch partial results are usable while generation continues, and
// after 4 batches (3+3+3+1) the session completes with exactly 10 records.
func TestEndToEndPartialThenComplete(t *testing.T) {
	gen := newSteppedGen()
	contexts := &fakeContexts{}
	o := newTestOrchestrator(gen, contexts, &fakeHealth{ok: true})

	id := createAndStart(t, o, model.GenerationRequest{
		Subject:        "Physics",
		TotalQuestions: 10,
		BatchSize:      3,
		InitialCount:   3,
	})

	// First batch completes; session keeps generating.
	<-gen.entered
	gen.respond <- batchJSON(3, 0)
	waitFor(t, "first batch", func() bool { return snapshot(t, o, id).Generated == 3 })

	snap := snapshot(t, o, id)
	if snap.Status != model.StatusGenerating {
		t.Errorf("status = %s, want generating", snap.Status)
	}
	if !snap.CanUsePartial {
		t.Error("partial results should be usable after initial count reached")
	}
	if len(snap.Questions) != 3 {
		t.Errorf("expected 3 partial questions, got %d", len(snap.Questions))
	}
	if snap.ProgressPercent < 29.9 || snap.ProgressPercent > 30.1 {
		t.Errorf("progress = %.1f, want ~30", snap.ProgressPercent)
	}

	// Remaining batches: 3 + 3 + 1.
	for _, n := range []int{3, 3, 1} {
		<-gen.entered
		gen.respond <- batchJSON(n, 100+n)
	}
	waitFor(t, "completion", func() bool { return snapshot(t, o, id).Status == model.StatusCompleted })

	snap = snapshot(t, o, id)
	if snap.Generated != 10 {
		t.Errorf("generated = %d, want 10", snap.Generated)
	}
	records, err := o.Results(id)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(records))
	}
	// No-drift invariant and per-batch stamping.
	if snap.Generated != len(records) {
		t.Errorf("snapshot count %d != records %d", snap.Generated, len(records))
	}
	if records[0].BatchID != 0 || records[9].BatchID != 3 {
		t.Errorf("batch ids: first %d last %d", records[0].BatchID, records[9].BatchID)
	}
	if len(records[0].SourceChunkIDs) != 2 {
		t.Errorf("records should carry source chunk ids, got %v", records[0].SourceChunkIDs)
	}

	if err := o.Cleanup(id); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := o.Progress(id); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound after cleanup, got %v", err)
	}
}

// Cancellation is observed only between batches: the in-flight batch lands,
// then the session turns cancelled with all accumulated records retained.
func TestCancelBetweenBatches(t *testing.T) {
	gen := newSteppedGen()
	o := newTestOrchestrator(gen, &fakeContexts{}, &fakeHealth{ok: true})

	id := createAndStart(t, o, model.GenerationRequest{
		Subject:        "math",
		TotalQuestions: 9,
		BatchSize:      3,
		InitialCount:   3,
	})

	<-gen.entered
	gen.respond <- batchJSON(3, 0)
	waitFor(t, "first batch", func() bool { return snapshot(t, o, id).Generated == 3 })

	// The worker is now inside the second batch's Generate call.
	<-gen.entered
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	gen.respond <- batchJSON(3, 10)

	waitFor(t, "cancellation", func() bool { return snapshot(t, o, id).Status == model.StatusCancelled })
	snap := snapshot(t, o, id)
	// The in-flight batch completed before cancellation took effect.
	if snap.Generated != 6 {
		t.Errorf("generated = %d, want 6 (in-flight batch retained)", snap.Generated)
	}
	records, _ := o.Results(id)
	if len(records) != 6 {
		t.Errorf("expected 6 retained records, got %d", len(records))
	}
}

func TestCancelPendingSession(t *testing.T) {
	o := newTestOrchestrator(newSteppedGen(), &fakeContexts{}, &fakeHealth{ok: true})
	info, err := o.CreateSession(model.GenerationRequest{Subject: "math", TotalQuestions: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Cancel(info.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := snapshot(t, o, info.ID)
	if snap.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	if err := o.StartBackgroundGeneration(info.ID); err == nil {
		t.Error("starting a cancelled session should fail")
	}
}

func TestHealthFailureFailsSessionImmediately(t *testing.T) {
	gen := newSteppedGen()
	health := &fakeHealth{ok: false, msg: "backend unreachable at http://localhost:11434"}
	o := newTestOrchestrator(gen, &fakeContexts{}, health)

	id := createAndStart(t, o, model.GenerationRequest{Subject: "bio", TotalQuestions: 5})
	waitFor(t, "failure", func() bool { return snapshot(t, o, id).Status == model.StatusFailed })

	snap := snapshot(t, o, id)
	if !strings.Contains(snap.ErrorMessage, "backend unreachable") {
		t.Errorf("error message should carry the monitor message, got %q", snap.ErrorMessage)
	}
	select {
	case <-gen.entered:
		t.Error("generator must not be called when the health gate fails")
	default:
	}
}

func TestZeroYieldBatchRetriesOnceThenFails(t *testing.T) {
	gen := newSteppedGen()
	contexts := &fakeContexts{}
	o := newTestOrchestrator(gen, contexts, &fakeHealth{ok: true})

	id := createAndStart(t, o, model.GenerationRequest{Subject: "chem", TotalQuestions: 4, BatchSize: 2})

	<-gen.entered
	gen.respond <- "I refuse to answer."
	<-gen.entered
	gen.respond <- "still nothing useful"

	waitFor(t, "failure", func() bool { return snapshot(t, o, id).Status == model.StatusFailed })
	snap := snapshot(t, o, id)
	if !strings.Contains(snap.ErrorMessage, "no valid questions after retry") {
		t.Errorf("unexpected error message: %q", snap.ErrorMessage)
	}
	if contexts.invalidated() != 1 {
		t.Errorf("expected exactly 1 fresh context draw, got %d", contexts.invalidated())
	}
	select {
	case <-gen.entered:
		t.Error("no third attempt after the single retry")
	default:
	}
}

func TestZeroYieldBatchRecoversOnRetry(t *testing.T) {
	gen := newSteppedGen()
	o := newTestOrchestrator(gen, &fakeContexts{}, &fakeHealth{ok: true})

	id := createAndStart(t, o, model.GenerationRequest{Subject: "chem", TotalQuestions: 2, BatchSize: 2})

	<-gen.entered
	gen.respond <- "garbled output"
	<-gen.entered
	gen.respond <- batchJSON(2, 0)

	waitFor(t, "completion", func() bool { return snapshot(t, o, id).Status == model.StatusCompleted })
	if got := snapshot(t, o, id).Generated; got != 2 {
		t.Errorf("generated = %d, want 2", got)
	}
}

func TestBatchDeadlineFailsSession(t *testing.T) {
	// A generator that never responds: Generate returns only when its
	// context is cancelled by the per-batch deadline.
	gen := &steppedGen{entered: make(chan struct{}, 16), respond: make(chan string)}
	o := New(Config{Model: "llama3.2", BatchTimeout: 20 * time.Millisecond}, &fakeContexts{}, &fakeHealth{ok: true}, gen)

	id := createAndStart(t, o, model.GenerationRequest{Subject: "hist", TotalQuestions: 3})
	waitFor(t, "timeout failure", func() bool { return snapshot(t, o, id).Status == model.StatusFailed })

	snap := snapshot(t, o, id)
	if !strings.Contains(snap.ErrorMessage, "generation timed out") {
		t.Errorf("expected timeout error, got %q", snap.ErrorMessage)
	}
}

func TestExcessRecordsCappedAtTotal(t *testing.T) {
	gen := newSteppedGen()
	o := newTestOrchestrator(gen, &fakeContexts{}, &fakeHealth{ok: true})

	id := createAndStart(t, o, model.GenerationRequest{Subject: "geo", TotalQuestions: 2, BatchSize: 2})

	// Backend over-delivers: 5 valid questions for a batch of 2.
	<-gen.entered
	gen.respond <- batchJSON(5, 0)

	waitFor(t, "completion", func() bool { return snapshot(t, o, id).Status == model.StatusCompleted })
	if got := snapshot(t, o, id).Generated; got != 2 {
		t.Errorf("generated = %d, want 2 (capped at total)", got)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	o := newTestOrchestrator(newSteppedGen(), &fakeContexts{}, &fakeHealth{ok: true})

	if _, err := o.CreateSession(model.GenerationRequest{TotalQuestions: 5}); err == nil {
		t.Error("empty subject should be rejected")
	}
	if _, err := o.CreateSession(model.GenerationRequest{Subject: "x", TotalQuestions: 0}); err == nil {
		t.Error("zero total should be rejected")
	}

	info, err := o.CreateSession(model.GenerationRequest{Subject: "World History", TotalQuestions: 3})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.Subject != "world_history" {
		t.Errorf("subject not normalized: %q", info.Subject)
	}
	if info.Status != model.StatusPending {
		t.Errorf("new session status = %s, want pending", info.Status)
	}
}

func TestSweepTerminal(t *testing.T) {
	health := &fakeHealth{ok: false, msg: "down"}
	o := newTestOrchestrator(newSteppedGen(), &fakeContexts{}, health)

	id := createAndStart(t, o, model.GenerationRequest{Subject: "bio", TotalQuestions: 1})
	waitFor(t, "failure", func() bool { return snapshot(t, o, id).Status == model.StatusFailed })

	live, _ := o.CreateSession(model.GenerationRequest{Subject: "bio", TotalQuestions: 1})

	if removed := o.SweepTerminal(time.Hour); removed != 0 {
		t.Errorf("fresh terminal session swept too early: %d", removed)
	}
	if removed := o.SweepTerminal(-time.Second); removed != 1 {
		t.Errorf("expected 1 swept session, got %d", removed)
	}
	if _, err := o.Progress(id); err != ErrSessionNotFound {
		t.Errorf("swept session still present: %v", err)
	}
	if _, err := o.Progress(live.ID); err != nil {
		t.Errorf("pending session must survive sweep: %v", err)
	}
}
