package coding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const therapyNote = "Skilled physical therapy is medically necessary due to generalized weakness related to diabetes. " +
	"Therapeutic exercise 25 minutes and gait training 20 minutes. Patient has hypertension. " +
	"Progressing toward goals with improved endurance and balance, continue plan of care."

func analyzeRequest(text string) *AnalyzeRequest {
	return &AnalyzeRequest{
		NoteText:     text,
		NoteType:     "therapy_note",
		PatientID:    "patient-1",
		PatientName:  "Jane Doe",
		FacilityType: "snf",
		PayerType:    "medicare_b",
	}
}

// steppingClock advances one second per call so each draft gets its own
// batch identifier.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(t *testing.T, q BillingQueue, archive Archiver, opts Options) *Service {
	t.Helper()
	svc := NewService(DefaultReference(), q, archive, opts, zerolog.Nop())
	clock := &steppingClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.now
	svc.submitter.now = clock.now
	return svc
}

func reviewer() SubmitCommand {
	return SubmitCommand{ReviewerID: "reviewer-1", Acknowledged: true}
}

func TestService_AnalyzeValidates(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	tests := []struct {
		name   string
		mutate func(r *AnalyzeRequest)
		field  string
	}{
		{"empty text", func(r *AnalyzeRequest) { r.NoteText = "   " }, "note_text"},
		{"missing patient", func(r *AnalyzeRequest) { r.PatientID = "" }, "patient_id"},
		{"bad facility", func(r *AnalyzeRequest) { r.FacilityType = "spa" }, "facility_type"},
		{"bad payer", func(r *AnalyzeRequest) { r.PayerType = "barter" }, "payer_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := analyzeRequest(therapyNote)
			tt.mutate(req)
			_, err := svc.Analyze(context.Background(), req)
			var ie *InputError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InputError, got %v", err)
			}
			if ie.Field != tt.field {
				t.Errorf("field = %s, want %s", ie.Field, tt.field)
			}
		})
	}
	if svc.SessionCount() != 0 {
		t.Error("invalid requests must not create sessions")
	}
}

func TestService_AnalyzeOpensSession(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	res, err := svc.Analyze(context.Background(), analyzeRequest(therapyNote))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.SessionID == uuid.Nil {
		t.Fatal("expected session id")
	}
	if res.DenialRisk != RiskLow {
		t.Errorf("denial risk = %s, want low (reasons %v)", res.DenialRisk, res.DenialReasons)
	}
	if res.EstimatedReimbursement != 64.50 {
		t.Errorf("estimate = %.2f, want 64.50", res.EstimatedReimbursement)
	}

	sess, err := svc.GetSession(res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	v := sess.View()
	if v.State != DraftOpen {
		t.Errorf("state = %s, want draft", v.State)
	}
	if len(v.Selected) != len(res.Codes) {
		t.Errorf("all codes should start selected: %v", v.Selected)
	}
	if v.NoteID != "patient-1:therapy_note" {
		t.Errorf("note id = %s", v.NoteID)
	}
}

func TestService_SubmitFlow(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()

	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	if _, err := svc.Toggle(ctx, res.SessionID, "I10"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}

	batch, err := svc.Submit(ctx, res.SessionID, reviewer())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if batch.ReviewedBy() != "reviewer-1" {
		t.Errorf("reviewed by = %s", batch.ReviewedBy())
	}
	if batch.TotalEstimate() != 64.50 {
		t.Errorf("total = %.2f, want 64.50", batch.TotalEstimate())
	}
	for _, c := range batch.Codes() {
		if c.Code == "I10" {
			t.Error("deselected code must not be submitted")
		}
	}
	if batch.Status() != BatchStatusPending {
		t.Errorf("status = %s", batch.Status())
	}
	if len(q.Pending()) != 1 {
		t.Fatalf("queue has %d batches, want 1", len(q.Pending()))
	}

	got, err := svc.GetBatch(ctx, batch.ID())
	if err != nil || got != batch {
		t.Errorf("GetBatch = %v, %v", got, err)
	}

	v, _ := svc.GetSession(res.SessionID)
	if view := v.View(); view.State != DraftSubmitted || view.BatchID == nil || *view.BatchID != batch.ID() {
		t.Errorf("unexpected view after submit: %+v", view)
	}
}

func TestService_SubmitRequiresAcknowledgment(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))

	for _, cmd := range []SubmitCommand{
		{ReviewerID: "reviewer-1"},
		{Acknowledged: true},
		{ReviewerID: "  ", Acknowledged: true},
	} {
		_, err := svc.Submit(ctx, res.SessionID, cmd)
		if !IsValidation(err) {
			t.Errorf("Submit(%+v): expected validation error, got %v", cmd, err)
		}
	}
	if len(q.Pending()) != 0 {
		t.Error("rejected submissions must not reach the queue")
	}
}

func TestService_SubmitEmptySelection(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	for _, c := range res.Codes {
		svc.Toggle(ctx, res.SessionID, c.Code)
	}

	_, err := svc.Submit(ctx, res.SessionID, reviewer())
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(q.Pending()) != 0 {
		t.Error("queue must stay empty")
	}
}

func TestService_DuplicateSubmission(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))

	first, err := svc.Submit(ctx, res.SessionID, reviewer())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	again, err := svc.Submit(ctx, res.SessionID, reviewer())
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if again != first {
		t.Error("duplicate submission must return the original batch")
	}
	if len(q.Pending()) != 1 {
		t.Errorf("queue has %d batches, want 1", len(q.Pending()))
	}
}

func TestService_ConcurrentSubmitOnce(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Submit(ctx, res.SessionID, reviewer()); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Errorf("%d submissions succeeded, want 1", ok)
	}
	if len(q.Pending()) != 1 {
		t.Errorf("queue has %d batches, want 1", len(q.Pending()))
	}
}

func TestService_QueueFailureLeavesDraftOpen(t *testing.T) {
	q := NewMemoryQueue()
	q.Err = errors.New("billing unavailable")
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))

	if _, err := svc.Submit(ctx, res.SessionID, reviewer()); err == nil {
		t.Fatal("expected enqueue error")
	}
	sess, _ := svc.GetSession(res.SessionID)
	if sess.View().State != DraftOpen {
		t.Error("draft must remain open after a failed enqueue")
	}
	if _, total := svc.ListBatches(ctx, "", 10, 0); total != 0 {
		t.Errorf("ledger has %d batches, want 0", total)
	}

	q.Err = nil
	if _, err := svc.Submit(ctx, res.SessionID, reviewer()); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestService_ToggleAfterSubmit(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	svc.Submit(ctx, res.SessionID, reviewer())

	if _, err := svc.Toggle(ctx, res.SessionID, "I10"); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestService_ReanalyzeOpensNewDraft(t *testing.T) {
	q := NewMemoryQueue()
	svc := newTestService(t, q, nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	first, _ := svc.Submit(ctx, res.SessionID, reviewer())

	res2, err := svc.Reanalyze(ctx, res.SessionID, analyzeRequest(therapyNote+" Added dysphagia."))
	if err != nil {
		t.Fatalf("Reanalyze: %v", err)
	}
	if res2.SessionID != res.SessionID {
		t.Error("re-analysis must keep the session id")
	}
	second, err := svc.Submit(ctx, res.SessionID, reviewer())
	if err != nil {
		t.Fatalf("submit after re-analysis: %v", err)
	}
	if second.ID() == first.ID() {
		t.Error("re-analysis must produce a new batch id")
	}
	if len(q.Pending()) != 2 {
		t.Errorf("queue has %d batches, want 2", len(q.Pending()))
	}
}

func TestService_ReanalyzeDiscardsSelection(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	svc.Toggle(ctx, res.SessionID, "97110")

	svc.Reanalyze(ctx, res.SessionID, analyzeRequest(therapyNote))
	sess, _ := svc.GetSession(res.SessionID)
	if sel := sess.View().Selected; !contains(sel, "97110") {
		t.Errorf("selection should reset on re-analysis, got %v", sel)
	}
}

func TestService_ReanalyzeCarryForward(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{CarryForward: true})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))
	svc.Toggle(ctx, res.SessionID, "97110")

	svc.Reanalyze(ctx, res.SessionID, analyzeRequest(therapyNote+" Dysphagia noted."))
	sess, _ := svc.GetSession(res.SessionID)
	v := sess.View()
	if contains(v.Selected, "97110") {
		t.Error("deselection should carry forward")
	}
	if !contains(v.Selected, "R13.10") {
		t.Errorf("new codes should start selected, got %v", v.Selected)
	}
}

func TestService_ReanalyzeUnknownSession(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	_, err := svc.Reanalyze(context.Background(), uuid.New(), analyzeRequest(therapyNote))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSession_AnalysisInFlight(t *testing.T) {
	sess := newSession(uuid.New())
	sess.analyzing.Store(true)
	engine := NewEngine(DefaultReference(), nil, nil, zerolog.Nop())
	_, err := sess.analyze(analyzeRequest(therapyNote).Note(), engine, false, time.Now())
	if !errors.Is(err, ErrAnalysisInFlight) {
		t.Errorf("expected ErrAnalysisInFlight, got %v", err)
	}
}

func TestService_ListBatches(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	ctx := context.Background()
	var ids []uuid.UUID
	for _, patient := range []string{"p1", "p2", "p1"} {
		req := analyzeRequest(therapyNote)
		req.PatientID = patient
		res, _ := svc.Analyze(ctx, req)
		b, err := svc.Submit(ctx, res.SessionID, reviewer())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, b.ID())
	}

	items, total := svc.ListBatches(ctx, "p1", 10, 0)
	if total != 2 || len(items) != 2 {
		t.Fatalf("p1 batches = %d/%d, want 2", len(items), total)
	}
	if items[0].ID() != ids[2] {
		t.Error("batches should be newest first")
	}

	items, total = svc.ListBatches(ctx, "", 1, 1)
	if total != 3 || len(items) != 1 {
		t.Errorf("page = %d/%d, want 1/3", len(items), total)
	}
	items, _ = svc.ListBatches(ctx, "", 10, 5)
	if len(items) != 0 {
		t.Errorf("past-the-end page has %d items", len(items))
	}
}

func TestService_ReloadReference(t *testing.T) {
	calls := 0
	custom := DefaultReference()
	custom.Rates = custom.Rates.WithDefault(120)
	custom.Source = "test"
	svc := newTestService(t, NewMemoryQueue(), nil, Options{Loader: func() (*Reference, error) {
		calls++
		return custom, nil
	}})
	ctx := context.Background()
	res, _ := svc.Analyze(ctx, analyzeRequest(therapyNote))

	ref, err := svc.ReloadReference(ctx)
	if err != nil {
		t.Fatalf("ReloadReference: %v", err)
	}
	if ref.Source != "test" || svc.Reference().Source != "test" || calls != 1 {
		t.Errorf("reload not installed: source=%s calls=%d", svc.Reference().Source, calls)
	}
	if svc.Resolver().Resolve("00000") != 120 {
		t.Error("new resolver should use the reloaded default rate")
	}

	// The existing session keeps its snapshot.
	sess, _ := svc.GetSession(res.SessionID)
	if sess.View().SelectedTotal != 64.50 {
		t.Errorf("existing session total changed to %.2f", sess.View().SelectedTotal)
	}
}

func TestService_MissesSurviveReload(t *testing.T) {
	lib := NewLibrary([]CodePattern{mustPattern(DomainProcedure, `ultrasound`, "76999", "Unlisted ultrasound", "")})
	newRef := func() (*Reference, error) {
		return &Reference{Library: lib, Rates: DefaultRateTable(), Rules: DefaultRiskRules(), Source: "test"}, nil
	}
	ref, _ := newRef()
	svc := NewService(ref, NewMemoryQueue(), nil, Options{Loader: newRef}, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.Analyze(ctx, analyzeRequest("Bedside ultrasound performed.")); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	before := svc.Resolver().Misses()["76999"]
	if before == 0 {
		t.Fatal("expected a recorded miss for 76999")
	}
	old := svc.Resolver()

	if _, err := svc.ReloadReference(ctx); err != nil {
		t.Fatalf("ReloadReference: %v", err)
	}
	if svc.Resolver() == old {
		t.Fatal("reload should install a new resolver")
	}
	if got := svc.Resolver().Misses()["76999"]; got != before {
		t.Errorf("misses after reload = %d, want %d", got, before)
	}

	// Sessions still on the previous snapshot report into the same log.
	old.Resolve("76999")
	if got := svc.Resolver().Misses()["76999"]; got != before+1 {
		t.Errorf("misses = %d, want %d", got, before+1)
	}
}

func TestService_ReloadReferenceFailureKeepsCurrent(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{Loader: func() (*Reference, error) {
		return nil, errors.New("bad yaml")
	}})
	if _, err := svc.ReloadReference(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if svc.Reference().Source != "builtin" {
		t.Errorf("reference replaced on failure: %s", svc.Reference().Source)
	}
}

func TestService_EvictIdle(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{SessionTTL: time.Hour})
	ctx := context.Background()
	svc.Analyze(ctx, analyzeRequest(therapyNote))
	svc.Analyze(ctx, analyzeRequest(therapyNote))

	if n := svc.evictIdle(); n != 0 {
		t.Errorf("evicted %d fresh sessions", n)
	}
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) }
	if n := svc.evictIdle(); n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if svc.SessionCount() != 0 {
		t.Errorf("session count = %d", svc.SessionCount())
	}
}

func TestService_StartStopsOnCancel(t *testing.T) {
	svc := newTestService(t, NewMemoryQueue(), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
