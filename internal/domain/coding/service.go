package coding

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultSessionTTL is how long an idle session is kept in memory.
const DefaultSessionTTL = 8 * time.Hour

// ReferenceLoader produces a fresh reference snapshot.
type ReferenceLoader func() (*Reference, error)

// Options configure a Service.
type Options struct {
	// Confidence scores matches. Nil selects StrengthConfidence.
	Confidence ConfidenceFunc
	// CarryForward keeps reviewer deselections across re-analysis.
	CarryForward bool
	// SessionTTL evicts sessions idle for longer. Zero selects DefaultSessionTTL.
	SessionTTL time.Duration
	// Loader reloads reference data. Nil keeps the initial reference.
	Loader ReferenceLoader
}

// Service hosts coding sessions, the submission ledger and the current
// reference data. Engine state lives only in memory.
type Service struct {
	opts      Options
	logger    zerolog.Logger
	engine    atomic.Pointer[Engine]
	reference atomic.Pointer[Reference]
	reloads   singleflight.Group

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	ledger    *Ledger
	submitter *Submitter
	misses    *MissLog
	now       func() time.Time
}

// NewService creates a Service over ref, handing batches to queue. archive
// may be nil.
func NewService(ref *Reference, queue BillingQueue, archive Archiver, opts Options, logger zerolog.Logger) *Service {
	if opts.Confidence == nil {
		opts.Confidence = StrengthConfidence
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	ledger := NewLedger()
	s := &Service{
		opts:      opts,
		logger:    logger,
		sessions:  make(map[uuid.UUID]*Session),
		ledger:    ledger,
		submitter: NewSubmitter(queue, ledger, archive, logger),
		misses:    NewMissLog(),
		now:       time.Now,
	}
	s.install(ref)
	return s
}

func (s *Service) install(ref *Reference) {
	s.reference.Store(ref)
	s.engine.Store(NewEngine(ref, s.opts.Confidence, s.misses, s.logger))
}

// Reference returns the current reference snapshot.
func (s *Service) Reference() *Reference { return s.reference.Load() }

// Resolver returns the current reimbursement resolver.
func (s *Service) Resolver() *Resolver { return s.engine.Load().Resolver() }

// Analyze validates req and opens a new session over a fresh analysis.
func (s *Service) Analyze(ctx context.Context, req *AnalyzeRequest) (AnalysisResult, error) {
	if err := req.Validate(); err != nil {
		return AnalysisResult{}, err
	}
	sess := newSession(uuid.New())
	res, err := sess.analyze(req.Note(), s.engine.Load(), s.opts.CarryForward, s.now())
	if err != nil {
		return AnalysisResult{}, err
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug().
		Str("session_id", sess.id.String()).
		Str("patient_id", req.PatientID).
		Int("codes", len(res.Codes)).
		Str("denial_risk", string(res.DenialRisk)).
		Msg("note analysed")
	return res, nil
}

// Reanalyze replaces an existing session's suggestion set and opens a new
// draft, even if the previous draft was submitted.
func (s *Service) Reanalyze(ctx context.Context, id uuid.UUID, req *AnalyzeRequest) (AnalysisResult, error) {
	if err := req.Validate(); err != nil {
		return AnalysisResult{}, err
	}
	sess, err := s.GetSession(id)
	if err != nil {
		return AnalysisResult{}, err
	}
	return sess.analyze(req.Note(), s.engine.Load(), s.opts.CarryForward, s.now())
}

// GetSession returns a live session.
func (s *Service) GetSession(id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Toggle flips one code in a session's selection.
func (s *Service) Toggle(ctx context.Context, id uuid.UUID, code string) (SessionView, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return SessionView{}, err
	}
	return sess.Toggle(code)
}

// Submit finalises a session's draft into a charge batch. A repeated
// submission of the same draft returns the original batch together with
// ErrDuplicateSubmission.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, cmd SubmitCommand) (*ChargeBatch, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}
	return sess.submit(ctx, s.submitter, cmd)
}

// GetBatch returns a submitted batch.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*ChargeBatch, error) {
	return s.ledger.Get(id)
}

// ListBatches pages through submitted batches, optionally for one patient.
func (s *Service) ListBatches(ctx context.Context, patientID string, limit, offset int) ([]*ChargeBatch, int) {
	return s.ledger.ListByPatient(patientID, limit, offset)
}

// ReloadReference loads fresh reference data. Concurrent reloads share one
// load. Existing sessions keep the snapshot they were analysed with.
func (s *Service) ReloadReference(ctx context.Context) (*Reference, error) {
	if s.opts.Loader == nil {
		return s.Reference(), nil
	}
	v, err, _ := s.reloads.Do("reference", func() (interface{}, error) {
		ref, err := s.opts.Loader()
		if err != nil {
			return nil, err
		}
		s.install(ref)
		s.logger.Info().
			Str("source", ref.Source).
			Int("patterns", ref.Library.Len()).
			Int("rates", len(ref.Rates.Codes())).
			Msg("coding reference reloaded")
		return ref, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reload reference: %w", err)
	}
	return v.(*Reference), nil
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Start evicts idle sessions until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	interval := s.opts.SessionTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Service) evictIdle() int {
	cutoff := s.now().Add(-s.opts.SessionTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.lastUpdated().Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug().Int("evicted", n).Msg("idle coding sessions evicted")
	}
	return n
}
