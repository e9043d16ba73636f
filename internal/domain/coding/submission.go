package coding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BillingQueue is the external collaborator that receives charge batches.
type BillingQueue interface {
	Enqueue(ctx context.Context, batch *ChargeBatch) error
}

// Archiver stores a copy of each submitted batch. Failures are logged and
// never undo a submission.
type Archiver interface {
	Archive(ctx context.Context, batch *ChargeBatch) error
}

// DraftState is the submission state of one analysis run.
type DraftState string

const (
	DraftOpen      DraftState = "draft"
	DraftSubmitted DraftState = "submitted"
)

// batchNamespace scopes UUIDv5 batch identifiers.
var batchNamespace = uuid.MustParse("6f1c7a0e-3d2b-5c8e-9a41-0b7e2f5d9c13")

// NewBatchID derives the stable batch identifier of a draft from its note
// and the time the draft was opened.
func NewBatchID(noteID string, openedAt time.Time) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(noteID+"|"+openedAt.UTC().Format(time.RFC3339Nano)))
}

// Draft is the Draft -> Submitted state machine of one analysis run.
type Draft struct {
	batchID  uuid.UUID
	openedAt time.Time
	state    DraftState
	batch    *ChargeBatch
}

func newDraft(noteID string, openedAt time.Time) *Draft {
	return &Draft{batchID: NewBatchID(noteID, openedAt), openedAt: openedAt, state: DraftOpen}
}

func (d *Draft) BatchID() uuid.UUID  { return d.batchID }
func (d *Draft) State() DraftState   { return d.state }
func (d *Draft) OpenedAt() time.Time { return d.openedAt }

// Batch returns the submitted batch, or nil while the draft is open.
func (d *Draft) Batch() *ChargeBatch { return d.batch }

// SubmitCommand is a reviewer's request to finalise a draft. Submission is
// refused unless a named reviewer acknowledges having reviewed the codes.
type SubmitCommand struct {
	ReviewerID   string `json:"reviewer_id"`
	Acknowledged bool   `json:"acknowledged"`
}

func (c SubmitCommand) validate() error {
	if !c.Acknowledged {
		return &ValidationError{Msg: "human review acknowledgment required"}
	}
	if strings.TrimSpace(c.ReviewerID) == "" {
		return &ValidationError{Msg: "reviewer identity required"}
	}
	return nil
}

// Ledger records every batch handed to the billing queue and rejects a
// second submission under the same batch identifier.
type Ledger struct {
	mu       sync.RWMutex
	batches  map[uuid.UUID]*ChargeBatch
	inFlight map[uuid.UUID]bool
}

func NewLedger() *Ledger {
	return &Ledger{batches: make(map[uuid.UUID]*ChargeBatch), inFlight: make(map[uuid.UUID]bool)}
}

// reserve claims id for submission. It returns the existing batch and
// ErrDuplicateSubmission when id was already submitted or is being submitted.
func (l *Ledger) reserve(id uuid.UUID) (*ChargeBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.batches[id]; ok {
		return b, ErrDuplicateSubmission
	}
	if l.inFlight[id] {
		return nil, ErrDuplicateSubmission
	}
	l.inFlight[id] = true
	return nil, nil
}

func (l *Ledger) commit(b *ChargeBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, b.id)
	l.batches[b.id] = b
}

func (l *Ledger) release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
}

// Get returns a submitted batch by id.
func (l *Ledger) Get(id uuid.UUID) (*ChargeBatch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b, nil
}

// ListByPatient returns a page of a patient's batches, newest first. An
// empty patientID lists all batches.
func (l *Ledger) ListByPatient(patientID string, limit, offset int) ([]*ChargeBatch, int) {
	l.mu.RLock()
	var all []*ChargeBatch
	for _, b := range l.batches {
		if patientID == "" || b.context.PatientID == patientID {
			all = append(all, b)
		}
	}
	l.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].submittedAt.After(all[j].submittedAt) })
	total := len(all)
	if offset >= total {
		return []*ChargeBatch{}, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total
}

// Submitter is the idempotent submit command handler.
type Submitter struct {
	queue   BillingQueue
	ledger  *Ledger
	archive Archiver
	logger  zerolog.Logger
	now     func() time.Time
}

func NewSubmitter(queue BillingQueue, ledger *Ledger, archive Archiver, logger zerolog.Logger) *Submitter {
	return &Submitter{queue: queue, ledger: ledger, archive: archive, logger: logger, now: time.Now}
}

type submission struct {
	note      ClinicalNote
	draft     *Draft
	selection *Selection
	risk      RiskAssessment
	resolver  *Resolver
}

// submit validates, snapshots, enqueues and records one draft. On any error
// before the queue accepts the batch, nothing has changed.
func (s *Submitter) submit(ctx context.Context, in submission, cmd SubmitCommand) (*ChargeBatch, error) {
	if in.selection.Len() == 0 {
		return nil, &ValidationError{Msg: "no codes selected"}
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if in.draft.state == DraftSubmitted {
		return in.draft.batch, ErrDuplicateSubmission
	}

	existing, err := s.ledger.reserve(in.draft.batchID)
	if err != nil {
		return existing, err
	}

	codes := in.selection.Selected()
	batch := &ChargeBatch{
		id:                in.draft.batchID,
		noteID:            in.note.NoteID,
		codes:             codes,
		context:           in.note.Context,
		documentationType: in.note.DocumentationType,
		totalEstimate:     procedureTotal(codes, nil, in.resolver),
		risk: RiskAssessment{
			Tier:    in.risk.Tier,
			Score:   in.risk.Score,
			Reasons: copyReasons(in.risk.Reasons),
		},
		reviewedBy:  cmd.ReviewerID,
		submittedAt: s.now().UTC(),
	}

	err = s.queue.Enqueue(ctx, batch)
	if errors.Is(err, ErrDuplicateSubmission) {
		// The queue already holds this batch ID, so the draft is submitted.
		s.ledger.commit(batch)
		in.draft.state = DraftSubmitted
		in.draft.batch = batch
		s.logger.Warn().Str("batch_id", batch.id.String()).Msg("billing queue already holds charge batch")
		return batch, ErrDuplicateSubmission
	}
	if err != nil {
		s.ledger.release(batch.id)
		return nil, fmt.Errorf("enqueue charge batch %s: %w", batch.id, err)
	}
	s.ledger.commit(batch)
	in.draft.state = DraftSubmitted
	in.draft.batch = batch

	s.logger.Info().
		Str("batch_id", batch.id.String()).
		Str("patient_id", batch.context.PatientID).
		Str("reviewed_by", batch.reviewedBy).
		Int("codes", len(codes)).
		Float64("total_estimate", batch.totalEstimate).
		Str("denial_risk", string(batch.risk.Tier)).
		Msg("charge batch submitted")

	if s.archive != nil {
		if err := s.archive.Archive(ctx, batch); err != nil {
			s.logger.Error().Err(err).Str("batch_id", batch.id.String()).Msg("failed to archive charge batch")
		}
	}
	return batch, nil
}
