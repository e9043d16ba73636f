package coding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session owns the review state of one note: the current suggestion set,
// the reviewer's selection and the submission draft. Each note under review
// gets its own session; nothing is shared between sessions.
type Session struct {
	id uuid.UUID

	analyzing atomic.Bool

	mu        sync.Mutex
	engine    *Engine
	note      ClinicalNote
	analysis  Analysis
	selection *Selection
	draft     *Draft
	updatedAt time.Time
}

// SessionView is a read-only snapshot of a session.
type SessionView struct {
	ID            uuid.UUID        `json:"session_id"`
	PatientID     string           `json:"patient_id"`
	NoteID        string           `json:"note_id"`
	Codes         []CodeSuggestion `json:"codes"`
	Selected      []string         `json:"selected"`
	SelectedTotal float64          `json:"selected_total"`
	DenialRisk    RiskTier         `json:"denial_risk"`
	DenialReasons []string         `json:"denial_reasons"`
	Advisories    []string         `json:"advisories,omitempty"`
	State         DraftState       `json:"state"`
	BatchID       *uuid.UUID       `json:"batch_id,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func newSession(id uuid.UUID) *Session {
	return &Session{id: id}
}

func (s *Session) ID() uuid.UUID { return s.id }

// analyze replaces the session's suggestion set with a fresh analysis of
// note and opens a new draft. Concurrent calls on one session are rejected
// with ErrAnalysisInFlight. With carryForward, codes the reviewer had
// deselected stay deselected if they are suggested again; otherwise the
// previous selection is discarded.
func (s *Session) analyze(note ClinicalNote, engine *Engine, carryForward bool, now time.Time) (AnalysisResult, error) {
	if !s.analyzing.CompareAndSwap(false, true) {
		return AnalysisResult{}, ErrAnalysisInFlight
	}
	defer s.analyzing.Store(false)

	a := engine.Analyze(note.Text)
	sel := NewSelection(a.Codes, engine.Resolver())

	s.mu.Lock()
	defer s.mu.Unlock()
	if carryForward && s.selection != nil {
		for _, c := range a.Codes {
			if s.selection.known[c.Code] && !s.selection.IsSelected(c.Code) {
				sel.Deselect(c.Code)
			}
		}
	}
	s.engine = engine
	s.note = note
	s.analysis = a
	s.selection = sel
	s.draft = newDraft(note.NoteID, now)
	s.updatedAt = now

	res := a.Result()
	res.SessionID = s.id
	return res, nil
}

// Toggle flips a code's selection. It fails only once the draft has been
// submitted; unknown codes are ignored.
func (s *Session) Toggle(code string) (SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft.state == DraftSubmitted {
		return s.viewLocked(), ErrAlreadySubmitted
	}
	s.selection.Toggle(code)
	s.updatedAt = time.Now()
	return s.viewLocked(), nil
}

// SelectedTotal returns the reimbursement estimate of the current selection.
func (s *Session) SelectedTotal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.SelectedTotal()
}

// View returns a snapshot of the session.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() SessionView {
	v := SessionView{
		ID:            s.id,
		PatientID:     s.note.Context.PatientID,
		NoteID:        s.note.NoteID,
		Codes:         cloneSuggestions(s.analysis.Codes),
		Selected:      s.selection.Codes(),
		SelectedTotal: s.selection.SelectedTotal(),
		DenialRisk:    s.analysis.Risk.Tier,
		DenialReasons: copyReasons(s.analysis.Risk.Reasons),
		Advisories:    append([]string(nil), s.analysis.Risk.Advisories...),
		State:         s.draft.state,
		UpdatedAt:     s.updatedAt,
	}
	if v.Selected == nil {
		v.Selected = []string{}
	}
	if s.draft.state == DraftSubmitted {
		id := s.draft.batchID
		v.BatchID = &id
	}
	return v
}

func (s *Session) submit(ctx context.Context, sub *Submitter, cmd SubmitCommand) (*ChargeBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := sub.submit(ctx, submission{
		note:      s.note,
		draft:     s.draft,
		selection: s.selection,
		risk:      s.analysis.Risk,
		resolver:  s.engine.Resolver(),
	}, cmd)
	if err == nil {
		s.updatedAt = time.Now()
	}
	return batch, err
}

func (s *Session) lastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}
