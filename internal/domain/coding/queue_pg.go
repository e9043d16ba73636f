package coding

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/chargecapture/internal/platform/db"
)

// pgQueue hands batches to the billing system through the charge_batch
// outbox tables. The billing worker consumes rows in status 'pending'.
type pgQueue struct{ db db.TxBeginner }

// NewBillingQueuePG returns a BillingQueue backed by Postgres. conn is
// usually a *pgxpool.Pool.
func NewBillingQueuePG(conn db.TxBeginner) BillingQueue { return &pgQueue{db: conn} }

func (q *pgQueue) Enqueue(ctx context.Context, b *ChargeBatch) error {
	return db.WithTx(ctx, q.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO charge_batch (id, note_id, patient_id, patient_name, facility_type, payer_type,
				documentation_type, total_estimate, denial_risk, denial_reasons, reviewed_by, status, submitted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO NOTHING`,
			b.id, b.noteID, b.context.PatientID, b.context.PatientName, b.context.FacilityType, b.context.PayerType,
			b.documentationType, b.totalEstimate, string(b.risk.Tier), b.DenialReasons(), b.reviewedBy,
			BatchStatusPending, b.submittedAt)
		if err != nil {
			return fmt.Errorf("insert charge_batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateSubmission
		}

		rows := make([][]interface{}, 0, len(b.codes))
		for i, c := range b.codes {
			rows = append(rows, []interface{}{
				b.id, i + 1, c.Code, c.Description, string(c.Type), c.Confidence, nullable(c.Category), c.Reimbursement,
			})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"charge_batch_code"},
			[]string{"batch_id", "seq", "code", "description", "code_type", "confidence", "category", "reimbursement"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert charge_batch_code: %w", err)
		}
		return nil
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
