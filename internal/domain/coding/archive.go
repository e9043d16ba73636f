package coding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/chargecapture/internal/platform/blobstore"
)

// BlobArchiver writes each submitted batch, and its FHIR Claim rendering,
// to a blob store under the patient's prefix.
type BlobArchiver struct {
	store blobstore.BlobStore
}

func NewBlobArchiver(store blobstore.BlobStore) *BlobArchiver {
	return &BlobArchiver{store: store}
}

// BatchKey is the archive key of a batch document.
func BatchKey(b *ChargeBatch) string {
	return "charge-batches/" + b.id.String() + ".json"
}

// ClaimKey is the archive key of a batch's FHIR Claim.
func ClaimKey(b *ChargeBatch) string {
	return "claims/" + b.id.String() + ".json"
}

func (a *BlobArchiver) Archive(ctx context.Context, b *ChargeBatch) error {
	batchDoc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", b.id, err)
	}
	claimDoc, err := json.Marshal(b.ToFHIR())
	if err != nil {
		return fmt.Errorf("marshal claim %s: %w", b.id, err)
	}

	tags := map[string]string{
		"batch_id":    b.id.String(),
		"denial_risk": string(b.risk.Tier),
	}
	docs := []struct {
		key, category string
		body          []byte
	}{
		{BatchKey(b), blobstore.CategoryChargeBatch, batchDoc},
		{ClaimKey(b), blobstore.CategoryClaim, claimDoc},
	}
	for _, d := range docs {
		_, err := a.store.Upload(ctx, blobstore.BlobMetadata{
			Key:         d.key,
			ContentType: "application/json",
			PatientID:   b.context.PatientID,
			Category:    d.category,
			CreatedBy:   b.reviewedBy,
			Tags:        tags,
		}, bytes.NewReader(d.body))
		if err != nil {
			return fmt.Errorf("archive %s: %w", d.key, err)
		}
	}
	return nil
}
