// Package warehouse persists AnalysisRecords and answers which message ids
// are already stored. The destination is the single source of truth for
// deduplication.
package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/inbox-intel/internal/domain"
)

// ErrStorage means a batch was not written. Nothing from the batch is
// visible in the destination when it is returned.
var ErrStorage = errors.New("storage write failed")

// Sink is the analytical store.
type Sink interface {
	// UpsertBatch writes records keyed by message id, all or nothing.
	UpsertBatch(ctx context.Context, records []domain.AnalysisRecord) error
	// ExistingIDs returns the subset of ids stored with a terminal
	// non-failed status.
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// DefaultTable is the destination table name.
const DefaultTable = "EMAIL_ANALYSIS"

func validate(records []domain.AnalysisRecord) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.MessageID == "" {
			return fmt.Errorf("record %d: empty message_id", i)
		}
		if !r.Status.Valid() {
			return fmt.Errorf("record %s: invalid processing_status %q", r.MessageID, r.Status)
		}
		if _, dup := seen[r.MessageID]; dup {
			return fmt.Errorf("record %s: duplicate message_id in batch", r.MessageID)
		}
		seen[r.MessageID] = struct{}{}
	}
	return nil
}

// countsAsStored reports whether a stored status blocks reprocessing.
// Failed rows are redone on the next run and overwritten by the upsert.
func countsAsStored(s domain.ProcessingStatus) bool {
	return s == domain.StatusSuccess || s == domain.StatusPartial
}
