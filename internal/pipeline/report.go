package pipeline

import (
	"sync"

	"github.com/ignite/inbox-intel/internal/domain"
)

// RunReport summarizes one run.
type RunReport struct {
	RunID   string
	Total   int
	Records []domain.AnalysisRecord

	Succeeded int
	Partial   int
	Failed    int

	Excluded   int
	Duplicates int
	// Deferred were accepted but not dispatched before the budget ran out.
	Deferred int

	// Committed is zero whenever the batch write failed.
	Committed int
}

// Skipped counts messages dropped before rendering.
func (r RunReport) Skipped() int {
	return r.Excluded + r.Duplicates
}

// LogFields renders the summary as logger key/value pairs.
func (r RunReport) LogFields() []any {
	return []any{
		"run_id", r.RunID,
		"total", r.Total,
		"succeeded", r.Succeeded,
		"partial", r.Partial,
		"failed", r.Failed,
		"excluded", r.Excluded,
		"duplicates", r.Duplicates,
		"deferred", r.Deferred,
		"committed", r.Committed,
	}
}

// results collects records from workers. It is the only state the workers
// share and the lock is held only for the append.
type results struct {
	mu        sync.Mutex
	records   []domain.AnalysisRecord
	succeeded int
	partial   int
	failed    int
}

func newResults(capacity int) *results {
	return &results{records: make([]domain.AnalysisRecord, 0, capacity)}
}

func (r *results) add(rec domain.AnalysisRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	switch rec.Status {
	case domain.StatusSuccess:
		r.succeeded++
	case domain.StatusPartial:
		r.partial++
	default:
		r.failed++
	}
}

// fill copies the totals into rep.
func (r *results) fill(rep *RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep.Records = append([]domain.AnalysisRecord(nil), r.records...)
	rep.Succeeded = r.succeeded
	rep.Partial = r.partial
	rep.Failed = r.failed
}
