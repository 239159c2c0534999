package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/inbox-intel/internal/domain"
)

// MemorySink keeps records in a map. It backs dry runs and tests.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]domain.AnalysisRecord
	failErr error
	writes  int
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]domain.AnalysisRecord)}
}

// FailWrites makes every following UpsertBatch fail with err; nil clears it.
func (m *MemorySink) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// UpsertBatch stores all records or none.
func (m *MemorySink) UpsertBatch(ctx context.Context, records []domain.AnalysisRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.failErr != nil {
		return fmt.Errorf("%w: %v", ErrStorage, m.failErr)
	}
	if err := validate(records); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, r := range records {
		m.records[r.MessageID] = r
	}
	return nil
}

// ExistingIDs mirrors SQLSink: failed rows do not count.
func (m *MemorySink) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := make(map[string]struct{})
	for _, id := range ids {
		if r, ok := m.records[id]; ok && countsAsStored(r.Status) {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// Records returns stored records ordered by message id.
func (m *MemorySink) Records() []domain.AnalysisRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.AnalysisRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// Writes counts UpsertBatch calls, failed or not.
func (m *MemorySink) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
