package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

type fakeStore struct {
	stored map[string]struct{}
	chunks [][]string
	err    error
}

func (f *fakeStore) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	f.chunks = append(f.chunks, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]struct{})
	for _, id := range ids {
		if _, ok := f.stored[id]; ok {
			out[id] = struct{}{}
		}
	}
	// Stores may echo ids nobody asked about.
	out["stray"] = struct{}{}
	return out, nil
}

func TestMessageID(t *testing.T) {
	base := domain.RawMessage{
		Mailbox:       "Seed-01",
		Folder:        "INBOX",
		SenderAddress: "News@Brand.com",
		Subject:       "  Spring sale ",
		ReceivedAt:    time.Date(2026, 3, 1, 9, 0, 0, 500, time.FixedZone("EST", -5*3600)),
	}

	id := MessageID(base)
	assert.Len(t, id, 48)
	assert.Equal(t, id, MessageID(base))

	same := base
	same.Mailbox = "seed-01"
	same.SenderAddress = "news@brand.com"
	same.Subject = "Spring sale"
	same.ReceivedAt = base.ReceivedAt.UTC()
	same.HTMLBody = "<p>content does not matter</p>"
	assert.Equal(t, id, MessageID(same))

	tests := []struct {
		name   string
		mutate func(m *domain.RawMessage)
	}{
		{"subject case", func(m *domain.RawMessage) { m.Subject = "SPRING SALE" }},
		{"folder", func(m *domain.RawMessage) { m.Folder = "Promotions" }},
		{"received second", func(m *domain.RawMessage) { m.ReceivedAt = m.ReceivedAt.Add(time.Second) }},
		{"mailbox", func(m *domain.RawMessage) { m.Mailbox = "seed-02" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			assert.NotEqual(t, id, MessageID(m))
		})
	}
}

func TestAlreadyProcessed_ChunksAndDedups(t *testing.T) {
	store := &fakeStore{stored: map[string]struct{}{"b": {}, "e": {}}}
	l := New(store, Config{ChunkSize: 2})

	found, err := l.AlreadyProcessed(context.Background(), []string{"e", "a", "b", "c", "d", "a", ""})
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"b": {}, "e": {}}, found)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, store.chunks)
}

func TestAlreadyProcessed_Empty(t *testing.T) {
	store := &fakeStore{}
	found, err := New(store, Config{}).AlreadyProcessed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Empty(t, store.chunks)
}

func TestAlreadyProcessed_Failure(t *testing.T) {
	store := &fakeStore{err: errors.New("warehouse offline")}
	l := New(store, Config{Retry: retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}})

	_, err := l.AlreadyProcessed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedger)
	assert.Len(t, store.chunks, 2)
}
