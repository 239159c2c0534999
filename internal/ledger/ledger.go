// Package ledger derives stable message ids and checks them against the
// destination store in batches.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

// ErrLedger means membership could not be determined. Runs must not
// proceed without it.
var ErrLedger = errors.New("dedup ledger unavailable")

const fieldSep = "\x1f"

// MessageID is the hex blake2b-192 digest of the message's natural key:
// mailbox, folder and sender (case-folded), trimmed subject, and the
// received time in UTC seconds. Equal inputs give equal ids across runs.
func MessageID(msg domain.RawMessage) string {
	key := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(msg.Mailbox)),
		strings.ToLower(strings.TrimSpace(msg.Folder)),
		strings.ToLower(strings.TrimSpace(msg.SenderAddress)),
		strings.TrimSpace(msg.Subject),
		strconv.FormatInt(msg.ReceivedAt.UTC().Unix(), 10),
	}, fieldSep)

	// blake2b.New only fails for invalid sizes or keys too long.
	h, _ := blake2b.New(24, nil)
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Store answers which ids already exist downstream.
type Store interface {
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Config bounds ledger queries.
type Config struct {
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
	Retry     retry.Policy  `yaml:"-"`
}

// Ledger is read-only: it never records ids itself.
type Ledger struct {
	store Store
	cfg   Config
	mu    sync.Mutex
}

// New creates a Ledger over store.
func New(store Store, cfg Config) *Ledger {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch {
	case cfg.Retry == (retry.Policy{}):
		cfg.Retry = retry.DefaultPolicy("ledger.existing_ids")
	case cfg.Retry.Name == "":
		cfg.Retry.Name = "ledger.existing_ids"
	}
	return &Ledger{store: store, cfg: cfg}
}

// AlreadyProcessed returns the subset of ids present in the store. The
// check is batched; concurrent callers are serialized.
func (l *Ledger) AlreadyProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			unique[id] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	found := make(map[string]struct{})
	for start := 0; start < len(sorted); start += l.cfg.ChunkSize {
		chunk := sorted[start:min(start+l.cfg.ChunkSize, len(sorted))]

		var existing map[string]struct{}
		err := retry.Do(ctx, l.cfg.Retry, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
			defer cancel()
			var err error
			existing, err = l.store.ExistingIDs(ctx, chunk)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedger, err)
		}
		for id := range existing {
			if _, asked := unique[id]; asked {
				found[id] = struct{}{}
			}
		}
	}
	return found, nil
}
