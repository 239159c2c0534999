package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// SQLSink writes to a database/sql connection in the given dialect.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

// NewSQLSink validates table and binds the sink to db.
func NewSQLSink(db *sql.DB, dialect Dialect, table string) (*SQLSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLSink{db: db, dialect: dialect, table: table}, nil
}

// UpsertBatch writes every record in one transaction. Any failure rolls
// the whole batch back and wraps ErrStorage.
func (s *SQLSink) UpsertBatch(ctx context.Context, records []domain.AnalysisRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := validate(records); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("warehouse: rollback failed", "error", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.dialect.upsertSQL(s.table))
	if err != nil {
		return fmt.Errorf("%w: prepare upsert: %v", ErrStorage, err)
	}
	defer stmt.Close()

	for _, r := range records {
		args, err := rowArgs(r)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStorage, r.MessageID, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrStorage, r.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	committed = true
	logger.Info("warehouse: batch committed", "table", s.table, "records", len(records))
	return nil
}

// ExistingIDs queries the ids in one round trip. Callers chunk large sets.
func (s *SQLSink) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}

	var args []any
	if s.dialect == DialectPostgres {
		args = []any{pq.Array(ids)}
	} else {
		args = make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.existingSQL(s.table, len(ids)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read existing ids: %w", err)
	}
	return found, nil
}

func rowArgs(r domain.AnalysisRecord) ([]any, error) {
	attrs := string(r.Attributes)
	if attrs == "" {
		attrs = "{}"
	}
	if !json.Valid([]byte(attrs)) {
		return nil, fmt.Errorf("attributes are not valid JSON")
	}
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, err
	}
	return []any{
		r.MessageID,
		r.RunID,
		r.Mailbox,
		r.Folder,
		r.Sender,
		r.SenderDomain,
		r.Subject,
		r.ReceivedAt.UTC(),
		r.ImageURL,
		r.ImageKey,
		r.Degraded,
		attrs,
		string(r.Status),
		string(errJSON),
		r.AnalyzedAt.UTC(),
	}, nil
}
