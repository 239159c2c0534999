package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// MboxSource reads one or more mbox files as a single mailbox.
type MboxSource struct {
	Paths []string
}

// NewMboxSource creates a source over paths.
func NewMboxSource(paths ...string) *MboxSource {
	return &MboxSource{Paths: paths}
}

// Fetch parses every message in range. Unparseable messages are logged and
// skipped; only I/O errors on the files themselves fail the fetch.
func (s *MboxSource) Fetch(ctx context.Context, q Query) ([]domain.RawMessage, error) {
	folder := q.Folder
	if folder == "" {
		folder = "INBOX"
	}

	var out []domain.RawMessage
	for _, path := range s.Paths {
		mailbox := q.Mailbox
		if mailbox == "" {
			mailbox = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		msgs, err := s.readFile(ctx, path, mailbox, folder, q)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (s *MboxSource) readFile(ctx context.Context, path, mailbox, folder string, q Query) ([]domain.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return readMbox(ctx, file, path, mailbox, folder, q)
}

func readMbox(ctx context.Context, r io.Reader, name, mailbox, folder string, q Query) ([]domain.RawMessage, error) {
	reader := mboxlib.NewReader(r)

	var (
		out     []domain.RawMessage
		skipped int
	)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: message %d: %w", name, idx, err)
		}

		msg, err := ParseMessage(msgReader, mailbox, folder)
		if err != nil {
			skipped++
			logger.Warn("mailbox: skipping unparseable message", "file", name, "index", idx, "error", err)
			continue
		}
		if !q.Matches(msg.ReceivedAt) {
			continue
		}
		out = append(out, msg)
	}

	logger.Info("mailbox: read mbox", "file", name, "messages", len(out), "skipped", skipped)
	return out, nil
}
