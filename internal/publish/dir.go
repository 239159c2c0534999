package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
)

// DirPublisher copies artifacts into a local directory. Used for dry runs.
type DirPublisher struct {
	Dir string
	// BaseURL prefixes the key in returned URLs; empty yields file:// URLs.
	BaseURL string
	now     func() time.Time
}

// NewDirPublisher creates a DirPublisher rooted at dir.
func NewDirPublisher(dir, baseURL string) *DirPublisher {
	return &DirPublisher{Dir: dir, BaseURL: baseURL, now: time.Now}
}

// Publish copies art under Dir using the same key layout as S3.
func (p *DirPublisher) Publish(ctx context.Context, art domain.RenderArtifact, messageID string) (domain.ImageReference, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	data, err := art.Bytes()
	if err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: read artifact: %v", ErrPublish, err)
	}

	key := objectKey("renders", p.now(), messageID, art.ContentType)
	dst := filepath.Join(p.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return domain.ImageReference{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	url := "file://" + filepath.ToSlash(dst)
	if p.BaseURL != "" {
		url = strings.TrimSuffix(p.BaseURL, "/") + "/" + key
	}
	return domain.ImageReference{URL: url, Key: key}, nil
}
