// Package publish uploads rendered artifacts to durable storage and returns
// a retrievable reference.
package publish

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
)

// ErrPublish wraps every upload failure.
var ErrPublish = errors.New("publish failed")

// Publisher makes a local artifact durable.
type Publisher interface {
	Publish(ctx context.Context, art domain.RenderArtifact, messageID string) (domain.ImageReference, error)
}

// objectKey builds prefix/yyyy/mm/<id>.<ext>.
func objectKey(prefix string, now time.Time, messageID, contentType string) string {
	name := messageID + extension(contentType)
	return path.Join(strings.Trim(prefix, "/"), now.UTC().Format("2006/01"), name)
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ".bin"
	}
}
