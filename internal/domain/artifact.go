package domain

import (
	"os"
	"time"
)

// RenderArtifact is a rendered image of a message on local disk.
type RenderArtifact struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Size        int64  `json:"size"`
	// Degraded is true when the text-only fallback produced the image.
	Degraded bool `json:"degraded"`
}

// Bytes reads the artifact contents from disk.
func (a *RenderArtifact) Bytes() ([]byte, error) {
	return os.ReadFile(a.Path)
}

// Remove deletes the local file. Missing files are not an error.
func (a *RenderArtifact) Remove() error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ImageReference is a durable, retrievable location of a published artifact.
type ImageReference struct {
	URL       string     `json:"url"`
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
