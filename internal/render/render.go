// Package render rasterizes message HTML to an image file. A headless
// browser session produces the primary capture; when it fails, times out or
// returns nothing, a text-only image is synthesized instead. Oversized
// output is recompressed best-effort.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// ErrRenderFailed means neither the primary nor the fallback path produced
// an image. Nothing is written in that case.
var ErrRenderFailed = errors.New("render failed")

// Config controls both render paths and post-processing.
type Config struct {
	WorkDir       string        `yaml:"work_dir"`
	ViewportWidth int           `yaml:"viewport_width"`
	Timeout       time.Duration `yaml:"timeout"`
	// MaxBytes is the size above which an image is recompressed.
	MaxBytes            int `yaml:"max_bytes"`
	MaxCompressAttempts int `yaml:"max_compress_attempts"`
	// ExcerptChars bounds the body text drawn by the fallback.
	ExcerptChars int `yaml:"excerpt_chars"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WorkDir:             filepath.Join(os.TempDir(), "inbox-intel"),
		ViewportWidth:       600,
		Timeout:             30 * time.Second,
		MaxBytes:            3_500_000,
		MaxCompressAttempts: 6,
		ExcerptChars:        1500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkDir == "" {
		c.WorkDir = d.WorkDir
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = d.ViewportWidth
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.MaxCompressAttempts <= 0 {
		c.MaxCompressAttempts = d.MaxCompressAttempts
	}
	if c.ExcerptChars <= 0 {
		c.ExcerptChars = d.ExcerptChars
	}
	return c
}

// Renderer turns messages into RenderArtifacts. A nil Engine sends every
// message down the fallback path.
type Renderer struct {
	engine Engine
	cfg    Config
}

// New creates a Renderer.
func New(engine Engine, cfg Config) *Renderer {
	return &Renderer{engine: engine, cfg: cfg.withDefaults()}
}

// Render produces an image file for msg named after id. A returned error
// always wraps ErrRenderFailed.
func (r *Renderer) Render(ctx context.Context, msg domain.RawMessage, id string) (domain.RenderArtifact, error) {
	data, err := r.primary(ctx, msg)
	degraded := false
	if err != nil {
		logger.Warn("render: primary capture failed, using text fallback",
			"message_id", id, "error", err)
		data, err = Fallback(msg, r.cfg.ViewportWidth, r.cfg.ExcerptChars)
		if err != nil {
			return domain.RenderArtifact{}, fmt.Errorf("%w: fallback: %v", ErrRenderFailed, err)
		}
		degraded = true
	}

	original := len(data)
	data, contentType := Compress(data, r.cfg.MaxBytes, r.cfg.MaxCompressAttempts)
	if len(data) != original {
		logger.Debug("render: recompressed", "message_id", id, "from", original, "to", len(data))
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.RenderArtifact{}, fmt.Errorf("%w: decode output: %v", ErrRenderFailed, err)
	}

	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return domain.RenderArtifact{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	path := filepath.Join(r.cfg.WorkDir, id+extension(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return domain.RenderArtifact{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	return domain.RenderArtifact{
		Path:        path,
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Size:        int64(len(data)),
		Degraded:    degraded,
	}, nil
}

var (
	errNoEngine = errors.New("no render engine configured")
	errNoHTML   = errors.New("message has no html body")
	errEmpty    = errors.New("engine returned an empty image")
)

// primary runs one browser session under the configured timeout. The
// session is opened and closed around this single capture.
func (r *Renderer) primary(ctx context.Context, msg domain.RawMessage) ([]byte, error) {
	if r.engine == nil {
		return nil, errNoEngine
	}
	if msg.HTMLBody == "" {
		return nil, errNoHTML
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := r.engine.NewSession(ctx)
		if err != nil {
			done <- result{err: fmt.Errorf("open session: %w", err)}
			return
		}
		defer sess.Close()
		data, err := sess.Capture(ctx, WrapDocument(msg.HTMLBody, r.cfg.ViewportWidth), r.cfg.ViewportWidth)
		done <- result{data: data, err: err}
	}()

	// An engine that ignores ctx must still not hold the worker.
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.data) == 0 {
			return nil, errEmpty
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(res.data)); err != nil {
			return nil, fmt.Errorf("engine output is not an image: %w", err)
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("capture: %w", ctx.Err())
	}
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

// detectContentType checks magic bytes for the two formats we emit.
func detectContentType(data []byte) string {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return "image/jpeg"
	}
	if len(data) >= 8 && data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G' {
		return "image/png"
	}
	return "application/octet-stream"
}
