// Package vision asks a vision-capable model to describe a rendered email
// and turns its semi-structured reply into a fixed attribute schema.
// Malformed replies are repaired where possible and otherwise replaced by a
// complete default payload, so callers never branch on parse outcome.
package vision

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

// Image is the rendered email handed to the model.
type Image struct {
	Data      []byte
	MediaType string
	// URL is the published reference, kept for diagnostics.
	URL string
}

// Invoker sends one request to the remote model and returns its raw text.
type Invoker interface {
	Invoke(ctx context.Context, img Image, instructions string) (string, error)
}

// Result is the outcome of one analysis.
type Result struct {
	Attributes Attributes
	// Repaired is set when the reply needed a repair heuristic.
	Repaired bool
	// Fallback is set when Attributes are the default payload.
	Fallback bool
	// Missing lists schema fields the reply did not supply usably.
	Missing []string
	// Err holds the remote failure that forced a fallback, if any.
	Err error
}

// Status maps the result onto a record status. Any fallback, gap or
// remote failure makes the record partial.
func (r Result) Status() domain.ProcessingStatus {
	if r.Fallback || len(r.Missing) > 0 || r.Err != nil {
		return domain.StatusPartial
	}
	return domain.StatusSuccess
}

// Config bounds calls to the model.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   retry.Policy  `yaml:"-"`
}

// Analyzer builds instructions, invokes the model and parses the reply.
type Analyzer struct {
	invoker Invoker
	tpl     *Template
	cfg     Config
}

// NewAnalyzer wires an Analyzer around inv.
func NewAnalyzer(inv Invoker, cfg Config) (*Analyzer, error) {
	tpl, err := NewTemplate()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch {
	case cfg.Retry == (retry.Policy{}):
		cfg.Retry = retry.DefaultPolicy("vision.invoke")
	case cfg.Retry.Name == "":
		cfg.Retry.Name = "vision.invoke"
	}
	return &Analyzer{invoker: inv, tpl: tpl, cfg: cfg}, nil
}

// Analyze never returns an unusable result: remote failures after retries
// and unparseable replies both resolve to the default payload.
func (a *Analyzer) Analyze(ctx context.Context, img Image, mc MessageContext) Result {
	instructions, err := a.tpl.Render(mc)
	if err != nil {
		return fallback("", err)
	}

	var raw string
	err = retry.Do(ctx, a.cfg.Retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		out, err := a.invoker.Invoke(ctx, img, instructions)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		logger.Warn("vision: invoke failed, using default attributes", "domain", mc.Domain, "error", err)
		return fallback("", fmt.Errorf("invoke: %w", err))
	}

	return Interpret(raw)
}

// Interpret parses a raw model reply without calling the model. Repair
// exhaustion is a data problem and is never retried.
func Interpret(raw string) Result {
	parsed, ok := parseResponse(raw)
	if !ok {
		return fallback(raw, nil)
	}
	attrs, missing := decodeAttributes(parsed.obj)
	if len(missing) > 0 {
		attrs.RawResponse = raw
	}
	return Result{
		Attributes: attrs,
		Repaired:   parsed.repaired,
		Missing:    missing,
	}
}

func fallback(raw string, err error) Result {
	attrs := DefaultAttributes()
	attrs.RawResponse = raw
	missing := make([]string, 0, len(fields))
	for _, f := range fields {
		missing = append(missing, f.name)
	}
	return Result{Attributes: attrs, Fallback: true, Missing: missing, Err: err}
}
