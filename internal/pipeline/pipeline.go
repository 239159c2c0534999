// Package pipeline drives each accepted message through render, publish
// and analysis on a fixed pool of workers, then writes the whole run to the
// warehouse in one batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/ledger"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
	"github.com/ignite/inbox-intel/internal/vision"
)

var (
	// ErrRunInProgress is returned when another run holds the run lock.
	ErrRunInProgress = errors.New("another run is in progress")
	// ErrLockLost stops dispatch when the run lock could not be kept.
	ErrLockLost = errors.New("run lock lost")
)

// Classifier gates messages before any I/O.
type Classifier interface {
	Classify(msg domain.RawMessage) domain.ClassificationResult
}

// Renderer produces an image file for a message.
type Renderer interface {
	Render(ctx context.Context, msg domain.RawMessage, id string) (domain.RenderArtifact, error)
}

// Publisher makes an artifact durable.
type Publisher interface {
	Publish(ctx context.Context, art domain.RenderArtifact, messageID string) (domain.ImageReference, error)
}

// Analyzer extracts attributes. It always returns a usable result.
type Analyzer interface {
	Analyze(ctx context.Context, img vision.Image, mc vision.MessageContext) vision.Result
}

// Ledger reports ids already stored downstream.
type Ledger interface {
	AlreadyProcessed(ctx context.Context, ids []string) (map[string]struct{}, error)
}

// Sink receives the run's records in one call.
type Sink interface {
	UpsertBatch(ctx context.Context, records []domain.AnalysisRecord) error
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency int `yaml:"concurrency"`
	// Budget stops dispatch after this long. Zero means no budget.
	Budget       time.Duration `yaml:"budget"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	StoreRetry   retry.Policy  `yaml:"-"`
	// LockRefresh is how often a held run lock is extended.
	LockRefresh time.Duration `yaml:"lock_refresh"`
}

// Deps are the collaborators of a run. Lock and Metrics are optional.
type Deps struct {
	Classifier Classifier
	Renderer   Renderer
	Publisher  Publisher
	Analyzer   Analyzer
	Ledger     Ledger
	Sink       Sink
	Lock       distlock.DistLock
	Metrics    *Metrics
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Minute
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = 5 * time.Minute
	}
	if cfg.StoreRetry.Name == "" {
		cfg.StoreRetry = retry.DefaultPolicy("warehouse.upsert")
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}
}

type job struct {
	msg domain.RawMessage
	id  string
}

// Run processes msgs. Only a ledger failure, a held run lock or a failed
// batch write return an error; per-message failures become record
// statuses. On a failed write the report still carries the computed
// records but Committed is zero.
func (o *Orchestrator) Run(ctx context.Context, msgs []domain.RawMessage) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), Total: len(msgs)}
	log := logger.With("run_id", report.RunID)

	// The budget covers admission as well as dispatch.
	var deadline <-chan time.Time
	if o.cfg.Budget > 0 {
		timer := time.NewTimer(o.cfg.Budget)
		defer timer.Stop()
		deadline = timer.C
	}

	dispatchCtx, stopDispatch := context.WithCancelCause(ctx)
	defer stopDispatch(nil)

	if o.deps.Lock != nil {
		ok, err := o.deps.Lock.Acquire(ctx)
		if err != nil {
			return report, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			return report, ErrRunInProgress
		}
		keepCtx, stopKeep := context.WithCancel(context.WithoutCancel(ctx))
		lost := distlock.KeepAlive(keepCtx, o.deps.Lock, o.cfg.LockRefresh)
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			if err := <-lost; err != nil {
				log.Error("pipeline: run lock lost, stopping dispatch", "error", err)
				stopDispatch(fmt.Errorf("%w: %v", ErrLockLost, err))
			}
		}()
		defer func() {
			stopKeep()
			<-watched
			if err := o.deps.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("pipeline: release run lock", "error", err)
			}
		}()
	}

	work, err := o.admit(ctx, msgs, &report)
	if err != nil {
		return report, err
	}
	log.Info("pipeline: admitted", "accepted", len(work), "excluded", report.Excluded, "duplicates", report.Duplicates)

	res := newResults(len(work))
	dispatched := o.dispatch(dispatchCtx, deadline, work, report.RunID, res)
	report.Deferred = len(work) - dispatched
	res.fill(&report)
	sort.Slice(report.Records, func(i, j int) bool { return report.Records[i].MessageID < report.Records[j].MessageID })

	m := o.deps.Metrics
	m.outcome("success", report.Succeeded)
	m.outcome("partial", report.Partial)
	m.outcome("failed", report.Failed)
	m.outcome("deferred", report.Deferred)
	if report.Deferred > 0 {
		log.Warn("pipeline: dispatch stopped, messages deferred", "deferred", report.Deferred, "cause", context.Cause(dispatchCtx))
	}

	if len(report.Records) > 0 {
		if err := o.store(ctx, report.Records); err != nil {
			m.batch("failed")
			report.Committed = 0
			log.Error("pipeline: batch write failed, nothing committed", append(report.LogFields(), "error", err)...)
			return report, fmt.Errorf("batch write: %w", err)
		}
		m.batch("committed")
	}
	report.Committed = len(report.Records)
	log.Info("pipeline: run complete", report.LogFields()...)
	return report, nil
}

// admit classifies and dedups sequentially. No rendering happens unless
// the ledger answered.
func (o *Orchestrator) admit(ctx context.Context, msgs []domain.RawMessage, report *RunReport) ([]job, error) {
	var (
		candidates []job
		ids        []string
		seen       = make(map[string]struct{}, len(msgs))
	)
	for _, msg := range msgs {
		cls := o.deps.Classifier.Classify(msg)
		if !cls.IsMarketing {
			report.Excluded++
			logger.Debug("pipeline: excluded", "sender", msg.SenderAddress, "score", cls.Score, "signals", strings.Join(cls.Signals, ","))
			continue
		}
		id := ledger.MessageID(msg)
		if _, dup := seen[id]; dup {
			report.Duplicates++
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, job{msg: msg, id: id})
		ids = append(ids, id)
	}

	existing, err := o.deps.Ledger.AlreadyProcessed(ctx, ids)
	if err != nil {
		return nil, err
	}

	work := make([]job, 0, len(candidates))
	for _, j := range candidates {
		if _, done := existing[j.id]; done {
			report.Duplicates++
			continue
		}
		work = append(work, j)
	}
	o.deps.Metrics.outcome("excluded", report.Excluded)
	o.deps.Metrics.outcome("duplicate", report.Duplicates)
	return work, nil
}

// dispatch feeds work to the pool until it is drained, deadline fires or
// ctx ends, then waits for in-flight messages. Workers run on a context
// that ignores cancellation so no message is cut off midway.
func (o *Orchestrator) dispatch(ctx context.Context, deadline <-chan time.Time, work []job, runID string, res *results) int {
	jobs := make(chan job)
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < min(o.cfg.Concurrency, max(len(work), 1)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res.add(o.process(workCtx, j, runID))
			}
		}()
	}

	dispatched := 0
loop:
	for _, j := range work {
		select {
		case <-deadline:
			break loop
		case <-ctx.Done():
			break loop
		default:
		}
		select {
		case jobs <- j:
			dispatched++
		case <-deadline:
			break loop
		case <-ctx.Done():
			break loop
		}
	}
	close(jobs)
	wg.Wait()
	return dispatched
}

// process runs Render, Publish and Analyze in order for one message.
func (o *Orchestrator) process(ctx context.Context, j job, runID string) domain.AnalysisRecord {
	msg := j.msg
	rec := domain.AnalysisRecord{
		MessageID:    j.id,
		RunID:        runID,
		Mailbox:      msg.Mailbox,
		Folder:       msg.Folder,
		Sender:       msg.SenderAddress,
		SenderDomain: msg.SenderDomain,
		Subject:      msg.Subject,
		ReceivedAt:   msg.ReceivedAt,
		Errors:       []string{},
	}
	log := logger.With("message_id", j.id)
	m := o.deps.Metrics
	fail := func(stage string, err error) domain.AnalysisRecord {
		rec.Status = domain.StatusFailed
		rec.Errors = append(rec.Errors, stage+": "+err.Error())
		rec.AnalyzedAt = o.now().UTC()
		log.Warn("pipeline: message failed", "stage", stage, "error", err)
		return rec
	}

	start := time.Now()
	art, err := o.deps.Renderer.Render(ctx, msg, j.id)
	m.observe("render", start)
	if err != nil {
		return fail("render", err)
	}
	rec.Degraded = art.Degraded
	if art.Degraded {
		m.degradedRender()
	}
	data, err := art.Bytes()
	if err != nil {
		return fail("render", fmt.Errorf("read artifact: %w", err))
	}

	start = time.Now()
	ref, err := o.deps.Publisher.Publish(ctx, art, j.id)
	m.observe("publish", start)
	if err != nil {
		log.Info("pipeline: artifact retained", "path", art.Path)
		return fail("publish", err)
	}
	rec.ImageURL = ref.URL
	rec.ImageKey = ref.Key
	if err := art.Remove(); err != nil {
		log.Warn("pipeline: remove artifact", "path", art.Path, "error", err)
	}

	start = time.Now()
	result := o.deps.Analyzer.Analyze(ctx,
		vision.Image{Data: data, MediaType: art.ContentType, URL: ref.URL},
		vision.MessageContext{Sender: msg.SenderAddress, Domain: msg.SenderDomain, Subject: msg.Subject})
	m.observe("analyze", start)

	rec.Attributes = result.Attributes.JSON()
	rec.Status = result.Status()
	switch {
	case result.Err != nil:
		rec.Errors = append(rec.Errors, "analyze: "+result.Err.Error())
	case result.Fallback:
		rec.Errors = append(rec.Errors, "analyze: response could not be parsed, defaults used")
	case len(result.Missing) > 0:
		rec.Errors = append(rec.Errors, "analyze: missing fields: "+strings.Join(result.Missing, ","))
	}
	rec.AnalyzedAt = o.now().UTC()

	log.Info("pipeline: message analyzed", "status", rec.Status, "degraded", rec.Degraded, "repaired", result.Repaired)
	return rec
}

// store writes the batch with retries. The transaction is all or nothing
// so a retry never duplicates rows.
func (o *Orchestrator) store(ctx context.Context, records []domain.AnalysisRecord) error {
	start := time.Now()
	defer o.deps.Metrics.observe("store", start)

	return retry.Do(context.WithoutCancel(ctx), o.cfg.StoreRetry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		defer cancel()
		return o.deps.Sink.UpsertBatch(ctx, records)
	})
}
