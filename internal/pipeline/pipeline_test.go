package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-intel/internal/classifier"
	"github.com/ignite/inbox-intel/internal/domain"
	"github.com/ignite/inbox-intel/internal/ledger"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/retry"
	"github.com/ignite/inbox-intel/internal/vision"
	"github.com/ignite/inbox-intel/internal/warehouse"
)

const goodReply = `{"design_quality_score":7,"offer_type":"percent_off","discount_value":20,"layout_type":"grid",
"primary_color":"#112233","has_hero_image":true,"image_count_estimate":3,"cta_count":1,"primary_cta_text":"Shop",
"urgency_level":"low","tone":"friendly","campaign_type":"sale","industry":"retail","personalization_detected":false,
"mobile_optimized":true,"text_to_image_ratio":0.4,"brand_name":"Brand","summary":"A sale"}`

type fakeRenderer struct {
	dir      string
	fail     map[string]bool
	delay    time.Duration
	during   func()
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (r *fakeRenderer) Render(ctx context.Context, msg domain.RawMessage, id string) (domain.RenderArtifact, error) {
	r.calls.Add(1)
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.during != nil {
		r.during()
	}
	if r.fail[msg.Subject] {
		return domain.RenderArtifact{}, errors.New("render failed: encoder")
	}
	path := filepath.Join(r.dir, id+".png")
	if err := os.WriteFile(path, []byte("png:"+msg.Subject), 0o644); err != nil {
		return domain.RenderArtifact{}, err
	}
	return domain.RenderArtifact{Path: path, ContentType: "image/png", Size: 4, Degraded: strings.Contains(msg.Subject, "plain")}, nil
}

type fakePublisher struct {
	fail map[string]bool
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) Publish(ctx context.Context, art domain.RenderArtifact, id string) (domain.ImageReference, error) {
	data, _ := os.ReadFile(art.Path)
	if p.fail[strings.TrimPrefix(string(data), "png:")] {
		return domain.ImageReference{}, errors.New("publish failed: s3 down")
	}
	p.mu.Lock()
	p.keys = append(p.keys, id)
	p.mu.Unlock()
	return domain.ImageReference{URL: "https://cdn.test/" + id + ".png", Key: id + ".png"}, nil
}

type fakeAnalyzer struct {
	replies map[string]string
	calls   atomic.Int32
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, img vision.Image, mc vision.MessageContext) vision.Result {
	a.calls.Add(1)
	if reply, ok := a.replies[mc.Subject]; ok {
		return vision.Interpret(reply)
	}
	return vision.Interpret(goodReply)
}

type failingLedger struct{}

func (failingLedger) AlreadyProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	return nil, ledger.ErrLedger
}

type slowLedger struct{ delay time.Duration }

func (l slowLedger) AlreadyProcessed(ctx context.Context, ids []string) (map[string]struct{}, error) {
	time.Sleep(l.delay)
	return map[string]struct{}{}, nil
}

type harness struct {
	sink      *warehouse.MemorySink
	renderer  *fakeRenderer
	publisher *fakePublisher
	analyzer  *fakeAnalyzer
	metrics   *Metrics
	deps      Deps
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sink := warehouse.NewMemorySink()
	h := &harness{
		sink:      sink,
		renderer:  &fakeRenderer{dir: t.TempDir(), fail: map[string]bool{}},
		publisher: &fakePublisher{fail: map[string]bool{}},
		analyzer:  &fakeAnalyzer{replies: map[string]string{}},
		metrics:   NewMetrics(prometheus.NewRegistry()),
		cfg: Config{
			Concurrency: 3,
			StoreRetry:  retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Name: "test.store"},
		},
	}
	h.deps = Deps{
		Classifier: classifier.MustNew(classifier.DefaultConfig()),
		Renderer:   h.renderer,
		Publisher:  h.publisher,
		Analyzer:   h.analyzer,
		Ledger:     ledger.New(sink, ledger.Config{}),
		Sink:       sink,
		Metrics:    h.metrics,
	}
	return h
}

func (h *harness) run(t *testing.T, msgs []domain.RawMessage) (RunReport, error) {
	t.Helper()
	return New(h.deps, h.cfg).Run(context.Background(), msgs)
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func marketing(subject string, offset int) domain.RawMessage {
	return domain.RawMessage{
		SenderAddress: "news@brand.com",
		SenderDomain:  "brand.com",
		Subject:       subject,
		HTMLBody:      "<p>" + subject + `</p><a href="https://brand.com/unsubscribe">Unsubscribe</a>`,
		ReceivedAt:    base.Add(time.Duration(offset) * time.Minute),
		Mailbox:       "seed-01",
		Folder:        "INBOX",
	}
}

// fiveMessages: two excluded, one already stored, two to process.
func fiveMessages() []domain.RawMessage {
	tracking := marketing("Huge sale Q7KX2P 9TRW4M", 1)
	reply := marketing("RE: your order", 2)
	return []domain.RawMessage{tracking, reply, marketing("Stored earlier", 3), marketing("Spring sale", 4), marketing("New arrivals", 5)}
}

func seedStored(t *testing.T, sink *warehouse.MemorySink, msg domain.RawMessage) {
	t.Helper()
	require.NoError(t, sink.UpsertBatch(context.Background(), []domain.AnalysisRecord{{
		MessageID: ledger.MessageID(msg),
		Status:    domain.StatusSuccess,
	}}))
}

func TestRun_FiveMessageScenario(t *testing.T) {
	h := newHarness(t)
	msgs := fiveMessages()
	seedStored(t, h.sink, msgs[2])

	rep, err := h.run(t, msgs)
	require.NoError(t, err)

	assert.Len(t, rep.Records, 2)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 2, rep.Excluded)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 3, rep.Skipped())
	assert.Equal(t, 2, rep.Committed)
	assert.Equal(t, int32(2), h.renderer.calls.Load())

	for _, rec := range rep.Records {
		assert.Equal(t, rep.RunID, rec.RunID)
		assert.Equal(t, domain.StatusSuccess, rec.Status)
		assert.Empty(t, rec.Errors)
		assert.Contains(t, string(rec.Attributes), `"design_quality_score":7`)
		assert.NotEmpty(t, rec.ImageURL)
		assert.False(t, rec.AnalyzedAt.IsZero())
	}
	assert.Len(t, h.sink.Records(), 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues("excluded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.batches.WithLabelValues("committed")))
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	msgs := fiveMessages()

	first, err := h.run(t, msgs)
	require.NoError(t, err)
	require.Equal(t, 3, first.Committed)

	second, err := h.run(t, msgs)
	require.NoError(t, err)

	assert.Empty(t, second.Records)
	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 2, second.Excluded)
	assert.Equal(t, 5, second.Skipped())
	assert.Equal(t, 3, len(h.sink.Records()))
	assert.Equal(t, 1, h.sink.Writes())
	assert.Equal(t, int32(3), h.renderer.calls.Load())
}

func TestRun_InRunDuplicates(t *testing.T) {
	h := newHarness(t)
	m := marketing("Spring sale", 1)

	rep, err := h.run(t, []domain.RawMessage{m, m})
	require.NoError(t, err)

	assert.Len(t, rep.Records, 1)
	assert.Equal(t, 1, rep.Duplicates)
}

func TestRun_StageFailures(t *testing.T) {
	h := newHarness(t)
	h.renderer.fail["Broken render"] = true
	h.publisher.fail["Upload fails"] = true
	h.analyzer.replies["Garbled"] = "sorry, no JSON today"
	h.analyzer.replies["Truncated"] = `{"a":1,}`

	msgs := []domain.RawMessage{
		marketing("Broken render", 1),
		marketing("Upload fails", 2),
		marketing("Garbled", 3),
		marketing("Truncated", 4),
		marketing("Fine plain", 5),
	}
	rep, err := h.run(t, msgs)
	require.NoError(t, err)

	bySubject := map[string]domain.AnalysisRecord{}
	for _, r := range rep.Records {
		bySubject[r.Subject] = r
	}
	require.Len(t, bySubject, 5)

	assert.Equal(t, domain.StatusFailed, bySubject["Broken render"].Status)
	assert.Contains(t, bySubject["Broken render"].Errors[0], "render:")

	upload := bySubject["Upload fails"]
	assert.Equal(t, domain.StatusFailed, upload.Status)
	assert.Contains(t, upload.Errors[0], "publish:")
	assert.Empty(t, upload.ImageURL)
	assert.FileExists(t, filepath.Join(h.renderer.dir, upload.MessageID+".png"))

	assert.Equal(t, domain.StatusPartial, bySubject["Garbled"].Status)
	assert.Equal(t, domain.StatusPartial, bySubject["Truncated"].Status)

	plain := bySubject["Fine plain"]
	assert.Equal(t, domain.StatusSuccess, plain.Status)
	assert.True(t, plain.Degraded)
	assert.NoFileExists(t, filepath.Join(h.renderer.dir, plain.MessageID+".png"))

	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 2, rep.Partial)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, int32(3), h.analyzer.calls.Load())

	// Failed rows do not block a redo.
	h.renderer.fail = map[string]bool{}
	h.publisher.fail = map[string]bool{}
	redo, err := h.run(t, msgs)
	require.NoError(t, err)
	assert.Len(t, redo.Records, 2)
	assert.Equal(t, 2, redo.Succeeded)
	assert.Equal(t, 3, redo.Duplicates)
}

func TestRun_StorageFailureCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.sink.FailWrites(errors.New("warehouse suspended"))

	rep, err := h.run(t, []domain.RawMessage{marketing("Spring sale", 1), marketing("New arrivals", 2)})
	require.Error(t, err)

	assert.ErrorIs(t, err, warehouse.ErrStorage)
	assert.Equal(t, 0, rep.Committed)
	assert.Len(t, rep.Records, 2)
	assert.Empty(t, h.sink.Records())
	assert.Equal(t, 2, h.sink.Writes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.batches.WithLabelValues("failed")))
}

func TestRun_LedgerFailureStopsBeforeRendering(t *testing.T) {
	h := newHarness(t)
	h.deps.Ledger = failingLedger{}

	_, err := h.run(t, []domain.RawMessage{marketing("Spring sale", 1)})
	assert.ErrorIs(t, err, ledger.ErrLedger)
	assert.Zero(t, h.renderer.calls.Load())
}

func TestRun_BoundedConcurrency(t *testing.T) {
	h := newHarness(t)
	h.cfg.Concurrency = 2
	h.renderer.delay = 20 * time.Millisecond

	var msgs []domain.RawMessage
	for i := 0; i < 8; i++ {
		msgs = append(msgs, marketing("Deal number "+string(rune('a'+i)), i))
	}
	rep, err := h.run(t, msgs)
	require.NoError(t, err)

	assert.Len(t, rep.Records, 8)
	assert.LessOrEqual(t, h.renderer.peak.Load(), int32(2))
}

func TestRun_BudgetDefersUndispatched(t *testing.T) {
	h := newHarness(t)
	h.cfg.Concurrency = 1
	h.cfg.Budget = 50 * time.Millisecond
	h.renderer.delay = 200 * time.Millisecond

	msgs := []domain.RawMessage{marketing("One sale", 1), marketing("Two sale", 2), marketing("Three sale", 3), marketing("Four sale", 4)}
	rep, err := h.run(t, msgs)
	require.NoError(t, err)

	// The in-flight message finishes and is written.
	assert.Len(t, rep.Records, 1)
	assert.Equal(t, 3, rep.Deferred)
	assert.Equal(t, 1, rep.Committed)
}

func TestRun_BudgetIncludesAdmission(t *testing.T) {
	h := newHarness(t)
	h.cfg.Budget = 50 * time.Millisecond
	h.deps.Ledger = slowLedger{delay: 150 * time.Millisecond}

	rep, err := h.run(t, []domain.RawMessage{marketing("Spring sale", 1), marketing("Summer sale", 2)})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Deferred)
	assert.Empty(t, rep.Records)
	assert.Zero(t, h.renderer.calls.Load())
}

func TestRun_LockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	other := distlock.NewRedisLock(client, "analyzer", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	h := newHarness(t)
	h.deps.Lock = distlock.NewRedisLock(client, "analyzer", time.Minute)

	_, err = h.run(t, []domain.RawMessage{marketing("Spring sale", 1)})
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, other.Release(context.Background()))
	rep, err := h.run(t, []domain.RawMessage{marketing("Spring sale", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Committed)
	assert.False(t, mr.Exists("inbox-intel:lock:analyzer"))
}

func TestRun_ExtendsLockWhileWorking(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t)
	h.cfg.LockRefresh = 5 * time.Millisecond
	h.deps.Lock = distlock.NewRedisLock(client, "analyzer", time.Second)

	var held atomic.Bool
	h.renderer.during = func() {
		// Three seconds of lock time pass while the message renders.
		for i := 0; i < 5; i++ {
			mr.FastForward(600 * time.Millisecond)
			time.Sleep(40 * time.Millisecond)
		}
		held.Store(mr.Exists("inbox-intel:lock:analyzer"))
	}

	rep, err := h.run(t, []domain.RawMessage{marketing("Spring sale", 1)})
	require.NoError(t, err)
	assert.True(t, held.Load())
	assert.Equal(t, 1, rep.Committed)
	assert.False(t, mr.Exists("inbox-intel:lock:analyzer"))
}

func TestRun_LockLostStopsDispatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t)
	h.cfg.Concurrency = 1
	h.cfg.LockRefresh = 5 * time.Millisecond
	h.deps.Lock = distlock.NewRedisLock(client, "analyzer", time.Minute)

	var once sync.Once
	h.renderer.during = func() {
		once.Do(func() {
			mr.Del("inbox-intel:lock:analyzer")
			time.Sleep(200 * time.Millisecond)
		})
	}

	rep, err := h.run(t, []domain.RawMessage{
		marketing("Spring sale", 1),
		marketing("Summer sale", 2),
		marketing("Autumn sale", 3),
	})
	require.NoError(t, err)
	assert.Len(t, rep.Records, 1)
	assert.Equal(t, 2, rep.Deferred)
	assert.Equal(t, 1, rep.Committed)
}

func TestRunReport_LogFields(t *testing.T) {
	rep := RunReport{RunID: "r1", Succeeded: 2, Excluded: 2, Duplicates: 1}
	fields := rep.LogFields()
	assert.Equal(t, "run_id", fields[0])
	assert.Equal(t, "r1", fields[1])
	assert.Len(t, fields, 18)
	assert.Equal(t, 3, rep.Skipped())
}
