package render

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeConfig configures the headless Chrome engine.
type ChromeConfig struct {
	// ExecPath overrides browser discovery.
	ExecPath string `yaml:"exec_path"`
	// AsyncWait is how long a page may settle before capture.
	AsyncWait time.Duration `yaml:"async_wait"`
	// ViewportHeight is the initial viewport; the capture is full page.
	ViewportHeight int `yaml:"viewport_height"`
}

// ChromeEngine starts one headless browser per session.
type ChromeEngine struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	cfg      ChromeConfig
}

// NewChromeEngine prepares the allocator. No browser starts until a
// session is opened.
func NewChromeEngine(ctx context.Context, cfg ChromeConfig) *ChromeEngine {
	if cfg.AsyncWait <= 0 {
		cfg.AsyncWait = 2 * time.Second
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 800
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "scriptEnabled=false"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &ChromeEngine{allocCtx: allocCtx, cancel: cancel, cfg: cfg}
}

// NewSession launches a dedicated browser.
func (e *ChromeEngine) NewSession(ctx context.Context) (Session, error) {
	browserCtx, cancel := chromedp.NewContext(e.allocCtx)
	stop := context.AfterFunc(ctx, cancel)
	if err := chromedp.Run(browserCtx); err != nil {
		stop()
		cancel()
		return nil, err
	}
	return &chromeSession{ctx: browserCtx, cancel: cancel, stop: stop, cfg: e.cfg}, nil
}

// Close shuts down the allocator and any browser still running.
func (e *ChromeEngine) Close() {
	e.cancel()
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	cfg    ChromeConfig
}

func (s *chromeSession) Capture(ctx context.Context, document string, width int) ([]byte, error) {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	var buf []byte
	err := chromedp.Run(runCtx,
		emulation.SetScriptExecutionDisabled(true),
		chromedp.EmulateViewport(int64(width), int64(s.cfg.ViewportHeight)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, document).Do(ctx)
		}),
		chromedp.Sleep(s.cfg.AsyncWait),
		// Quality 100 captures PNG.
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *chromeSession) Close() error {
	s.stop()
	s.cancel()
	return nil
}
