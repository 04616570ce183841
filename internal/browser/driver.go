package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	docexport "github.com/porticus-lab/go-doc-export"
)

// Driver drives a single Chrome tab through the Chrome DevTools Protocol.
//
// A Driver keeps one tab open for its lifetime so cookies and page state
// carry across documents. It is not safe for concurrent use; run one
// Driver per export session.
//
// Call [Driver.Close] when the Driver is no longer needed to release
// browser resources.
type Driver struct {
	cfg           driverConfig
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tmpDownload   bool

	mu     sync.Mutex
	closed bool
	armed  *downloadWaiter
	hits   int
}

var _ docexport.Driver = (*Driver)(nil)
var _ docexport.RateLimitDetector = (*Driver)(nil)

// New starts a browser with the given options and opens its tab.
func New(opts ...Option) (*Driver, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.chromePath == "" && cfg.autoDownload {
		path, err := LookPath()
		if err != nil {
			return nil, err
		}
		cfg.chromePath = path
	}

	tmpDownload := false
	if cfg.downloadDir == "" {
		dir, err := os.MkdirTemp("", "docexport-downloads-*")
		if err != nil {
			return nil, fmt.Errorf("browser: creating download dir: %w", err)
		}
		cfg.downloadDir = dir
		tmpDownload = true
	}
	abs, err := filepath.Abs(cfg.downloadDir)
	if err != nil {
		return nil, fmt.Errorf("browser: resolving download dir: %w", err)
	}
	cfg.downloadDir = abs
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("browser: creating download dir: %w", err)
	}

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("no-first-run", true),
	)
	if cfg.headless != "" {
		allocOpts = append(allocOpts, chromedp.Flag("headless", cfg.headless))
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if cfg.chromePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(cfg.chromePath))
	}
	if cfg.noSandbox {
		allocOpts = append(allocOpts, chromedp.Flag("no-sandbox", true))
	}
	if cfg.userDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(cfg.userDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		cfg:           cfg,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tmpDownload:   tmpDownload,
	}

	// Start the browser eagerly so errors surface at creation time.
	if err := chromedp.Run(browserCtx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(cfg.downloadDir).
			WithEventsEnabled(true),
	); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: starting browser: %w", err)
	}

	// Download events are reported on the browser target in some Chrome
	// versions and on the page target in others.
	chromedp.ListenBrowser(browserCtx, d.onEvent)
	chromedp.ListenTarget(browserCtx, d.onEvent)

	return d, nil
}

// Close releases all resources held by the Driver, including the browser
// process. Close is idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.browserCancel()
	d.allocCancel()
	if d.tmpDownload {
		os.RemoveAll(d.cfg.downloadDir)
	}
	return nil
}

func (d *Driver) checkClosed() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return docexport.ErrClosed
	}
	return nil
}

// bind derives a context on the browser tab that is cancelled with ctx and
// honours ctx's deadline and the optional timeout.
func (d *Driver) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithCancel(d.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	cancels := []context.CancelFunc{cancel}
	if dl, ok := ctx.Deadline(); ok {
		var c context.CancelFunc
		tctx, c = context.WithDeadline(tctx, dl)
		cancels = append(cancels, c)
	}
	if timeout > 0 {
		var c context.CancelFunc
		tctx, c = context.WithTimeout(tctx, timeout)
		cancels = append(cancels, c)
	}
	return tctx, func() {
		stop()
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// Navigate loads url and returns the location reached.
func (d *Driver) Navigate(ctx context.Context, url string) (string, error) {
	if err := d.checkClosed(); err != nil {
		return "", err
	}
	tctx, cancel := d.bind(ctx, d.cfg.navTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&loc),
	); err != nil {
		return "", fmt.Errorf("browser: navigating to %s: %w", url, err)
	}
	return loc, nil
}

// FindAndClick tries each strategy for up to timeout and clicks the first
// element found.
func (d *Driver) FindAndClick(ctx context.Context, strategies []docexport.Strategy, timeout time.Duration) (bool, error) {
	if err := d.checkClosed(); err != nil {
		return false, err
	}
	for _, st := range strategies {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := d.tryStrategy(ctx, st, timeout)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (d *Driver) tryStrategy(ctx context.Context, st docexport.Strategy, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = defaultStrategyTimeout
	}
	token := d.nextHitToken()
	tctx, cancel := d.bind(ctx, timeout)
	defer cancel()

	var found bool
	err := chromedp.Run(tctx,
		chromedp.PollFunction(findScript, &found,
			chromedp.WithPollingArgs(string(st.Kind), st.Value, st.Context, token),
			chromedp.WithPollingInterval(100*time.Millisecond),
			chromedp.WithPollingTimeout(timeout),
		),
	)
	if err != nil || !found {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		// Timeouts and script errors both mean this strategy did not match.
		return false, nil
	}

	cctx, ccancel := d.bind(ctx, timeout)
	defer ccancel()
	if err := chromedp.Run(cctx, chromedp.Click(hitSelector(token), chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	return true, nil
}

func (d *Driver) nextHitToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
	return fmt.Sprintf("h%d", d.hits)
}

// PageHTML returns the serialized DOM.
func (d *Driver) PageHTML(ctx context.Context) (string, error) {
	if err := d.checkClosed(); err != nil {
		return "", err
	}
	tctx, cancel := d.bind(ctx, d.cfg.navTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(tctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("browser: reading page: %w", err)
	}
	return html, nil
}

// CurrentLocationIndicatesAuthRedirect reports whether the tab is on a
// login page.
func (d *Driver) CurrentLocationIndicatesAuthRedirect(ctx context.Context) (bool, error) {
	loc, err := d.Location(ctx)
	if err != nil {
		return false, err
	}
	return matchesAny(loc, d.cfg.authPatterns), nil
}

// Location returns the current URL of the tab.
func (d *Driver) Location(ctx context.Context) (string, error) {
	if err := d.checkClosed(); err != nil {
		return "", err
	}
	tctx, cancel := d.bind(ctx, d.cfg.navTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(tctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("browser: reading location: %w", err)
	}
	return loc, nil
}

// RateLimited reports whether the visible page text carries a throttling
// message.
func (d *Driver) RateLimited(ctx context.Context) (bool, error) {
	if err := d.checkClosed(); err != nil {
		return false, err
	}
	tctx, cancel := d.bind(ctx, d.cfg.navTimeout)
	defer cancel()

	var text string
	if err := chromedp.Run(tctx,
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	); err != nil {
		return false, fmt.Errorf("browser: reading page text: %w", err)
	}
	return matchesAny(text, d.cfg.rateLimitPhrase), nil
}

// SaveArtifact moves a staged download to destPath, replacing any
// existing file.
func (d *Driver) SaveArtifact(_ context.Context, a *docexport.Artifact, destPath string) error {
	if a == nil {
		return errors.New("browser: nil artifact")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("browser: creating destination dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".docexport-*.part")
	if err != nil {
		return fmt.Errorf("browser: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if a.Path != "" {
		src, err := os.Open(a.Path)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("browser: opening download: %w", err)
		}
		_, err = io.Copy(tmp, src)
		src.Close()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("browser: copying download: %w", err)
		}
	} else if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("browser: writing download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("browser: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return fmt.Errorf("browser: moving download into place: %w", err)
	}
	if a.Path != "" {
		os.Remove(a.Path)
	}
	return nil
}

func matchesAny(s string, needles []string) bool {
	ls := strings.ToLower(s)
	for _, n := range needles {
		if n != "" && strings.Contains(ls, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
