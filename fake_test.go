package docexport_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	docexport "github.com/porticus-lab/go-doc-export"
)

const testRoot = "https://docs.example.com/library"

var pdfBytes = []byte("%PDF-1.7\n% test artifact\n%%EOF\n")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func docURL(n int) string {
	return fmt.Sprintf("https://docs.example.com/document/%d", n)
}

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.sleeps = append(c.sleeps, d)
	}
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Elapsed(since time.Time) time.Duration {
	return c.Now().Sub(since)
}

// outcome is what a single visit to a document does.
type outcome int

const (
	outOK outcome = iota
	outMenuOnly
	outNoShare
	outNoExportTab
	outTimeout
	outAuthRedirect
	outRateLimited
)

// site is a static document library: folder path ("" for the root view,
// "A/Sub" for nested folders) to page HTML.
type site map[string]string

// folderPage renders a folder view with sidebar folders and document links.
func folderPage(folders []string, docs ...int) string {
	var b strings.Builder
	b.WriteString("<html><body><nav>")
	for _, f := range folders {
		fmt.Fprintf(&b, `<div class="folder" data-folder="%s">%s</div>`, f, f)
	}
	b.WriteString("</nav><main>")
	for _, n := range docs {
		fmt.Fprintf(&b, `<a href="/document/%d">Document %d</a>`, n, n)
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

// fakeDriver models one browser tab on a site.
type fakeDriver struct {
	site site

	mu         sync.Mutex
	folder     string
	doc        string
	current    outcome
	plan       map[string][]outcome
	navigated  []string
	loggedOut  bool
	dropLogin  bool
	saveErr    error
	navErrs    map[string]int
	armed      *fakeWaiter
	onExported func(doc string)
}

func newFakeDriver(s site) *fakeDriver {
	return &fakeDriver{
		site:    s,
		plan:    map[string][]outcome{},
		navErrs: map[string]int{},
	}
}

// Plan queues outcomes for successive visits to a document. Visits beyond
// the plan succeed.
func (d *fakeDriver) Plan(id string, outs ...outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plan[id] = append(d.plan[id], outs...)
}

// Always makes every visit to id end with out.
func (d *fakeDriver) Always(id string, out outcome) {
	outs := make([]outcome, 50)
	for i := range outs {
		outs[i] = out
	}
	d.Plan(id, outs...)
}

// DocVisits returns the document URLs navigated to, in order.
func (d *fakeDriver) DocVisits() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, u := range d.navigated {
		if strings.Contains(u, "/document/") {
			out = append(out, u)
		}
	}
	return out
}

func (d *fakeDriver) RootVisits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, u := range d.navigated {
		if u == testRoot {
			n++
		}
	}
	return n
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	if d.navErrs[url] > 0 {
		d.navErrs[url]--
		return "", errors.New("net::ERR_CONNECTION_RESET")
	}
	d.armed = nil
	if url == testRoot {
		d.folder, d.doc = "", ""
		return url, nil
	}
	if strings.Contains(url, "/document/") {
		d.doc = url
		d.current = outOK
		if plan := d.plan[url]; len(plan) > 0 {
			d.current = plan[0]
			d.plan[url] = plan[1:]
		}
		return url, nil
	}
	return "", fmt.Errorf("unknown url %s", url)
}

func (d *fakeDriver) FindAndClick(ctx context.Context, strategies []docexport.Strategy, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(strategies) == 0 {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	step, _, _ := strings.Cut(strategies[0].Name, ".")
	switch step {
	case "folder":
		if d.dropLogin {
			d.dropLogin, d.loggedOut = false, true
		}
		if d.loggedOut {
			return false, nil
		}
		for _, s := range strategies {
			if s.Kind != docexport.ByExactText {
				continue
			}
			next := s.Value
			if d.folder != "" {
				next = d.folder + "/" + s.Value
			}
			if _, ok := d.site[next]; ok && d.doc == "" {
				d.folder = next
				return true, nil
			}
		}
		return false, nil
	case "share":
		return d.doc != "" && d.current != outNoShare && d.current != outMenuOnly && d.current != outRateLimited, nil
	case "share-menu", "share-item":
		return d.doc != "" && d.current == outMenuOnly, nil
	case "export-tab":
		return d.doc != "" && d.current != outNoExportTab, nil
	case "export-pdf":
		if d.doc == "" {
			return false, nil
		}
		if d.armed != nil && d.current != outTimeout {
			d.armed.art = &docexport.Artifact{
				ID:            d.doc,
				SuggestedName: "export.pdf",
				Data:          pdfBytes,
			}
		}
		return true, nil
	}
	return false, nil
}

func (d *fakeDriver) ArmDownload(context.Context) (docexport.ArtifactWaiter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = &fakeWaiter{}
	return d.armed, nil
}

func (d *fakeDriver) SaveArtifact(_ context.Context, a *docexport.Artifact, destPath string) error {
	d.mu.Lock()
	saveErr, hook, doc := d.saveErr, d.onExported, d.doc
	d.mu.Unlock()
	if saveErr != nil {
		return saveErr
	}
	if err := os.WriteFile(destPath, a.Data, 0o644); err != nil {
		return err
	}
	if hook != nil {
		hook(doc)
	}
	return nil
}

func (d *fakeDriver) CurrentLocationIndicatesAuthRedirect(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loggedOut {
		return true, nil
	}
	return d.doc != "" && d.current == outAuthRedirect, nil
}

// LogIn restores the session after a logout.
func (d *fakeDriver) LogIn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loggedOut = false
}

func (d *fakeDriver) RateLimited(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc != "" && d.current == outRateLimited, nil
}

func (d *fakeDriver) PageHTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loggedOut {
		return `<html><body><form><input name="user"></form></body></html>`, nil
	}
	if d.doc != "" {
		return "<html><body><button>Share</button></body></html>", nil
	}
	html, ok := d.site[d.folder]
	if !ok {
		return "", fmt.Errorf("no page for folder %q", d.folder)
	}
	return html, nil
}

type fakeWaiter struct {
	art       *docexport.Artifact
	cancelled bool
}

func (w *fakeWaiter) WaitForDownloadArtifact(ctx context.Context, timeout time.Duration) (*docexport.Artifact, error) {
	if w.art == nil {
		return nil, fmt.Errorf("download did not complete within %s", timeout)
	}
	return w.art, nil
}

func (w *fakeWaiter) Cancel() { w.cancelled = true }

// countingAuth counts Authenticate calls and can fail.
type countingAuth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *countingAuth) Authenticate(_ context.Context, d docexport.Driver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return a.err
	}
	if fd, ok := d.(*fakeDriver); ok {
		fd.LogIn()
	}
	return nil
}

func (a *countingAuth) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// testRate paces without jitter so waits are exact under the fake clock.
func testRate() docexport.RateLimitConfig {
	return docexport.RateLimitConfig{
		RequestsPerMinute: 20,
		MinDelay:          time.Second,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2,
		CooldownPeriod:    time.Minute,
	}
}

func noJitter() float64 { return 0.5 }

// recordingLedger keeps everything in memory.
type recordingLedger struct {
	mu       sync.Mutex
	runs     []docexport.RunInfo
	results  []docexport.ExportResult
	finished *docexport.Report
}

func (l *recordingLedger) StartRun(_ context.Context, run docexport.RunInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, run)
	return nil
}

func (l *recordingLedger) RecordResult(_ context.Context, _ string, r docexport.ExportResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	return nil
}

func (l *recordingLedger) FinishRun(_ context.Context, _ string, rep *docexport.Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = rep
	return nil
}

// recordingMirror records uploads and can fail.
type recordingMirror struct {
	mu   sync.Mutex
	keys []string
	err  error
	put  func()
}

func (m *recordingMirror) Name() string { return "memory" }

func (m *recordingMirror) Put(_ context.Context, key, localPath string) error {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	hook := m.put
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	return m.err
}
