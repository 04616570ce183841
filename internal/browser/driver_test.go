package browser_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docexport "github.com/porticus-lab/go-doc-export"
	"github.com/porticus-lab/go-doc-export/internal/browser"
)

// chromeAvailable reports whether a Chrome/Chromium executable is in PATH.
func chromeAvailable() bool {
	for _, name := range []string{
		"chromium-browser", "chromium", "google-chrome",
		"google-chrome-stable", "chrome",
	} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func skipIfNoChrome(t *testing.T) {
	t.Helper()
	if !chromeAvailable() {
		t.Skip("skipping: Chrome/Chromium not found in PATH")
	}
}

func newTestDriver(t *testing.T) *browser.Driver {
	t.Helper()
	skipIfNoChrome(t)
	d, err := browser.New(browser.WithNoSandbox(), browser.WithDownloadDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

const testPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
	"2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

const documentPage = `<!DOCTYPE html>
<html><body>
<div id="toolbar">
  <button id="share" onclick="document.getElementById('dialog').style.display='block'">Share</button>
</div>
<div id="dialog" style="display:none">
  <div role="tablist">
    <button role="tab" onclick="document.getElementById('panel').style.display='block'">Export</button>
  </div>
  <div id="panel" style="display:none">
    <div class="format"><span>Word</span> <button onclick="location.href='/download/doc.docx'">Export</button></div>
    <div class="format"><span>PDF</span> <button onclick="location.href='/download/doc.pdf'">Export</button></div>
  </div>
</div>
</body></html>`

const libraryPage = `<!DOCTYPE html>
<html><body>
<ul>
  <li data-folder="Reports" role="treeitem" tabindex="0">Reports</li>
</ul>
<main>
  <div data-pages="12"><a href="/document/1">Quarterly</a></div>
</main>
</body></html>`

func testSite() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/library", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, libraryPage)
	})
	mux.HandleFunc("/document/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, documentPage)
	})
	mux.HandleFunc("/download/doc.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="doc.pdf"`)
		io.WriteString(w, testPDF)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?next=/private", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><form><input name="user"></form></body></html>`)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><p>Too many requests. Please try again later.</p></body></html>`)
	})
	return mux
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(testSite())
	t.Cleanup(srv.Close)
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorkflow_ExportsPDF(t *testing.T) {
	d := newTestDriver(t)
	srv := newTestServer(t)
	ctx := testContext(t)
	dest := t.TempDir()

	wf := docexport.NewWorkflow(d, dest, docexport.WorkflowTimeouts(docexport.Timeouts{
		Strategy:    5 * time.Second,
		Surface:     10 * time.Second,
		Artifact:    30 * time.Second,
		ArtifactMax: time.Minute,
	}))
	job := docexport.NewExportJob(docexport.Document{
		ID:         srv.URL + "/document/1",
		Title:      "Quarterly",
		FolderPath: []string{"Reports"},
	})

	require.NoError(t, wf.Run(ctx, job))
	assert.Equal(t, docexport.StateDone, job.State)
	assert.Equal(t, filepath.Join(dest, docexport.Filename(job.Document)), job.ResultPath)

	data, err := os.ReadFile(job.ResultPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF-"), "persisted file is not a PDF")
}

func TestNavigate_AuthRedirect(t *testing.T) {
	d := newTestDriver(t)
	srv := newTestServer(t)
	ctx := testContext(t)

	loc, err := d.Navigate(ctx, srv.URL+"/private")
	require.NoError(t, err)
	assert.Contains(t, loc, "/login")

	redirected, err := d.CurrentLocationIndicatesAuthRedirect(ctx)
	require.NoError(t, err)
	assert.True(t, redirected)

	_, err = d.Navigate(ctx, srv.URL+"/library")
	require.NoError(t, err)
	redirected, err = d.CurrentLocationIndicatesAuthRedirect(ctx)
	require.NoError(t, err)
	assert.False(t, redirected)
}

func TestRateLimited(t *testing.T) {
	d := newTestDriver(t)
	srv := newTestServer(t)
	ctx := testContext(t)

	_, err := d.Navigate(ctx, srv.URL+"/busy")
	require.NoError(t, err)
	limited, err := d.RateLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited)

	_, err = d.Navigate(ctx, srv.URL+"/library")
	require.NoError(t, err)
	limited, err = d.RateLimited(ctx)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestFindAndClick_NoMatch(t *testing.T) {
	d := newTestDriver(t)
	srv := newTestServer(t)
	ctx := testContext(t)

	_, err := d.Navigate(ctx, srv.URL+"/library")
	require.NoError(t, err)

	ok, err := d.FindAndClick(ctx, []docexport.Strategy{
		{Name: "missing.text", Kind: docexport.ByText, Value: "Nothing here"},
		{Name: "missing.query", Kind: docexport.ByQuery, Value: "#nope"},
		{Name: "broken.query", Kind: docexport.ByQuery, Value: "[[["},
	}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiscovery_AgainstChrome(t *testing.T) {
	d := newTestDriver(t)
	srv := newTestServer(t)
	ctx := testContext(t)

	cfg := docexport.DefaultDiscoveryConfig()
	cfg.RootURL = srv.URL + "/library"
	cfg.MaxDepth = 1
	disc, err := docexport.NewDiscovery(d, cfg, docexport.DefaultStrategies(), nil, nil)
	require.NoError(t, err)

	res, err := disc.Discover(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "Quarterly", res.Documents[0].Title)
	assert.Equal(t, 12, res.Documents[0].SizeHint)
}

func TestClose_Idempotent(t *testing.T) {
	d := newTestDriver(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.Navigate(context.Background(), "about:blank")
	assert.True(t, errors.Is(err, docexport.ErrClosed))
}
