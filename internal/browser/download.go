package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"

	docexport "github.com/porticus-lab/go-doc-export"
)

type downloadResult struct {
	artifact *docexport.Artifact
	err      error
}

// downloadWaiter claims the first download that begins after it is armed.
type downloadWaiter struct {
	d    *Driver
	done chan downloadResult

	mu   sync.Mutex
	guid string
	name string
	once sync.Once
}

// ArmDownload registers a listener for the next download. Call it before
// the click that starts the download.
func (d *Driver) ArmDownload(_ context.Context) (docexport.ArtifactWaiter, error) {
	if err := d.checkClosed(); err != nil {
		return nil, err
	}
	w := &downloadWaiter{d: d, done: make(chan downloadResult, 1)}
	d.mu.Lock()
	d.armed = w
	d.mu.Unlock()
	return w, nil
}

func (d *Driver) onEvent(ev any) {
	d.mu.Lock()
	w := d.armed
	d.mu.Unlock()
	if w == nil {
		return
	}

	switch ev := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		w.mu.Lock()
		if w.guid == "" {
			w.guid = ev.GUID
			w.name = ev.SuggestedFilename
		}
		w.mu.Unlock()

	case *cdpbrowser.EventDownloadProgress:
		w.mu.Lock()
		guid, name := w.guid, w.name
		w.mu.Unlock()
		if guid == "" || ev.GUID != guid {
			return
		}
		switch ev.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			w.finish(downloadResult{artifact: &docexport.Artifact{
				ID:            guid,
				SuggestedName: name,
				Path:          filepath.Join(d.cfg.downloadDir, guid),
				Size:          int64(ev.ReceivedBytes),
			}})
		case cdpbrowser.DownloadProgressStateCanceled:
			w.finish(downloadResult{err: fmt.Errorf("browser: download %s was cancelled", guid)})
		}
	}
}

func (w *downloadWaiter) finish(r downloadResult) {
	w.once.Do(func() { w.done <- r })
}

// WaitForDownloadArtifact blocks until the claimed download completes.
func (w *downloadWaiter) WaitForDownloadArtifact(ctx context.Context, timeout time.Duration) (*docexport.Artifact, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-w.done:
		return r.artifact, r.err
	case <-t.C:
		return nil, fmt.Errorf("browser: no completed download within %s: %w", timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel disarms the waiter if it is still the active one.
func (w *downloadWaiter) Cancel() {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.d.armed == w {
		w.d.armed = nil
	}
}
