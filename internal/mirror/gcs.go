package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	docexport "github.com/porticus-lab/go-doc-export"
)

// GCS mirrors files into a Google Cloud Storage bucket.
type GCS struct {
	client   *storage.Client
	bucket   string
	prefix   string
	attempts int
	backoff  time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

var _ docexport.Mirror = (*GCS)(nil)

// GCSOption configures a [GCS] mirror.
type GCSOption func(*GCS)

// WithGCSPrefix places objects under prefix.
func WithGCSPrefix(prefix string) GCSOption {
	return func(g *GCS) { g.prefix = prefix }
}

// WithGCSLogger sets the logger for retry warnings.
func WithGCSLogger(l *slog.Logger) GCSOption {
	return func(g *GCS) { g.logger = l }
}

// WithGCSRetry sets the number of upload attempts and the initial backoff.
func WithGCSRetry(attempts int, backoff time.Duration) GCSOption {
	return func(g *GCS) {
		g.attempts = attempts
		g.backoff = backoff
	}
}

// NewGCS creates a mirror for bucket using application default
// credentials. STORAGE_EMULATOR_HOST is honoured by the client.
func NewGCS(ctx context.Context, bucket string, opts ...GCSOption) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("mirror: bucket must be provided")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to create storage client: %w", err)
	}
	g := &GCS{
		client:   client,
		bucket:   bucket,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		timeout:  50 * time.Second,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Name returns the gs:// URL of the bucket.
func (g *GCS) Name() string { return "gs://" + g.bucket }

// Close releases the client.
func (g *GCS) Close() error { return g.client.Close() }

// Put uploads localPath as key, replacing any existing object.
func (g *GCS) Put(ctx context.Context, key, localPath string) error {
	object := objectKey(g.prefix, key)
	return upload(ctx, g.logger, g.Name()+"/"+object, g.attempts, g.backoff, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return permanent(fmt.Errorf("could not open local file %s: %w", localPath, err))
		}
		defer f.Close()

		writeCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		w := g.client.Bucket(g.bucket).Object(object).NewWriter(writeCtx)
		w.ContentType = pdfContentType
		if _, err := io.Copy(w, f); err != nil {
			_ = w.Close()
			return classifyGCS(fmt.Errorf("io.Copy to GCS failed: %w", err))
		}
		if err := w.Close(); err != nil {
			return classifyGCS(fmt.Errorf("failed to finalize GCS write: %w", err))
		}
		return nil
	})
}

// classifyGCS marks client errors other than throttling as permanent.
func classifyGCS(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
		return err
	}
	return permanent(err)
}
