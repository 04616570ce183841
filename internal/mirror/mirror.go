// Package mirror copies exported files to object storage after they have
// been persisted locally.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

const (
	defaultAttempts = 4
	defaultBackoff  = time.Second
	pdfContentType  = "application/pdf"
)

// permanentError marks an upload failure that a retry cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// objectKey joins a bucket prefix and a file key into an object name.
func objectKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// upload runs fn until it succeeds, returns a permanent error, or the
// attempts are used up, doubling the wait between attempts.
func upload(ctx context.Context, logger *slog.Logger, object string, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		var p *permanentError
		if errors.As(err, &p) {
			return fmt.Errorf("mirror: upload %s: %w", object, p.err)
		}
		if i == attempts-1 {
			break
		}
		logger.Warn("mirror upload failed, will retry",
			"object", object,
			"attempt", i+1,
			"max_attempts", attempts,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("mirror: upload %s failed after %d attempts: %w", object, attempts, lastErr)
}
