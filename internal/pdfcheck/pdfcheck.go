// Package pdfcheck verifies exported files before a document is counted
// as done.
package pdfcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrNotPDF is returned when the file lacks the PDF header.
	ErrNotPDF = errors.New("pdfcheck: not a PDF file")
	// ErrTooSmall is returned when the file is below the minimum size.
	ErrTooSmall = errors.New("pdfcheck: file too small")
	// ErrNoPages is returned for a well-formed PDF without pages.
	ErrNoPages = errors.New("pdfcheck: PDF has no pages")
)

var magic = []byte("%PDF-")

// Verifier checks files with pdfcpu. The zero value is not usable; call New.
type Verifier struct {
	minBytes int64
}

// Option configures a [Verifier].
type Option func(*Verifier)

// WithMinBytes rejects files smaller than n bytes. Defaults to 64.
func WithMinBytes(n int64) Option {
	return func(v *Verifier) { v.minBytes = n }
}

// New returns a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{minBytes: 64}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify checks the file at path and returns its page count.
func (v *Verifier) Verify(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("pdfcheck: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("pdfcheck: %w", err)
	}
	if info.Size() < v.minBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooSmall, info.Size())
	}

	head := make([]byte, 1024)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("pdfcheck: reading header: %w", err)
	}
	// The header may follow a few junk bytes; readers accept it within the
	// first kilobyte.
	if !bytes.Contains(head[:n], magic) {
		return 0, ErrNotPDF
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("pdfcheck: %w", err)
	}

	if err := api.Validate(f, v.config()); err != nil {
		return 0, fmt.Errorf("pdfcheck: validating: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("pdfcheck: %w", err)
	}
	pages, err := api.PageCount(f, v.config())
	if err != nil {
		return 0, fmt.Errorf("pdfcheck: counting pages: %w", err)
	}
	if pages == 0 {
		return 0, ErrNoPages
	}
	return pages, nil
}

// config returns a relaxed configuration; browser-generated PDFs often
// carry minor deviations from the PDF standard.
func (v *Verifier) config() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}
