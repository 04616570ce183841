package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	docexport "github.com/porticus-lab/go-doc-export"
	"github.com/porticus-lab/go-doc-export/internal/browser"
	"github.com/porticus-lab/go-doc-export/internal/config"
	"github.com/porticus-lab/go-doc-export/internal/ledger"
	"github.com/porticus-lab/go-doc-export/internal/mirror"
	"github.com/porticus-lab/go-doc-export/internal/pdfcheck"
)

// sessionFlags are shared by the commands that drive a browser.
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "base-url", Usage: "root view of the document library"},
		&cli.StringSliceFlag{Name: "folder", Usage: "top-level folder to crawl (repeatable); default: detect"},
		&cli.StringFlag{Name: "cookies", Usage: "JSON cookie export to install before starting"},
		&cli.BoolFlag{Name: "interactive-login", Usage: "open a visible browser and wait for a manual login"},
		&cli.StringFlag{Name: "login-url", Usage: "login page for --interactive-login (default: base URL)"},
		&cli.StringFlag{Name: "chrome-path", Usage: "Chrome or Chromium executable"},
		&cli.BoolFlag{Name: "auto-download", Usage: "download a Chromium build when none is installed"},
		&cli.BoolFlag{Name: "no-sandbox", Usage: "disable the Chrome sandbox (needed as root)"},
		&cli.BoolFlag{Name: "headless", Value: true, Usage: "run the browser without a window"},
		&cli.StringFlag{Name: "user-data-dir", Usage: "persistent browser profile directory"},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "dest", Aliases: []string{"d"}, Usage: "destination directory"},
		&cli.IntFlag{Name: "requests-per-minute", Usage: "hard cap of UI actions per minute"},
		&cli.IntFlag{Name: "min-delay-ms", Usage: "minimum delay between actions in milliseconds"},
		&cli.IntFlag{Name: "max-retries", Usage: "attempts per document"},
		&cli.StringFlag{Name: "resume", Usage: "resume from this checkpoint file"},
		&cli.StringFlag{Name: "checkpoint", Usage: "checkpoint file to write"},
		&cli.IntFlag{Name: "workers", Usage: "parallel browser sessions"},
		&cli.StringFlag{Name: "ledger", Usage: "SQLite run ledger path"},
		&cli.StringFlag{Name: "firestore-project", Usage: "record runs in Firestore under this project"},
		&cli.StringFlag{Name: "gcs-bucket", Usage: "mirror exported files to this GCS bucket"},
		&cli.StringFlag{Name: "s3-bucket", Usage: "mirror exported files to this S3 bucket"},
		&cli.StringFlag{Name: "s3-endpoint", Usage: "endpoint of an S3-compatible store"},
		&cli.BoolFlag{Name: "verify-pdf", Usage: "validate every exported file"},
		&cli.BoolFlag{Name: "skip-existing", Usage: "skip documents whose file already exists"},
		&cli.BoolFlag{Name: "full-report", Usage: "include every result in the report"},
	}
}

// applyFlags overrides file values with explicitly set flags.
func applyFlags(c *cli.Context, f *config.File) {
	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	integer := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	str("base-url", &f.BaseURL)
	if c.IsSet("folder") {
		f.RootFolders = c.StringSlice("folder")
	}
	str("cookies", &f.Auth.Cookies)
	boolean("interactive-login", &f.Auth.InteractiveLogin)
	str("login-url", &f.Auth.LoginURL)
	str("chrome-path", &f.Browser.ChromePath)
	boolean("auto-download", &f.Browser.AutoDownload)
	boolean("no-sandbox", &f.Browser.NoSandbox)
	boolean("headless", &f.Browser.Headless)
	str("user-data-dir", &f.Browser.UserDataDir)

	str("dest", &f.Destination)
	integer("requests-per-minute", &f.RateLimit.RequestsPerMinute)
	if c.IsSet("min-delay-ms") {
		f.RateLimit.MinDelay = time.Duration(c.Int("min-delay-ms")) * time.Millisecond
		if f.RateLimit.MaxDelay < f.RateLimit.MinDelay {
			f.RateLimit.MaxDelay = f.RateLimit.MinDelay
		}
	}
	integer("max-retries", &f.MaxRetries)
	str("checkpoint", &f.Checkpoint.Path)
	integer("workers", &f.Workers)
	str("ledger", &f.Ledger.SQLite)
	str("firestore-project", &f.Ledger.FirestoreProject)
	str("gcs-bucket", &f.Mirrors.GCS.Bucket)
	str("s3-bucket", &f.Mirrors.S3.Bucket)
	if c.IsSet("s3-endpoint") {
		f.Mirrors.S3.Endpoint = c.String("s3-endpoint")
		f.Mirrors.S3.PathStyle = true
	}
	boolean("verify-pdf", &f.VerifyPDF)
	boolean("skip-existing", &f.SkipExisting)

	// Interactive login needs a window.
	if f.Auth.InteractiveLogin && !c.IsSet("headless") {
		f.Browser.Headless = false
	}
}

// resources collects everything that must be closed when a command ends.
type resources struct {
	closers []io.Closer
	log     *slog.Logger
}

func (r *resources) add(c io.Closer) { r.closers = append(r.closers, c) }

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			r.log.Warn("close failed", "error", err)
		}
	}
}

// newSession launches a browser for the n-th session. Sessions after the
// first get their own profile directory since Chrome locks it.
func newSession(f *config.File, n int, log *slog.Logger) (docexport.Session, *browser.Driver, error) {
	opts := []browser.Option{browser.WithHeadless(f.Browser.Headless)}
	if f.Browser.ChromePath != "" {
		opts = append(opts, browser.WithChromePath(f.Browser.ChromePath))
	}
	if f.Browser.AutoDownload {
		opts = append(opts, browser.WithAutoDownload())
	}
	if f.Browser.NoSandbox {
		opts = append(opts, browser.WithNoSandbox())
	}
	if dir := f.Browser.UserDataDir; dir != "" {
		if n > 0 {
			dir = fmt.Sprintf("%s-%d", dir, n)
		}
		opts = append(opts, browser.WithUserDataDir(dir))
	}
	if dir := f.Browser.DownloadDir; dir != "" {
		if n > 0 {
			dir = fmt.Sprintf("%s-%d", dir, n)
		}
		opts = append(opts, browser.WithDownloadDir(dir))
	}
	if f.Browser.NavigationTimeout > 0 {
		opts = append(opts, browser.WithNavigationTimeout(f.Browser.NavigationTimeout))
	}
	if len(f.Browser.AuthPatterns) > 0 {
		opts = append(opts, browser.WithAuthPatterns(f.Browser.AuthPatterns...))
	}
	if len(f.Browser.RateLimitPhrases) > 0 {
		opts = append(opts, browser.WithRateLimitPhrases(f.Browser.RateLimitPhrases...))
	}

	d, err := browser.New(opts...)
	if err != nil {
		return docexport.Session{}, nil, fmt.Errorf("starting browser: %w", err)
	}

	var auth docexport.Authenticator
	switch {
	case f.Auth.Cookies != "":
		auth = &browser.CookieAuthenticator{Path: f.Auth.Cookies, ProbeURL: f.BaseURL, Logger: log}
	case f.Auth.InteractiveLogin:
		loginURL := f.Auth.LoginURL
		if loginURL == "" {
			loginURL = f.BaseURL
		}
		auth = &browser.LoginAuthenticator{LoginURL: loginURL, ProbeURL: f.BaseURL, Wait: f.Auth.LoginWait, Logger: log}
	}
	name := "primary"
	if n > 0 {
		name = fmt.Sprintf("worker-%d", n)
	}
	return docexport.Session{Name: name, Driver: d, Auth: auth}, d, nil
}

// buildOrchestrator assembles the orchestrator and its collaborators from
// the configuration.
func buildOrchestrator(ctx context.Context, f *config.File, log *slog.Logger, res *resources, withRun bool, extra ...docexport.Option) (*docexport.Orchestrator, error) {
	primary, d, err := newSession(f, 0, log)
	if err != nil {
		return nil, err
	}
	res.add(d)

	opts := append(f.Options(), docexport.WithLogger(log))
	opts = append(opts, extra...)
	if !withRun {
		return docexport.New(primary.Driver, primary.Auth, opts...)
	}

	for n := 1; n < f.Workers; n++ {
		s, d, err := newSession(f, n, log)
		if err != nil {
			return nil, err
		}
		res.add(d)
		opts = append(opts, docexport.WithWorkers(s))
	}

	if f.Checkpoint.Path != "" {
		opts = append(opts, docexport.WithCheckpointStore(docexport.OpenFileCheckpoint(f.Checkpoint.Path)))
	}
	if f.VerifyPDF {
		opts = append(opts, docexport.WithVerifier(pdfcheck.New()))
	}

	var ledgers fanout
	if f.Ledger.SQLite != "" {
		l, err := ledger.OpenSQLite(f.Ledger.SQLite)
		if err != nil {
			return nil, err
		}
		res.add(l)
		ledgers = append(ledgers, l)
	}
	if f.Ledger.FirestoreProject != "" {
		l, err := ledger.NewFirestore(ctx, f.Ledger.FirestoreProject, f.Ledger.FirestoreCollection)
		if err != nil {
			return nil, err
		}
		res.add(l)
		ledgers = append(ledgers, l)
	}
	if len(ledgers) > 0 {
		opts = append(opts, docexport.WithLedger(ledgers))
	}

	if g := f.Mirrors.GCS; g.Bucket != "" {
		m, err := mirror.NewGCS(ctx, g.Bucket, mirror.WithGCSPrefix(g.Prefix), mirror.WithGCSLogger(log))
		if err != nil {
			return nil, err
		}
		res.add(m)
		opts = append(opts, docexport.WithMirrors(m))
	}
	if s := f.Mirrors.S3; s.Bucket != "" {
		m, err := mirror.NewS3(ctx, mirror.S3Config{
			Bucket:    s.Bucket,
			Prefix:    s.Prefix,
			Region:    s.Region,
			Endpoint:  s.Endpoint,
			PathStyle: s.PathStyle,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, docexport.WithMirrors(m))
	}
	return docexport.New(primary.Driver, primary.Auth, opts...)
}

func runAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyFlags(c, f)
	if err := f.Validate(); err != nil {
		return err
	}
	log := newLogger(f)
	res := &resources{log: log}
	defer res.Close()

	var extra []docexport.Option
	if path := c.String("resume"); path != "" {
		snap, err := docexport.OpenFileCheckpoint(path).Load(c.Context)
		if err != nil {
			return err
		}
		log.Info("resuming from checkpoint", "path", path, "remaining", len(snap.Remaining), "completed", snap.Completed)
		extra = append(extra, docexport.WithResume(snap))
	} else if f.BaseURL == "" {
		return errors.New("--base-url is required")
	}

	orch, err := buildOrchestrator(c.Context, f, log, res, true, extra...)
	if err != nil {
		return err
	}
	rep, runErr := orch.Run(c.Context)
	if rep != nil {
		if !c.Bool("full-report") {
			rep.Results = nil
		}
		if err := writeYAML(c.App.Writer, rep); err != nil {
			return err
		}
	}
	return runErr
}

func discoverAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyFlags(c, f)
	if err := f.Validate(); err != nil {
		return err
	}
	if f.BaseURL == "" {
		return errors.New("--base-url is required")
	}
	log := newLogger(f)
	res := &resources{log: log}
	defer res.Close()

	orch, err := buildOrchestrator(c.Context, f, log, res, false)
	if err != nil {
		return err
	}
	found, err := orch.Discover(c.Context)
	if err != nil {
		return err
	}
	log.Info("discovery finished", "documents", len(found.Documents), "folders", len(found.Folders), "skipped", len(found.Skipped))
	return writeYAML(c.App.Writer, found)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding YAML: %w", err)
	}
	return enc.Close()
}

// fanout records to several ledgers. Every ledger is called; the errors
// are joined.
type fanout []docexport.Ledger

func (f fanout) StartRun(ctx context.Context, run docexport.RunInfo) error {
	var errs []error
	for _, l := range f {
		errs = append(errs, l.StartRun(ctx, run))
	}
	return errors.Join(errs...)
}

func (f fanout) RecordResult(ctx context.Context, runID string, r docexport.ExportResult) error {
	var errs []error
	for _, l := range f {
		errs = append(errs, l.RecordResult(ctx, runID, r))
	}
	return errors.Join(errs...)
}

func (f fanout) FinishRun(ctx context.Context, runID string, rep *docexport.Report) error {
	var errs []error
	for _, l := range f {
		errs = append(errs, l.FinishRun(ctx, runID, rep))
	}
	return errors.Join(errs...)
}
