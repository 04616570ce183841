// Package config loads the docexport YAML configuration file.
//
// Every knob of the orchestrator can be set in the file. Command-line flags
// are applied on top of the loaded values by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	docexport "github.com/porticus-lab/go-doc-export"
)

// File is the YAML configuration.
type File struct {
	BaseURL      string   `yaml:"base_url"`
	RootFolders  []string `yaml:"root_folders,omitempty"`
	Destination  string   `yaml:"destination"`
	MaxRetries   int      `yaml:"max_retries"`
	MaxCooldowns int      `yaml:"max_cooldowns"`
	MaxReauth    int      `yaml:"max_reauth"`
	ReportEvery  int      `yaml:"report_every"`
	SkipExisting bool     `yaml:"skip_existing,omitempty"`
	VerifyPDF    bool     `yaml:"verify_pdf,omitempty"`
	Workers      int      `yaml:"workers"`

	RateLimit  RateLimit              `yaml:"rate_limit"`
	Discovery  Discovery              `yaml:"discovery"`
	Timeouts   Timeouts               `yaml:"timeouts"`
	Checkpoint Checkpoint             `yaml:"checkpoint"`
	Strategies *docexport.StrategySet `yaml:"strategies,omitempty"`
	Browser    Browser                `yaml:"browser"`
	Auth       Auth                   `yaml:"auth"`
	Ledger     Ledger                 `yaml:"ledger"`
	Mirrors    Mirrors                `yaml:"mirrors"`
	Log        Log                    `yaml:"log"`
}

type RateLimit struct {
	RequestsPerMinute   int           `yaml:"requests_per_minute"`
	MinDelay            time.Duration `yaml:"min_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	RandomFactor        float64       `yaml:"random_factor"`
	OccasionalLongPause float64       `yaml:"occasional_long_pause"`
	LongPauseMultiplier float64       `yaml:"long_pause_multiplier"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

type Discovery struct {
	DocumentPathPatterns []string      `yaml:"document_path_patterns"`
	ExcludedFolderWords  []string      `yaml:"excluded_folder_words"`
	MaxDepth             int           `yaml:"max_depth"`
	MaxBreadth           int           `yaml:"max_breadth"`
	MaxFolders           int           `yaml:"max_folders"`
	NavigationRetries    int           `yaml:"navigation_retries"`
	OpenTimeout          time.Duration `yaml:"open_timeout"`
}

type Timeouts struct {
	Strategy        time.Duration `yaml:"strategy"`
	Surface         time.Duration `yaml:"surface"`
	Artifact        time.Duration `yaml:"artifact"`
	ArtifactPerPage time.Duration `yaml:"artifact_per_page"`
	ArtifactMax     time.Duration `yaml:"artifact_max"`
}

type Checkpoint struct {
	Path  string `yaml:"path"`
	Every int    `yaml:"every"`
}

type Browser struct {
	ChromePath   string `yaml:"chrome_path,omitempty"`
	Headless     bool   `yaml:"headless"`
	NoSandbox    bool   `yaml:"no_sandbox,omitempty"`
	AutoDownload bool   `yaml:"auto_download,omitempty"`
	UserDataDir  string `yaml:"user_data_dir,omitempty"`
	DownloadDir  string `yaml:"download_dir,omitempty"`
	// NavigationTimeout bounds each page load.
	NavigationTimeout time.Duration `yaml:"navigation_timeout,omitempty"`
	// AuthPatterns replace the URL fragments that mark a login page.
	AuthPatterns []string `yaml:"auth_patterns,omitempty"`
	// RateLimitPhrases replace the page phrases that mark throttling.
	RateLimitPhrases []string `yaml:"rate_limit_phrases,omitempty"`
}

type Auth struct {
	Cookies          string        `yaml:"cookies,omitempty"`
	InteractiveLogin bool          `yaml:"interactive_login,omitempty"`
	LoginURL         string        `yaml:"login_url,omitempty"`
	LoginWait        time.Duration `yaml:"login_wait,omitempty"`
}

type Ledger struct {
	SQLite              string `yaml:"sqlite,omitempty"`
	FirestoreProject    string `yaml:"firestore_project,omitempty"`
	FirestoreCollection string `yaml:"firestore_collection,omitempty"`
}

type Mirrors struct {
	GCS GCSMirror `yaml:"gcs"`
	S3  S3Mirror  `yaml:"s3"`
}

type GCSMirror struct {
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

type S3Mirror struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

type Log struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	Quiet  bool   `yaml:"quiet,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	rate := docexport.DefaultRateLimitConfig()
	disc := docexport.DefaultDiscoveryConfig()
	t := docexport.DefaultTimeouts()
	return &File{
		Destination:  "exports",
		MaxRetries:   3,
		MaxCooldowns: 5,
		MaxReauth:    3,
		ReportEvery:  10,
		Workers:      1,
		RateLimit: RateLimit{
			RequestsPerMinute:   rate.RequestsPerMinute,
			MinDelay:            rate.MinDelay,
			MaxDelay:            rate.MaxDelay,
			BackoffMultiplier:   rate.BackoffMultiplier,
			RandomFactor:        rate.RandomFactor,
			OccasionalLongPause: rate.OccasionalLongPause,
			LongPauseMultiplier: rate.LongPauseMultiplier,
			Cooldown:            rate.CooldownPeriod,
		},
		Discovery: Discovery{
			DocumentPathPatterns: disc.DocumentPathPatterns,
			ExcludedFolderWords:  disc.ExcludedFolderWords,
			MaxDepth:             disc.MaxDepth,
			MaxBreadth:           disc.MaxBreadth,
			MaxFolders:           disc.MaxFolders,
			NavigationRetries:    disc.NavigationRetries,
			OpenTimeout:          disc.OpenTimeout,
		},
		Timeouts: Timeouts{
			Strategy:        t.Strategy,
			Surface:         t.Surface,
			Artifact:        t.Artifact,
			ArtifactPerPage: t.ArtifactPerPage,
			ArtifactMax:     t.ArtifactMax,
		},
		Checkpoint: Checkpoint{Path: "checkpoint.json", Every: 25},
		Browser:    Browser{Headless: true},
		Auth:       Auth{LoginWait: 5 * time.Minute},
		Log:        Log{Format: "text"},
	}
}

// Load reads the file at path over the defaults. Unknown keys are errors.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks value ranges. BaseURL is checked by the orchestrator.
func (f *File) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(f.Destination != "", "destination must not be empty")
	check(f.MaxRetries >= 1, "max_retries must be at least 1, got %d", f.MaxRetries)
	check(f.MaxCooldowns >= 0, "max_cooldowns must not be negative")
	check(f.MaxReauth >= 0, "max_reauth must not be negative")
	check(f.Workers >= 1, "workers must be at least 1, got %d", f.Workers)
	check(f.RateLimit.RequestsPerMinute >= 0, "rate_limit.requests_per_minute must not be negative")
	check(f.RateLimit.MinDelay >= 0, "rate_limit.min_delay must not be negative")
	check(f.RateLimit.MaxDelay >= f.RateLimit.MinDelay, "rate_limit.max_delay must be at least min_delay")
	check(f.RateLimit.BackoffMultiplier >= 1, "rate_limit.backoff_multiplier must be at least 1")
	check(f.RateLimit.RandomFactor >= 0 && f.RateLimit.RandomFactor < 1, "rate_limit.random_factor must be in [0, 1)")
	check(f.RateLimit.OccasionalLongPause >= 0 && f.RateLimit.OccasionalLongPause <= 1, "rate_limit.occasional_long_pause must be in [0, 1]")
	check(f.Discovery.MaxDepth >= 1, "discovery.max_depth must be at least 1")
	check(f.Log.Format == "text" || f.Log.Format == "json", "log.format must be text or json, got %q", f.Log.Format)
	check(f.Auth.Cookies == "" || !f.Auth.InteractiveLogin, "auth.cookies and auth.interactive_login are exclusive")
	if f.Strategies != nil {
		for _, list := range [][]docexport.Strategy{
			f.Strategies.Share, f.Strategies.ShareMenu, f.Strategies.ShareItem,
			f.Strategies.ExportTab, f.Strategies.ExportPDF, f.Strategies.FolderOpen,
		} {
			for _, s := range list {
				check(s.Kind.Valid(), "strategy %q: unknown kind %q", s.Name, s.Kind)
				check(s.Value != "", "strategy %q: value must not be empty", s.Name)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Options converts the file into orchestrator options. Components that need
// clients (ledger, mirrors, verifier, checkpoint store) are built by the
// caller.
func (f *File) Options() []docexport.Option {
	opts := []docexport.Option{
		docexport.WithBaseURL(f.BaseURL),
		docexport.WithDestination(f.Destination),
		docexport.WithMaxRetries(f.MaxRetries),
		docexport.WithMaxCooldowns(f.MaxCooldowns),
		docexport.WithMaxReauth(f.MaxReauth),
		docexport.WithReportInterval(f.ReportEvery),
		docexport.WithCheckpointInterval(f.Checkpoint.Every),
		docexport.WithRateLimit(f.RateLimitConfig()),
		docexport.WithDiscovery(f.DiscoveryConfig()),
		docexport.WithTimeouts(docexport.Timeouts{
			Strategy:        f.Timeouts.Strategy,
			Surface:         f.Timeouts.Surface,
			Artifact:        f.Timeouts.Artifact,
			ArtifactPerPage: f.Timeouts.ArtifactPerPage,
			ArtifactMax:     f.Timeouts.ArtifactMax,
		}),
	}
	if len(f.RootFolders) > 0 {
		opts = append(opts, docexport.WithRootFolders(f.RootFolders...))
	}
	if f.Strategies != nil {
		opts = append(opts, docexport.WithStrategies(*f.Strategies))
	}
	if f.SkipExisting {
		opts = append(opts, docexport.WithSkipExisting())
	}
	return opts
}

// RateLimitConfig returns the pacing settings.
func (f *File) RateLimitConfig() docexport.RateLimitConfig {
	return docexport.RateLimitConfig{
		RequestsPerMinute:   f.RateLimit.RequestsPerMinute,
		MinDelay:            f.RateLimit.MinDelay,
		MaxDelay:            f.RateLimit.MaxDelay,
		BackoffMultiplier:   f.RateLimit.BackoffMultiplier,
		RandomFactor:        f.RateLimit.RandomFactor,
		OccasionalLongPause: f.RateLimit.OccasionalLongPause,
		LongPauseMultiplier: f.RateLimit.LongPauseMultiplier,
		CooldownPeriod:      f.RateLimit.Cooldown,
	}
}

// DiscoveryConfig returns the crawl bounds. The root URL is the base URL.
func (f *File) DiscoveryConfig() docexport.DiscoveryConfig {
	return docexport.DiscoveryConfig{
		RootURL:              f.BaseURL,
		DocumentPathPatterns: f.Discovery.DocumentPathPatterns,
		ExcludedFolderWords:  f.Discovery.ExcludedFolderWords,
		MaxDepth:             f.Discovery.MaxDepth,
		MaxBreadth:           f.Discovery.MaxBreadth,
		MaxFolders:           f.Discovery.MaxFolders,
		NavigationRetries:    f.Discovery.NavigationRetries,
		OpenTimeout:          f.Discovery.OpenTimeout,
	}
}
