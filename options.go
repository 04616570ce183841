package docexport

import (
	"log/slog"
	"time"
)

// config holds internal configuration for an Orchestrator.
type config struct {
	baseURL      string
	rootFolders  []string
	dest         string
	rate         RateLimitConfig
	maxRetries   int
	maxCooldowns int
	maxReauth    int
	discovery    DiscoveryConfig
	timeouts     Timeouts
	strategies   StrategySet

	checkpoint      CheckpointStore
	checkpointEvery int
	reportEvery     int
	resume          *ProgressSnapshot

	verifier     ArtifactVerifier
	mirrors      []Mirror
	ledger       Ledger
	skipExisting bool
	workers      []Session

	logger *slog.Logger
	clock  Clock
	rand   func() float64
}

func defaultConfig() config {
	return config{
		dest:            "exports",
		rate:            DefaultRateLimitConfig(),
		maxRetries:      3,
		maxCooldowns:    5,
		maxReauth:       3,
		discovery:       DefaultDiscoveryConfig(),
		timeouts:        DefaultTimeouts(),
		strategies:      DefaultStrategies(),
		checkpointEvery: 25,
		reportEvery:     10,
		logger:          slog.Default(),
		clock:           SystemClock(),
	}
}

// Option configures an [Orchestrator].
type Option func(*config)

// WithBaseURL sets the root view of the document library. Discovery starts
// and recovers here.
func WithBaseURL(u string) Option {
	return func(c *config) {
		c.baseURL = u
	}
}

// WithRootFolders names the top-level folders to crawl. Without it the
// folders detected in the root view are used.
func WithRootFolders(names ...string) Option {
	return func(c *config) {
		c.rootFolders = append(c.rootFolders, names...)
	}
}

// WithDestination sets the local directory exported files are written to.
// Defaults to "exports".
func WithDestination(dir string) Option {
	return func(c *config) {
		c.dest = dir
	}
}

// WithRateLimit replaces the pacing configuration.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(c *config) {
		c.rate = cfg
	}
}

// WithMaxRetries sets the charged attempts per document. Defaults to 3.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithMaxCooldowns caps uncharged rate-limit cooldowns per document.
// Defaults to 5.
func WithMaxCooldowns(n int) Option {
	return func(c *config) {
		c.maxCooldowns = n
	}
}

// WithMaxReauth caps consecutive re-authentications without an
// intervening export. Defaults to 3.
func WithMaxReauth(n int) Option {
	return func(c *config) {
		c.maxReauth = n
	}
}

// WithDiscovery replaces the crawl bounds. RootURL is taken from
// [WithBaseURL] when empty.
func WithDiscovery(cfg DiscoveryConfig) Option {
	return func(c *config) {
		c.discovery = cfg
	}
}

// WithTimeouts replaces the workflow step timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(c *config) {
		c.timeouts = t
	}
}

// WithStrategies overrides UI strategy lists. Empty lists keep the defaults.
func WithStrategies(s StrategySet) Option {
	return func(c *config) {
		c.strategies = s.merged()
	}
}

// WithCheckpointStore enables periodic checkpoints.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(c *config) {
		c.checkpoint = s
	}
}

// WithCheckpointInterval sets how many completions pass between
// checkpoints. Defaults to 25.
func WithCheckpointInterval(n int) Option {
	return func(c *config) {
		c.checkpointEvery = n
	}
}

// WithReportInterval sets how many completions pass between progress lines.
// Defaults to 10.
func WithReportInterval(n int) Option {
	return func(c *config) {
		c.reportEvery = n
	}
}

// WithResume resumes from s: discovery is skipped, only s.Remaining is
// processed, and the counters continue from s.
func WithResume(s *ProgressSnapshot) Option {
	return func(c *config) {
		c.resume = s
	}
}

// WithVerifier checks every persisted artifact.
func WithVerifier(v ArtifactVerifier) Option {
	return func(c *config) {
		c.verifier = v
	}
}

// WithMirrors copies every persisted artifact to ms. Mirror failures are
// logged only.
func WithMirrors(ms ...Mirror) Option {
	return func(c *config) {
		c.mirrors = append(c.mirrors, ms...)
	}
}

// WithLedger records the run and each result.
func WithLedger(l Ledger) Option {
	return func(c *config) {
		c.ledger = l
	}
}

// WithSkipExisting records documents whose destination file already exists
// as done without exporting them again.
func WithSkipExisting() Option {
	return func(c *config) {
		c.skipExisting = true
	}
}

// WithWorkers adds sessions that export concurrently with the primary one.
// Each session must have its own Driver and authenticated browser.
func WithWorkers(sessions ...Session) Option {
	return func(c *config) {
		c.workers = append(c.workers, sessions...)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the time source used for pacing and reporting.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRandom replaces the jitter source. rnd must return values in [0, 1).
func WithRandom(rnd func() float64) Option {
	return func(c *config) {
		c.rand = rnd
	}
}

// WithArtifactTimeout is shorthand for changing only the base artifact wait.
func WithArtifactTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeouts.Artifact = d
	}
}
