package browser

import "time"

// driverConfig holds internal configuration for a Driver.
type driverConfig struct {
	chromePath      string
	autoDownload    bool
	noSandbox       bool
	headless        string
	downloadDir     string
	userDataDir     string
	navTimeout      time.Duration
	authPatterns    []string
	rateLimitPhrase []string
}

func defaultConfig() driverConfig {
	return driverConfig{
		headless:   "new",
		navTimeout: 30 * time.Second,
		authPatterns: []string{
			"/login", "/signin", "/sign-in", "/sign_in", "/auth/", "/oauth", "/sso", "accounts.",
		},
		rateLimitPhrase: []string{
			"too many requests", "rate limit", "try again later", "slow down", "unusual traffic",
		},
	}
}

// Option configures a [Driver].
type Option func(*driverConfig)

// WithChromePath sets the path to the Chrome or Chromium executable.
// By default chromedp searches standard locations.
func WithChromePath(path string) Option {
	return func(c *driverConfig) {
		c.chromePath = path
	}
}

// WithAutoDownload fetches a Chromium build into the local cache when no
// explicit path is set. The download happens once per machine.
func WithAutoDownload() Option {
	return func(c *driverConfig) {
		c.autoDownload = true
	}
}

// WithNoSandbox disables the Chrome sandbox. This is required when
// running as root, for example inside Docker containers.
func WithNoSandbox() Option {
	return func(c *driverConfig) {
		c.noSandbox = true
	}
}

// WithHeadless toggles headless mode. Interactive login needs a visible
// window. Defaults to true.
func WithHeadless(on bool) Option {
	return func(c *driverConfig) {
		if on {
			c.headless = "new"
		} else {
			c.headless = ""
		}
	}
}

// WithDownloadDir sets the staging directory for downloads. Defaults to a
// temporary directory removed on Close.
func WithDownloadDir(dir string) Option {
	return func(c *driverConfig) {
		c.downloadDir = dir
	}
}

// WithUserDataDir keeps the browser profile, and therefore the login
// session, in dir.
func WithUserDataDir(dir string) Option {
	return func(c *driverConfig) {
		c.userDataDir = dir
	}
}

// WithNavigationTimeout bounds each page load. Defaults to 30 seconds.
func WithNavigationTimeout(d time.Duration) Option {
	return func(c *driverConfig) {
		c.navTimeout = d
	}
}

// WithAuthPatterns replaces the URL fragments that mark a login page.
func WithAuthPatterns(patterns ...string) Option {
	return func(c *driverConfig) {
		c.authPatterns = patterns
	}
}

// WithRateLimitPhrases replaces the page phrases that mark throttling.
func WithRateLimitPhrases(phrases ...string) Option {
	return func(c *driverConfig) {
		c.rateLimitPhrase = phrases
	}
}
