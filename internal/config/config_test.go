package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docexport "github.com/porticus-lab/go-doc-export"
	"github.com/porticus-lab/go-doc-export/internal/config"
)

func TestDefault_MatchesLibraryDefaults(t *testing.T) {
	f := config.Default()
	require.NoError(t, f.Validate())
	assert.Equal(t, docexport.DefaultRateLimitConfig(), f.RateLimitConfig())

	disc := f.DiscoveryConfig()
	def := docexport.DefaultDiscoveryConfig()
	assert.Equal(t, def.MaxDepth, disc.MaxDepth)
	assert.Equal(t, def.DocumentPathPatterns, disc.DocumentPathPatterns)
	assert.Equal(t, 25, f.Checkpoint.Every)
	assert.True(t, f.Browser.Headless)
}

func TestParse_OverridesDefaults(t *testing.T) {
	f, err := config.Parse([]byte(`
base_url: https://docs.example.com/library
root_folders: [Projects, Archive]
destination: out
max_retries: 5
workers: 2
rate_limit:
  requests_per_minute: 10
  min_delay: 5s
  cooldown: 2m
discovery:
  max_depth: 2
timeouts:
  artifact: 90s
strategies:
  export_pdf:
    - name: pdf.custom
      kind: query
      value: "button#pdf"
ledger:
  sqlite: runs.db
mirrors:
  s3:
    bucket: archive
    endpoint: http://localhost:9000
    path_style: true
log:
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "https://docs.example.com/library", f.BaseURL)
	assert.Equal(t, []string{"Projects", "Archive"}, f.RootFolders)
	assert.Equal(t, "out", f.Destination)
	assert.Equal(t, 5, f.MaxRetries)
	assert.Equal(t, 2, f.Workers)

	rate := f.RateLimitConfig()
	assert.Equal(t, 10, rate.RequestsPerMinute)
	assert.Equal(t, 5*time.Second, rate.MinDelay)
	assert.Equal(t, 2*time.Minute, rate.CooldownPeriod)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, rate.MaxDelay)
	assert.Equal(t, 1.5, rate.BackoffMultiplier)

	assert.Equal(t, 2, f.Discovery.MaxDepth)
	assert.Equal(t, 50, f.Discovery.MaxBreadth)
	assert.Equal(t, "https://docs.example.com/library", f.DiscoveryConfig().RootURL)
	assert.Equal(t, 90*time.Second, f.Timeouts.Artifact)
	assert.Equal(t, 10*time.Second, f.Timeouts.Surface)

	require.NotNil(t, f.Strategies)
	require.Len(t, f.Strategies.ExportPDF, 1)
	assert.Equal(t, docexport.ByQuery, f.Strategies.ExportPDF[0].Kind)

	assert.Equal(t, "runs.db", f.Ledger.SQLite)
	assert.True(t, f.Mirrors.S3.PathStyle)
	assert.Equal(t, "json", f.Log.Format)

	assert.NotEmpty(t, f.Options())
}

func TestParse_Empty(t *testing.T) {
	f, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "exports", f.Destination)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("base_url: x\nrequests_per_minute: 10\n"))
	assert.Error(t, err)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero retries", "max_retries: 0"},
		{"no workers", "workers: 0"},
		{"max below min delay", "rate_limit: {min_delay: 10s, max_delay: 1s}"},
		{"jitter out of range", "rate_limit: {random_factor: 1.5}"},
		{"bad log format", "log: {format: xml}"},
		{"exclusive auth", "auth: {cookies: c.json, interactive_login: true}"},
		{"unknown strategy kind", "strategies: {share: [{name: s, kind: css, value: x}]}"},
		{"empty strategy value", "strategies: {share: [{name: s, kind: text}]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docexport.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_url: https://docs.example.com\ncheckpoint: {path: cp.json, every: 5}\n"), 0o600))

	f, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cp.json", f.Checkpoint.Path)
	assert.Equal(t, 5, f.Checkpoint.Every)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
