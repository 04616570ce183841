package docexport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
)

// DiscoveryConfig bounds and parameterises a crawl of the folder hierarchy.
type DiscoveryConfig struct {
	// RootURL is the known root view. Returning here is the recovery step
	// between sibling folders.
	RootURL string
	// DocumentPathPatterns are path fragments of document-viewer URLs.
	DocumentPathPatterns []string
	// ExcludedFolderWords filter out controls the folder heuristic mistakes
	// for folders. Each entry matches whole words of a label, so "share"
	// excludes "Share link" but not "Shared projects".
	ExcludedFolderWords []string
	// MaxDepth is the deepest folder level visited; top-level folders are depth 1.
	MaxDepth int
	// MaxBreadth caps the subfolders followed from a single folder.
	MaxBreadth int
	// MaxFolders caps the total folders visited.
	MaxFolders int
	// NavigationRetries is how often returning to the root is attempted.
	NavigationRetries int
	// OpenTimeout bounds each folder-open strategy.
	OpenTimeout time.Duration
}

// DefaultDiscoveryConfig returns the default bounds. RootURL must still be set.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		DocumentPathPatterns: []string{"/document/", "/documents/", "/doc/", "/view/"},
		ExcludedFolderWords: []string{
			"export", "share", "download", "settings", "delete", "rename",
			"upload", "new folder", "log out", "logout", "sign out",
		},
		MaxDepth:          4,
		MaxBreadth:        50,
		MaxFolders:        500,
		NavigationRetries: 3,
		OpenTimeout:       3 * time.Second,
	}
}

// FolderError records a folder skipped during discovery.
type FolderError struct {
	Path []string `json:"path" yaml:"path"`
	Err  string   `json:"error" yaml:"error"`
}

// DiscoveryResult is the outcome of one crawl.
type DiscoveryResult struct {
	// Documents are unique by ID, in folder-major visit order.
	Documents []Document    `yaml:"documents"`
	Folders   []FolderNode  `yaml:"folders"`
	Skipped   []FolderError `yaml:"skipped,omitempty"`
}

// Discovery walks the folder hierarchy and collects documents.
type Discovery struct {
	driver     Driver
	cfg        DiscoveryConfig
	strategies StrategySet
	base       *url.URL
	dedup      *DedupSet
	logger     *slog.Logger
}

// NewDiscovery creates a crawler over d. A nil dedup creates a private set;
// pass a shared one when several sessions discover concurrently.
func NewDiscovery(d Driver, cfg DiscoveryConfig, strategies StrategySet, dedup *DedupSet, logger *slog.Logger) (*Discovery, error) {
	base, err := url.Parse(cfg.RootURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("docexport: invalid root URL %q", cfg.RootURL)
	}
	def := DefaultDiscoveryConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxBreadth <= 0 {
		cfg.MaxBreadth = def.MaxBreadth
	}
	if cfg.MaxFolders <= 0 {
		cfg.MaxFolders = def.MaxFolders
	}
	if cfg.NavigationRetries <= 0 {
		cfg.NavigationRetries = def.NavigationRetries
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if len(cfg.DocumentPathPatterns) == 0 {
		cfg.DocumentPathPatterns = def.DocumentPathPatterns
	}
	if dedup == nil {
		dedup = NewDedupSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		driver:     d,
		cfg:        cfg,
		strategies: strategies,
		base:       base,
		dedup:      dedup,
		logger:     logger,
	}, nil
}

type folderVisit struct {
	path  []string
	depth int
}

// Discover visits the root view, then each of rootFolders (or the folders
// detected at the root when rootFolders is empty), descending into detected
// subfolders within the configured bounds.
//
// A folder that cannot be opened or read is skipped with a warning. A root
// view that cannot be reached is an error, and so is a login redirect at any
// point of the crawl: it returns ErrSessionExpired rather than skipping the
// remaining folders.
func (d *Discovery) Discover(ctx context.Context, rootFolders []string) (*DiscoveryResult, error) {
	res := &DiscoveryResult{}

	if err := d.returnToRoot(ctx); err != nil {
		return nil, fmt.Errorf("docexport: opening root view: %w", err)
	}
	if err := d.checkSession(ctx, "root view"); err != nil {
		return nil, err
	}
	html, err := d.driver.PageHTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("docexport: reading root view: %w", err)
	}
	children, err := d.collect(res, html, nil)
	if err != nil {
		d.logger.Warn("root view extraction failed", "error", err)
	}

	top := rootFolders
	if len(top) == 0 {
		top = limit(children, d.cfg.MaxBreadth)
		d.logger.Info("no folders given, using folders detected at root", "folders", top)
	}
	topSet := make(map[string]bool, len(top))
	for _, name := range top {
		topSet[name] = true
	}

	stack := make([]folderVisit, 0, len(top))
	for i := len(top) - 1; i >= 0; i-- {
		stack = append(stack, folderVisit{path: []string{top[i]}, depth: 1})
	}

	visited := map[string]bool{}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := strings.Join(v.path, "\x00")
		if visited[key] {
			continue
		}
		visited[key] = true
		if len(visited) > d.cfg.MaxFolders {
			d.logger.Warn("folder limit reached, stopping crawl", "max_folders", d.cfg.MaxFolders)
			break
		}

		children, err := d.visit(ctx, res, v.path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, ErrSessionExpired) {
				d.logger.Warn("session expired during discovery", "folder", strings.Join(v.path, "/"))
				return nil, err
			}
			d.logger.Warn("skipping folder", "folder", strings.Join(v.path, "/"), "error", err)
			res.Skipped = append(res.Skipped, FolderError{Path: v.path, Err: err.Error()})
			continue
		}
		if v.depth >= d.cfg.MaxDepth {
			continue
		}

		// The detector can pick up sidebar entries; ignore names that are
		// already on the path or are top-level folders.
		var next []string
		for _, c := range children {
			if slices.Contains(v.path, c) || topSet[c] {
				continue
			}
			next = append(next, c)
		}
		next = limit(next, d.cfg.MaxBreadth)
		for i := len(next) - 1; i >= 0; i-- {
			p := append(append([]string(nil), v.path...), next[i])
			stack = append(stack, folderVisit{path: p, depth: v.depth + 1})
		}
	}

	res.Documents = d.dedup.Documents()
	d.logger.Info("discovery finished",
		"documents", len(res.Documents),
		"folders", len(res.Folders),
		"skipped", len(res.Skipped))
	return res, nil
}

// visit opens path from a known root state and collects its contents.
func (d *Discovery) visit(ctx context.Context, res *DiscoveryResult, path []string) ([]string, error) {
	if err := d.openPath(ctx, path); err != nil {
		return nil, err
	}
	html, err := d.driver.PageHTML(ctx)
	if err != nil {
		return nil, &ExportError{Code: CodeDiscoveryFolder, Err: fmt.Errorf("reading view: %w", err)}
	}
	children, err := d.collect(res, html, path)
	if err != nil {
		return nil, &ExportError{Code: CodeDiscoveryFolder, Err: fmt.Errorf("extracting documents: %w", err)}
	}
	return children, nil
}

// openPath returns to the root view and clicks through each path segment.
func (d *Discovery) openPath(ctx context.Context, path []string) error {
	if err := d.returnToRoot(ctx); err != nil {
		return &ExportError{Code: CodeDiscoveryFolder, Err: err}
	}
	if err := d.checkSession(ctx, "root view"); err != nil {
		return err
	}
	for i, name := range path {
		ok, err := d.driver.FindAndClick(ctx, d.strategies.FolderStrategies(name), d.cfg.OpenTimeout)
		if err != nil || !ok {
			if serr := d.checkSession(ctx, "folder view"); serr != nil {
				return serr
			}
		}
		if err != nil {
			return &ExportError{Code: CodeDiscoveryFolder, Err: fmt.Errorf("opening %q: %w", strings.Join(path[:i+1], "/"), err)}
		}
		if !ok {
			return &ExportError{Code: CodeDiscoveryFolder, Err: fmt.Errorf("folder %q not found", strings.Join(path[:i+1], "/"))}
		}
	}
	return nil
}

// returnToRoot navigates to the root view. It is idempotent and retried so
// a failed return never leaves the crawl inside the wrong subtree.
func (d *Discovery) returnToRoot(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.NavigationRetries; attempt++ {
		if _, err := d.driver.Navigate(ctx, d.cfg.RootURL); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Debug("returning to root failed", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return errors.Join(ErrNavigation, lastErr)
}

// checkSession returns an ErrSessionExpired error when the current page is
// a login redirect.
func (d *Discovery) checkSession(ctx context.Context, view string) error {
	redirected, err := d.driver.CurrentLocationIndicatesAuthRedirect(ctx)
	if err != nil || !redirected {
		return nil
	}
	return newError(CodeSessionExpired, StateNavigate, "%s redirected to login", view)
}

// collect extracts documents from html into the dedup set, records the
// folder node, and returns the detected subfolder names.
func (d *Discovery) collect(res *DiscoveryResult, html string, path []string) ([]string, error) {
	x := &extractContext{
		base:     d.base,
		patterns: d.cfg.DocumentPathPatterns,
		excluded: d.cfg.ExcludedFolderWords,
		folder:   path,
	}
	docs, strategy, err := extractDocuments(html, x)
	if err != nil {
		return nil, err
	}
	children, err := detectFolders(html, d.cfg.ExcludedFolderWords)
	if err != nil {
		return nil, err
	}

	node := FolderNode{Name: RootFolder, ChildFolderNames: children}
	if len(path) > 0 {
		node.Name = path[len(path)-1]
		node.ParentPath = append([]string(nil), path[:len(path)-1]...)
	}
	added := 0
	for _, doc := range docs {
		node.DocumentIDs = append(node.DocumentIDs, doc.ID)
		if d.dedup.Add(doc) {
			added++
		}
	}
	res.Folders = append(res.Folders, node)
	d.logger.Info("folder scanned",
		"folder", strings.Join(append([]string{RootFolder}, path...), "/"),
		"strategy", strategy,
		"documents", len(docs),
		"new", added,
		"subfolders", len(children))
	return children, nil
}

func limit(s []string, n int) []string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
