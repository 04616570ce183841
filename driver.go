package docexport

import (
	"context"
	"strings"
	"time"
)

// Driver is the browser-automation capability the orchestrator drives. It
// is implemented by internal/browser on top of Chrome DevTools; tests use
// in-memory fakes.
//
// A Driver holds one page and is not safe for concurrent use. Bounded
// concurrency uses one Driver per [Session].
type Driver interface {
	// Navigate loads url and returns the location reached after redirects.
	Navigate(ctx context.Context, url string) (string, error)

	// FindAndClick tries strategies in order and clicks the first element
	// found. It reports whether any strategy succeeded. Each strategy gets
	// at most timeout to locate its element.
	FindAndClick(ctx context.Context, strategies []Strategy, timeout time.Duration) (bool, error)

	// ArmDownload registers interest in the next download. It must be
	// called before the click that starts the download.
	ArmDownload(ctx context.Context) (ArtifactWaiter, error)

	// SaveArtifact copies a completed download to destPath.
	SaveArtifact(ctx context.Context, a *Artifact, destPath string) error

	// CurrentLocationIndicatesAuthRedirect reports whether the page sits
	// on a login or other authentication location.
	CurrentLocationIndicatesAuthRedirect(ctx context.Context) (bool, error)

	// PageHTML returns the serialized DOM of the current page.
	PageHTML(ctx context.Context) (string, error)
}

// ArtifactWaiter is an armed download listener.
type ArtifactWaiter interface {
	// WaitForDownloadArtifact blocks until the armed download completes or
	// timeout elapses.
	WaitForDownloadArtifact(ctx context.Context, timeout time.Duration) (*Artifact, error)

	// Cancel releases the listener. It is safe to call after a completed wait.
	Cancel()
}

// RateLimitDetector is optionally implemented by a Driver that can tell
// when the remote service is throttling.
type RateLimitDetector interface {
	RateLimited(ctx context.Context) (bool, error)
}

// Authenticator establishes or re-establishes the session a Driver runs in.
// The login flow itself lives outside this package.
type Authenticator interface {
	Authenticate(ctx context.Context, d Driver) error
}

// AuthenticatorFunc adapts a function to [Authenticator].
type AuthenticatorFunc func(ctx context.Context, d Driver) error

// Authenticate calls f(ctx, d).
func (f AuthenticatorFunc) Authenticate(ctx context.Context, d Driver) error { return f(ctx, d) }

// Artifact is a completed download.
type Artifact struct {
	// ID is the driver's identifier for the download.
	ID string
	// SuggestedName is the filename proposed by the server.
	SuggestedName string
	// Path is where the driver staged the file, if on disk.
	Path string
	// Size is the number of bytes received.
	Size int64
	// Data holds the content for drivers that keep downloads in memory.
	Data []byte
}

// Len returns the size of the artifact in bytes.
func (a *Artifact) Len() int64 {
	if a.Size > 0 {
		return a.Size
	}
	return int64(len(a.Data))
}

// StrategyKind selects how a [Strategy] locates its element.
type StrategyKind string

const (
	// ByText matches a clickable element whose text contains Value.
	ByText StrategyKind = "text"
	// ByExactText matches a clickable element whose trimmed text equals Value.
	ByExactText StrategyKind = "exact_text"
	// ByAriaLabel matches an element whose aria-label contains Value.
	ByAriaLabel StrategyKind = "aria_label"
	// ByClass matches an element whose class attribute contains Value.
	ByClass StrategyKind = "class"
	// ByTitle matches an element whose title attribute contains Value.
	ByTitle StrategyKind = "title"
	// ByQuery is a raw CSS selector.
	ByQuery StrategyKind = "query"
	// ByXPath is a raw XPath expression.
	ByXPath StrategyKind = "xpath"
)

// Valid reports whether k is a known kind.
func (k StrategyKind) Valid() bool {
	switch k {
	case ByText, ByExactText, ByAriaLabel, ByClass, ByTitle, ByQuery, ByXPath:
		return true
	}
	return false
}

// Strategy is one named way of locating a UI control.
type Strategy struct {
	Name  string       `yaml:"name"`
	Kind  StrategyKind `yaml:"kind"`
	Value string       `yaml:"value"`
	// Context, when set, requires text near the element (an ancestor up to
	// three levels) to contain this phrase.
	Context string `yaml:"context,omitempty"`
}

// StrategySet holds the ordered strategy lists for every UI step.
type StrategySet struct {
	Share      []Strategy `yaml:"share"`
	ShareMenu  []Strategy `yaml:"share_menu"`
	ShareItem  []Strategy `yaml:"share_item"`
	ExportTab  []Strategy `yaml:"export_tab"`
	ExportPDF  []Strategy `yaml:"export_pdf"`
	FolderOpen []Strategy `yaml:"folder_open"`
}

// DefaultStrategies returns the built-in strategy lists.
func DefaultStrategies() StrategySet {
	return StrategySet{
		Share: []Strategy{
			{Name: "share.text", Kind: ByText, Value: "Share"},
			{Name: "share.aria", Kind: ByAriaLabel, Value: "Share"},
			{Name: "share.class", Kind: ByClass, Value: "share"},
			{Name: "share.title", Kind: ByTitle, Value: "Share"},
		},
		ShareMenu: []Strategy{
			{Name: "share-menu.aria", Kind: ByAriaLabel, Value: "More"},
			{Name: "share-menu.kebab", Kind: ByQuery, Value: `[aria-haspopup="menu"], [aria-haspopup="true"]`},
			{Name: "share-menu.class", Kind: ByClass, Value: "menu"},
		},
		ShareItem: []Strategy{
			{Name: "share-item.menuitem", Kind: ByQuery, Value: `[role="menuitem"]`, Context: "Share"},
			{Name: "share-item.text", Kind: ByText, Value: "Share"},
		},
		ExportTab: []Strategy{
			{Name: "export-tab.role", Kind: ByQuery, Value: `[role="tab"]`, Context: "Export"},
			{Name: "export-tab.text", Kind: ByText, Value: "Export"},
		},
		ExportPDF: []Strategy{
			{Name: "export-pdf.context", Kind: ByText, Value: "Export", Context: "PDF"},
			{Name: "export-pdf.aria", Kind: ByAriaLabel, Value: "PDF"},
			{Name: "export-pdf.text", Kind: ByText, Value: "PDF"},
		},
	}
}

// FolderStrategies returns the strategies used to open the folder called
// name from its parent view. Any FolderOpen entries in the set are appended
// with %s in Value replaced by the folder name.
func (s StrategySet) FolderStrategies(name string) []Strategy {
	out := []Strategy{
		{Name: "folder.exact", Kind: ByExactText, Value: name},
		{Name: "folder.data", Kind: ByQuery, Value: `[data-folder="` + cssEscape(name) + `"]`},
		{Name: "folder.aria", Kind: ByAriaLabel, Value: name},
	}
	for _, st := range s.FolderOpen {
		st.Value = strings.ReplaceAll(st.Value, "%s", name)
		out = append(out, st)
	}
	return out
}

func cssEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// merged fills empty lists in s with the defaults.
func (s StrategySet) merged() StrategySet {
	d := DefaultStrategies()
	if len(s.Share) == 0 {
		s.Share = d.Share
	}
	if len(s.ShareMenu) == 0 {
		s.ShareMenu = d.ShareMenu
	}
	if len(s.ShareItem) == 0 {
		s.ShareItem = d.ShareItem
	}
	if len(s.ExportTab) == 0 {
		s.ExportTab = d.ExportTab
	}
	if len(s.ExportPDF) == 0 {
		s.ExportPDF = d.ExportPDF
	}
	return s
}
