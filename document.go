package docexport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
)

// RootFolder is the folder name recorded for documents found in the root view.
const RootFolder = "Root"

// Document is one exportable item. ID is the canonical id; two discovery
// paths yielding the same ID denote one logical document.
type Document struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	FolderPath []string `json:"folder_path" yaml:"folder_path"`

	// SizeHint is an optional page count read from the listing. It only
	// stretches the artifact wait timeout.
	SizeHint int `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`
}

// Folder returns the folder path joined for display.
func (d Document) Folder() string {
	if len(d.FolderPath) == 0 {
		return RootFolder
	}
	return strings.Join(d.FolderPath, "/")
}

// FolderNode is one level of the hierarchy as observed during a crawl.
type FolderNode struct {
	Name             string   `json:"name" yaml:"name"`
	ParentPath       []string `json:"parent_path,omitempty" yaml:"parent_path,omitempty"`
	ChildFolderNames []string `json:"children,omitempty" yaml:"children,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty" yaml:"document_ids,omitempty"`
}

// CanonicalID derives the de-duplicating key for a document href. Relative
// hrefs are resolved against base. Scheme and host are lowercased; query,
// fragment and trailing slash are dropped.
func CanonicalID(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("docexport: parsing href %q: %w", href, err)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	if u.Host == "" {
		return "", fmt.Errorf("docexport: href %q has no host", href)
	}
	p := path.Clean("/" + u.EscapedPath())
	if p == "/" {
		p = ""
	}
	p = strings.TrimSuffix(p, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + p, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeName turns an arbitrary label into a filesystem-friendly token.
func sanitizeName(s string, max int) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._-")
	if len(s) > max {
		s = strings.TrimRight(s[:max], "._-")
	}
	if s == "" {
		s = "untitled"
	}
	return s
}

// Filename returns the deterministic destination name for d: folder path,
// title, and a short hash of the canonical id so that documents sharing a
// title in the same folder do not collide.
func Filename(d Document) string {
	folders := d.FolderPath
	if len(folders) == 0 {
		folders = []string{RootFolder}
	}
	parts := make([]string, 0, len(folders))
	for _, f := range folders {
		parts = append(parts, sanitizeName(f, 40))
	}
	sum := sha256.Sum256([]byte(d.ID))
	return fmt.Sprintf("%s__%s__%s.pdf",
		strings.Join(parts, "-"),
		sanitizeName(d.Title, 80),
		hex.EncodeToString(sum[:4]))
}

// DedupSet folds documents keyed by canonical id, keeping the first-seen
// entry and insertion order. It is safe for concurrent use.
type DedupSet struct {
	mu    sync.Mutex
	index map[string]int
	docs  []Document
}

// NewDedupSet returns an empty set.
func NewDedupSet() *DedupSet {
	return &DedupSet{index: make(map[string]int)}
}

// Add inserts d unless its ID is already present. It reports whether d was added.
func (s *DedupSet) Add(d Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[d.ID]; ok {
		return false
	}
	s.index[d.ID] = len(s.docs)
	s.docs = append(s.docs, d)
	return true
}

// Len returns the number of unique documents.
func (s *DedupSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Documents returns the unique documents in first-seen order.
func (s *DedupSet) Documents() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.docs))
	copy(out, s.docs)
	return out
}
