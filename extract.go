package docexport

import (
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// extractor is one document-detection strategy over a page snapshot.
type extractor struct {
	name string
	fn   func(doc *goquery.Document, x *extractContext) []Document
}

type extractContext struct {
	base     *url.URL
	patterns []string
	excluded []string
	folder   []string
}

// extractors are tried in priority order; the first non-empty result wins.
// Results are never merged so noisy heuristics cannot pollute a clean match.
var extractors = []extractor{
	{name: "href-pattern", fn: extractByHrefPattern},
	{name: "data-card", fn: extractByDataCard},
	{name: "generic-link", fn: extractByGenericLink},
}

// extractDocuments parses html and applies the extractors in order. It
// returns the documents and the name of the strategy that produced them.
func extractDocuments(html string, x *extractContext) ([]Document, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", err
	}
	for _, e := range extractors {
		if docs := e.fn(doc, x); len(docs) > 0 {
			return docs, e.name, nil
		}
	}
	return nil, "", nil
}

// add appends a document unless its id was already seen in this view.
func (x *extractContext) add(out []Document, seen map[string]bool, href, title string, sizeHint int) []Document {
	id, err := CanonicalID(x.base, href)
	if err != nil || seen[id] {
		return out
	}
	seen[id] = true
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = path.Base(id)
	}
	folder := x.folder
	if len(folder) == 0 {
		folder = []string{RootFolder}
	}
	return append(out, Document{
		ID:         id,
		Title:      title,
		FolderPath: append([]string(nil), folder...),
		SizeHint:   sizeHint,
	})
}

func (x *extractContext) matchesPattern(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	if x.base != nil {
		u = x.base.ResolveReference(u)
	}
	for _, p := range x.patterns {
		if p != "" && strings.Contains(u.Path, p) {
			return true
		}
	}
	return false
}

func extractByHrefPattern(doc *goquery.Document, x *extractContext) []Document {
	var out []Document
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !x.matchesPattern(href) {
			return
		}
		out = x.add(out, seen, href, linkTitle(s), sizeHint(s))
	})
	return out
}

func extractByDataCard(doc *goquery.Document, x *extractContext) []Document {
	var out []Document
	seen := map[string]bool{}
	doc.Find("[data-document-id], [data-doc-id], [data-href], [data-document-url]").Each(func(_ int, s *goquery.Selection) {
		href := firstAttr(s, "data-href", "data-document-url")
		if href == "" {
			id := firstAttr(s, "data-document-id", "data-doc-id")
			if id == "" || len(x.patterns) == 0 {
				return
			}
			href = strings.TrimSuffix(x.patterns[0], "/") + "/" + url.PathEscape(id)
		}
		title := firstAttr(s, "data-title", "aria-label", "title")
		if title == "" {
			title = s.Find("h1, h2, h3, h4, [class*='title']").First().Text()
		}
		if title == "" {
			title = s.Text()
		}
		out = x.add(out, seen, href, title, sizeHint(s))
	})
	return out
}

func extractByGenericLink(doc *goquery.Document, x *extractContext) []Document {
	var out []Document
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		if s.Closest("nav, header, footer, [role='navigation']").Length() > 0 {
			return
		}
		if isFolderElement(s) {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		if x.base != nil {
			u = x.base.ResolveReference(u)
			if !strings.EqualFold(u.Host, x.base.Host) || u.Path == x.base.Path {
				return
			}
		}
		if u.Path == "" || u.Path == "/" {
			return
		}
		title := linkTitle(s)
		if len(title) < 2 || len(title) > 200 || containsAny(title, x.excluded) {
			return
		}
		out = x.add(out, seen, href, title, sizeHint(s))
	})
	return out
}

func linkTitle(s *goquery.Selection) string {
	if t := strings.TrimSpace(s.Text()); t != "" {
		return t
	}
	return firstAttr(s, "aria-label", "title")
}

func sizeHint(s *goquery.Selection) int {
	card := s.Closest("[data-pages], [data-page-count]")
	if card.Length() == 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(firstAttr(card, "data-pages", "data-page-count")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

const folderSelector = "[data-folder], [data-folder-name], [role='treeitem'], .folder, .folder-item"

func isFolderElement(s *goquery.Selection) bool {
	return s.Closest(folderSelector).Length() > 0
}

// detectFolders guesses folder names in a view. The UI has no structured
// folder API, so this is a text and role heuristic and may miss folders or
// report extras.
func detectFolders(html string, excluded []string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	var names []string
	seen := map[string]bool{}
	doc.Find(folderSelector).Each(func(_ int, s *goquery.Selection) {
		name := firstAttr(s, "data-folder", "data-folder-name")
		if name == "" {
			name = strings.TrimSpace(strings.SplitN(strings.TrimSpace(s.Text()), "\n", 2)[0])
		}
		name = strings.Join(strings.Fields(name), " ")
		if name == "" || len(name) > 80 || seen[name] || containsAny(name, excluded) {
			return
		}
		seen[name] = true
		names = append(names, name)
	})
	return names, nil
}

// containsAny reports whether any of words, compared word by word and
// ignoring case, appears in s.
func containsAny(s string, words []string) bool {
	fields := labelWords(s)
	for _, w := range words {
		phrase := labelWords(w)
		if len(phrase) == 0 || len(phrase) > len(fields) {
			continue
		}
		for i := 0; i+len(phrase) <= len(fields); i++ {
			if equalWords(fields[i:i+len(phrase)], phrase) {
				return true
			}
		}
	}
	return false
}

func labelWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func equalWords(a, b []string) bool {
	for i := range b {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
