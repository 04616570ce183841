package docexport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docexport "github.com/porticus-lab/go-doc-export"
)

func ids(docs []docexport.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func newTestDiscovery(t *testing.T, d docexport.Driver, mutate ...func(*docexport.DiscoveryConfig)) *docexport.Discovery {
	t.Helper()
	cfg := docexport.DefaultDiscoveryConfig()
	cfg.RootURL = testRoot
	for _, m := range mutate {
		m(&cfg)
	}
	disc, err := docexport.NewDiscovery(d, cfg, docexport.DefaultStrategies(), nil, discard())
	require.NoError(t, err)
	return disc
}

func TestDiscovery_DeduplicatesAcrossFolders(t *testing.T) {
	top := []string{"A", "B"}
	d := newFakeDriver(site{
		"":  folderPage(top),
		"A": folderPage(top, 1, 2),
		"B": folderPage(top, 2, 3),
	})

	res, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{docURL(1), docURL(2), docURL(3)}, ids(res.Documents))
	assert.Equal(t, []string{"A"}, res.Documents[1].FolderPath, "first sighting wins")
	assert.Equal(t, "Document 2", res.Documents[1].Title)
	assert.Empty(t, res.Skipped)

	// Root view plus one node per folder; B still lists the shared document.
	require.Len(t, res.Folders, 3)
	assert.Equal(t, docexport.RootFolder, res.Folders[0].Name)
	assert.Equal(t, []string{"A", "B"}, res.Folders[0].ChildFolderNames)
	assert.Equal(t, "B", res.Folders[2].Name)
	assert.Equal(t, []string{docURL(2), docURL(3)}, res.Folders[2].DocumentIDs)
}

func TestDiscovery_DescendsIntoSubfolders(t *testing.T) {
	top := []string{"A", "B"}
	d := newFakeDriver(site{
		"":          folderPage(top),
		"A":         folderPage(append(top, "Reports"), 1),
		"A/Reports": folderPage(append(top, "Reports"), 4),
		"B":         folderPage(top, 2),
	})

	res, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.NoError(t, err)
	// Folder-major, depth first.
	assert.Equal(t, []string{docURL(1), docURL(4), docURL(2)}, ids(res.Documents))
	assert.Equal(t, []string{"A", "Reports"}, res.Documents[1].FolderPath)
	assert.Equal(t, "A/Reports", res.Documents[1].Folder())

	var reports *docexport.FolderNode
	for i := range res.Folders {
		if res.Folders[i].Name == "Reports" {
			reports = &res.Folders[i]
		}
	}
	require.NotNil(t, reports)
	assert.Equal(t, []string{"A"}, reports.ParentPath)
}

func TestDiscovery_RespectsMaxDepth(t *testing.T) {
	top := []string{"A"}
	d := newFakeDriver(site{
		"":          folderPage(top),
		"A":         folderPage(append(top, "Reports"), 1),
		"A/Reports": folderPage(append(top, "Reports"), 4),
	})

	res, err := newTestDiscovery(t, d, func(c *docexport.DiscoveryConfig) { c.MaxDepth = 1 }).
		Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{docURL(1)}, ids(res.Documents))
}

func TestDiscovery_NamedRootFolders(t *testing.T) {
	top := []string{"A", "B"}
	d := newFakeDriver(site{
		"":  folderPage(top),
		"A": folderPage(top, 1),
		"B": folderPage(top, 2),
	})

	res, err := newTestDiscovery(t, d).Discover(context.Background(), []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, []string{docURL(2)}, ids(res.Documents))
}

func TestDiscovery_SkipsUnopenableFolder(t *testing.T) {
	top := []string{"A", "B"}
	d := newFakeDriver(site{
		"":  folderPage(top),
		"A": folderPage(top, 1),
		"B": folderPage(top, 2),
	})

	res, err := newTestDiscovery(t, d).Discover(context.Background(), []string{"A", "Archive", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{docURL(1), docURL(2)}, ids(res.Documents))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, []string{"Archive"}, res.Skipped[0].Path)
	assert.Contains(t, res.Skipped[0].Err, "not found")

	// Every folder is opened from a fresh root view.
	assert.Equal(t, 4, d.RootVisits())
}

func TestDiscovery_RootDocuments(t *testing.T) {
	d := newFakeDriver(site{"": folderPage(nil, 7, 8)})

	res, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	assert.Equal(t, []string{docexport.RootFolder}, res.Documents[0].FolderPath)
}

func TestDiscovery_RetriesReturnToRoot(t *testing.T) {
	d := newFakeDriver(site{"": folderPage(nil, 1)})
	d.navErrs[testRoot] = 2

	res, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Documents, 1)
}

func TestDiscovery_UnreachableRoot(t *testing.T) {
	d := newFakeDriver(site{"": folderPage(nil, 1)})
	d.navErrs[testRoot] = 10

	_, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, docexport.ErrNavigation)
}

func TestDiscovery_RootRedirectsToLogin(t *testing.T) {
	d := newFakeDriver(site{"": folderPage(nil, 1)})
	d.loggedOut = true

	_, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	assert.ErrorIs(t, err, docexport.ErrSessionExpired)
}

func TestDiscovery_SessionExpiresMidCrawl(t *testing.T) {
	top := []string{"A", "B"}
	d := newFakeDriver(site{
		"":  folderPage(top),
		"A": folderPage(top, 1),
		"B": folderPage(top, 2),
	})
	d.dropLogin = true

	res, err := newTestDiscovery(t, d).Discover(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, docexport.ErrSessionExpired)
	assert.NotErrorIs(t, err, docexport.ErrDiscoveryFolder)
	assert.Nil(t, res)
	assert.Equal(t, 2, d.RootVisits(), "the crawl stops at the first redirect")
}

func TestNewDiscovery_InvalidRoot(t *testing.T) {
	cfg := docexport.DefaultDiscoveryConfig()
	cfg.RootURL = "/library"
	_, err := docexport.NewDiscovery(newFakeDriver(nil), cfg, docexport.DefaultStrategies(), nil, nil)
	assert.Error(t, err)
}
