package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packmule/packmule/api"
	"github.com/packmule/packmule/cache"
	"github.com/packmule/packmule/modpack"
)

// fakeCatalog serves canned descriptors and records what was asked of it.
type fakeCatalog struct {
	mu        sync.Mutex
	files     map[string]api.FileDescriptor
	listings  map[int64][]api.FileDescriptor
	failWith  map[int64]error
	listCalls map[int64]int
}

func catKey(projectID, fileID int64) string {
	return fmt.Sprintf("%d/%d", projectID, fileID)
}

func (f *fakeCatalog) DescribeFile(_ context.Context, projectID, fileID int64) (api.FileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failWith[projectID]; ok {
		return api.FileDescriptor{}, err
	}
	if d, ok := f.files[catKey(projectID, fileID)]; ok {
		return d, nil
	}
	return api.FileDescriptor{}, fmt.Errorf("file %d of project %d: %w", fileID, projectID, api.ErrNotFound)
}

func (f *fakeCatalog) ListFiles(_ context.Context, projectID int64, gameVersion string) ([]api.FileDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listCalls == nil {
		f.listCalls = make(map[int64]int)
	}
	f.listCalls[projectID]++
	if err, ok := f.failWith[projectID]; ok {
		return nil, err
	}
	var out []api.FileDescriptor
	for _, d := range f.listings[projectID] {
		if gameVersion == "" || d.Matches(gameVersion) {
			out = append(out, d)
		}
	}
	return out, nil
}

func fd(projectID, id int64, name string, versions ...string) api.FileDescriptor {
	return api.FileDescriptor{
		ID:           id,
		ProjectID:    projectID,
		Ordinal:      id,
		GameVersions: versions,
		FileName:     name,
		DownloadURL:  fmt.Sprintf("https://edge.example/%d/%s", id, name),
	}
}

func manifestFor(refs ...modpack.FileRef) *modpack.Manifest {
	return &modpack.Manifest{
		Minecraft: modpack.Minecraft{Version: "1.12.2"},
		Files:     refs,
	}
}

func TestResolveDirectAndFallback(t *testing.T) {
	cat := &fakeCatalog{
		files: map[string]api.FileDescriptor{
			catKey(1, 100): fd(1, 100, "mod-a.jar", "1.12.2"),
		},
		listings: map[int64][]api.FileDescriptor{
			2: {
				fd(2, 150, "mod-b-old.jar", "1.12.2"),
				fd(2, 200, "mod-b-pulled.jar", "1.12.2"),
				fd(2, 250, "mod-b-new.jar", "1.12.2"),
			},
		},
	}
	r := &Resolver{Catalog: cat, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(
		modpack.FileRef{ProjectID: 1, FileID: 100},
		modpack.FileRef{ProjectID: 2, FileID: 200},
	))
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Len(t, res.Files, 2)

	assert.Equal(t, int64(100), res.Files[0].File.ID)
	assert.False(t, res.Files[0].Fallback)

	assert.Equal(t, int64(250), res.Files[1].File.ID)
	assert.True(t, res.Files[1].Fallback)
	assert.Equal(t, int64(200), res.Files[1].ReplacedID)
	require.Len(t, res.Fallbacks(), 1)
}

func TestResolveNoReplacementLeft(t *testing.T) {
	cat := &fakeCatalog{
		files: map[string]api.FileDescriptor{
			catKey(1, 100): fd(1, 100, "mod-a.jar", "1.12.2"),
		},
		listings: map[int64][]api.FileDescriptor{},
	}
	r := &Resolver{Catalog: cat, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(
		modpack.FileRef{ProjectID: 1, FileID: 100},
		modpack.FileRef{ProjectID: 3, FileID: 300},
	))
	require.NoError(t, err)
	assert.False(t, res.OK())

	require.Len(t, res.Files, 1)
	assert.Equal(t, int64(100), res.Files[0].File.ID)

	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, int64(3), res.Unresolved[0].Ref.ProjectID)
	assert.ErrorIs(t, res.Unresolved[0].Reason, api.ErrNotFound)
}

func TestResolveDegradesToNewestCompatible(t *testing.T) {
	// Nothing published after the missing file, but older compatible
	// files remain.
	cat := &fakeCatalog{
		listings: map[int64][]api.FileDescriptor{
			2: {
				fd(2, 150, "mod-b-old.jar", "1.12.2"),
				fd(2, 180, "mod-b-older.jar", "1.12.2"),
			},
		},
	}
	r := &Resolver{Catalog: cat, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(modpack.FileRef{ProjectID: 2, FileID: 200}))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, int64(180), res.Files[0].File.ID)
	assert.True(t, res.Files[0].Fallback)
}

func TestResolveFallbackIgnoresIncompatibleFiles(t *testing.T) {
	cat := &fakeCatalog{
		listings: map[int64][]api.FileDescriptor{
			2: {
				fd(2, 240, "mod-b-1.12.jar", "1.12.2"),
				fd(2, 260, "mod-b-1.16.jar", "1.16.5"),
			},
		},
	}
	r := &Resolver{Catalog: cat, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(modpack.FileRef{ProjectID: 2, FileID: 250}))
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, int64(240), res.Files[0].File.ID)
}

func TestResolveLatestPolicy(t *testing.T) {
	cat := &fakeCatalog{
		listings: map[int64][]api.FileDescriptor{
			2: {
				fd(2, 150, "mod-b-old.jar", "1.12.2"),
				fd(2, 250, "mod-b-next.jar", "1.12.2"),
				fd(2, 300, "mod-b-newest.jar", "1.12.2"),
			},
		},
	}
	r := &Resolver{Catalog: cat, Policy: FallbackLatest, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(modpack.FileRef{ProjectID: 2, FileID: 200}))
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.Files[0].File.ID)
}

func TestResolveTransportErrorIsNotFallback(t *testing.T) {
	transient := errors.New("connection reset")
	cat := &fakeCatalog{
		failWith: map[int64]error{5: transient},
	}
	r := &Resolver{Catalog: cat, Log: zerolog.Nop()}

	res, err := r.Resolve(context.Background(), manifestFor(modpack.FileRef{ProjectID: 5, FileID: 500}))
	require.NoError(t, err)
	require.Len(t, res.Unresolved, 1)
	assert.ErrorIs(t, res.Unresolved[0].Reason, transient)
	assert.NotErrorIs(t, res.Unresolved[0].Reason, api.ErrNotFound)
	assert.Zero(t, cat.listCalls[5], "a transport failure must not trigger fallback search")
}

func TestResolveKeepsManifestOrder(t *testing.T) {
	cat := &fakeCatalog{files: map[string]api.FileDescriptor{}}
	var refs []modpack.FileRef
	for i := int64(1); i <= 20; i++ {
		cat.files[catKey(i, i*10)] = fd(i, i*10, fmt.Sprintf("mod-%d.jar", i), "1.12.2")
		refs = append(refs, modpack.FileRef{ProjectID: i, FileID: i * 10})
	}
	r := &Resolver{Catalog: cat, Parallel: 8, Log: zerolog.Nop()}

	first, err := r.Resolve(context.Background(), manifestFor(refs...))
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), manifestFor(refs...))
	require.NoError(t, err)

	require.Len(t, first.Files, 20)
	for i, rf := range first.Files {
		assert.Equal(t, int64(i+1), rf.ProjectID)
	}
	assert.Equal(t, first.Files, second.Files, "resolution must be deterministic")
}

func TestPickFallback(t *testing.T) {
	files := []api.FileDescriptor{
		fd(2, 150, "old.jar", "1.12.2"),
		fd(2, 200, "pulled.jar", "1.12.2"),
		fd(2, 250, "next.jar", "1.12.2"),
		fd(2, 300, "newest.jar", "1.12.2"),
	}

	next, ok := pickFallback(files, 200, "1.12.2", FallbackNextPublished)
	require.True(t, ok)
	assert.Equal(t, int64(250), next.ID)

	latest, ok := pickFallback(files, 200, "1.12.2", FallbackLatest)
	require.True(t, ok)
	assert.Equal(t, int64(300), latest.ID)

	_, ok = pickFallback(nil, 200, "1.12.2", FallbackNextPublished)
	assert.False(t, ok)
}

func TestParseFallbackPolicy(t *testing.T) {
	p, err := ParseFallbackPolicy("next")
	require.NoError(t, err)
	assert.Equal(t, FallbackNextPublished, p)

	p, err = ParseFallbackPolicy("latest")
	require.NoError(t, err)
	assert.Equal(t, FallbackLatest, p)

	_, err = ParseFallbackPolicy("jfdkls")
	assert.Error(t, err)
}

func TestFetchAllCollectsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.jar" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "content")
	}))
	t.Cleanup(srv.Close)

	store, err := cache.New(t.TempDir(), zerolog.Nop(), cache.WithRetry(1, time.Millisecond))
	require.NoError(t, err)

	good := ResolvedFile{ProjectID: 1, File: api.FileDescriptor{ID: 100, FileName: "good.jar", DownloadURL: srv.URL + "/good.jar"}}
	bad := ResolvedFile{ProjectID: 2, File: api.FileDescriptor{ID: 200, FileName: "bad.jar", DownloadURL: srv.URL + "/bad.jar"}}

	r := &Resolver{Log: zerolog.Nop()}
	fetched, err := r.FetchAll(context.Background(), store, []ResolvedFile{good, bad})
	require.NoError(t, err)

	assert.False(t, fetched.OK())
	assert.Contains(t, fetched.Paths, int64(100))
	assert.NotContains(t, fetched.Paths, int64(200))
	require.Len(t, fetched.Failed, 1)
	assert.Equal(t, int64(200), fetched.Failed[0].File.File.ID)

	var fetchErr *cache.FetchError
	assert.ErrorAs(t, fetched.Failed[0].Err, &fetchErr)
}
