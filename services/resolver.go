package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/packmule/packmule/api"
	"github.com/packmule/packmule/cache"
	"github.com/packmule/packmule/modpack"
)

// Catalog is the slice of the remote catalog the resolver needs. *api.Client
// implements it.
type Catalog interface {
	DescribeFile(ctx context.Context, projectID, fileID int64) (api.FileDescriptor, error)
	ListFiles(ctx context.Context, projectID int64, gameVersion string) ([]api.FileDescriptor, error)
}

// FallbackPolicy selects the replacement when a referenced file is gone from
// the catalog.
type FallbackPolicy int

const (
	// FallbackNextPublished picks the first compatible file published after
	// the missing one, or the newest compatible file when nothing newer
	// exists.
	FallbackNextPublished FallbackPolicy = iota
	// FallbackLatest always picks the newest compatible file.
	FallbackLatest
)

// ParseFallbackPolicy maps the CLI flag values onto a policy.
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch s {
	case "", "next":
		return FallbackNextPublished, nil
	case "latest":
		return FallbackLatest, nil
	}
	return 0, fmt.Errorf("unknown fallback policy %q (want next or latest)", s)
}

// ResolvedFile is the outcome of resolving one manifest reference.
type ResolvedFile struct {
	ProjectID  int64
	File       api.FileDescriptor
	Fallback   bool
	ReplacedID int64
}

// Unresolved is a reference the catalog could not satisfy. Reason wraps
// api.ErrNotFound when the project has no compatible file left, and the
// transport error when the catalog could not be asked.
type Unresolved struct {
	Ref    modpack.FileRef
	Reason error
}

// Resolution is the aggregate outcome for one manifest, in manifest order.
type Resolution struct {
	Files      []ResolvedFile
	Unresolved []Unresolved
}

// OK reports whether every reference resolved.
func (r *Resolution) OK() bool { return len(r.Unresolved) == 0 }

// Fallbacks returns the resolved files that substitute a vanished reference.
func (r *Resolution) Fallbacks() []ResolvedFile {
	var out []ResolvedFile
	for _, f := range r.Files {
		if f.Fallback {
			out = append(out, f)
		}
	}
	return out
}

const defaultParallel = 4

// Resolver turns manifest references into concrete downloadable files.
type Resolver struct {
	Catalog  Catalog
	Policy   FallbackPolicy
	Parallel int
	Log      zerolog.Logger
}

func (r *Resolver) parallel() int {
	if r.Parallel > 0 {
		return r.Parallel
	}
	return defaultParallel
}

// Resolve maps every reference of the manifest to a concrete file. Individual
// failures land in Resolution.Unresolved; only context cancellation aborts
// the whole batch.
func (r *Resolver) Resolve(ctx context.Context, m *modpack.Manifest) (*Resolution, error) {
	type slot struct {
		file ResolvedFile
		miss *Unresolved
	}
	slots := make([]slot, len(m.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel())
	for i, ref := range m.Files {
		i, ref := i, ref
		g.Go(func() error {
			resolved, err := r.resolveOne(gctx, ref, m.Minecraft.Version)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				slots[i].miss = &Unresolved{Ref: ref, Reason: err}
				return nil
			}
			slots[i].file = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Resolution{}
	for _, s := range slots {
		if s.miss != nil {
			res.Unresolved = append(res.Unresolved, *s.miss)
			continue
		}
		res.Files = append(res.Files, s.file)
	}
	return res, nil
}

func (r *Resolver) resolveOne(ctx context.Context, ref modpack.FileRef, gameVersion string) (ResolvedFile, error) {
	direct, err := r.Catalog.DescribeFile(ctx, ref.ProjectID, ref.FileID)
	if err == nil {
		return ResolvedFile{ProjectID: ref.ProjectID, File: direct}, nil
	}
	if !errors.Is(err, api.ErrNotFound) {
		// A transport failure is not proof the file is gone, so it gets no
		// fallback guesswork.
		return ResolvedFile{}, err
	}

	r.Log.Warn().Int64("project", ref.ProjectID).Int64("file", ref.FileID).
		Msg("referenced file is gone, searching for a replacement")
	files, err := r.Catalog.ListFiles(ctx, ref.ProjectID, gameVersion)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		return ResolvedFile{}, err
	}
	pick, ok := pickFallback(files, ref.FileID, gameVersion, r.Policy)
	if !ok {
		return ResolvedFile{}, fmt.Errorf("no compatible replacement for file %d of project %d on %s: %w",
			ref.FileID, ref.ProjectID, gameVersion, api.ErrNotFound)
	}
	r.Log.Info().Int64("project", ref.ProjectID).Int64("from", ref.FileID).
		Int64("to", pick.ID).Msg("substituted vanished file")
	return ResolvedFile{ProjectID: ref.ProjectID, File: pick, Fallback: true, ReplacedID: ref.FileID}, nil
}

// pickFallback chooses a replacement from a project's remaining files, which
// arrive ordered by publish ordinal ascending.
func pickFallback(files []api.FileDescriptor, missingID int64, gameVersion string, policy FallbackPolicy) (api.FileDescriptor, bool) {
	var newest api.FileDescriptor
	var found bool
	for _, f := range files {
		if gameVersion != "" && !f.Matches(gameVersion) {
			continue
		}
		if policy == FallbackNextPublished && f.Ordinal > missingID {
			return f, true
		}
		newest, found = f, true
	}
	return newest, found
}

// FetchResult pairs cached artifact paths, keyed by file id, with any files
// whose transfer failed for good.
type FetchResult struct {
	Paths  map[int64]string
	Failed []FetchFailure
}

// OK reports whether every transfer landed.
func (f *FetchResult) OK() bool { return len(f.Failed) == 0 }

type FetchFailure struct {
	File ResolvedFile
	Err  error
}

// FetchAll downloads every resolved artifact through the store with the same
// bounded parallelism as resolution. It returns only after every transfer has
// settled, so callers can treat it as a barrier before touching the instance.
func (r *Resolver) FetchAll(ctx context.Context, store *cache.Store, files []ResolvedFile) (*FetchResult, error) {
	result := &FetchResult{Paths: make(map[int64]string, len(files))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel())
	for _, rf := range files {
		rf := rf
		g.Go(func() error {
			p, err := store.Fetch(gctx, rf.File.ID, rf.File.DownloadURL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.Failed = append(result.Failed, FetchFailure{File: rf, Err: err})
				return nil
			}
			result.Paths[rf.File.ID] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
