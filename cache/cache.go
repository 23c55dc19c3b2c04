// Package cache stores downloaded artifacts under a directory keyed by
// catalog file id, so any given file id crosses the network at most once.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// FetchError is a persistent transfer failure for one file after the bounded
// retries were exhausted. No cache entry exists for the file when it is
// returned.
type FetchError struct {
	FileID   int64
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch file %d after %d attempts: %v", e.FileID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Store is a file-id-keyed artifact cache. Entries live at
// <dir>/<fileID>/<filename> and become visible only once fully written, so a
// crash mid-download never leaves a partial entry behind.
type Store struct {
	dir      string
	client   *http.Client
	log      zerolog.Logger
	attempts int
	backoff  time.Duration

	group     singleflight.Group
	transfers atomic.Int64
	hits      atomic.Int64
	bytes     atomic.Int64
}

// Option adjusts a Store at construction time.
type Option func(*Store)

// WithHTTPClient swaps the transport used for transfers.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithRetry bounds transfer attempts per file and sets the initial backoff,
// which doubles per retry.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func New(dir string, log zerolog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		client:   &http.Client{Timeout: 10 * time.Minute},
		log:      log.With().Str("component", "cache").Logger(),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stats returns the number of network transfers, cache hits, and bytes
// downloaded since the store was created.
func (s *Store) Stats() (transfers, hits, bytes int64) {
	return s.transfers.Load(), s.hits.Load(), s.bytes.Load()
}

// Fetch returns the local path of the artifact for fileID, downloading from
// rawURL only when no entry exists yet. Concurrent calls for one id share a
// single transfer; distinct ids proceed independently.
func (s *Store) Fetch(ctx context.Context, fileID int64, rawURL string) (string, error) {
	v, err, _ := s.group.Do(strconv.FormatInt(fileID, 10), func() (interface{}, error) {
		return s.fetch(ctx, fileID, rawURL)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) fetch(ctx context.Context, fileID int64, rawURL string) (string, error) {
	entryDir := filepath.Join(s.dir, strconv.FormatInt(fileID, 10))
	if p, ok := lookup(entryDir); ok {
		s.hits.Add(1)
		s.log.Debug().Int64("file", fileID).Str("path", p).Msg("cache hit")
		return p, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			wait := s.backoff << (attempt - 2)
			s.log.Debug().Int64("file", fileID).Int("attempt", attempt).
				Dur("wait", wait).Msg("retrying transfer")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		p, err := s.transfer(ctx, entryDir, rawURL)
		if err == nil {
			s.transfers.Add(1)
			return p, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", &FetchError{FileID: fileID, URL: rawURL, Attempts: s.attempts, Err: lastErr}
}

// lookup finds the single artifact inside an entry directory, if the entry
// was ever completed.
func lookup(entryDir string) (string, bool) {
	entries, err := os.ReadDir(entryDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return filepath.Join(entryDir, e.Name()), true
		}
	}
	return "", false
}

func (s *Store) transfer(ctx context.Context, entryDir, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(s.dir, "transfer-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	// The rename is what makes the entry visible to lookup, so it happens
	// only after the full body reached disk.
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("create cache entry: %w", err)
	}
	final := filepath.Join(entryDir, artifactName(resp.Request.URL.Path))
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("place cache entry: %w", err)
	}

	s.bytes.Add(n)
	s.log.Debug().Str("url", rawURL).Int64("bytes", n).Str("path", final).Msg("downloaded")
	return final, nil
}

// artifactName derives the stored file name from the final URL path after
// redirects.
func artifactName(urlPath string) string {
	name := path.Base(urlPath)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	// Unescaping can smuggle separators back in.
	name = path.Base(name)
	if name == "" || name == "." || name == "/" {
		name = "artifact"
	}
	return name
}
