package compose

import (
	"context"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"

	"github.com/overnode-org/overnode/pkg/log"
)

// Fetcher materializes a remote stack repository as a filesystem
type Fetcher interface {
	Fetch(ctx context.Context, url, ref string) (billy.Filesystem, error)
}

// GitFetcher clones repositories into memory. Each url@ref is cloned once per fetcher.
type GitFetcher struct {
	mu    sync.Mutex
	cache map[string]billy.Filesystem
}

// NewGitFetcher creates a fetcher with an empty clone cache
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{cache: make(map[string]billy.Filesystem)}
}

// Fetch shallow-clones url at ref. ref may name a branch or a tag; empty
// means the remote HEAD.
func (g *GitFetcher) Fetch(ctx context.Context, url, ref string) (billy.Filesystem, error) {
	key := url + "@" + ref
	g.mu.Lock()
	defer g.mu.Unlock()
	if fs, ok := g.cache[key]; ok {
		return fs, nil
	}

	logger := log.WithComponent("compose")
	logger.Debug().Str("url", url).Str("ref", ref).Msg("Cloning stack repository")

	var candidates []plumbing.ReferenceName
	if ref == "" {
		candidates = []plumbing.ReferenceName{""}
	} else {
		candidates = []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref),
			plumbing.NewTagReferenceName(ref),
		}
	}

	var lastErr error
	for _, name := range candidates {
		fs := memfs.New()
		_, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
			URL:           url,
			ReferenceName: name,
			SingleBranch:  true,
			Depth:         1,
		})
		if err == nil {
			g.cache[key] = fs
			return fs, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "cloning %s at %q", url, ref)
}
