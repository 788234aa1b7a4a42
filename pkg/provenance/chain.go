package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
)

const cacheDirMode = 0755

// Chain resolves a commit against a primary repository and falls back to the
// next repository in order whenever the commit is not found. Any other
// failure stops the chain.
type Chain struct {
	Primary   string
	Fallbacks []string
	// CacheRoot holds one mirror directory per repository.
	CacheRoot string
	Resolver  Resolver
}

// Repositories returns the repositories in the order they are tried.
func (c *Chain) Repositories() []string {
	repos := make([]string, 0, 1+len(c.Fallbacks))
	repos = append(repos, c.Primary)
	return append(repos, c.Fallbacks...)
}

// Resolve returns the source of the first repository holding commit and the
// commit timestamp.
func (c *Chain) Resolve(ctx context.Context, branch, commit string) (models.Source, time.Time, error) {
	repos := c.Repositories()
	var misses []string
	for i, repo := range repos {
		outcome := c.Resolver.Resolve(ctx, Request{
			RepoURL:   repo,
			Branch:    branch,
			Commit:    commit,
			CachePath: CachePath(c.CacheRoot, repo),
		})

		switch outcome.Status {
		case Found:
			return outcome.Source, outcome.Timestamp, nil
		case NotFound:
			misses = append(misses, repo)
			if i+1 < len(repos) {
				log.WithFields(log.Fields{"commit": commit, "repo": repo, "next": repos[i+1]}).
					Infof("Didn't find %s in %s, looking in %s", commit, repo, repos[i+1])
			}
		default:
			return models.Source{}, time.Time{}, errors.Wrapf(outcome.Error(), "resolving %s@%s in %s", branch, commit, repo)
		}
	}
	return models.Source{}, time.Time{}, errors.Wrapf(ErrNotFound, "%s@%s not in %s", branch, commit, strings.Join(misses, ", "))
}

// CachePath returns the mirror directory of repo under root. Each repository
// gets its own directory so a failed fetch in one cannot leave state in
// another.
func CachePath(root, repo string) string {
	sum := sha256.Sum256([]byte(repo))
	name := repo
	if u, err := url.Parse(repo); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}
	name = strings.Trim(sanitize(strings.TrimSuffix(name, ".git")), "-")
	if name == "" {
		name = "repo"
	}
	return filepath.Join(root, name+"-"+hex.EncodeToString(sum[:4]))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// EnsureCacheRoot creates the cache root if needed. It is safe to call on an
// existing directory.
func EnsureCacheRoot(root string) error {
	if root == "" {
		return errors.New("cache root must not be empty")
	}
	if err := os.MkdirAll(root, cacheDirMode); err != nil {
		return errors.Wrapf(err, "failed to create cache root %s", root)
	}
	return nil
}
