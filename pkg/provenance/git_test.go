package provenance

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const commitDate = "2022-03-14T09:26:53+01:00"

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Kerollmops",
		"GIT_AUTHOR_EMAIL=kero@example.com",
		"GIT_COMMITTER_NAME=bors[bot]",
		"GIT_COMMITTER_EMAIL=bors@example.com",
		"GIT_AUTHOR_DATE="+commitDate,
		"GIT_COMMITTER_DATE="+commitDate,
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+dir,
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// newUpstream creates a repository with one commit on main and one on a
// feature branch and returns its path and both hashes.
func newUpstream(t *testing.T, name string) (string, string, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	gitCmd(t, dir, "init", "--quiet")
	gitCmd(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	gitCmd(t, dir, "commit", "--quiet", "--allow-empty", "-m", "Speed up placeholder search")
	mainCommit := gitCmd(t, dir, "rev-parse", "HEAD")
	gitCmd(t, dir, "checkout", "--quiet", "-b", "feature")
	gitCmd(t, dir, "commit", "--quiet", "--allow-empty", "-m", "Work in progress")
	featureCommit := gitCmd(t, dir, "rev-parse", "HEAD")
	gitCmd(t, dir, "checkout", "--quiet", "main")
	return dir, mainCommit, featureCommit
}

func TestGitResolver_Found(t *testing.T) {
	requireGit(t)
	upstream, mainCommit, _ := newUpstream(t, "meilisearch")
	cache := filepath.Join(t.TempDir(), "cache")

	outcome := NewGitResolver().Resolve(context.Background(), Request{
		RepoURL: upstream, Branch: "main", Commit: mainCommit[:8], CachePath: cache,
	})
	require.Equal(t, Found, outcome.Status, "%v", outcome.Err)

	want, err := time.Parse(time.RFC3339, commitDate)
	require.NoError(t, err)
	assert.True(t, want.Equal(outcome.Timestamp))
	assert.Equal(t, upstream, outcome.Source.RepoURL)
	assert.Equal(t, "main", outcome.Source.BranchOrTag)
	assert.Equal(t, mainCommit, outcome.Source.CommitID)
	assert.Equal(t, "Speed up placeholder search", outcome.Source.CommitMsg)
	assert.Equal(t, "Kerollmops", outcome.Source.AuthorName)
	assert.Equal(t, "bors@example.com", outcome.Source.CommitterEmail)

	// The mirror is reused on the next call.
	outcome = NewGitResolver().Resolve(context.Background(), Request{
		RepoURL: upstream, Branch: "main", Commit: mainCommit, CachePath: cache,
	})
	assert.Equal(t, Found, outcome.Status, "%v", outcome.Err)
}

func TestGitResolver_NotFound(t *testing.T) {
	requireGit(t)
	upstream, _, _ := newUpstream(t, "meilisearch")
	cache := filepath.Join(t.TempDir(), "cache")
	resolver := NewGitResolver()

	tests := []struct {
		name   string
		branch string
		commit string
	}{
		{"unknown commit", "main", "0123456789abcdef0123456789abcdef01234567"},
		{"not a hash", "main", "--upload-pack=evil"},
		{"unknown branch and commit", "does-not-exist", "0123456789abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := resolver.Resolve(context.Background(), Request{
				RepoURL: upstream, Branch: tt.branch, Commit: tt.commit, CachePath: cache,
			})
			assert.Equal(t, NotFound, outcome.Status, "%v", outcome.Err)
		})
	}
}

func TestGitResolver_CommitOnAnotherBranch(t *testing.T) {
	requireGit(t)
	upstream, _, featureCommit := newUpstream(t, "milli")

	outcome := NewGitResolver().Resolve(context.Background(), Request{
		RepoURL: upstream, Branch: "deleted-branch", Commit: featureCommit, CachePath: filepath.Join(t.TempDir(), "cache"),
	})
	assert.Equal(t, Found, outcome.Status, "%v", outcome.Err)
}

func TestGitResolver_TranslatedLocale(t *testing.T) {
	requireGit(t)
	upstream, _, featureCommit := newUpstream(t, "milli")
	t.Setenv("LANG", "de_DE.UTF-8")
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	t.Setenv("LANGUAGE", "de")

	outcome := NewGitResolver().Resolve(context.Background(), Request{
		RepoURL: upstream, Branch: "deleted-branch", Commit: featureCommit, CachePath: filepath.Join(t.TempDir(), "cache"),
	})
	assert.Equal(t, Found, outcome.Status, "%v", outcome.Err)
}

func TestGitEnv(t *testing.T) {
	env := gitEnv([]string{"PATH=/usr/bin", "LC_ALL=de_DE.UTF-8", "LANGUAGE=de", "LANG=de_DE.UTF-8"})
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"LANG=de_DE.UTF-8",
		"GIT_TERMINAL_PROMPT=0",
		"LC_ALL=C",
		"LANGUAGE=",
	}, env)
}

func TestGitResolver_Failures(t *testing.T) {
	requireGit(t)
	resolver := NewGitResolver()

	outcome := resolver.Resolve(context.Background(), Request{
		RepoURL: filepath.Join(t.TempDir(), "missing-upstream"), Branch: "main", Commit: "abcdef12", CachePath: filepath.Join(t.TempDir(), "cache"),
	})
	assert.Equal(t, Failed, outcome.Status)

	outcome = resolver.Resolve(context.Background(), Request{RepoURL: "x", Branch: "main", Commit: "abcdef12"})
	assert.Equal(t, Failed, outcome.Status)

	// A cache that mirrors another repository is refused.
	first, mainCommit, _ := newUpstream(t, "first")
	second, _, _ := newUpstream(t, "second")
	cache := filepath.Join(t.TempDir(), "cache")
	require.Equal(t, Found, resolver.Resolve(context.Background(), Request{RepoURL: first, Branch: "main", Commit: mainCommit, CachePath: cache}).Status)
	outcome = resolver.Resolve(context.Background(), Request{RepoURL: second, Branch: "main", Commit: mainCommit, CachePath: cache})
	assert.Equal(t, Failed, outcome.Status)
}

func TestGitResolver_ChainFallback(t *testing.T) {
	requireGit(t)
	meili, _, _ := newUpstream(t, "meilisearch")
	milli, _, _ := newUpstream(t, "milli")

	// Both upstreams share author and date, so their main commits are
	// identical objects; give milli a commit of its own.
	gitCmd(t, milli, "commit", "--quiet", "--allow-empty", "-m", "Only in milli")
	milliCommit := gitCmd(t, milli, "rev-parse", "HEAD")

	chain := &Chain{Primary: meili, Fallbacks: []string{milli}, CacheRoot: t.TempDir(), Resolver: NewGitResolver()}
	src, _, err := chain.Resolve(context.Background(), "main", milliCommit[:10])
	require.NoError(t, err)
	assert.Equal(t, milli, src.RepoURL)
	assert.Equal(t, milliCommit, src.CommitID)

	_, _, err = chain.Resolve(context.Background(), "main", "0123456789abcdef")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestGitResolver_ConcurrentSameCache(t *testing.T) {
	requireGit(t)
	upstream, mainCommit, featureCommit := newUpstream(t, "meilisearch")
	cacheRoot := t.TempDir()
	items := []struct{ branch, commit string }{
		{"main", mainCommit},
		{"feature", featureCommit},
		{"main", mainCommit[:8]},
		{"feature", featureCommit[:12]},
	}

	resolveAll := func(resolver Resolver, concurrent bool) []int64 {
		chain := &Chain{Primary: upstream, CacheRoot: cacheRoot, Resolver: resolver}
		results := make([]int64, 8)
		errs := make([]error, 8)
		var wg sync.WaitGroup
		for i := range results {
			run := func(i int) {
				item := items[i%len(items)]
				_, ts, err := chain.Resolve(context.Background(), item.branch, item.commit)
				results[i], errs[i] = ts.Unix(), err
			}
			if concurrent {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					run(i)
				}(i)
			} else {
				run(i)
			}
		}
		wg.Wait()
		for i, err := range errs {
			require.NoError(t, err, "item %d", i)
		}
		return results
	}

	concurrent := resolveAll(NewGitResolver(), true)
	sequential := resolveAll(NewGitResolver(), false)
	assert.Equal(t, sequential, concurrent)
}
