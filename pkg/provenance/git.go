package provenance

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
)

const (
	defaultGitBinary  = "git"
	defaultGitTimeout = 10 * time.Minute
	gitShowFormat     = "%H%x00%cI%x00%an%x00%ae%x00%cn%x00%ce%x00%B"
	gitShowFields     = 7
)

// GitResolver resolves commits with the git command line against bare
// mirrors kept on disk. Operations on the same mirror are serialized.
type GitResolver struct {
	Binary  string
	Timeout time.Duration
	locks   *keyedMutex
}

// NewGitResolver creates a resolver using the git binary found in PATH.
func NewGitResolver() *GitResolver {
	return &GitResolver{
		Binary:  defaultGitBinary,
		Timeout: defaultGitTimeout,
		locks:   newKeyedMutex(),
	}
}

type gitResult struct {
	stdout   string
	stderr   string
	exitCode int
}

// Resolve ensures the mirror exists, fetches the branch and reads the commit.
func (g *GitResolver) Resolve(ctx context.Context, req Request) Outcome {
	if req.CachePath == "" {
		return failed(errors.New("git resolver needs a cache path"))
	}
	if !validCommit(req.Commit) {
		return notFound("%q is not a commit hash", req.Commit)
	}

	unlock := g.locks.Lock(req.CachePath)
	defer unlock()

	if err := g.ensureMirror(ctx, req.CachePath, req.RepoURL); err != nil {
		return failed(err)
	}
	if err := g.fetch(ctx, req.CachePath, req.Branch); err != nil {
		return failed(err)
	}

	res, err := g.run(ctx, req.CachePath, "rev-parse", "--verify", req.Commit+"^{commit}")
	if err != nil {
		return failed(err)
	}
	if res.exitCode != 0 {
		if strings.Contains(res.stderr, "ambiguous") {
			return failed(errors.Errorf("commit %s is ambiguous in %s", req.Commit, req.RepoURL))
		}
		return notFound("commit %s not in %s", req.Commit, req.RepoURL)
	}
	sha := strings.TrimSpace(res.stdout)

	res, err = g.run(ctx, req.CachePath, "show", "-s", "--format="+gitShowFormat, sha)
	if err != nil {
		return failed(err)
	}
	if res.exitCode != 0 {
		return failed(errors.Errorf("git show %s: %s", sha, strings.TrimSpace(res.stderr)))
	}
	return parseShow(res.stdout, req)
}

func parseShow(out string, req Request) Outcome {
	fields := strings.SplitN(out, "\x00", gitShowFields)
	if len(fields) != gitShowFields {
		return failed(errors.Errorf("unexpected git show output for %s", req.Commit))
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[1]))
	if err != nil {
		return failed(errors.Wrapf(err, "bad commit date for %s", req.Commit))
	}
	return found(models.Source{
		RepoURL:        req.RepoURL,
		BranchOrTag:    req.Branch,
		CommitID:       strings.TrimSpace(fields[0]),
		CommitMsg:      strings.TrimSpace(fields[6]),
		AuthorName:     fields[2],
		AuthorEmail:    fields[3],
		CommitterName:  fields[4],
		CommitterEmail: fields[5],
	}, ts)
}

// ensureMirror creates a bare repository with origin pointing at repoURL, or
// checks that an existing one still does.
func (g *GitResolver) ensureMirror(ctx context.Context, path, repoURL string) error {
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		res, err := g.run(ctx, path, "remote", "get-url", "origin")
		if err != nil {
			return err
		}
		if res.exitCode != 0 {
			return errors.Errorf("cache %s has no origin: %s", path, strings.TrimSpace(res.stderr))
		}
		if got := strings.TrimSpace(res.stdout); got != repoURL {
			return errors.Errorf("cache %s mirrors %s, not %s", path, got, repoURL)
		}
		return nil
	}

	if err := os.MkdirAll(path, cacheDirMode); err != nil {
		return errors.Wrapf(err, "failed to create cache %s", path)
	}
	log.WithFields(log.Fields{"repo": repoURL, "cache": path}).Info("Creating repository mirror")
	if err := g.mustRun(ctx, path, "init", "--bare", "--quiet"); err != nil {
		return err
	}
	return g.mustRun(ctx, path, "remote", "add", "origin", repoURL)
}

// fetch updates the branch. When the remote has no such branch every head is
// fetched instead, since the commit may have been merged elsewhere.
func (g *GitResolver) fetch(ctx context.Context, path, branch string) error {
	if branch != "" {
		refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
		res, err := g.run(ctx, path, "fetch", "--quiet", "origin", refspec)
		if err != nil {
			return err
		}
		if res.exitCode == 0 {
			return nil
		}
		if !strings.Contains(res.stderr, "couldn't find remote ref") && !strings.Contains(res.stderr, "invalid refspec") {
			return errors.Errorf("git fetch %s: %s", branch, strings.TrimSpace(res.stderr))
		}
		log.WithFields(log.Fields{"branch": branch, "cache": path}).Debug("Branch missing on remote, fetching all heads")
	}
	return g.mustRun(ctx, path, "fetch", "--quiet", "origin", "+refs/heads/*:refs/remotes/origin/*")
}

func (g *GitResolver) mustRun(ctx context.Context, dir string, args ...string) error {
	res, err := g.run(ctx, dir, args...)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return errors.Errorf("git %s: %s", args[0], strings.TrimSpace(res.stderr))
	}
	return nil
}

// gitEnv forces untranslated git messages: missing refs are told apart from
// other failures by their stderr.
func gitEnv(base []string) []string {
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		if strings.HasPrefix(kv, "LC_ALL=") || strings.HasPrefix(kv, "LANGUAGE=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "GIT_TERMINAL_PROMPT=0", "LC_ALL=C", "LANGUAGE=")
}

// run executes git in dir. A non-zero exit is reported in the result; the
// error is only set when git could not be run at all.
func (g *GitResolver) run(ctx context.Context, dir string, args ...string) (gitResult, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := g.Binary
	if binary == "" {
		binary = defaultGitBinary
	}
	cmd := exec.CommandContext(ctx, binary, append([]string{"-C", dir}, args...)...)
	cmd.Env = gitEnv(os.Environ())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return gitResult{}, errors.Wrapf(ctx.Err(), "git %s", args[0])
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return gitResult{}, errors.Wrapf(err, "git %s", args[0])
		}
		exitCode = exitErr.ExitCode()
	}
	return gitResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: exitCode}, nil
}
