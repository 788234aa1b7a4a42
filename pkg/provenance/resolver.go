// Package provenance resolves the source-control provenance of a report: the
// repository that holds its commit, the branch and the commit timestamp.
package provenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
)

var (
	// ErrNotFound is returned when no repository of a chain holds the commit.
	ErrNotFound = errors.New("commit not found")
	// ErrResolution is returned for any other failure: network, corrupt
	// cache, ambiguous revision.
	ErrResolution = errors.New("provenance resolution failed")
)

var commitPattern = regexp.MustCompile(`^[0-9a-fA-F]{4,40}$`)

// Status tags the result of one resolution attempt.
type Status int

const (
	Found Status = iota
	NotFound
	Failed
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Request asks a resolver to locate a commit in one repository.
type Request struct {
	RepoURL string
	Branch  string
	Commit  string
	// CachePath is the local mirror for this repository. Resolvers working
	// over the network only ignore it.
	CachePath string
}

// Outcome is the tagged result of a resolution attempt. Err explains
// NotFound and Failed outcomes.
type Outcome struct {
	Status    Status
	Source    models.Source
	Timestamp time.Time
	Err       error
}

// Error returns nil for Found and a wrapped sentinel otherwise.
func (o Outcome) Error() error {
	switch o.Status {
	case Found:
		return nil
	case NotFound:
		if o.Err == nil {
			return ErrNotFound
		}
		return errors.Wrap(ErrNotFound, o.Err.Error())
	default:
		if o.Err == nil {
			return ErrResolution
		}
		return errors.Wrap(ErrResolution, o.Err.Error())
	}
}

// Resolver locates a commit in a single repository.
type Resolver interface {
	Resolve(ctx context.Context, req Request) Outcome
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, req Request) Outcome

func (f ResolverFunc) Resolve(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}

func found(src models.Source, ts time.Time) Outcome {
	return Outcome{Status: Found, Source: src, Timestamp: ts}
}

func notFound(format string, args ...interface{}) Outcome {
	return Outcome{Status: NotFound, Err: errors.Errorf(format, args...)}
}

func failed(err error) Outcome {
	return Outcome{Status: Failed, Err: err}
}

func validCommit(commit string) bool {
	return commitPattern.MatchString(commit)
}
