package report

import (
	"strings"

	"github.com/pkg/errors"
)

const identifierSeparator = "_"

// ErrMalformedIdentifier is returned when a report name cannot be split into
// benchmark name, branch and commit.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// Identifier is the decoded form of a report name such as
// `search_songs_main_6bf9824f`.
type Identifier struct {
	BenchmarkName string `json:"benchmarkName"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
}

// String joins the identifier back into its report-name form.
func (id Identifier) String() string {
	return id.BenchmarkName + identifierSeparator + id.Branch + identifierSeparator + id.Commit
}

// DecodeIdentifier splits name from the right on its last two underscores.
// The commit and branch are not validated; resolution rejects bad ones later.
func DecodeIdentifier(name string) (Identifier, error) {
	rest, commit, ok := cutLast(name, identifierSeparator)
	if !ok {
		return Identifier{}, errors.Wrapf(ErrMalformedIdentifier, "%q has no commit segment", name)
	}
	benchmark, branch, ok := cutLast(rest, identifierSeparator)
	if !ok {
		return Identifier{}, errors.Wrapf(ErrMalformedIdentifier, "%q has no branch segment", name)
	}
	return Identifier{BenchmarkName: benchmark, Branch: branch, Commit: commit}, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
