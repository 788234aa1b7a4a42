package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/builder"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/fetch"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/provenance"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/report"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/synth"
)

// Error kinds reported in logs, metrics and the ledger.
const (
	KindFetch               = "FetchError"
	KindMalformedIdentifier = "MalformedIdentifier"
	KindResolutionNotFound  = "ResolutionNotFound"
	KindResolution          = "ResolutionError"
	KindMissingField        = "MissingField"
	KindTypeMismatch        = "TypeMismatch"
	KindInvalidStatistic    = "InvalidStatistic"
	KindEmptyReport         = "EmptyReport"
	KindSink                = "SinkError"
	KindCanceled            = "Canceled"
	KindUnknown             = "Unknown"
)

var kinds = []struct {
	target error
	kind   string
}{
	{sink.ErrSink, KindSink},
	{fetch.ErrFetch, KindFetch},
	{report.ErrMalformedReport, KindFetch},
	{report.ErrMalformedIdentifier, KindMalformedIdentifier},
	{provenance.ErrNotFound, KindResolutionNotFound},
	{provenance.ErrResolution, KindResolution},
	{builder.ErrEmptyReport, KindEmptyReport},
	{report.ErrMissingField, KindMissingField},
	{report.ErrTypeMismatch, KindTypeMismatch},
	{synth.ErrInvalidStatistic, KindInvalidStatistic},
	{context.Canceled, KindCanceled},
	{context.DeadlineExceeded, KindCanceled},
}

// Classify maps an error returned by Process to its kind.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return KindUnknown
}
