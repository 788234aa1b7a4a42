// Package report decodes critcmp benchmark reports.
//
// A report is a loosely structured JSON document produced by critcmp from
// criterion results. Only the fields needed to build a ReBenchDB submission
// are given a typed view; every sub-benchmark is kept raw until it is
// extracted so that one malformed entry does not prevent reading the others.
package report

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedReport is returned when the document is not valid JSON.
	ErrMalformedReport = errors.New("malformed report")
	// ErrMissingField is returned when a required field is absent or null.
	ErrMissingField = errors.New("missing field")
	// ErrTypeMismatch is returned when a field holds the wrong JSON type.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Report is a decoded critcmp report.
type Report struct {
	Name       string
	Benchmarks map[string]json.RawMessage
}

// Entry is the typed view of one sub-benchmark.
type Entry struct {
	Name          string
	FullName      string
	DirectoryName string
	// ValueStr is nil when the benchmark has no parameter value.
	ValueStr      *string
	PointEstimate float64
	StandardError float64
}

type rawReport struct {
	Name       json.RawMessage `json:"name"`
	Benchmarks json.RawMessage `json:"benchmarks"`
}

type rawEntry struct {
	FullName  json.RawMessage `json:"fullname"`
	Benchmark struct {
		DirectoryName json.RawMessage `json:"directory_name"`
		ValueStr      json.RawMessage `json:"value_str"`
	} `json:"criterion_benchmark_v1"`
	Estimates struct {
		Median struct {
			PointEstimate json.RawMessage `json:"point_estimate"`
			StandardError json.RawMessage `json:"standard_error"`
		} `json:"median"`
	} `json:"criterion_estimates_v1"`
}

// Parse decodes a report document.
func Parse(data []byte) (*Report, error) {
	var raw rawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		if isTypeError(err) {
			return nil, errors.Wrap(ErrTypeMismatch, "report is not a JSON object")
		}
		return nil, errors.Wrap(ErrMalformedReport, err.Error())
	}

	name, present, err := decodeString(raw.Name, "name")
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, errors.Wrap(ErrMissingField, "name")
	}

	r := &Report{Name: name}
	if isAbsent(raw.Benchmarks) {
		return r, nil
	}
	if err := json.Unmarshal(raw.Benchmarks, &r.Benchmarks); err != nil {
		return nil, errors.Wrap(ErrTypeMismatch, "benchmarks is not an object")
	}
	return r, nil
}

// Identifier decodes the report name.
func (r *Report) Identifier() (Identifier, error) {
	return DecodeIdentifier(r.Name)
}

// SubBenchmarks returns the sub-benchmark names in ascending order.
func (r *Report) SubBenchmarks() []string {
	names := make([]string, 0, len(r.Benchmarks))
	for name := range r.Benchmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract returns the typed view of the named sub-benchmark.
func (r *Report) Extract(name string) (Entry, error) {
	data, ok := r.Benchmarks[name]
	if !ok || isAbsent(data) {
		return Entry{}, errors.Wrapf(ErrMissingField, "benchmarks.%s", name)
	}

	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Entry{}, errors.Wrapf(ErrTypeMismatch, "benchmarks.%s.%s", name, typeErr.Field)
		}
		return Entry{}, errors.Wrapf(ErrTypeMismatch, "benchmarks.%s", name)
	}

	entry := Entry{Name: name}
	var err error
	if entry.FullName, err = requireString(raw.FullName, name, "fullname"); err != nil {
		return Entry{}, err
	}
	if entry.DirectoryName, err = requireString(raw.Benchmark.DirectoryName, name, "criterion_benchmark_v1.directory_name"); err != nil {
		return Entry{}, err
	}
	valueStr, present, err := decodeString(raw.Benchmark.ValueStr, fieldPath(name, "criterion_benchmark_v1.value_str"))
	if err != nil {
		return Entry{}, err
	}
	if present {
		entry.ValueStr = &valueStr
	}
	median := raw.Estimates.Median
	if entry.PointEstimate, err = requireFloat(median.PointEstimate, name, "criterion_estimates_v1.median.point_estimate"); err != nil {
		return Entry{}, err
	}
	if entry.StandardError, err = requireFloat(median.StandardError, name, "criterion_estimates_v1.median.standard_error"); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func fieldPath(benchmark, field string) string {
	return "benchmarks." + benchmark + "." + field
}

func requireString(raw json.RawMessage, benchmark, field string) (string, error) {
	path := fieldPath(benchmark, field)
	s, present, err := decodeString(raw, path)
	if err != nil {
		return "", err
	}
	if !present {
		return "", errors.Wrap(ErrMissingField, path)
	}
	return s, nil
}

func requireFloat(raw json.RawMessage, benchmark, field string) (float64, error) {
	path := fieldPath(benchmark, field)
	if isAbsent(raw) {
		return 0, errors.Wrap(ErrMissingField, path)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, errors.Wrap(ErrTypeMismatch, path)
	}
	return f, nil
}

// decodeString reports whether raw held a string; null and absent are the same.
func decodeString(raw json.RawMessage, path string) (string, bool, error) {
	if isAbsent(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, errors.Wrap(ErrTypeMismatch, path)
	}
	return s, true, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isTypeError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}
