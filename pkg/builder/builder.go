// Package builder assembles ReBenchDB submissions from decoded critcmp
// reports.
package builder

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/report"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/synth"
)

const (
	DefaultProject  = "Milli's benchmark"
	DefaultExecutor = "Bench"
	DefaultRunner   = "cargo bench"

	UnitNanoseconds  = "ns"
	UnitMilliseconds = "ms"

	criterionID   = 0
	criterionName = "total"
)

// ErrEmptyReport is returned when a report yields no run at all.
var ErrEmptyReport = errors.New("empty report")

// ValidUnit reports whether unit is an accepted criterion unit label.
func ValidUnit(unit string) bool {
	return unit == UnitNanoseconds || unit == UnitMilliseconds
}

// Builder holds the per-deployment conventions applied to every submission.
type Builder struct {
	Project  string
	Unit     string
	Executor string
	// Runner prefixes the reconstructed command line.
	Runner string
	Policy synth.Policy
}

// New returns a builder with the default conventions.
func New() *Builder {
	return &Builder{
		Project:  DefaultProject,
		Unit:     UnitNanoseconds,
		Executor: DefaultExecutor,
		Runner:   DefaultRunner,
		Policy:   synth.DefaultPolicy,
	}
}

// Input is everything a submission is built from.
type Input struct {
	Env    models.Environment
	Source models.Source
	// Time is the commit timestamp, used as the submission start time.
	Time   time.Time
	ID     report.Identifier
	Report *report.Report
}

// Skipped records a sub-benchmark left out of a submission.
type Skipped struct {
	Name string
	Err  error
}

func (s Skipped) Error() string {
	return fmt.Sprintf("%s: %v", s.Name, s.Err)
}

// Aggregate folds skipped sub-benchmarks into one error, nil when none were
// skipped.
func Aggregate(skipped []Skipped) error {
	var result *multierror.Error
	for _, s := range skipped {
		result = multierror.Append(result, errors.Wrap(s.Err, s.Name))
	}
	return result.ErrorOrNil()
}

// Build converts a report into a submission. Sub-benchmarks that cannot be
// extracted or synthesized are skipped and returned alongside the record;
// the record is only rejected when nothing is left.
func (b *Builder) Build(in Input) (*models.BenchmarkData, []Skipped, error) {
	if in.Report == nil || len(in.Report.Benchmarks) == 0 {
		return nil, nil, errors.Wrapf(ErrEmptyReport, "%s has no benchmarks", in.ID)
	}

	data := models.NewBenchmarkData(in.Env, in.Source, in.ID.BenchmarkName, in.Time)
	data.WithProject(b.Project)
	data.PushCriterion(models.Criterion{ID: criterionID, Name: criterionName, Unit: b.Unit})

	var skipped []Skipped
	for _, name := range in.Report.SubBenchmarks() {
		run, err := b.buildRun(in.ID.BenchmarkName, in.Report, name)
		if err != nil {
			skipped = append(skipped, Skipped{Name: name, Err: err})
			continue
		}
		data.PushRun(run)
	}

	if len(data.Data) == 0 {
		return nil, skipped, errors.Wrapf(ErrEmptyReport, "all %d benchmarks of %s skipped: %v", len(skipped), in.ID, Aggregate(skipped))
	}
	return data, skipped, nil
}

func (b *Builder) buildRun(benchmarkName string, r *report.Report, name string) (models.Run, error) {
	entry, err := r.Extract(name)
	if err != nil {
		return models.Run{}, err
	}
	points, err := b.Policy.Synthesize(entry.PointEstimate, entry.StandardError)
	if err != nil {
		return models.Run{}, err
	}

	run := models.NewRun(models.RunID{
		Benchmark: models.Benchmark{
			Name: name,
			Suite: models.Suite{
				Name:     entry.FullName,
				Executor: models.Executor{Name: b.Executor},
			},
		},
		Cmdline:  b.Cmdline(benchmarkName, name),
		Location: entry.DirectoryName,
		VarValue: entry.ValueStr,
	})

	point := models.NewDataPoint(1, len(points))
	for _, v := range points {
		point.AddMeasure(models.Measure{CriterionID: criterionID, Value: v})
	}
	run.AddData(point)
	return run, nil
}

// Cmdline reconstructs the command that runs one sub-benchmark.
func (b *Builder) Cmdline(benchmarkName, subBenchmark string) string {
	return fmt.Sprintf("%s --bench %s -- %s", b.Runner, benchmarkName, subBenchmark)
}
