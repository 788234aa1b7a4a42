package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/fetch"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/metrics"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/provenance"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/report"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/sink"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/store"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/synth"
)

const (
	meiliRepo = "http://github.com/meilisearch/meilisearch"
	milliRepo = "http://github.com/meilisearch/milli"
)

var commitTime = time.Date(2022, 3, 14, 9, 26, 53, 0, time.UTC)

func reportDoc(name string) string {
	return fmt.Sprintf(`{"name": %q, "benchmarks": {
		"smol-songs.csv: basic placeholder/": {
			"fullname": "%s/smol-songs.csv: basic placeholder/",
			"criterion_benchmark_v1": {"directory_name": "smol-songs.csv_ basic placeholder/new", "value_str": null},
			"criterion_estimates_v1": {"median": {"point_estimate": 100.0, "standard_error": 5.0}}
		}
	}}`, name, name)
}

// fakeFetcher serves report documents from memory.
type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(_ context.Context, filename string) (*report.Report, error) {
	doc, ok := f[filename]
	if !ok {
		return nil, errors.Wrapf(fetch.ErrFetch, "%s: object store returned 404", filename)
	}
	r, err := report.Parse([]byte(doc))
	if errors.Is(err, report.ErrMalformedReport) {
		return nil, errors.Wrap(fetch.ErrFetch, err.Error())
	}
	return r, err
}

// fakeSink records uploads and rejects the experiments listed in reject.
type fakeSink struct {
	mu       sync.Mutex
	uploads  []*models.BenchmarkData
	reject   map[string]bool
	inflight int
	maxSeen  int
	delay    time.Duration
}

func (s *fakeSink) Upload(_ context.Context, data *models.BenchmarkData) error {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxSeen {
		s.maxSeen = s.inflight
	}
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.reject[data.ExperimentName] {
		return errors.Wrap(sink.ErrSink, "ReBenchDB returned 503")
	}
	s.uploads = append(s.uploads, data)
	return nil
}

func (s *fakeSink) experiments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.uploads))
	for _, u := range s.uploads {
		names = append(names, u.ExperimentName)
	}
	return names
}

// resolver knows commits abc* in meilisearch, def* in milli, and fails on bad*.
func resolver() provenance.Resolver {
	return provenance.ResolverFunc(func(_ context.Context, req provenance.Request) provenance.Outcome {
		switch {
		case req.Commit == "badbad00":
			return provenance.Outcome{Status: provenance.Failed, Err: errors.New("corrupt mirror")}
		case req.RepoURL == meiliRepo && req.Commit[:3] == "abc", req.RepoURL == milliRepo && req.Commit[:3] == "def":
			return provenance.Outcome{
				Status:    provenance.Found,
				Source:    models.Source{RepoURL: req.RepoURL, BranchOrTag: req.Branch, CommitID: req.Commit},
				Timestamp: commitTime,
			}
		default:
			return provenance.Outcome{Status: provenance.NotFound}
		}
	})
}

func newDriver(t *testing.T, opts Options, fetcher Fetcher, s Sink, ledger Ledger, m *metrics.Metrics) *Driver {
	t.Helper()
	d, err := NewDriver(opts, Deps{
		Fetcher: fetcher,
		Chain:   &provenance.Chain{Primary: meiliRepo, Fallbacks: []string{milliRepo}, CacheRoot: t.TempDir(), Resolver: resolver()},
		Sink:    s,
		Env:     models.PlaceholderEnvironment(),
		Ledger:  ledger,
		Metrics: m,
	})
	require.NoError(t, err)
	return d
}

func corpus() fakeFetcher {
	return fakeFetcher{
		"primary.json":   reportDoc("search_songs_main_abc12345"),
		"fallback.json":  reportDoc("indexing_main_def67890"),
		"rejected.json":  reportDoc("search_wiki_main_abc99999"),
		"notfound.json":  reportDoc("search_geo_main_12345678"),
		"broken.json":    reportDoc("search_geo_main_badbad00"),
		"badname.json":   reportDoc("nounderscore"),
		"empty.json":     `{"name": "search_songs_main_abc12345", "benchmarks": {}}`,
		"garbage.json":   `{"name": `,
		"twoentries.json": `{"name": "search_songs_main_abc12345", "benchmarks": {
			"ok": {
				"fullname": "search_songs_main_abc12345/ok",
				"criterion_benchmark_v1": {"directory_name": "ok"},
				"criterion_estimates_v1": {"median": {"point_estimate": 100.0, "standard_error": 5.0}}
			},
			"no fullname": {
				"criterion_benchmark_v1": {"directory_name": "no fullname"},
				"criterion_estimates_v1": {"median": {"point_estimate": 100.0, "standard_error": 5.0}}
			}
		}}`,
	}
}

func TestRun_IsolatesFailures(t *testing.T) {
	s := &fakeSink{reject: map[string]bool{"search_wiki": true}}
	m := metrics.New()
	d := newDriver(t, DefaultOptions(), corpus(), s, nil, m)

	summary := d.Run(context.Background(), []string{
		"", "primary.json", "  ", "missing.json", "fallback.json", "# comment", "rejected.json",
		"notfound.json", "broken.json", "badname.json", "empty.json", "garbage.json",
	})

	// Only empty names are dropped; whitespace and # are ordinary filenames here.
	assert.Equal(t, 2, summary.Delivered)
	assert.Equal(t, 1, summary.SinkFailed)
	assert.Equal(t, 8, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 11, summary.Total())
	assert.Equal(t, map[string]int{
		KindFetch:               4,
		KindSink:                1,
		KindResolutionNotFound:  1,
		KindResolution:          1,
		KindMalformedIdentifier: 1,
		KindEmptyReport:         1,
	}, summary.Kinds)

	assert.ElementsMatch(t, []string{"search_songs", "indexing"}, s.experiments())
	expected := `
# HELP milli_benchmark_uploader_provenance_fallbacks_total Number of commits found in a fallback repository
# TYPE milli_benchmark_uploader_provenance_fallbacks_total counter
milli_benchmark_uploader_provenance_fallbacks_total 1
# HELP milli_benchmark_uploader_runs_total Number of sub-benchmark runs delivered
# TYPE milli_benchmark_uploader_runs_total counter
milli_benchmark_uploader_runs_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		metrics.MetricsPrefix+"provenance_fallbacks_total", metrics.MetricsPrefix+"runs_total"))
}

func TestProcess_FallbackRepository(t *testing.T) {
	s := &fakeSink{}
	d := newDriver(t, DefaultOptions(), corpus(), s, nil, nil)

	require.NoError(t, d.Process(context.Background(), "fallback.json"))
	require.Len(t, s.uploads, 1)
	assert.Equal(t, milliRepo, s.uploads[0].Source.RepoURL)
	assert.Equal(t, "def67890", s.uploads[0].Source.CommitID)
	assert.Equal(t, "2022-03-14T09:26:53Z", s.uploads[0].StartTime)
}

func TestProcess_WithoutFallback(t *testing.T) {
	s := &fakeSink{}
	opts := DefaultOptions()
	opts.UseFallbackRepo = false
	d := newDriver(t, opts, corpus(), s, nil, nil)

	err := d.Process(context.Background(), "fallback.json")
	assert.True(t, errors.Is(err, provenance.ErrNotFound), "got %v", err)
	assert.Equal(t, KindResolutionNotFound, Classify(err))
	assert.Empty(t, s.uploads)
}

func TestProcess_EmptyReportIsNotDelivered(t *testing.T) {
	s := &fakeSink{}
	d := newDriver(t, DefaultOptions(), corpus(), s, nil, nil)

	err := d.Process(context.Background(), "empty.json")
	assert.Equal(t, KindEmptyReport, Classify(err))
	assert.Empty(t, s.uploads)
}

func TestProcess_SkipsMalformedSubBenchmark(t *testing.T) {
	s := &fakeSink{}
	d := newDriver(t, DefaultOptions(), corpus(), s, nil, nil)

	require.NoError(t, d.Process(context.Background(), "twoentries.json"))
	require.Len(t, s.uploads, 1)
	runs := s.uploads[0].Data
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].RunID.Benchmark.Name)

	values := []float64{}
	for _, measure := range runs[0].Data[0].Measures {
		values = append(values, measure.Value)
	}
	assert.Equal(t, []float64{95, 100, 105}, values)
}

func TestProcess_Variants(t *testing.T) {
	s := &fakeSink{}
	opts := DefaultOptions()
	opts.Unit = "ms"
	opts.Synthesis = synth.Policy{Kind: synth.NPoint, Count: 5}
	d := newDriver(t, opts, corpus(), s, nil, nil)

	require.NoError(t, d.Process(context.Background(), "primary.json"))
	require.Len(t, s.uploads, 1)
	data := s.uploads[0]
	assert.Equal(t, "ms", data.Criteria[0].Unit)
	require.Len(t, data.Data[0].Data[0].Measures, 10)
	assert.Equal(t, 101.0, data.Data[0].Data[0].Measures[0].Value)
}

func TestRun_BoundedPool(t *testing.T) {
	s := &fakeSink{delay: 20 * time.Millisecond}
	fetcher := fakeFetcher{}
	var filenames []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("r%d.json", i)
		fetcher[name] = reportDoc(fmt.Sprintf("bench%d_main_abc%05d", i, i))
		filenames = append(filenames, name)
	}
	opts := DefaultOptions()
	opts.Workers = 3
	d := newDriver(t, opts, fetcher, s, nil, nil)

	summary := d.Run(context.Background(), filenames)
	assert.Equal(t, 12, summary.Delivered)
	assert.LessOrEqual(t, s.maxSeen, 3)
	assert.Len(t, s.experiments(), 12)
}

func TestRun_SkipDelivered(t *testing.T) {
	ctx := context.Background()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	s := &fakeSink{reject: map[string]bool{"search_wiki": true}}
	opts := DefaultOptions()
	opts.SkipDelivered = true
	d := newDriver(t, opts, corpus(), s, ledger, nil).WithRunID("run-1")

	filenames := []string{"primary.json", "fallback.json", "rejected.json", "notfound.json"}
	first := d.Run(ctx, filenames)
	assert.Equal(t, 2, first.Delivered)
	assert.Len(t, s.experiments(), 2)

	second := d.Run(ctx, filenames)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 0, second.Delivered)
	assert.Equal(t, 1, second.SinkFailed)
	assert.Equal(t, 1, second.Failed)
	assert.Len(t, s.experiments(), 2)

	stats, err := ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[store.Outcome]int{store.OutcomeDelivered: 2, store.OutcomeSinkFailed: 1, store.OutcomeFailed: 1}, stats)

	recent, err := ledger.Recent(ctx, 10)
	require.NoError(t, err)
	byName := map[string]store.Entry{}
	for _, e := range recent {
		byName[e.Filename] = e
	}
	assert.Equal(t, "run-1", byName["fallback.json"].RunID)
	assert.Equal(t, milliRepo, byName["fallback.json"].Repository)
	assert.Equal(t, KindResolutionNotFound, byName["notfound.json"].Kind)
	assert.Equal(t, 2, byName["notfound.json"].Attempts)
	assert.Equal(t, 1, byName["primary.json"].Attempts)
}

func TestRun_ObservesEachFilename(t *testing.T) {
	ctx := context.Background()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	opts := DefaultOptions()
	opts.SkipDelivered = true
	s := &fakeSink{reject: map[string]bool{"search_wiki": true}}
	d := newDriver(t, opts, corpus(), s, ledger, nil)
	d.Run(ctx, []string{"primary.json"})

	var items []ItemResult
	d = d.WithObserver(func(item ItemResult) {
		items = append(items, item)
	})
	summary := d.Run(ctx, []string{"primary.json", "", "fallback.json", "rejected.json", "missing.json"})
	assert.Equal(t, summary.Total(), len(items))

	byName := map[string]ItemResult{}
	for _, item := range items {
		byName[item.Filename] = item
	}
	assert.Equal(t, ItemResult{Filename: "primary.json", Outcome: ItemSkipped}, byName["primary.json"])
	assert.Equal(t, ItemResult{Filename: "fallback.json", Outcome: ItemDelivered}, byName["fallback.json"])
	assert.Equal(t, ItemSinkFailed, byName["rejected.json"].Outcome)
	assert.Equal(t, KindSink, byName["rejected.json"].Kind)
	assert.Equal(t, ItemFailed, byName["missing.json"].Outcome)
	assert.Equal(t, KindFetch, byName["missing.json"].Kind)
	assert.Contains(t, byName["missing.json"].Error, "missing.json")
}

func TestNewDriver_Validation(t *testing.T) {
	deps := Deps{
		Fetcher: fakeFetcher{},
		Chain:   &provenance.Chain{Primary: meiliRepo, Resolver: resolver()},
		Sink:    &fakeSink{},
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no workers", func(o *Options) { o.Workers = 0 }},
		{"unknown unit", func(o *Options) { o.Unit = "s" }},
		{"n-point without count", func(o *Options) { o.Synthesis = synth.Policy{Kind: synth.NPoint} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := NewDriver(opts, deps)
			assert.Error(t, err)
		})
	}

	_, err := NewDriver(DefaultOptions(), Deps{Fetcher: fakeFetcher{}})
	assert.Error(t, err)

	// The caller's chain keeps its fallbacks.
	opts := DefaultOptions()
	opts.UseFallbackRepo = false
	chain := &provenance.Chain{Primary: meiliRepo, Fallbacks: []string{milliRepo}, Resolver: resolver()}
	_, err = NewDriver(opts, Deps{Fetcher: fakeFetcher{}, Chain: chain, Sink: &fakeSink{}})
	require.NoError(t, err)
	assert.Equal(t, []string{milliRepo}, chain.Fallbacks)
}
