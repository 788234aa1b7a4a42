// Package pipeline turns critcmp report filenames into ReBenchDB submissions:
// fetch, decode, resolve provenance, build, upload.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/builder"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/metrics"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/models"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/provenance"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/report"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/store"
	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/synth"
)

// DefaultWorkers is the size of the worker pool.
const DefaultWorkers = 100

type Fetcher interface {
	Fetch(ctx context.Context, filename string) (*report.Report, error)
}

type Sink interface {
	Upload(ctx context.Context, data *models.BenchmarkData) error
}

// Ledger remembers what was processed. *store.Ledger implements it.
type Ledger interface {
	Delivered(ctx context.Context, filename string) (bool, error)
	Record(ctx context.Context, e store.Entry) error
}

// Options selects one ingestion variant.
type Options struct {
	UseFallbackRepo bool
	// Project labels every submission; empty means builder.DefaultProject.
	Project   string
	Synthesis synth.Policy
	// Unit labels the single criterion, "ns" or "ms".
	Unit          string
	Workers       int
	SkipDelivered bool
}

// DefaultOptions is the reference variant: fallback enabled, three points,
// nanoseconds.
func DefaultOptions() Options {
	return Options{
		UseFallbackRepo: true,
		Project:         builder.DefaultProject,
		Synthesis:       synth.DefaultPolicy,
		Unit:            builder.UnitNanoseconds,
		Workers:         DefaultWorkers,
	}
}

// Validate rejects options no variant supports.
func (o Options) Validate() error {
	if o.Workers < 1 {
		return errors.Errorf("workers must be >= 1, got %d", o.Workers)
	}
	if !builder.ValidUnit(o.Unit) {
		return errors.Errorf("unit must be %q or %q, got %q", builder.UnitNanoseconds, builder.UnitMilliseconds, o.Unit)
	}
	return o.Synthesis.Validate()
}

// Deps are the collaborators of a Driver. Ledger and Metrics are optional.
type Deps struct {
	Fetcher Fetcher
	Chain   *provenance.Chain
	Sink    Sink
	Env     models.Environment
	Ledger  Ledger
	Metrics *metrics.Metrics
	// RunID tags ledger entries written by this driver.
	RunID string
}

// Driver processes report filenames.
type Driver struct {
	opts    Options
	fetcher Fetcher
	chain   *provenance.Chain
	builder *builder.Builder
	sink    Sink
	env     models.Environment
	ledger  Ledger
	metrics *metrics.Metrics
	runID   string
	observe func(ItemResult)
}

// NewDriver validates opts and wires the collaborators.
func NewDriver(opts Options, deps Deps) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil || deps.Chain == nil || deps.Sink == nil {
		return nil, errors.New("fetcher, provenance chain and sink are required")
	}

	chain := *deps.Chain
	if !opts.UseFallbackRepo {
		chain.Fallbacks = nil
	}
	if opts.Synthesis.Kind == synth.NPoint {
		log.Warnf("Synthesis policy %s emits %d identical points per benchmark; use it only to reproduce legacy uploads", opts.Synthesis, 2*opts.Synthesis.Count)
	}

	b := builder.New()
	if opts.Project != "" {
		b.Project = opts.Project
	}
	b.Unit = opts.Unit
	b.Policy = opts.Synthesis

	return &Driver{
		opts:    opts,
		fetcher: deps.Fetcher,
		chain:   &chain,
		builder: b,
		sink:    deps.Sink,
		env:     deps.Env,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		runID:   deps.RunID,
	}, nil
}

// Options returns the variant the driver runs.
func (d *Driver) Options() Options {
	return d.opts
}

// WithRunID returns a copy of d whose ledger entries carry runID.
func (d *Driver) WithRunID(runID string) *Driver {
	clone := *d
	clone.runID = runID
	return &clone
}

// WithObserver returns a copy of d whose Run calls fn once per filename, after
// the filename is counted. Calls are serialized.
func (d *Driver) WithObserver(fn func(ItemResult)) *Driver {
	clone := *d
	clone.observe = fn
	return &clone
}

type result struct {
	id      report.Identifier
	source  models.Source
	runs    int
	skipped int
}

// Process ingests one report. The returned error is classified by Classify.
func (d *Driver) Process(ctx context.Context, filename string) error {
	res, err := d.process(ctx, filename)
	d.record(ctx, filename, res, err)
	return err
}

func (d *Driver) process(ctx context.Context, filename string) (result, error) {
	var res result

	r, err := d.fetcher.Fetch(ctx, filename)
	if err != nil {
		return res, err
	}
	res.id, err = r.Identifier()
	if err != nil {
		return res, err
	}

	start := time.Now()
	source, ts, err := d.chain.Resolve(ctx, res.id.Branch, res.id.Commit)
	if d.metrics != nil {
		d.metrics.RecordResolveTime(time.Since(start))
	}
	if err != nil {
		return res, err
	}
	res.source = source
	if source.RepoURL != d.chain.Primary && d.metrics != nil {
		d.metrics.RecordFallback()
	}

	data, skipped, err := d.builder.Build(builder.Input{
		Env:    d.env,
		Source: source,
		Time:   ts,
		ID:     res.id,
		Report: r,
	})
	res.skipped = len(skipped)
	if err != nil {
		return res, err
	}
	if len(skipped) > 0 {
		log.WithField("filename", filename).Warnf("Skipped %d malformed benchmarks: %v", len(skipped), builder.Aggregate(skipped))
	}
	res.runs = len(data.Data)

	log.WithField("filename", filename).Infof("Sending %s", filename)
	if err := d.sink.Upload(ctx, data); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Driver) record(ctx context.Context, filename string, res result, err error) {
	kind := Classify(err)
	outcome := store.OutcomeDelivered
	switch {
	case err == nil:
	case kind == KindSink:
		outcome = store.OutcomeSinkFailed
	default:
		outcome = store.OutcomeFailed
	}

	if d.metrics != nil {
		d.metrics.RecordReport(string(outcome))
		if err != nil {
			d.metrics.RecordError(kind)
		} else {
			d.metrics.RecordRuns(res.runs, res.skipped)
		}
	}

	if d.ledger == nil {
		return
	}
	entry := store.Entry{
		Filename:   filename,
		RunID:      d.runID,
		Experiment: res.id.BenchmarkName,
		Repository: res.source.RepoURL,
		Commit:     res.id.Commit,
		Outcome:    outcome,
		Kind:       kind,
		Runs:       res.runs,
		Skipped:    res.skipped,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := d.ledger.Record(context.WithoutCancel(ctx), entry); lerr != nil {
		log.WithField("filename", filename).WithError(lerr).Warn("Could not update the ledger")
	}
}

// Summary counts the outcomes of a Run.
type Summary struct {
	Delivered  int            `json:"delivered"`
	Failed     int            `json:"failed"`
	SinkFailed int            `json:"sinkFailed"`
	Skipped    int            `json:"skipped"`
	Kinds      map[string]int `json:"kinds,omitempty"`
}

// ItemOutcome is what a Run did with one filename.
type ItemOutcome string

const (
	ItemDelivered  ItemOutcome = "delivered"
	ItemFailed     ItemOutcome = "failed"
	ItemSinkFailed ItemOutcome = "sink_failed"
	ItemSkipped    ItemOutcome = "skipped"
)

// ItemResult reports one filename of a Run.
type ItemResult struct {
	Filename string      `json:"filename"`
	Outcome  ItemOutcome `json:"outcome"`
	Kind     string      `json:"kind,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Total is the number of filenames that were attempted or skipped.
func (s Summary) Total() int {
	return s.Delivered + s.Failed + s.SinkFailed + s.Skipped
}

// Run processes filenames on a bounded pool. A failing item is logged and
// counted; it never stops the others. Empty filenames are ignored.
func (d *Driver) Run(ctx context.Context, filenames []string) Summary {
	summary := Summary{Kinds: map[string]int{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for _, filename := range cleanList(filenames) {
		g.Go(func() error {
			if d.alreadyDelivered(ctx, filename) {
				log.WithField("filename", filename).Debug("Already delivered, skipping")
				if d.metrics != nil {
					d.metrics.RecordReport(metrics.OutcomeSkipped)
				}
				mu.Lock()
				defer mu.Unlock()
				summary.Skipped++
				d.notify(ItemResult{Filename: filename, Outcome: ItemSkipped})
				return nil
			}

			err := d.Process(ctx, filename)
			kind := Classify(err)
			if err != nil {
				log.WithFields(log.Fields{"filename": filename, "kind": kind}).Errorf("%v on %s", err, filename)
			}

			item := ItemResult{Filename: filename, Kind: kind}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Delivered++
				item.Outcome = ItemDelivered
			case kind == KindSink:
				summary.SinkFailed++
				summary.Kinds[kind]++
				item.Outcome = ItemSinkFailed
			default:
				summary.Failed++
				summary.Kinds[kind]++
				item.Outcome = ItemFailed
			}
			if err != nil {
				item.Error = err.Error()
			}
			d.notify(item)
			return nil
		})
	}
	_ = g.Wait()

	log.Infof("Ingestion finished: %d delivered, %d failed, %d sink failures, %d skipped",
		summary.Delivered, summary.Failed, summary.SinkFailed, summary.Skipped)
	if summary.SinkFailed > 0 {
		log.Errorf("%d submissions were rejected by ReBenchDB. Make sure your rebenchDB server is up", summary.SinkFailed)
	}
	return summary
}

func (d *Driver) notify(item ItemResult) {
	if d.observe != nil {
		d.observe(item)
	}
}

func (d *Driver) alreadyDelivered(ctx context.Context, filename string) bool {
	if !d.opts.SkipDelivered || d.ledger == nil {
		return false
	}
	delivered, err := d.ledger.Delivered(ctx, filename)
	if err != nil {
		log.WithField("filename", filename).WithError(err).Warn("Could not read the ledger")
		return false
	}
	return delivered
}
