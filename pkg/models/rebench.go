package models

import "time"

// Criterion is a unit-of-measure channel measurements are tagged with.
type Criterion struct {
	ID   int    `json:"i"`
	Name string `json:"c"`
	Unit string `json:"u"`
}

// Measure is one value for one criterion.
type Measure struct {
	CriterionID int     `json:"c"`
	Value       float64 `json:"v"`
}

// DataPoint is one data series of a run.
type DataPoint struct {
	Invocation int       `json:"in"`
	Iteration  int       `json:"it"`
	Measures   []Measure `json:"m"`
}

// NewDataPoint creates an empty data point for the given invocation and
// iteration.
func NewDataPoint(invocation, iteration int) DataPoint {
	return DataPoint{Invocation: invocation, Iteration: iteration, Measures: []Measure{}}
}

// AddMeasure appends a measure to the data point.
func (d *DataPoint) AddMeasure(m Measure) {
	d.Measures = append(d.Measures, m)
}

// Executor is the tool that executed a benchmark.
type Executor struct {
	Name string  `json:"name"`
	Desc *string `json:"desc,omitempty"`
}

// Suite groups benchmarks.
type Suite struct {
	Name     string   `json:"name"`
	Desc     *string  `json:"desc,omitempty"`
	Executor Executor `json:"executor"`
}

// RunDetails describes how a benchmark was run.
type RunDetails struct {
	MaxInvocationTime int  `json:"maxInvocationTime"`
	MinIterationTime  int  `json:"minIterationTime"`
	Warmup            *int `json:"warmup,omitempty"`
}

// Benchmark identifies one benchmark inside a suite.
type Benchmark struct {
	Name       string     `json:"name"`
	Suite      Suite      `json:"suite"`
	RunDetails RunDetails `json:"runDetails"`
	Desc       *string    `json:"desc,omitempty"`
}

// RunID identifies a run: the benchmark plus how it was invoked.
type RunID struct {
	Benchmark Benchmark `json:"benchmark"`
	Cmdline   string    `json:"cmdline"`
	Location  string    `json:"location"`
	VarValue  *string   `json:"varValue,omitempty"`
	Cores     *string   `json:"cores,omitempty"`
	InputSize *string   `json:"inputSize,omitempty"`
	ExtraArgs *string   `json:"extraArgs,omitempty"`
}

// Run is the identity of one sub-benchmark plus its measured data.
type Run struct {
	RunID RunID       `json:"runId"`
	Data  []DataPoint `json:"d"`
}

// NewRun creates a run without data.
func NewRun(id RunID) Run {
	return Run{RunID: id, Data: []DataPoint{}}
}

// AddData appends a data series to the run.
func (r *Run) AddData(d DataPoint) {
	r.Data = append(r.Data, d)
}

// Source is the source-control provenance of a submission.
type Source struct {
	RepoURL        string `json:"repoURL"`
	BranchOrTag    string `json:"branchOrTag"`
	CommitID       string `json:"commitId"`
	CommitMsg      string `json:"commitMsg"`
	AuthorName     string `json:"authorName"`
	AuthorEmail    string `json:"authorEmail"`
	CommitterName  string `json:"committerName"`
	CommitterEmail string `json:"committerEmail"`
}

// BenchmarkData is the root record accepted by ReBenchDB.
type BenchmarkData struct {
	Data           []Run       `json:"data"`
	Criteria       []Criterion `json:"criteria"`
	Env            Environment `json:"env"`
	StartTime      string      `json:"startTime"`
	EndTime        *string     `json:"endTime,omitempty"`
	Source         Source      `json:"source"`
	ExperimentName string      `json:"experimentName"`
	ExperimentDesc *string     `json:"experimentDesc,omitempty"`
	ProjectName    string      `json:"projectName"`
}

// NewBenchmarkData creates a submission for one experiment started at start.
func NewBenchmarkData(env Environment, source Source, experiment string, start time.Time) *BenchmarkData {
	return &BenchmarkData{
		Data:           []Run{},
		Criteria:       []Criterion{},
		Env:            env,
		StartTime:      start.UTC().Format(time.RFC3339),
		Source:         source,
		ExperimentName: experiment,
	}
}

// WithProject sets the project label.
func (b *BenchmarkData) WithProject(name string) {
	b.ProjectName = name
}

// PushCriterion declares a criterion.
func (b *BenchmarkData) PushCriterion(c Criterion) {
	b.Criteria = append(b.Criteria, c)
}

// PushRun appends a run.
func (b *BenchmarkData) PushRun(r Run) {
	b.Data = append(b.Data, r)
}
