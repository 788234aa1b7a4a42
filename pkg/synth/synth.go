// Package synth rebuilds approximate sample points from summary statistics.
//
// critcmp reports only carry a point estimate and its standard error for each
// benchmark; the raw samples are gone. ReBenchDB wants measurements, so a small
// synthetic set is produced around the estimate. The points are a
// reconstruction artifact, not real samples.
package synth

import (
	"fmt"
	"math"
	"strings"

	"github.com/aclements/go-moremath/stats"
	"github.com/pkg/errors"
)

// ErrInvalidStatistic is returned for a negative standard error, a
// non-positive sample count or statistics whose points are not finite.
var ErrInvalidStatistic = errors.New("invalid statistic")

// Kind selects how points are synthesized.
type Kind int

const (
	// ThreePoint emits [estimate-stderr, estimate, estimate+stderr].
	ThreePoint Kind = iota
	// NPoint emits 2*Count copies of estimate+stderr/Count. This reproduces the
	// legacy ms uploader exactly; it does not spread the points.
	NPoint
	// Quantile emits Count points at evenly spaced quantiles of a normal
	// distribution centred on the estimate with the standard error as sigma.
	Quantile
)

var kindNames = map[Kind]string{
	ThreePoint: "three-point",
	NPoint:     "n-point",
	Quantile:   "quantile",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses a policy name as written in configuration.
func ParseKind(s string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == normalized {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown synthesis policy %q", s)
}

// Policy is a synthesis strategy and its sample count. Count is ignored by
// ThreePoint.
type Policy struct {
	Kind  Kind
	Count int
}

// DefaultPolicy is the reference symmetric three-point policy.
var DefaultPolicy = Policy{Kind: ThreePoint, Count: 1}

func (p Policy) String() string {
	if p.Kind == ThreePoint {
		return p.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", p.Kind, p.Count)
}

// Validate checks the policy independently of any statistic.
func (p Policy) Validate() error {
	if _, ok := kindNames[p.Kind]; !ok {
		return errors.Errorf("unknown synthesis policy %d", p.Kind)
	}
	if p.Kind != ThreePoint && p.Count < 1 {
		return errors.Wrapf(ErrInvalidStatistic, "sample count must be >= 1, got %d", p.Count)
	}
	return nil
}

// Synthesize produces points for one sub-benchmark under p.
func (p Policy) Synthesize(estimate, stderr float64) ([]float64, error) {
	count := p.Count
	if p.Kind == ThreePoint && count < 1 {
		count = 1
	}
	return Synthesize(estimate, stderr, count, p.Kind)
}

// Synthesize produces points from a point estimate and standard error.
// The result is in insertion order.
func Synthesize(estimate, stderr float64, sampleCount int, kind Kind) ([]float64, error) {
	if sampleCount < 1 {
		return nil, errors.Wrapf(ErrInvalidStatistic, "sample count must be >= 1, got %d", sampleCount)
	}
	if stderr < 0 || math.IsNaN(stderr) {
		return nil, errors.Wrapf(ErrInvalidStatistic, "standard error must be >= 0, got %v", stderr)
	}
	if math.IsNaN(estimate) || math.IsInf(estimate, 0) {
		return nil, errors.Wrapf(ErrInvalidStatistic, "point estimate must be finite, got %v", estimate)
	}

	var points []float64
	switch kind {
	case ThreePoint:
		points = []float64{estimate - stderr, estimate, estimate + stderr}
	case NPoint:
		value := estimate + stderr/float64(sampleCount)
		points = make([]float64, 2*sampleCount)
		for i := range points {
			points[i] = value
		}
	case Quantile:
		points = quantiles(estimate, stderr, sampleCount)
	default:
		return nil, errors.Errorf("unknown synthesis policy %d", kind)
	}
	for _, p := range points {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, errors.Wrapf(ErrInvalidStatistic, "points of %v with standard error %v are not finite", estimate, stderr)
		}
	}
	return points, nil
}

func quantiles(estimate, stderr float64, n int) []float64 {
	points := make([]float64, n)
	if stderr == 0 {
		for i := range points {
			points[i] = estimate
		}
		return points
	}
	dist := stats.NormalDist{Mu: estimate, Sigma: stderr}
	for i := range points {
		points[i] = dist.InvCDF((float64(i) + 0.5) / float64(n))
	}
	return points
}
