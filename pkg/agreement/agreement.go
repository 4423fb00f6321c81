// Package agreement computes inter-rater agreement (§4.8): Cohen's kappa
// for exactly two raters, Fleiss' kappa for three or more with no missing
// values, and Krippendorff's alpha for missing values or a mixed rater
// count, falling back to percent agreement when none of those apply.
package agreement

import (
	"sort"

	"github.com/anvilhq/anvil/pkg/anvilerr"
)

// Metric names the algorithm actually used for a computation (§3).
type Metric string

const (
	MetricCohen            Metric = "cohen"
	MetricFleiss           Metric = "fleiss"
	MetricKrippendorff     Metric = "krippendorff"
	MetricPercentAgreement Metric = "percent_agreement"
)

// Band is the qualitative interpretation of a value in [-1, 1] (§4.8).
type Band string

const (
	BandPoor        Band = "poor"
	BandSlight      Band = "slight"
	BandFair        Band = "fair"
	BandModerate    Band = "moderate"
	BandSubstantial Band = "substantial"
	BandNearPerfect Band = "near_perfect"
)

// Result is the outcome of a single field's agreement computation.
type Result struct {
	Metric  Metric
	Value   float64
	Band    Band
	NRaters int
	NLabels int
}

// DistanceFunc computes the squared distance between two values for
// Krippendorff's alpha's disagreement term.
type DistanceFunc func(a, b any) float64

// NominalDistance is 0 for equal values, 1 otherwise (select, boolean).
func NominalDistance(a, b any) float64 {
	if a == b {
		return 0
	}
	return 1
}

// IntervalDistance is the squared numeric difference (range, number).
func IntervalDistance(a, b any) float64 {
	fa, fb := toFloat(a), toFloat(b)
	d := fa - fb
	return d * d
}

// OrdinalDistance uses rank positions supplied by the caller via ranks;
// values not present in ranks are treated as distinct from everything.
// Nothing in this module builds ranks for date/datetime fields:
// DistanceForFieldType compares those nominally.
func OrdinalDistance(ranks map[any]int) DistanceFunc {
	return func(a, b any) float64 {
		ra, oka := ranks[a]
		rb, okb := ranks[b]
		if !oka || !okb {
			return 1
		}
		d := float64(ra - rb)
		return d * d
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func band(v float64) Band {
	switch {
	case v < 0:
		return BandPoor
	case v < 0.2:
		return BandSlight
	case v < 0.4:
		return BandFair
	case v < 0.6:
		return BandModerate
	case v < 0.8:
		return BandSubstantial
	default:
		return BandNearPerfect
	}
}

// Item is one rated sample's field values: labeler id -> submitted value.
// A nil value denotes a labeler known to be assigned who has not yet
// submitted for this field (a missing value, per §4.8's selection rule).
type Item struct {
	SampleID string
	Values   map[string]any
}

func nonNilCount(it Item) (nonNil, total int) {
	for _, v := range it.Values {
		total++
		if v != nil {
			nonNil++
		}
	}
	return nonNil, total
}

// Compute runs the §4.8 selection rule over every item in pool, which must
// be every currently-rated sample for one queue field (the caller's own
// target item is one entry in pool). Cohen's and Fleiss' kappa both need a
// chance-agreement baseline (pe) estimated from the population of rated
// items, not from a single item in isolation — pool supplies that
// population. Selection: a uniform rater count with no missing value picks
// Cohen's (2 raters) or Fleiss' (3+); any missing value or a rater count
// that varies across pool picks Krippendorff's alpha; otherwise percent
// agreement.
func Compute(pool []Item, dist DistanceFunc) (Result, error) {
	if len(pool) == 0 {
		return Result{}, anvilerr.InsufficientLabelsErr()
	}

	raterCount := -1
	hasMissing := false
	nLabels := 0
	for _, it := range pool {
		nonNil, total := nonNilCount(it)
		nLabels += nonNil
		if nonNil < total {
			hasMissing = true
		}
		if raterCount == -1 {
			raterCount = total
		} else if raterCount != total {
			hasMissing = true
		}
	}
	if raterCount < 2 || nLabels < 2 {
		return Result{}, anvilerr.InsufficientLabelsErr()
	}

	switch {
	case !hasMissing && raterCount == 2:
		v := pooledKappa(pool)
		return Result{Metric: MetricCohen, Value: v, Band: band(v), NRaters: raterCount, NLabels: nLabels}, nil
	case !hasMissing && raterCount >= 3:
		v := pooledKappa(pool)
		return Result{Metric: MetricFleiss, Value: v, Band: band(v), NRaters: raterCount, NLabels: nLabels}, nil
	case dist != nil:
		v := krippendorff(pool, dist)
		return Result{Metric: MetricKrippendorff, Value: v, Band: band(v), NRaters: raterCount, NLabels: nLabels}, nil
	default:
		v := percentAgreement(pool)
		return Result{Metric: MetricPercentAgreement, Value: v, Band: band(v), NRaters: raterCount, NLabels: nLabels}, nil
	}
}

// pooledKappa implements the standard chance-corrected agreement statistic
// that Cohen's kappa (n=2) and Fleiss' kappa (n>=3) both reduce to when
// rater identity isn't tracked across items, which is Anvil's case: the two
// or three labelers rating one sample aren't necessarily the same labelers
// rating the next. Per item i with n_i raters split across categories with
// counts c: P_i = (sum(c^2) - n_i) / (n_i*(n_i-1)). P_bar is the mean P_i
// over every item in pool. pe pools category proportions across every
// rating in pool. kappa = (P_bar - pe) / (1 - pe).
func pooledKappa(pool []Item) float64 {
	var pSum float64
	items := 0
	counts := make(map[any]int)
	totalRatings := 0

	for _, it := range pool {
		itemCounts := make(map[any]int)
		n := 0
		for _, v := range it.Values {
			if v == nil {
				continue
			}
			itemCounts[v]++
			counts[v]++
			n++
			totalRatings++
		}
		if n < 2 {
			continue
		}
		sumSq := 0.0
		for _, c := range itemCounts {
			sumSq += float64(c * c)
		}
		pSum += (sumSq - float64(n)) / float64(n*(n-1))
		items++
	}
	if items == 0 {
		return 1.0
	}
	pBar := pSum / float64(items)

	pe := 0.0
	for _, c := range counts {
		p := float64(c) / float64(totalRatings)
		pe += p * p
	}
	if pe >= 1 {
		return 1.0
	}
	return (pBar - pe) / (1 - pe)
}

// krippendorff computes alpha across pool, pooling both the observed and
// the expected disagreement terms over every present value in every item
// (not just one item), which is what makes alpha comparable across a
// queue's samples rather than an artifact of one sample's rater count.
func krippendorff(pool []Item, dist DistanceFunc) float64 {
	var all []any
	observed := 0.0
	obsPairs := 0

	for _, it := range pool {
		var present []any
		for _, v := range it.Values {
			if v != nil {
				present = append(present, v)
			}
		}
		all = append(all, present...)
		for i := 0; i < len(present); i++ {
			for j := i + 1; j < len(present); j++ {
				observed += dist(present[i], present[j])
				obsPairs++
			}
		}
	}
	if obsPairs == 0 {
		return 1.0
	}
	observedAvg := observed / float64(obsPairs)
	if observedAvg == 0 {
		return 1.0
	}
	expected := expectedDisagreement(all, dist)
	if expected == 0 {
		return 1.0
	}
	return 1 - observedAvg/expected
}

func expectedDisagreement(values []any, dist DistanceFunc) float64 {
	total := 0.0
	pairs := 0
	for i := 0; i < len(values); i++ {
		for j := 0; j < len(values); j++ {
			if i == j {
				continue
			}
			total += dist(values[i], values[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// percentAgreement is the fallback metric: fraction of pairs that agree
// exactly, pooled over every item in pool.
func percentAgreement(pool []Item) float64 {
	pairs, agree := 0, 0
	for _, it := range pool {
		var present []any
		for _, v := range it.Values {
			if v != nil {
				present = append(present, v)
			}
		}
		for i := 0; i < len(present); i++ {
			for j := i + 1; j < len(present); j++ {
				pairs++
				if present[i] == present[j] {
					agree++
				}
			}
		}
	}
	if pairs == 0 {
		return 1.0
	}
	return float64(agree) / float64(pairs)
}

// Accumulator tracks one sample's per-labeler values for one field,
// supporting online recomputation (§4.8) when no wider pool is available
// yet — the degenerate pool-of-one case Compute already handles.
type Accumulator struct {
	sampleID string
	values   map[string]any // labeler id -> value
}

// NewAccumulator creates an empty per-sample-field accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{values: make(map[string]any)}
}

// Observe records or overwrites a labeler's value and returns the
// recomputed Result.
func (a *Accumulator) Observe(labelerID string, value any, dist DistanceFunc) (Result, error) {
	a.values[labelerID] = value
	return Compute([]Item{{SampleID: a.sampleID, Values: a.values}}, dist)
}

// SortedLabelerIDs returns the accumulator's labeler ids in a stable
// order, useful for deterministic test assertions and audit metadata.
func (a *Accumulator) SortedLabelerIDs() []string {
	ids := make([]string, 0, len(a.values))
	for id := range a.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
