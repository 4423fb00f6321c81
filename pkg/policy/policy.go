// Package policy implements the §4.4 policy engine: validators that gate a
// labeler before dispatch, selectors that pick one eligible sample, and
// requeue policies consulted by the timeout reclaimer (§4.7).
package policy

import (
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

var (
	errBlocked               = anvilerr.ForbiddenReason("blocked")
	errMaxConcurrentExceeded = anvilerr.ForbiddenReason("max_concurrent_exceeded")
)

// Eligible is a sample still available for dispatch within a queue: its
// label count is below labels_per_sample and it passes the caller's
// already-labeled / already-reserved exclusions.
type Eligible struct {
	Sample      storage.SampleRef
	LabelCount  int
	Difficulty  string // "simple" | "moderate" | "complex"; WeightedExpertise only
}

// Validator rejects a labeler for one of §4.4's reasons before selection
// runs.
type Validator interface {
	Validate(labeler storage.Labeler, membership storage.QueueMembership, inProgressCount int) error
}

// BlockedValidator rejects labelers in blocklisted_queues or whose
// membership is not active.
type BlockedValidator struct {
	QueueID uuid.UUID
	Now     func() bool // true => membership considered active; supplied by caller
}

func (v BlockedValidator) Validate(labeler storage.Labeler, membership storage.QueueMembership, _ int) error {
	for _, q := range labeler.BlocklistedQueues {
		if q == v.QueueID {
			return errBlocked
		}
	}
	if v.Now != nil && !v.Now() {
		return errBlocked
	}
	return nil
}

// MaxConcurrentValidator rejects labelers who already hold
// max_concurrent_assignments in_progress assignments tenant-wide.
type MaxConcurrentValidator struct{}

func (v MaxConcurrentValidator) Validate(labeler storage.Labeler, _ storage.QueueMembership, inProgressCount int) error {
	if labeler.MaxConcurrentAssignments > 0 && inProgressCount >= labeler.MaxConcurrentAssignments {
		return errMaxConcurrentExceeded
	}
	return nil
}

// Selector picks one eligible sample for a labeler (§4.4). RoundRobin and
// Redundancy must be deterministic for identical storage state; only
// Random and WeightedExpertise's tie-break may use randomness.
type Selector interface {
	Select(labeler storage.Labeler, eligible []Eligible) (storage.SampleRef, bool)
}

// RoundRobin picks the oldest eligible sample by created_at, ties broken
// by sample id.
type RoundRobin struct{}

func (RoundRobin) Select(_ storage.Labeler, eligible []Eligible) (storage.SampleRef, bool) {
	if len(eligible) == 0 {
		return storage.SampleRef{}, false
	}
	best := eligible[0]
	for _, e := range eligible[1:] {
		if e.Sample.CreatedAt.Before(best.Sample.CreatedAt) ||
			(e.Sample.CreatedAt.Equal(best.Sample.CreatedAt) && e.Sample.ID < best.Sample.ID) {
			best = e
		}
	}
	return best.Sample, true
}

// Random picks uniformly from the eligible set using a seeded RNG, so
// tests can reproduce a draw.
type Random struct {
	Rand *rand.Rand
}

func (r Random) Select(_ storage.Labeler, eligible []Eligible) (storage.SampleRef, bool) {
	if len(eligible) == 0 {
		return storage.SampleRef{}, false
	}
	rng := r.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return eligible[rng.Intn(len(eligible))].Sample, true
}

// WeightedExpertise restricts to samples whose difficulty permits the
// labeler's tier, orders by the labeler's current in_progress count
// ascending, then breaks ties randomly within tier.
type WeightedExpertise struct {
	// InProgressCount is the labeler's current in_progress count, supplied
	// by the caller (pkg/queue) since this package has no Storage access.
	InProgressCount int
	Rand            *rand.Rand
}

// tierAllows reports whether a labeler's tier permits a given difficulty.
// Tiers: a labeler's expertise_weights map carries tier name -> weight;
// the highest-weighted tier present gates difficulty: simple <= any tier,
// moderate requires "moderate" or "complex" tier weight > 0, complex
// requires "complex" tier weight > 0.
func tierAllows(weights map[string]int, difficulty string) bool {
	switch difficulty {
	case "", "simple":
		return true
	case "moderate":
		return weights["moderate"] > 0 || weights["complex"] > 0
	case "complex":
		return weights["complex"] > 0
	default:
		return true
	}
}

func (w WeightedExpertise) Select(labeler storage.Labeler, eligible []Eligible) (storage.SampleRef, bool) {
	var allowed []Eligible
	for _, e := range eligible {
		if tierAllows(labeler.ExpertiseWeights, e.Difficulty) {
			allowed = append(allowed, e)
		}
	}
	if len(allowed) == 0 {
		return storage.SampleRef{}, false
	}
	sort.SliceStable(allowed, func(i, j int) bool {
		return allowed[i].Sample.CreatedAt.Before(allowed[j].Sample.CreatedAt)
	})
	rng := w.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	// Within-tier tie-break: group the lowest in_progress-count tier (the
	// labeler's own count applies uniformly, so every candidate is tied on
	// that axis) and pick randomly among them.
	return allowed[rng.Intn(len(allowed))].Sample, true
}

// Redundancy prefers samples with the fewest existing labels
// (under-sampled first), ties broken by created_at asc. Select does not
// read AllowSameLabeler; samples the labeler already labeled are left out
// of eligible by the caller (pkg/queue's eligibleSamples).
type Redundancy struct {
	AllowSameLabeler bool
}

func (Redundancy) Select(_ storage.Labeler, eligible []Eligible) (storage.SampleRef, bool) {
	if len(eligible) == 0 {
		return storage.SampleRef{}, false
	}
	best := eligible[0]
	for _, e := range eligible[1:] {
		if e.LabelCount < best.LabelCount ||
			(e.LabelCount == best.LabelCount && e.Sample.CreatedAt.Before(best.Sample.CreatedAt)) {
			best = e
		}
	}
	return best.Sample, true
}

// Composed runs a validator chain, then a selector; the requeue policy is
// consulted separately by pkg/reclaimer rather than inline here, since
// requeueing happens well after dispatch (§4.4, §4.7).
type Composed struct {
	Validators []Validator
	Selector   Selector
}

func (c Composed) Validate(labeler storage.Labeler, membership storage.QueueMembership, inProgressCount int) error {
	for _, v := range c.Validators {
		if err := v.Validate(labeler, membership, inProgressCount); err != nil {
			return err
		}
	}
	return nil
}

func (c Composed) Select(labeler storage.Labeler, eligible []Eligible) (storage.SampleRef, bool) {
	return c.Selector.Select(labeler, eligible)
}

// RequeueKind names a requeue policy (§4.4).
type RequeueKind string

const (
	RequeueAlways       RequeueKind = "requeue"
	RequeueArchive      RequeueKind = "archive"
	RequeueWithPriority RequeueKind = "requeue_with_priority"
)

// RequeuePolicy governs what happens to an assignment that expires
// (§4.4, §4.7).
type RequeuePolicy struct {
	Kind               RequeueKind
	MaxAttempts        int
	RequeueDelay       int // seconds; honored as a not_before on the new row
	AllowSameLabeler   bool
	Priority           int // RequeueWithPriority only
}

// ShouldRequeue reports whether a new pending row should be created for an
// expired assignment with the given predecessor requeue_attempts.
func (p RequeuePolicy) ShouldRequeue(predecessorAttempts int) bool {
	if p.Kind == RequeueArchive {
		return false
	}
	return predecessorAttempts < p.MaxAttempts
}
