package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/storage"
)

func sampleAt(id string, createdAt time.Time) Eligible {
	return Eligible{Sample: storage.SampleRef{ID: id, CreatedAt: createdAt}}
}

func TestRoundRobinPicksOldest(t *testing.T) {
	base := time.Now()
	eligible := []Eligible{
		sampleAt("b", base.Add(2*time.Minute)),
		sampleAt("a", base),
		sampleAt("c", base.Add(time.Minute)),
	}
	got, ok := RoundRobin{}.Select(storage.Labeler{}, eligible)
	if !ok || got.ID != "a" {
		t.Fatalf("Select() = %v, %v; want sample a", got, ok)
	}
}

func TestRoundRobinTieBreaksByID(t *testing.T) {
	same := time.Now()
	eligible := []Eligible{sampleAt("z", same), sampleAt("a", same)}
	got, ok := RoundRobin{}.Select(storage.Labeler{}, eligible)
	if !ok || got.ID != "a" {
		t.Fatalf("Select() = %v, %v; want sample a (lexicographic tie-break)", got, ok)
	}
}

func TestRoundRobinNoEligible(t *testing.T) {
	if _, ok := (RoundRobin{}).Select(storage.Labeler{}, nil); ok {
		t.Errorf("expected no_available_work signal (ok=false) for empty eligible set")
	}
}

func TestRedundancyPrefersFewestLabels(t *testing.T) {
	base := time.Now()
	eligible := []Eligible{
		{Sample: storage.SampleRef{ID: "a", CreatedAt: base}, LabelCount: 2},
		{Sample: storage.SampleRef{ID: "b", CreatedAt: base.Add(time.Minute)}, LabelCount: 0},
		{Sample: storage.SampleRef{ID: "c", CreatedAt: base.Add(2 * time.Minute)}, LabelCount: 1},
	}
	got, ok := Redundancy{}.Select(storage.Labeler{}, eligible)
	if !ok || got.ID != "b" {
		t.Fatalf("Select() = %v, %v; want sample b (0 labels)", got, ok)
	}
}

func TestRedundancyTieBreaksByCreatedAt(t *testing.T) {
	base := time.Now()
	eligible := []Eligible{
		{Sample: storage.SampleRef{ID: "later", CreatedAt: base.Add(time.Minute)}, LabelCount: 1},
		{Sample: storage.SampleRef{ID: "earlier", CreatedAt: base}, LabelCount: 1},
	}
	got, ok := Redundancy{}.Select(storage.Labeler{}, eligible)
	if !ok || got.ID != "earlier" {
		t.Fatalf("Select() = %v, %v; want earlier sample", got, ok)
	}
}

func TestWeightedExpertiseRestrictsByTier(t *testing.T) {
	base := time.Now()
	eligible := []Eligible{
		{Sample: storage.SampleRef{ID: "complex-1", CreatedAt: base}, Difficulty: "complex"},
		{Sample: storage.SampleRef{ID: "simple-1", CreatedAt: base.Add(time.Minute)}, Difficulty: "simple"},
	}
	labeler := storage.Labeler{ExpertiseWeights: map[string]int{}}
	sel := WeightedExpertise{Rand: rand.New(rand.NewSource(1))}

	got, ok := sel.Select(labeler, eligible)
	if !ok || got.ID != "simple-1" {
		t.Fatalf("Select() = %v, %v; want simple-1 (labeler has no complex tier)", got, ok)
	}
}

func TestWeightedExpertiseAllowsComplexForExpert(t *testing.T) {
	eligible := []Eligible{{Sample: storage.SampleRef{ID: "complex-1"}, Difficulty: "complex"}}
	labeler := storage.Labeler{ExpertiseWeights: map[string]int{"complex": 1}}
	sel := WeightedExpertise{Rand: rand.New(rand.NewSource(1))}

	got, ok := sel.Select(labeler, eligible)
	if !ok || got.ID != "complex-1" {
		t.Fatalf("Select() = %v, %v; want complex-1", got, ok)
	}
}

func TestBlockedValidatorRejectsBlocklistedQueue(t *testing.T) {
	queueID := uuid.New()
	v := BlockedValidator{QueueID: queueID, Now: func() bool { return true }}
	labeler := storage.Labeler{BlocklistedQueues: []uuid.UUID{queueID}}

	if err := v.Validate(labeler, storage.QueueMembership{}, 0); err == nil {
		t.Errorf("expected blocked error for blocklisted queue")
	}
}

func TestBlockedValidatorRejectsInactiveMembership(t *testing.T) {
	v := BlockedValidator{QueueID: uuid.New(), Now: func() bool { return false }}
	if err := v.Validate(storage.Labeler{}, storage.QueueMembership{}, 0); err == nil {
		t.Errorf("expected blocked error for inactive membership")
	}
}

func TestMaxConcurrentValidator(t *testing.T) {
	v := MaxConcurrentValidator{}
	labeler := storage.Labeler{MaxConcurrentAssignments: 2}

	if err := v.Validate(labeler, storage.QueueMembership{}, 1); err != nil {
		t.Errorf("1 < 2 in-progress should pass, got %v", err)
	}
	if err := v.Validate(labeler, storage.QueueMembership{}, 2); err == nil {
		t.Errorf("2 >= 2 in-progress should fail")
	}
}

func TestRequeuePolicyShouldRequeue(t *testing.T) {
	tests := []struct {
		name                string
		policy              RequeuePolicy
		predecessorAttempts int
		want                bool
	}{
		{"archive never requeues", RequeuePolicy{Kind: RequeueArchive, MaxAttempts: 5}, 0, false},
		{"under max requeues", RequeuePolicy{Kind: RequeueAlways, MaxAttempts: 3}, 1, true},
		{"at max does not requeue", RequeuePolicy{Kind: RequeueAlways, MaxAttempts: 3}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.ShouldRequeue(tt.predecessorAttempts); got != tt.want {
				t.Errorf("ShouldRequeue(%d) = %v, want %v", tt.predecessorAttempts, got, tt.want)
			}
		})
	}
}

func TestComposedChainsValidatorsAndSelector(t *testing.T) {
	c := Composed{
		Validators: []Validator{MaxConcurrentValidator{}},
		Selector:   RoundRobin{},
	}
	labeler := storage.Labeler{MaxConcurrentAssignments: 1}
	if err := c.Validate(labeler, storage.QueueMembership{}, 0); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	eligible := []Eligible{sampleAt("a", time.Now())}
	got, ok := c.Select(labeler, eligible)
	if !ok || got.ID != "a" {
		t.Fatalf("Select() = %v, %v; want sample a", got, ok)
	}
}
