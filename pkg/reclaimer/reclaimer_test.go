package reclaimer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/storage"
	"github.com/anvilhq/anvil/pkg/storage/memstore"
)

func TestSweepExpiresOverdueAndRequeues(t *testing.T) {
	store := memstore.New()
	tenant := uuid.New()
	queueID := uuid.New()

	if _, err := store.PutQueue(context.Background(), storage.Queue{
		ID: queueID, Tenant: tenant, Name: "q1", Status: storage.QueueActive, LabelsPerSample: 1,
	}); err != nil {
		t.Fatalf("PutQueue: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	assignID := uuid.New()
	if _, err := store.PutAssignment(context.Background(), storage.Assignment{
		ID: assignID, QueueID: queueID, SampleID: "s1", LabelerID: uuid.New(), Tenant: tenant,
		Status: storage.StatusInProgress, Version: 1, Deadline: &past, CreatedAt: past,
	}); err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}

	sweeper := &Sweeper{
		Store: store,
		Policies: map[uuid.UUID]policy.RequeuePolicy{
			queueID: {Kind: policy.RequeueAlways, MaxAttempts: 3},
		},
	}
	result, err := sweeper.Sweep(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 1 {
		t.Errorf("Expired = %d, want 1", result.Expired)
	}
	if result.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", result.Requeued)
	}

	expired, err := store.GetAssignment(context.Background(), tenant, assignID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if expired.Status != storage.StatusExpired {
		t.Fatalf("Status = %v, want expired", expired.Status)
	}

	all, err := store.ListAssignments(context.Background(), storage.AssignmentFilter{Tenant: tenant, QueueID: queueID}, storage.OrderCreatedAtAsc, 0)
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	var foundSuccessor bool
	for _, a := range all {
		if a.Status == storage.StatusPending && a.RequeueAttempts == 1 {
			foundSuccessor = true
		}
	}
	if !foundSuccessor {
		t.Fatalf("expected a requeued pending successor row")
	}
}

func TestSweepArchivesWhenMaxAttemptsExceeded(t *testing.T) {
	store := memstore.New()
	tenant := uuid.New()
	queueID := uuid.New()
	store.PutQueue(context.Background(), storage.Queue{ID: queueID, Tenant: tenant, Name: "q1", Status: storage.QueueActive})

	past := time.Now().Add(-time.Hour)
	assignID := uuid.New()
	store.PutAssignment(context.Background(), storage.Assignment{
		ID: assignID, QueueID: queueID, SampleID: "s1", LabelerID: uuid.New(), Tenant: tenant,
		Status: storage.StatusInProgress, Version: 1, Deadline: &past, RequeueAttempts: 3, CreatedAt: past,
	})

	sweeper := &Sweeper{
		Store: store,
		Policies: map[uuid.UUID]policy.RequeuePolicy{
			queueID: {Kind: policy.RequeueAlways, MaxAttempts: 3},
		},
	}
	result, err := sweeper.Sweep(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Archived != 1 {
		t.Errorf("Archived = %d, want 1", result.Archived)
	}
	if result.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", result.Requeued)
	}

	audit := store.Audit()
	if len(audit) != 1 || audit[0].Action != "assignment.escalated" {
		t.Fatalf("Audit() = %+v, want one assignment.escalated entry", audit)
	}
}

func TestSweepSkipsNotYetOverdue(t *testing.T) {
	store := memstore.New()
	tenant := uuid.New()
	queueID := uuid.New()
	store.PutQueue(context.Background(), storage.Queue{ID: queueID, Tenant: tenant, Name: "q1", Status: storage.QueueActive})

	future := time.Now().Add(time.Hour)
	store.PutAssignment(context.Background(), storage.Assignment{
		ID: uuid.New(), QueueID: queueID, SampleID: "s1", LabelerID: uuid.New(), Tenant: tenant,
		Status: storage.StatusInProgress, Version: 1, Deadline: &future, CreatedAt: time.Now(),
	})

	sweeper := &Sweeper{Store: store}
	result, err := sweeper.Sweep(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Expired != 0 {
		t.Errorf("Expired = %d, want 0 for a not-yet-overdue assignment", result.Expired)
	}
}
