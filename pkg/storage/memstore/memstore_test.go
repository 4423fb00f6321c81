package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

func TestUpdateAssignmentOptimisticLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()

	a, err := s.PutAssignment(ctx, storage.Assignment{Tenant: tenant, Status: storage.StatusPending})
	if err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}

	a.Status = storage.StatusInProgress
	updated, err := s.UpdateAssignment(ctx, a)
	if err != nil {
		t.Fatalf("UpdateAssignment: %v", err)
	}
	if updated.Version != a.Version+1 {
		t.Errorf("version = %d, want %d", updated.Version, a.Version+1)
	}

	// Re-applying the stale copy must fail.
	a.Status = storage.StatusCompleted
	if _, err := s.UpdateAssignment(ctx, a); !anvilerr.Is(err, anvilerr.Stale) {
		t.Errorf("expected Stale error, got %v", err)
	}
}

func TestListAssignmentsForUpdateSkipsLocked(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()
	queue := uuid.New()

	for i := 0; i < 3; i++ {
		if _, err := s.PutAssignment(ctx, storage.Assignment{
			Tenant:   tenant,
			QueueID:  queue,
			SampleID: string(rune('a' + i)),
			Status:   storage.StatusPending,
		}); err != nil {
			t.Fatalf("PutAssignment: %v", err)
		}
	}

	f := storage.AssignmentFilter{Tenant: tenant, QueueID: queue, Statuses: []storage.AssignmentStatus{storage.StatusPending}}

	first, err := s.ListAssignmentsForUpdate(ctx, f, storage.OrderCreatedAtAsc, 10)
	if err != nil {
		t.Fatalf("ListAssignmentsForUpdate: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("len(first) = %d, want 3", len(first))
	}

	// A second concurrent claim attempt must see nothing: every row is locked.
	second, err := s.ListAssignmentsForUpdate(ctx, f, storage.OrderCreatedAtAsc, 10)
	if err != nil {
		t.Fatalf("ListAssignmentsForUpdate (2nd): %v", err)
	}
	if len(second) != 0 {
		t.Errorf("len(second) = %d, want 0 (all rows should be locked)", len(second))
	}

	// Releasing one row via UpdateAssignment makes it visible again.
	claimed := first[0]
	claimed.Status = storage.StatusInProgress
	if _, err := s.UpdateAssignment(ctx, claimed); err != nil {
		t.Fatalf("UpdateAssignment: %v", err)
	}

	third, err := s.ListAssignmentsForUpdate(ctx, storage.AssignmentFilter{
		Tenant: tenant, QueueID: queue,
		Statuses: []storage.AssignmentStatus{storage.StatusPending, storage.StatusInProgress},
	}, storage.OrderCreatedAtAsc, 10)
	if err != nil {
		t.Fatalf("ListAssignmentsForUpdate (3rd): %v", err)
	}
	if len(third) != 1 || third[0].ID != claimed.ID {
		t.Errorf("third = %+v, want only the released row %s", third, claimed.ID)
	}
}

func TestSchemaVersionFreezeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant := uuid.New()

	sv, err := s.PutSchemaVersion(ctx, storage.SchemaVersionRecord{Tenant: tenant, VersionNumber: 1})
	if err != nil {
		t.Fatalf("PutSchemaVersion: %v", err)
	}

	now := time.Now()
	if err := s.FreezeSchemaVersion(ctx, tenant, sv.ID, now); err != nil {
		t.Fatalf("FreezeSchemaVersion: %v", err)
	}
	// Freezing again must not error.
	if err := s.FreezeSchemaVersion(ctx, tenant, sv.ID, now.Add(time.Hour)); err != nil {
		t.Errorf("second FreezeSchemaVersion returned error: %v", err)
	}

	// Mutating a frozen version is rejected.
	sv.VersionNumber = 2
	if _, err := s.PutSchemaVersion(ctx, sv); !anvilerr.Is(err, anvilerr.SchemaFrozen) {
		t.Errorf("expected SchemaFrozen error, got %v", err)
	}
}

func TestGetAssignmentCrossTenantNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenantA, tenantB := uuid.New(), uuid.New()

	a, err := s.PutAssignment(ctx, storage.Assignment{Tenant: tenantA})
	if err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}

	if _, err := s.GetAssignment(ctx, tenantB, a.ID); !anvilerr.Is(err, anvilerr.NotFound) {
		t.Errorf("expected NotFound for cross-tenant read, got %v", err)
	}
}

func TestStreamLabelsChunking(t *testing.T) {
	ctx := context.Background()
	s := New()
	tenant, queue := uuid.New(), uuid.New()

	a, err := s.PutAssignment(ctx, storage.Assignment{Tenant: tenant, QueueID: queue, SampleID: "s1"})
	if err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.PutLabel(ctx, storage.Label{AssignmentID: a.ID, LabelerID: uuid.New()}); err != nil {
			t.Fatalf("PutLabel: %v", err)
		}
	}

	var seen int
	var batches int
	err = s.StreamLabels(ctx, storage.LabelFilter{Tenant: tenant, QueueID: queue}, storage.OrderExportDefault, 2, func(batch []storage.Label) error {
		batches++
		seen += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamLabels: %v", err)
	}
	if seen != 5 {
		t.Errorf("seen = %d, want 5", seen)
	}
	if batches != 3 {
		t.Errorf("batches = %d, want 3", batches)
	}
}
