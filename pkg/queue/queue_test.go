package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/sampleprovider"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
	"github.com/anvilhq/anvil/pkg/storage/memstore"
)

// fetchStub is a minimal sampleprovider.Provider that reports version "v1"
// for every sample id.
type fetchStub struct{}

func (fetchStub) Fetch(ctx context.Context, id string) (sampleprovider.DTO, error) {
	return sampleprovider.DTO{ID: id, Version: "v1"}, nil
}

func (fetchStub) FetchBatch(ctx context.Context, ids []string) (map[string]sampleprovider.DTO, error) {
	out := make(map[string]sampleprovider.DTO, len(ids))
	for _, id := range ids {
		out[id] = sampleprovider.DTO{ID: id, Version: "v1"}
	}
	return out, nil
}

func newFixture(t *testing.T) (*Coordinator, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := memstore.New()
	tenant := uuid.New()
	queueID := uuid.New()
	schemaID := uuid.New()
	labelerID := uuid.New()

	def := schema.Definition{Fields: []schema.Field{
		{Name: "sentiment", Type: schema.FieldSelect, Required: true, Options: []string{"pos", "neg"}},
	}}

	if _, err := store.PutSchemaVersion(context.Background(), storage.SchemaVersionRecord{
		ID: schemaID, QueueID: queueID, Tenant: tenant, VersionNumber: 1,
	}); err != nil {
		t.Fatalf("PutSchemaVersion: %v", err)
	}
	if _, err := store.PutQueue(context.Background(), storage.Queue{
		ID: queueID, Tenant: tenant, Name: "q1", SchemaVersionID: schemaID,
		Status: storage.QueueActive, LabelsPerSample: 1, AssignmentTimeout: time.Hour,
	}); err != nil {
		t.Fatalf("PutQueue: %v", err)
	}
	if _, err := store.PutLabeler(context.Background(), storage.Labeler{
		ID: labelerID, Tenant: tenant, ExternalID: "ext-1", Status: storage.LabelerActive,
	}); err != nil {
		t.Fatalf("PutLabeler: %v", err)
	}
	store.PutMembership(storage.QueueMembership{QueueID: queueID, LabelerID: labelerID, Role: storage.MemberLabeler, GrantedAt: time.Now()})
	if err := store.PutSampleRef(context.Background(), storage.SampleRef{
		Tenant: tenant, QueueID: queueID, ID: "s1", VersionTag: "v1", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("PutSampleRef: %v", err)
	}

	co := &Coordinator{
		Store:   store,
		Samples: fetchStub{},
		Policies: map[uuid.UUID]policy.Composed{
			queueID: {Selector: policy.RoundRobin{}},
		},
		Schemas: map[uuid.UUID]schema.Definition{schemaID: def},
	}
	return co, tenant, queueID, labelerID
}

func TestDispatchNextAndSubmitLabel(t *testing.T) {
	co, tenant, queueID, labelerID := newFixture(t)

	a, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if a.Status != storage.StatusPending {
		t.Fatalf("Status = %v, want pending", a.Status)
	}
	if a.SampleVersion != "v1" {
		t.Errorf("SampleVersion = %q, want v1", a.SampleVersion)
	}

	label, err := co.SubmitLabel(context.Background(), tenant, a.ID, labelerID, map[string]any{"sentiment": "pos"})
	if err != nil {
		t.Fatalf("SubmitLabel: %v", err)
	}
	if label.Payload["sentiment"] != "pos" {
		t.Errorf("Payload = %v, want sentiment=pos", label.Payload)
	}

	updated, err := co.Store.GetAssignment(context.Background(), tenant, a.ID)
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if updated.Status != storage.StatusCompleted {
		t.Fatalf("Status = %v, want completed", updated.Status)
	}
}

func TestSubmitLabelRejectsInvalidPayload(t *testing.T) {
	co, tenant, queueID, labelerID := newFixture(t)
	a, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	_, err = co.SubmitLabel(context.Background(), tenant, a.ID, labelerID, map[string]any{"sentiment": "neutral"})
	if !anvilerr.Is(err, anvilerr.ValidationFailed) {
		t.Fatalf("expected validation_failed, got %v", err)
	}
}

func TestSubmitLabelRejectsWrongAssignee(t *testing.T) {
	co, tenant, queueID, labelerID := newFixture(t)
	a, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	_, err = co.SubmitLabel(context.Background(), tenant, a.ID, uuid.New(), map[string]any{"sentiment": "pos"})
	if !anvilerr.Is(err, anvilerr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDispatchNextNoAvailableWork(t *testing.T) {
	co, tenant, queueID, labelerID := newFixture(t)
	if _, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID); err != nil {
		t.Fatalf("first DispatchNext: %v", err)
	}
	if _, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID); !anvilerr.Is(err, anvilerr.NoAvailableWork) {
		t.Fatalf("expected no_available_work on second dispatch, got %v", err)
	}
}

func TestSkipTransitionsToSkipped(t *testing.T) {
	co, tenant, queueID, labelerID := newFixture(t)
	a, err := co.DispatchNext(context.Background(), tenant, queueID, labelerID)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	skipped, err := co.Skip(context.Background(), tenant, a.ID, labelerID, "unclear")
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if skipped.Status != storage.StatusSkipped {
		t.Fatalf("Status = %v, want skipped", skipped.Status)
	}
}
