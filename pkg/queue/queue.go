// Package queue implements the §4.5 Queue coordinator: dispatch_next,
// submit_label, and skip, plus the read views reviewers use. It wires
// together storage.Store, pkg/assignment's state machine, pkg/policy's
// validators/selector, pkg/schema's payload validation, pkg/acl's
// capability gate, and pkg/sampleprovider's version pinning.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel/attribute"

	"github.com/anvilhq/anvil/internal/telemetry"
	"github.com/anvilhq/anvil/pkg/acl"
	"github.com/anvilhq/anvil/pkg/agreement"
	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/assignment"
	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/sampleprovider"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
)

// Telemetry is the narrow logging/eventing surface the coordinator needs;
// a real deployment wires *slog.Logger plus whatever span/event emitter
// internal/telemetry provides.
type Telemetry interface {
	Event(ctx context.Context, name string, attrs map[string]any)
}

// AuditLogger is the §4.12 audit sink: the coordinator appends one entry
// per state-changing operation. Narrow enough that both a direct
// storage.Store.AppendAudit call and an async buffered writer satisfy it.
type AuditLogger interface {
	Log(entry storage.AuditLog)
}

// Coordinator is the §4.5 Queue coordinator.
type Coordinator struct {
	Store       storage.Store
	Samples     sampleprovider.Provider
	Policies    map[uuid.UUID]policy.Composed // queue id -> its configured validators+selector
	Schemas     map[uuid.UUID]schema.Definition // schema version id -> its parsed Definition
	Telemetry   Telemetry
	Audit       AuditLogger
	Logger      *slog.Logger
	Now         func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) event(ctx context.Context, name string, attrs map[string]any) {
	if c.Telemetry != nil {
		c.Telemetry.Event(ctx, name, attrs)
	}
}

func (c *Coordinator) audit(tenant uuid.UUID, actorID, action, entityType, entityID string) {
	if c.Audit == nil {
		return
	}
	c.Audit.Log(storage.AuditLog{
		Tenant:     tenant,
		ActorID:    actorID,
		ActorType:  "labeler",
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OccurredAt: c.now(),
	})
}

// callerFor resolves an acl.Caller from a labeler's current memberships
// for a specific queue.
func callerFor(labeler storage.Labeler, memberships []storage.QueueMembership, queueID uuid.UUID, now time.Time) acl.Caller {
	caller := acl.Caller{LabelerID: labeler.ID, Tenant: labeler.Tenant}
	for _, m := range memberships {
		if m.QueueID == queueID && m.Active(now) {
			caller.QueueRole = m.Role
			caller.MembershipOK = true
			break
		}
	}
	return caller
}

// DispatchNext implements §4.5's dispatch_next contract. Candidate
// selection and the resulting Assignment insert run inside one
// storage.Store.WithTx unit over ListAssignmentsForUpdate's row-level
// reservations (§4.1, §5), so two concurrent dispatchers for different
// labelers can never both observe the same sample as eligible and both
// succeed — the second blocks on the locked rows until the first commits,
// then re-counts and sees the cap already reached.
func (c *Coordinator) DispatchNext(ctx context.Context, tenant, queueID, labelerID uuid.UUID) (result storage.Assignment, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch_next")
	span.SetAttributes(
		attribute.String("anvil.tenant_id", tenant.String()),
		attribute.String("anvil.queue_id", queueID.String()),
		attribute.String("anvil.labeler_id", labelerID.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	queueRec, err := c.Store.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return storage.Assignment{}, err
	}
	labeler, err := c.Store.GetLabeler(ctx, tenant, labelerID)
	if err != nil {
		return storage.Assignment{}, err
	}
	memberships, err := c.Store.ListQueueMemberships(ctx, labelerID)
	if err != nil {
		return storage.Assignment{}, err
	}
	now := c.now()
	caller := callerFor(labeler, memberships, queueID, now)
	if err := acl.Check(caller, queueRec.Tenant, acl.ActionRequestAssignment); err != nil {
		return storage.Assignment{}, err
	}

	var membership storage.QueueMembership
	for _, m := range memberships {
		if m.QueueID == queueID {
			membership = m
			break
		}
	}

	inProgress, err := c.Store.CountInProgressAssignments(ctx, tenant, labelerID)
	if err != nil {
		return storage.Assignment{}, err
	}

	comp, ok := c.Policies[queueID]
	if !ok {
		comp = policy.Composed{Selector: policy.RoundRobin{}}
	}
	if err := comp.Validate(labeler, membership, inProgress); err != nil {
		return storage.Assignment{}, err
	}

	refs, err := c.Store.ListSampleRefs(ctx, storage.SampleRefFilter{Tenant: tenant, QueueID: queueID})
	if err != nil {
		return storage.Assignment{}, err
	}

	var created storage.Assignment
	err = c.Store.WithTx(ctx, tenant, func(tx storage.TxStore) error {
		eligible, err := eligibleSamples(ctx, tx, tenant, queueID, labelerID, queueRec, refs)
		if err != nil {
			return err
		}
		sample, ok := comp.Select(labeler, eligible)
		if !ok {
			return anvilerr.NoAvailableWorkErr()
		}

		dto, err := c.Samples.Fetch(ctx, sample.ID)
		if err != nil {
			return err
		}

		a := storage.Assignment{
			ID:            uuid.New(),
			QueueID:       queueID,
			SampleID:      sample.ID,
			LabelerID:     labelerID,
			Tenant:        tenant,
			Status:        storage.StatusPending,
			Version:       1,
			SampleVersion: dto.Version,
			CreatedAt:     now,
		}
		created, err = tx.PutAssignment(ctx, a)
		return err
	})
	if err != nil {
		return storage.Assignment{}, err
	}

	c.event(ctx, "anvil.assignment.created", map[string]any{
		"assignment_id": created.ID.String(),
		"queue_id":       queueID.String(),
		"labeler_id":     labelerID.String(),
		"sample_id":      created.SampleID,
	})
	c.audit(tenant, labelerID.String(), "assignment.dispatched", "assignment", created.ID.String())
	return created, nil
}

// eligibleSamples resolves the candidate sample set for a labeler: every
// sample_ref in the queue not yet at labels_per_sample, excluding ones the
// labeler has already completed or currently holds in_progress/pending.
// It reads through tx's ListAssignmentsForUpdate so the rows backing the
// label-count tally are locked for the rest of DispatchNext's transaction
// (§4.1, §5) rather than through a plain, non-locking scan.
func eligibleSamples(ctx context.Context, tx storage.TxStore, tenant, queueID, labelerID uuid.UUID, queueRec storage.Queue, refs []storage.SampleRef) ([]policy.Eligible, error) {
	existing, err := tx.ListAssignmentsForUpdate(ctx, storage.AssignmentFilter{
		Tenant:  tenant,
		QueueID: queueID,
	}, storage.OrderCreatedAtAsc, 0)
	if err != nil {
		return nil, err
	}

	labelCounts := make(map[string]int)
	excluded := make(map[string]bool)
	for _, a := range existing {
		switch a.Status {
		case storage.StatusCompleted:
			labelCounts[a.SampleID]++
			if a.LabelerID == labelerID {
				excluded[a.SampleID] = true
			}
		case storage.StatusPending, storage.StatusInProgress:
			if a.LabelerID == labelerID {
				excluded[a.SampleID] = true
			}
		}
	}

	var out []policy.Eligible
	for _, ref := range refs {
		if excluded[ref.ID] {
			continue
		}
		if labelCounts[ref.ID] >= queueRec.LabelsPerSample {
			continue
		}
		difficulty, _ := ref.Metadata["difficulty"].(string)
		out = append(out, policy.Eligible{Sample: ref, LabelCount: labelCounts[ref.ID], Difficulty: difficulty})
	}
	return out, nil
}

// SubmitLabel implements §4.5's submit_label contract: ownership check,
// schema validation, Label write (freezing the SchemaVersion on its first
// write), and the assignment's completed transition, as one logical unit.
func (c *Coordinator) SubmitLabel(ctx context.Context, tenant, assignmentID, callerLabelerID uuid.UUID, payload map[string]any) (result storage.Label, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "submit_label")
	span.SetAttributes(
		attribute.String("anvil.tenant_id", tenant.String()),
		attribute.String("anvil.assignment_id", assignmentID.String()),
		attribute.String("anvil.labeler_id", callerLabelerID.String()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	a, err := c.Store.GetAssignment(ctx, tenant, assignmentID)
	if err != nil {
		return storage.Label{}, err
	}
	if a.LabelerID != callerLabelerID {
		return storage.Label{}, anvilerr.ForbiddenReason("not_assignee")
	}

	queueRec, err := c.Store.GetQueue(ctx, tenant, a.QueueID)
	if err != nil {
		return storage.Label{}, err
	}
	schemaRec, err := c.Store.GetSchemaVersion(ctx, tenant, queueRec.SchemaVersionID)
	if err != nil {
		return storage.Label{}, err
	}
	def, ok := c.Schemas[schemaRec.ID]
	if !ok {
		return storage.Label{}, anvilerr.StorageErrf(nil, "schema definition %s not loaded", schemaRec.ID)
	}

	normalized, fieldErrs := schema.Validate(def, payload)
	if len(fieldErrs) > 0 {
		return storage.Label{}, anvilerr.ValidationFailedErr(fieldErrs)
	}

	now := c.now()
	updated, err := assignment.Complete(a, uuid.New(), now)
	if err != nil {
		return storage.Label{}, err
	}

	label := storage.Label{
		ID:              *updated.LabelID,
		AssignmentID:    a.ID,
		LabelerID:       callerLabelerID,
		SchemaVersionID: schemaRec.ID,
		Payload:         normalized,
		SubmittedAt:     now,
	}

	// The Label write, the SchemaVersion freeze (on the schema's first
	// label), and the Assignment's completed transition are one atomic
	// unit (§4.5, §5): a crash between them must never leave a persisted
	// Label with no completed Assignment, or a frozen schema with no
	// Label.
	var storedLabel storage.Label
	err = c.Store.WithTx(ctx, tenant, func(tx storage.TxStore) error {
		var err error
		storedLabel, err = tx.PutLabel(ctx, label)
		if err != nil {
			return err
		}
		if schemaRec.FrozenAt == nil {
			if err := tx.FreezeSchemaVersion(ctx, tenant, schemaRec.ID, now); err != nil {
				return err
			}
		}
		_, err = tx.UpdateAssignment(ctx, updated)
		return err
	})
	if err != nil {
		return storage.Label{}, err
	}

	c.event(ctx, "anvil.label.submitted", map[string]any{
		"assignment_id": a.ID.String(),
		"label_id":       storedLabel.ID.String(),
	})
	c.audit(tenant, callerLabelerID.String(), "label.submitted", "label", storedLabel.ID.String())
	return storedLabel, nil
}

// Skip implements §4.5's skip contract.
func (c *Coordinator) Skip(ctx context.Context, tenant, assignmentID, callerLabelerID uuid.UUID, reason string) (storage.Assignment, error) {
	a, err := c.Store.GetAssignment(ctx, tenant, assignmentID)
	if err != nil {
		return storage.Assignment{}, err
	}
	if a.LabelerID != callerLabelerID {
		return storage.Assignment{}, anvilerr.ForbiddenReason("not_assignee")
	}
	updated, err := assignment.Skip(a, reason, c.now())
	if err != nil {
		return storage.Assignment{}, err
	}
	stored, err := c.Store.UpdateAssignment(ctx, updated)
	if err != nil {
		return storage.Assignment{}, err
	}
	c.event(ctx, "anvil.assignment.skipped", map[string]any{
		"assignment_id": a.ID.String(),
		"reason":         reason,
	})
	c.audit(tenant, callerLabelerID.String(), "assignment.skipped", "assignment", a.ID.String())
	return stored, nil
}

// ReadLabels implements §4.5's read view for reviewers, gated by ACL but
// never tenant-leaking (§4.9).
func (c *Coordinator) ReadLabels(ctx context.Context, caller acl.Caller, tenant, queueID uuid.UUID) ([]storage.Label, error) {
	queueRec, err := c.Store.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return nil, err
	}
	if err := acl.Check(caller, queueRec.Tenant, acl.ActionReadLabels); err != nil {
		return nil, err
	}
	return c.Store.ListLabels(ctx, storage.LabelFilter{Tenant: tenant, QueueID: queueID}, storage.OrderExportDefault, 0, 0)
}

// RecomputeAgreement runs §4.8's Online mode: it rebuilds the rated-item
// pool for one field across every completed sample in the queue (Cohen's
// and Fleiss' kappa both need chance agreement estimated from that whole
// population, not from sampleID in isolation — see pkg/agreement's
// pooledKappa) and persists the resulting metric against sampleID.
// SubmitLabel does not call it, and nothing else in this module calls it
// after a submit_label; it runs only when a caller invokes it.
func (c *Coordinator) RecomputeAgreement(ctx context.Context, tenant, queueID uuid.UUID, sampleID, field string, dist agreement.DistanceFunc) error {
	pool, schemaVersionByItem, err := fieldPool(ctx, c.Store, tenant, queueID, field)
	if err != nil {
		return err
	}
	if _, ok := pool[sampleID]; !ok {
		return nil
	}

	items := make([]agreement.Item, 0, len(pool))
	for sid, values := range pool {
		items = append(items, agreement.Item{SampleID: sid, Values: values})
	}

	res, err := agreement.Compute(items, dist)
	if err != nil {
		if anvilerr.Is(err, anvilerr.InsufficientLabels) {
			return nil
		}
		return err
	}
	return c.Store.PutAgreementMetric(ctx, storage.AgreementMetricRecord{
		SampleID:        sampleID,
		Dimension:       field,
		SchemaVersionID: schemaVersionByItem[sampleID],
		Metric:          string(res.Metric),
		Value:           res.Value,
		NRaters:         res.NRaters,
		NLabels:         res.NLabels,
		ComputedAt:      c.now(),
	})
}

// fieldPool builds the agreement.Compute input for one queue field: every
// completed assignment's sample id, joined against its Label's payload for
// field (storage.Label carries AssignmentID, not SampleID, so the join
// runs through the assignment id both share).
func fieldPool(ctx context.Context, store storage.Store, tenant, queueID uuid.UUID, field string) (map[string]map[string]any, map[string]uuid.UUID, error) {
	assignments, err := store.ListAssignments(ctx, storage.AssignmentFilter{
		Tenant:   tenant,
		QueueID:  queueID,
		Statuses: []storage.AssignmentStatus{storage.StatusCompleted},
	}, storage.OrderCreatedAtAsc, 0)
	if err != nil {
		return nil, nil, err
	}
	sampleOf := make(map[uuid.UUID]string, len(assignments))
	for _, a := range assignments {
		sampleOf[a.ID] = a.SampleID
	}

	labels, err := store.ListLabels(ctx, storage.LabelFilter{Tenant: tenant, QueueID: queueID}, storage.OrderExportDefault, 0, 0)
	if err != nil {
		return nil, nil, err
	}

	pool := make(map[string]map[string]any)
	schemaVersionByItem := make(map[string]uuid.UUID)
	for _, l := range labels {
		sid, ok := sampleOf[l.AssignmentID]
		if !ok {
			continue
		}
		values, ok := pool[sid]
		if !ok {
			values = make(map[string]any)
			pool[sid] = values
		}
		values[l.LabelerID.String()] = l.Payload[field]
		schemaVersionByItem[sid] = l.SchemaVersionID
	}
	return pool, schemaVersionByItem, nil
}
