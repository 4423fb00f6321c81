// Package memstore is an in-memory Storage port adapter (§4.1). It backs
// unit tests and any embedding that does not need durability; every
// invariant the durable pgstore adapter must honor (tenant scoping,
// optimistic locking, skip-locked dispatch) is honored here too so that
// pkg/queue and friends can be exercised without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
)

// Store is a mutex-guarded in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	sampleRefs map[string]storage.SampleRef // key: tenant+queue+id
	assigns    map[uuid.UUID]storage.Assignment
	labels     map[uuid.UUID]storage.Label
	schemas    map[uuid.UUID]storage.SchemaVersionRecord
	queues     map[uuid.UUID]storage.Queue
	labelers   map[uuid.UUID]storage.Labeler
	members    map[uuid.UUID][]storage.QueueMembership // key: labelerID
	metrics    []storage.AgreementMetricRecord
	audit      []storage.AuditLog

	// locked tracks assignment IDs currently claimed by an in-flight
	// ListAssignmentsForUpdate caller, emulating SELECT ... FOR UPDATE SKIP
	// LOCKED until a subsequent UpdateAssignment clears it.
	locked map[uuid.UUID]bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sampleRefs: make(map[string]storage.SampleRef),
		assigns:    make(map[uuid.UUID]storage.Assignment),
		labels:     make(map[uuid.UUID]storage.Label),
		schemas:    make(map[uuid.UUID]storage.SchemaVersionRecord),
		queues:     make(map[uuid.UUID]storage.Queue),
		labelers:   make(map[uuid.UUID]storage.Labeler),
		members:    make(map[uuid.UUID][]storage.QueueMembership),
		locked:     make(map[uuid.UUID]bool),
	}
}

func sampleKey(tenant, queue uuid.UUID, id string) string {
	return tenant.String() + "/" + queue.String() + "/" + id
}

func (s *Store) PutSampleRef(ctx context.Context, ref storage.SampleRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now()
	}
	s.sampleRefs[sampleKey(ref.Tenant, ref.QueueID, ref.ID)] = ref
	return nil
}

func (s *Store) GetSampleRef(ctx context.Context, tenant, queueID uuid.UUID, sampleID string) (storage.SampleRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.sampleRefs[sampleKey(tenant, queueID, sampleID)]
	if !ok {
		return storage.SampleRef{}, anvilerr.NotFoundf("sample ref %s", sampleID)
	}
	return ref, nil
}

func (s *Store) ListSampleRefs(ctx context.Context, f storage.SampleRefFilter) ([]storage.SampleRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SampleRef
	idSet := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		idSet[id] = true
	}
	for _, ref := range s.sampleRefs {
		if ref.Tenant != f.Tenant || ref.QueueID != f.QueueID {
			continue
		}
		if len(f.IDs) > 0 && !idSet[ref.ID] {
			continue
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) putAssignmentLocked(a storage.Assignment) (storage.Assignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	s.assigns[a.ID] = a
	return a, nil
}

func (s *Store) PutAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAssignmentLocked(a)
}

// updateAssignmentLocked implements the optimistic-lock contract from §4.1:
// the update succeeds only if the stored version equals a.Version.
func (s *Store) updateAssignmentLocked(a storage.Assignment) (storage.Assignment, error) {
	existing, ok := s.assigns[a.ID]
	if !ok {
		return storage.Assignment{}, anvilerr.NotFoundf("assignment %s", a.ID)
	}
	if existing.Tenant != a.Tenant {
		return storage.Assignment{}, anvilerr.ForbiddenReason("tenant_mismatch")
	}
	if existing.Version != a.Version {
		return storage.Assignment{}, anvilerr.StaleErr()
	}
	a.Version = existing.Version + 1
	s.assigns[a.ID] = a
	delete(s.locked, a.ID)
	return a, nil
}

func (s *Store) UpdateAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAssignmentLocked(a)
}

func (s *Store) GetAssignment(ctx context.Context, tenant, id uuid.UUID) (storage.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assigns[id]
	if !ok || a.Tenant != tenant {
		return storage.Assignment{}, anvilerr.NotFoundf("assignment %s", id)
	}
	return a, nil
}

func matchesAssignment(a storage.Assignment, f storage.AssignmentFilter) bool {
	if a.Tenant != f.Tenant {
		return false
	}
	if f.QueueID != uuid.Nil && a.QueueID != f.QueueID {
		return false
	}
	if f.LabelerID != uuid.Nil && a.LabelerID != f.LabelerID {
		return false
	}
	if f.SampleID != "" && a.SampleID != f.SampleID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if a.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DeadlineBefore != nil && (a.Deadline == nil || !a.Deadline.Before(*f.DeadlineBefore)) {
		return false
	}
	if f.NotBefore != nil && a.NotBefore != nil && a.NotBefore.After(*f.NotBefore) {
		return false
	}
	return true
}

func sortAssignments(out []storage.Assignment, order storage.OrderBy) {
	switch order {
	case storage.OrderDeadlineAsc:
		sort.Slice(out, func(i, j int) bool {
			di, dj := out[i].Deadline, out[j].Deadline
			if di == nil || dj == nil {
				return di != nil
			}
			return di.Before(*dj)
		})
	default: // OrderCreatedAtAsc
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].SampleID < out[j].SampleID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
}

func (s *Store) ListAssignments(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAssignmentsLocked(f, order, limit, false)
}

// ListAssignmentsForUpdate emulates SELECT ... FOR UPDATE SKIP LOCKED:
// rows already claimed by a prior, not-yet-released call are excluded, and
// the rows this call returns are marked claimed until the caller writes
// back via UpdateAssignment (or PutAssignment for a fresh row).
func (s *Store) ListAssignmentsForUpdate(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAssignmentsLocked(f, order, limit, true)
}

func (s *Store) listAssignmentsLocked(f storage.AssignmentFilter, order storage.OrderBy, limit int, skipLocked bool) ([]storage.Assignment, error) {
	var out []storage.Assignment
	for _, a := range s.assigns {
		if !matchesAssignment(a, f) {
			continue
		}
		if skipLocked && s.locked[a.ID] {
			continue
		}
		out = append(out, a)
	}
	sortAssignments(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if skipLocked {
		for _, a := range out {
			s.locked[a.ID] = true
		}
	}
	return out, nil
}

func (s *Store) putLabelLocked(l storage.Label) (storage.Label, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.SubmittedAt.IsZero() {
		l.SubmittedAt = time.Now()
	}
	s.labels[l.ID] = l
	return l, nil
}

func (s *Store) PutLabel(ctx context.Context, l storage.Label) (storage.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLabelLocked(l)
}

func matchesLabel(l storage.Label, f storage.LabelFilter, assigns map[uuid.UUID]storage.Assignment) bool {
	if !f.IncludeDeleted && l.DeletedAt != nil {
		return false
	}
	a, ok := assigns[l.AssignmentID]
	if !ok || a.Tenant != f.Tenant {
		return false
	}
	if f.QueueID != uuid.Nil && a.QueueID != f.QueueID {
		return false
	}
	if f.SampleID != "" && a.SampleID != f.SampleID {
		return false
	}
	if f.SchemaVersionID != uuid.Nil && l.SchemaVersionID != f.SchemaVersionID {
		return false
	}
	return true
}

func (s *Store) listLabelsLocked(f storage.LabelFilter, order storage.OrderBy) []storage.Label {
	var out []storage.Label
	for _, l := range s.labels {
		if matchesLabel(l, f, s.assigns) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := s.assigns[out[i].AssignmentID], s.assigns[out[j].AssignmentID]
		if ai.SampleID != aj.SampleID {
			return ai.SampleID < aj.SampleID
		}
		if out[i].LabelerID != out[j].LabelerID {
			return out[i].LabelerID.String() < out[j].LabelerID.String()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (s *Store) ListLabels(ctx context.Context, f storage.LabelFilter, order storage.OrderBy, limit, offset int) ([]storage.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.listLabelsLocked(f, order)
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StreamLabels delivers labels in chunk-sized batches (§4.11 streaming).
func (s *Store) StreamLabels(ctx context.Context, f storage.LabelFilter, order storage.OrderBy, chunk int, fn func([]storage.Label) error) error {
	s.mu.Lock()
	out := s.listLabelsLocked(f, order)
	s.mu.Unlock()

	if chunk <= 0 {
		chunk = 1000
	}
	for i := 0; i < len(out); i += chunk {
		end := i + chunk
		if end > len(out) {
			end = len(out)
		}
		if err := fn(out[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutSchemaVersion(ctx context.Context, sv storage.SchemaVersionRecord) (storage.SchemaVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.schemas[sv.ID]; ok && existing.FrozenAt != nil {
		return storage.SchemaVersionRecord{}, anvilerr.SchemaFrozenErr()
	}
	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	s.schemas[sv.ID] = sv
	return sv, nil
}

func (s *Store) GetSchemaVersion(ctx context.Context, tenant, id uuid.UUID) (storage.SchemaVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.schemas[id]
	if !ok || sv.Tenant != tenant {
		return storage.SchemaVersionRecord{}, anvilerr.NotFoundf("schema version %s", id)
	}
	return sv, nil
}

func (s *Store) GetSchemaVersionByNumber(ctx context.Context, tenant, queueID uuid.UUID, number int) (storage.SchemaVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sv := range s.schemas {
		if sv.Tenant == tenant && sv.QueueID == queueID && sv.VersionNumber == number {
			return sv, nil
		}
	}
	return storage.SchemaVersionRecord{}, anvilerr.NotFoundf("schema version %d for queue %s", number, queueID)
}

func (s *Store) freezeSchemaVersionLocked(tenant, id uuid.UUID, at time.Time) error {
	sv, ok := s.schemas[id]
	if !ok || sv.Tenant != tenant {
		return anvilerr.NotFoundf("schema version %s", id)
	}
	if sv.FrozenAt != nil {
		return nil
	}
	sv.FrozenAt = &at
	s.schemas[id] = sv
	return nil
}

// FreezeSchemaVersion is atomic and idempotent (§4.1, §4.6): freezing an
// already-frozen version at a different time is a no-op success.
func (s *Store) FreezeSchemaVersion(ctx context.Context, tenant, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freezeSchemaVersionLocked(tenant, id, at)
}

func (s *Store) PutQueue(ctx context.Context, q storage.Queue) (storage.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	for _, existing := range s.queues {
		if existing.ID != q.ID && existing.Tenant == q.Tenant && existing.Name == q.Name {
			return storage.Queue{}, anvilerr.StorageErrf(nil, "unique constraint violated on (tenant, name)")
		}
	}
	s.queues[q.ID] = q
	return q, nil
}

func (s *Store) GetQueue(ctx context.Context, tenant, id uuid.UUID) (storage.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok || q.Tenant != tenant {
		return storage.Queue{}, anvilerr.NotFoundf("queue %s", id)
	}
	return q, nil
}

func (s *Store) GetQueueByName(ctx context.Context, tenant uuid.UUID, name string) (storage.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.Tenant == tenant && q.Name == name {
			return q, nil
		}
	}
	return storage.Queue{}, anvilerr.NotFoundf("queue %q", name)
}

func (s *Store) ListQueues(ctx context.Context, tenant uuid.UUID) ([]storage.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Queue
	for _, q := range s.queues {
		if q.Tenant == tenant {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Store) PutLabeler(ctx context.Context, l storage.Labeler) (storage.Labeler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.labelers[l.ID] = l
	return l, nil
}

func (s *Store) GetLabeler(ctx context.Context, tenant, id uuid.UUID) (storage.Labeler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.labelers[id]
	if !ok || l.Tenant != tenant {
		return storage.Labeler{}, anvilerr.NotFoundf("labeler %s", id)
	}
	return l, nil
}

// PutMembership is a test/seed helper; the Store interface only exposes
// reads because memberships are managed by an external admin surface
// (§4.9's "manage memberships" capability gate, owner-only).
func (s *Store) PutMembership(m storage.QueueMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.LabelerID] = append(s.members[m.LabelerID], m)
}

func (s *Store) ListQueueMemberships(ctx context.Context, labelerID uuid.UUID) ([]storage.QueueMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.QueueMembership(nil), s.members[labelerID]...), nil
}

func (s *Store) CountInProgressAssignments(ctx context.Context, tenant, labelerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.assigns {
		if a.Tenant == tenant && a.LabelerID == labelerID && a.Status == storage.StatusInProgress {
			count++
		}
	}
	return count, nil
}

func (s *Store) PutAgreementMetric(ctx context.Context, m storage.AgreementMetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.metrics {
		if existing.SampleID == m.SampleID && existing.Dimension == m.Dimension && existing.SchemaVersionID == m.SchemaVersionID {
			s.metrics[i] = m
			return nil
		}
	}
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *Store) ListAgreementMetrics(ctx context.Context, tenant, queueID uuid.UUID) ([]storage.AgreementMetricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inQueue := make(map[string]bool)
	for _, a := range s.assigns {
		if a.Tenant == tenant && a.QueueID == queueID {
			inQueue[a.SampleID] = true
		}
	}
	var out []storage.AgreementMetricRecord
	for _, m := range s.metrics {
		if inQueue[m.SampleID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry storage.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// Audit returns a copy of every recorded audit entry; test helper only.
func (s *Store) Audit() []storage.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AuditLog(nil), s.audit...)
}

// txStore is the TxStore handle WithTx passes to fn. It calls straight
// through to the *-Locked helpers: the mutex is already held for the whole
// WithTx call, standing in for pgstore's single pgx.Tx.
type txStore struct {
	s *Store
}

func (t *txStore) PutAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	return t.s.putAssignmentLocked(a)
}

func (t *txStore) UpdateAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	return t.s.updateAssignmentLocked(a)
}

func (t *txStore) ListAssignmentsForUpdate(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	return t.s.listAssignmentsLocked(f, order, limit, true)
}

func (t *txStore) PutLabel(ctx context.Context, l storage.Label) (storage.Label, error) {
	return t.s.putLabelLocked(l)
}

func (t *txStore) FreezeSchemaVersion(ctx context.Context, tenant, id uuid.UUID, at time.Time) error {
	return t.s.freezeSchemaVersionLocked(tenant, id, at)
}

// WithTx takes the store's single mutex for the whole call, giving fn the
// same one-unit-of-work guarantee pgstore's WithTx gives via a pgx.Tx
// (§4.1, §5). tenantID is accepted for interface parity with pgstore,
// which needs it to set search_path; memstore has no per-tenant connection
// to scope.
func (s *Store) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(storage.TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&txStore{s: s})
}
