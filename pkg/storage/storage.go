// Package storage defines the Storage port (§4.1): the abstract contract
// over a durable relational store that the rest of the core consumes. All
// operations are tenant-scoped.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus is one of the states from the §4.3 state machine.
type AssignmentStatus string

const (
	StatusPending     AssignmentStatus = "pending"
	StatusInProgress  AssignmentStatus = "in_progress"
	StatusCompleted   AssignmentStatus = "completed"
	StatusExpired     AssignmentStatus = "expired"
	StatusSkipped     AssignmentStatus = "skipped"
)

// QueueStatus is the lifecycle state of a Queue (§3).
type QueueStatus string

const (
	QueueActive   QueueStatus = "active"
	QueuePaused   QueueStatus = "paused"
	QueueArchived QueueStatus = "archived"
)

// AccessMode controls who may join a Queue (§3).
type AccessMode string

const (
	AccessPrivate    AccessMode = "private"
	AccessRestricted AccessMode = "restricted"
	AccessPublic     AccessMode = "public"
)

// LabelerStatus is the lifecycle state of a Labeler (§3).
type LabelerStatus string

const (
	LabelerActive      LabelerStatus = "active"
	LabelerSuspended   LabelerStatus = "suspended"
	LabelerDeactivated LabelerStatus = "deactivated"
)

// MembershipRole is a QueueMembership role (§3).
type MembershipRole string

const (
	MemberLabeler MembershipRole = "labeler"
	MemberReviewer MembershipRole = "reviewer"
	MemberOwner    MembershipRole = "owner"
)

// Queue is §3's Queue entity.
type Queue struct {
	ID                uuid.UUID
	Tenant            uuid.UUID
	Name              string
	SchemaVersionID   uuid.UUID
	Policy            string // policy name/kind understood by pkg/policy
	Status            QueueStatus
	AccessMode        AccessMode
	LabelsPerSample   int
	AssignmentTimeout time.Duration
	CreatedAt         time.Time
}

// SampleRef is the "Sample reference" entity (§3).
type SampleRef struct {
	Tenant     uuid.UUID
	QueueID    uuid.UUID
	ID         string
	VersionTag string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Assignment is §3's Assignment entity.
type Assignment struct {
	ID              uuid.UUID
	QueueID         uuid.UUID
	SampleID        string
	LabelerID       uuid.UUID
	Tenant          uuid.UUID
	Status          AssignmentStatus
	Version         int64
	Attempts        int
	Deadline        *time.Time
	ReservedAt      *time.Time
	CompletedAt     *time.Time
	SkippedAt       *time.Time
	ExpiredAt       *time.Time
	SkipReason      string
	LabelID         *uuid.UUID
	SampleVersion   string
	RequeueAttempts int
	// NotBefore carries a requeue policy's requeue_delay_seconds (§4.4,
	// §4.7) on a requeued row. memstore filters on it when a scan sets
	// AssignmentFilter.NotBefore; pgstore does not store it, and
	// DispatchNext does not consult it.
	NotBefore *time.Time
	CreatedAt time.Time
}

// Label is §3's Label entity.
type Label struct {
	ID              uuid.UUID
	AssignmentID    uuid.UUID
	LabelerID       uuid.UUID
	SchemaVersionID uuid.UUID
	Payload         map[string]any
	SubmittedAt     time.Time
	DeletedAt       *time.Time
}

// Labeler is §3's Labeler entity.
type Labeler struct {
	ID                       uuid.UUID
	Tenant                   uuid.UUID
	ExternalID               string
	Pseudonym                string
	Role                     MembershipRole
	Status                   LabelerStatus
	ExpertiseWeights         map[string]int // tier name -> weight
	BlocklistedQueues        []uuid.UUID
	MaxConcurrentAssignments int
}

// QueueMembership is §3's QueueMembership entity.
type QueueMembership struct {
	QueueID   uuid.UUID
	LabelerID uuid.UUID
	Role      MembershipRole
	GrantedAt time.Time
	GrantedBy uuid.UUID
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Active reports whether the membership is currently usable (§4.9).
func (m QueueMembership) Active(now time.Time) bool {
	if m.RevokedAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AuditLog is §3/§6's append-only audit entry.
type AuditLog struct {
	Tenant     uuid.UUID
	ActorID    string
	ActorType  string // "labeler" | "service" | "system"
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
	OccurredAt time.Time
}

// AssignmentFilter restricts a list_assignments query.
type AssignmentFilter struct {
	Tenant        uuid.UUID
	QueueID       uuid.UUID
	LabelerID     uuid.UUID // zero value means "any"
	Statuses      []AssignmentStatus
	SampleID      string
	DeadlineBefore *time.Time
	NotBefore     *time.Time // requeue_delay_seconds support
}

// SampleRefFilter restricts a list_sample_refs query.
type SampleRefFilter struct {
	Tenant  uuid.UUID
	QueueID uuid.UUID
	IDs     []string
}

// LabelFilter restricts a list_labels query.
type LabelFilter struct {
	Tenant          uuid.UUID
	QueueID         uuid.UUID
	SampleID        string
	SchemaVersionID uuid.UUID
	IncludeDeleted  bool
}

// OrderBy names a sort applied by list operations.
type OrderBy string

const (
	OrderCreatedAtAsc    OrderBy = "created_at_asc"
	OrderDeadlineAsc     OrderBy = "deadline_asc"
	OrderExportDefault   OrderBy = "sample_id_asc,labeler_id_asc,submitted_at_asc"
)

// Store is the Storage port (§4.1). Implementations: memstore (in-memory,
// used for tests and embedding) and pgstore (durable, Postgres-backed).
type Store interface {
	// Sample references.
	PutSampleRef(ctx context.Context, s SampleRef) error
	GetSampleRef(ctx context.Context, tenant, queueID uuid.UUID, sampleID string) (SampleRef, error)
	ListSampleRefs(ctx context.Context, f SampleRefFilter) ([]SampleRef, error)

	// Assignments.
	PutAssignment(ctx context.Context, a Assignment) (Assignment, error)
	// UpdateAssignment applies an optimistic-locked update: the write only
	// succeeds if the stored version equals a.Version; on success the
	// stored version becomes a.Version+1. On conflict it returns a
	// *anvilerr.Error of Kind Stale.
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	GetAssignment(ctx context.Context, tenant, id uuid.UUID) (Assignment, error)
	ListAssignments(ctx context.Context, f AssignmentFilter, order OrderBy, limit int) ([]Assignment, error)
	// ListAssignmentsForUpdate performs a "select for update skip locked"
	// scan, guaranteeing two concurrent dispatchers never observe the same
	// row as claimable (§4.1, §5).
	ListAssignmentsForUpdate(ctx context.Context, f AssignmentFilter, order OrderBy, limit int) ([]Assignment, error)

	// Labels.
	PutLabel(ctx context.Context, l Label) (Label, error)
	ListLabels(ctx context.Context, f LabelFilter, order OrderBy, limit, offset int) ([]Label, error)
	StreamLabels(ctx context.Context, f LabelFilter, order OrderBy, chunk int, fn func([]Label) error) error

	// Schema versions.
	PutSchemaVersion(ctx context.Context, sv SchemaVersionRecord) (SchemaVersionRecord, error)
	GetSchemaVersion(ctx context.Context, tenant, id uuid.UUID) (SchemaVersionRecord, error)
	GetSchemaVersionByNumber(ctx context.Context, tenant, queueID uuid.UUID, number int) (SchemaVersionRecord, error)
	// FreezeSchemaVersion is atomic and idempotent (§4.1, §4.6).
	FreezeSchemaVersion(ctx context.Context, tenant, id uuid.UUID, at time.Time) error

	// Queues.
	PutQueue(ctx context.Context, q Queue) (Queue, error)
	GetQueue(ctx context.Context, tenant, id uuid.UUID) (Queue, error)
	GetQueueByName(ctx context.Context, tenant uuid.UUID, name string) (Queue, error)
	// ListQueues returns every queue configured for the tenant, in no
	// particular guaranteed order. Used by the dispatch registry to build
	// the policy and schema caches (§4.5).
	ListQueues(ctx context.Context, tenant uuid.UUID) ([]Queue, error)

	// Labelers and memberships.
	PutLabeler(ctx context.Context, l Labeler) (Labeler, error)
	GetLabeler(ctx context.Context, tenant, id uuid.UUID) (Labeler, error)
	ListQueueMemberships(ctx context.Context, labelerID uuid.UUID) ([]QueueMembership, error)
	CountInProgressAssignments(ctx context.Context, tenant, labelerID uuid.UUID) (int, error)

	// Agreement metrics (cache, rebuildable from Labels).
	PutAgreementMetric(ctx context.Context, m AgreementMetricRecord) error
	ListAgreementMetrics(ctx context.Context, tenant, queueID uuid.UUID) ([]AgreementMetricRecord, error)

	// Audit.
	AppendAudit(ctx context.Context, entry AuditLog) error

	// WithTx runs fn against a single transactional unit scoped to tenant,
	// so a caller performing several writes that must all succeed or all
	// fail together (§5: dispatch_next and submit_label each span one
	// transaction) gets one durable commit instead of one commit per call.
	// fn's TxStore is only valid for the duration of the call.
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(TxStore) error) error
}

// TxStore is the narrow set of writes a caller can perform atomically
// inside Store.WithTx — exactly what dispatch_next and submit_label need
// (§4.1, §4.3, §4.5, §5), not the full Store port.
type TxStore interface {
	PutAssignment(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ListAssignmentsForUpdate(ctx context.Context, f AssignmentFilter, order OrderBy, limit int) ([]Assignment, error)
	PutLabel(ctx context.Context, l Label) (Label, error)
	FreezeSchemaVersion(ctx context.Context, tenant, id uuid.UUID, at time.Time) error
}

// SchemaVersionRecord is the storage-layer representation of §3's
// SchemaVersion entity. The field-level Definition lives in pkg/schema;
// storage only needs to persist it opaquely (JSON in the durable adapter).
type SchemaVersionRecord struct {
	ID                     uuid.UUID
	QueueID                uuid.UUID
	Tenant                 uuid.UUID
	VersionNumber          int
	DefinitionJSON         []byte
	TransformFromPreviousID *uuid.UUID
	FrozenAt               *time.Time
}

// AgreementMetricRecord is the storage-layer representation of §3's
// AgreementMetric entity.
type AgreementMetricRecord struct {
	SampleID        string
	Dimension       string
	SchemaVersionID uuid.UUID
	Metric          string // "cohen" | "fleiss" | "krippendorff" | "percent_agreement"
	Value           float64
	NRaters         int
	NLabels         int
	ComputedAt      time.Time
}
