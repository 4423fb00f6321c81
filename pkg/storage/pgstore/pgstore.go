// Package pgstore is the durable Postgres implementation of the Storage
// port (pkg/storage), backed by pgx/v5 and schema-per-tenant isolation:
// every query runs against tenant_<id> via SET LOCAL search_path inside
// its own transaction.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/storage"
	"github.com/anvilhq/anvil/pkg/tenant"
)

// Store is a pgxpool-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool. The pool's DSN should not itself fix
// a search_path; each call sets one explicitly for its own transaction.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// withTenant runs fn inside a transaction with search_path scoped to the
// tenant's schema, so every query issued by fn is confined to that tenant's
// rows without needing a tenant_id column on every table.
func (s *Store) withTenant(ctx context.Context, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return anvilerr.StorageErrf(err, "beginning transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	schema := tenant.SchemaName(tenantID)
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path = %s, public", pgx.Identifier{schema}.Sanitize())); err != nil {
		return anvilerr.StorageErrf(err, "setting search_path for tenant %s", tenantID)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return anvilerr.StorageErrf(err, "committing transaction")
	}
	return nil
}

func (s *Store) PutSampleRef(ctx context.Context, ref storage.SampleRef) error {
	return s.withTenant(ctx, ref.Tenant, func(tx pgx.Tx) error {
		meta, err := json.Marshal(ref.Metadata)
		if err != nil {
			return anvilerr.StorageErrf(err, "marshaling sample ref metadata")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sample_refs (queue_id, id, version_tag, metadata, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (queue_id, id) DO UPDATE
			SET version_tag = EXCLUDED.version_tag, metadata = EXCLUDED.metadata`,
			ref.QueueID, ref.ID, ref.VersionTag, meta)
		if err != nil {
			return anvilerr.StorageErrf(err, "upserting sample ref %s", ref.ID)
		}
		return nil
	})
}

func (s *Store) GetSampleRef(ctx context.Context, tenantID, queueID uuid.UUID, sampleID string) (storage.SampleRef, error) {
	var out storage.SampleRef
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var meta []byte
		row := tx.QueryRow(ctx, `
			SELECT queue_id, id, version_tag, metadata, created_at
			FROM sample_refs WHERE queue_id = $1 AND id = $2`, queueID, sampleID)
		if err := row.Scan(&out.QueueID, &out.ID, &out.VersionTag, &meta, &out.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return anvilerr.NotFoundf("sample ref %s", sampleID)
			}
			return anvilerr.StorageErrf(err, "scanning sample ref %s", sampleID)
		}
		return json.Unmarshal(meta, &out.Metadata)
	})
	out.Tenant = tenantID
	return out, err
}

func (s *Store) ListSampleRefs(ctx context.Context, f storage.SampleRefFilter) ([]storage.SampleRef, error) {
	var out []storage.SampleRef
	err := s.withTenant(ctx, f.Tenant, func(tx pgx.Tx) error {
		query := `SELECT queue_id, id, version_tag, metadata, created_at FROM sample_refs WHERE queue_id = $1`
		args := []any{f.QueueID}
		if len(f.IDs) > 0 {
			query += " AND id = ANY($2)"
			args = append(args, f.IDs)
		}
		query += " ORDER BY created_at ASC, id ASC"
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return anvilerr.StorageErrf(err, "listing sample refs")
		}
		defer rows.Close()
		for rows.Next() {
			var ref storage.SampleRef
			var meta []byte
			if err := rows.Scan(&ref.QueueID, &ref.ID, &ref.VersionTag, &meta, &ref.CreatedAt); err != nil {
				return anvilerr.StorageErrf(err, "scanning sample ref row")
			}
			if err := json.Unmarshal(meta, &ref.Metadata); err != nil {
				return anvilerr.StorageErrf(err, "unmarshaling sample ref metadata")
			}
			ref.Tenant = f.Tenant
			out = append(out, ref)
		}
		return rows.Err()
	})
	return out, err
}

const assignmentColumns = `id, queue_id, sample_id, labeler_id, status, version, attempts,
	deadline, reserved_at, completed_at, skipped_at, expired_at, skip_reason,
	label_id, sample_version, requeue_attempts, created_at`

func scanAssignment(row pgx.Row, tenantID uuid.UUID) (storage.Assignment, error) {
	var a storage.Assignment
	err := row.Scan(&a.ID, &a.QueueID, &a.SampleID, &a.LabelerID, &a.Status, &a.Version,
		&a.Attempts, &a.Deadline, &a.ReservedAt, &a.CompletedAt, &a.SkippedAt, &a.ExpiredAt,
		&a.SkipReason, &a.LabelID, &a.SampleVersion, &a.RequeueAttempts, &a.CreatedAt)
	a.Tenant = tenantID
	return a, err
}

func putAssignmentTx(ctx context.Context, tx pgx.Tx, a storage.Assignment) (storage.Assignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO assignments (
			id, queue_id, sample_id, labeler_id, status, version, attempts,
			deadline, reserved_at, sample_version, requeue_attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $10, now())
		RETURNING `+assignmentColumns,
		a.ID, a.QueueID, a.SampleID, a.LabelerID, a.Status, a.Attempts,
		a.Deadline, a.ReservedAt, a.SampleVersion, a.RequeueAttempts)
	out, err := scanAssignment(row, a.Tenant)
	if err != nil {
		return storage.Assignment{}, anvilerr.StorageErrf(err, "inserting assignment for sample %s", a.SampleID)
	}
	return out, nil
}

func (s *Store) PutAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	var out storage.Assignment
	err := s.withTenant(ctx, a.Tenant, func(tx pgx.Tx) error {
		var err error
		out, err = putAssignmentTx(ctx, tx, a)
		return err
	})
	return out, err
}

// updateAssignmentTx applies the optimistic-locked update and, on a version
// mismatch, re-reads the row inside the same transaction to distinguish
// "row vanished" (not_found) from "someone else updated it first" (stale).
func updateAssignmentTx(ctx context.Context, tx pgx.Tx, a storage.Assignment) (storage.Assignment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE assignments SET
			status = $3, version = version + 1, attempts = $4,
			deadline = $5, reserved_at = $6, completed_at = $7, skipped_at = $8,
			expired_at = $9, skip_reason = $10, label_id = $11, requeue_attempts = $12
		WHERE id = $1 AND version = $2
		RETURNING `+assignmentColumns,
		a.ID, a.Version, a.Status, a.Attempts, a.Deadline, a.ReservedAt,
		a.CompletedAt, a.SkippedAt, a.ExpiredAt, a.SkipReason, a.LabelID, a.RequeueAttempts)
	out, err := scanAssignment(row, a.Tenant)
	if err == nil {
		return out, nil
	}
	if err != pgx.ErrNoRows {
		return storage.Assignment{}, anvilerr.StorageErrf(err, "updating assignment %s", a.ID)
	}
	var exists bool
	checkErr := tx.QueryRow(ctx, `SELECT true FROM assignments WHERE id = $1`, a.ID).Scan(&exists)
	if checkErr == pgx.ErrNoRows {
		return storage.Assignment{}, anvilerr.NotFoundf("assignment %s", a.ID)
	}
	if checkErr != nil {
		return storage.Assignment{}, anvilerr.StorageErrf(checkErr, "checking assignment %s", a.ID)
	}
	return storage.Assignment{}, anvilerr.StaleErr()
}

func (s *Store) UpdateAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	var out storage.Assignment
	err := s.withTenant(ctx, a.Tenant, func(tx pgx.Tx) error {
		var err error
		out, err = updateAssignmentTx(ctx, tx, a)
		return err
	})
	return out, err
}

func (s *Store) GetAssignment(ctx context.Context, tenantID, id uuid.UUID) (storage.Assignment, error) {
	var out storage.Assignment
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id)
		var err error
		out, err = scanAssignment(row, tenantID)
		if err == pgx.ErrNoRows {
			return anvilerr.NotFoundf("assignment %s", id)
		}
		if err != nil {
			return anvilerr.StorageErrf(err, "scanning assignment %s", id)
		}
		return nil
	})
	return out, err
}

func buildAssignmentWhere(f storage.AssignmentFilter) (string, []any) {
	where := "1=1"
	var args []any
	argN := 1
	add := func(clause string, val any) {
		where += fmt.Sprintf(" AND %s", fmt.Sprintf(clause, argN))
		args = append(args, val)
		argN++
	}
	if f.QueueID != uuid.Nil {
		add("queue_id = $%d", f.QueueID)
	}
	if f.LabelerID != uuid.Nil {
		add("labeler_id = $%d", f.LabelerID)
	}
	if f.SampleID != "" {
		add("sample_id = $%d", f.SampleID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.DeadlineBefore != nil {
		add("deadline < $%d", *f.DeadlineBefore)
	}
	if f.NotBefore != nil {
		add("(deadline IS NULL OR deadline >= $%d)", *f.NotBefore)
	}
	return where, args
}

func orderClause(order storage.OrderBy) string {
	switch order {
	case storage.OrderDeadlineAsc:
		return "ORDER BY deadline ASC NULLS LAST"
	case storage.OrderExportDefault:
		return "ORDER BY sample_id ASC"
	default:
		return "ORDER BY created_at ASC, sample_id ASC"
	}
}

func listAssignmentsTx(ctx context.Context, tx pgx.Tx, f storage.AssignmentFilter, order storage.OrderBy, limit int, forUpdate bool) ([]storage.Assignment, error) {
	var out []storage.Assignment
	where, args := buildAssignmentWhere(f)
	query := fmt.Sprintf(`SELECT %s FROM assignments WHERE %s %s`, assignmentColumns, where, orderClause(order))
	if forUpdate {
		query += " FOR UPDATE SKIP LOCKED"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, anvilerr.StorageErrf(err, "listing assignments")
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssignment(rows, f.Tenant)
		if err != nil {
			return nil, anvilerr.StorageErrf(err, "scanning assignment row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) listAssignments(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int, forUpdate bool) ([]storage.Assignment, error) {
	var out []storage.Assignment
	err := s.withTenant(ctx, f.Tenant, func(tx pgx.Tx) error {
		var err error
		out, err = listAssignmentsTx(ctx, tx, f, order, limit, forUpdate)
		return err
	})
	return out, err
}

func (s *Store) ListAssignments(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	return s.listAssignments(ctx, f, order, limit, false)
}

// ListAssignmentsForUpdate issues SELECT ... FOR UPDATE SKIP LOCKED. Called
// standalone it holds the lock only for its own transaction; dispatch_next
// and other multi-step callers get the lock held across the whole unit by
// calling it through the TxStore handle WithTx hands to fn (§4.1, §5).
func (s *Store) ListAssignmentsForUpdate(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	return s.listAssignments(ctx, f, order, limit, true)
}

func putLabelTx(ctx context.Context, tx pgx.Tx, l storage.Label) (storage.Label, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	payload, err := json.Marshal(l.Payload)
	if err != nil {
		return storage.Label{}, anvilerr.StorageErrf(err, "marshaling label payload")
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO labels (id, assignment_id, labeler_id, schema_version_id, payload, submitted_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
		RETURNING submitted_at`, l.ID, l.AssignmentID, l.LabelerID, l.SchemaVersionID, payload)
	if err := row.Scan(&l.SubmittedAt); err != nil {
		return storage.Label{}, anvilerr.StorageErrf(err, "inserting label for assignment %s", l.AssignmentID)
	}
	return l, nil
}

func (s *Store) PutLabel(ctx context.Context, l storage.Label) (storage.Label, error) {
	var out storage.Label
	err := s.withTenantFromAssignment(ctx, l.AssignmentID, func(tx pgx.Tx, tenantID uuid.UUID) error {
		var err error
		out, err = putLabelTx(ctx, tx, l)
		return err
	})
	return out, err
}

// withTenantFromAssignment is a convenience for label writes, which carry
// an assignment id but not the tenant directly; pkg/queue always calls
// through the coordinator which already has tenant in context, so this is
// only exercised by direct Store callers (tests, migrations).
func (s *Store) withTenantFromAssignment(ctx context.Context, assignmentID uuid.UUID, fn func(tx pgx.Tx, tenantID uuid.UUID) error) error {
	t := tenant.FromContext(ctx)
	if t == nil {
		return anvilerr.StorageErrf(nil, "no tenant in context for assignment %s", assignmentID)
	}
	return s.withTenant(ctx, t.ID, func(tx pgx.Tx) error { return fn(tx, t.ID) })
}

func buildLabelWhere(f storage.LabelFilter) (string, []any) {
	where := "a.queue_id = $1"
	args := []any{f.QueueID}
	argN := 2
	if f.SampleID != "" {
		where += fmt.Sprintf(" AND a.sample_id = $%d", argN)
		args = append(args, f.SampleID)
		argN++
	}
	if f.SchemaVersionID != uuid.Nil {
		where += fmt.Sprintf(" AND l.schema_version_id = $%d", argN)
		args = append(args, f.SchemaVersionID)
		argN++
	}
	if !f.IncludeDeleted {
		where += " AND l.deleted_at IS NULL"
	}
	return where, args
}

func queryLabels(ctx context.Context, tx pgx.Tx, f storage.LabelFilter, order storage.OrderBy, limit, offset int) ([]storage.Label, error) {
	where, args := buildLabelWhere(f)
	query := fmt.Sprintf(`
		SELECT l.id, l.assignment_id, l.labeler_id, l.schema_version_id, l.payload, l.submitted_at, l.deleted_at
		FROM labels l JOIN assignments a ON a.id = l.assignment_id
		WHERE %s
		ORDER BY a.sample_id ASC, l.labeler_id ASC, l.submitted_at ASC`, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", offset)
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, anvilerr.StorageErrf(err, "listing labels")
	}
	defer rows.Close()
	var out []storage.Label
	for rows.Next() {
		var l storage.Label
		var payload []byte
		if err := rows.Scan(&l.ID, &l.AssignmentID, &l.LabelerID, &l.SchemaVersionID, &payload, &l.SubmittedAt, &l.DeletedAt); err != nil {
			return nil, anvilerr.StorageErrf(err, "scanning label row")
		}
		if err := json.Unmarshal(payload, &l.Payload); err != nil {
			return nil, anvilerr.StorageErrf(err, "unmarshaling label payload")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) ListLabels(ctx context.Context, f storage.LabelFilter, order storage.OrderBy, limit, offset int) ([]storage.Label, error) {
	var out []storage.Label
	err := s.withTenant(ctx, f.Tenant, func(tx pgx.Tx) error {
		var err error
		out, err = queryLabels(ctx, tx, f, order, limit, offset)
		return err
	})
	return out, err
}

// StreamLabels pages through matching labels in chunk-sized batches inside
// a single transaction, so the export engine gets a consistent snapshot
// (§4.11's determinism requirement).
func (s *Store) StreamLabels(ctx context.Context, f storage.LabelFilter, order storage.OrderBy, chunk int, fn func([]storage.Label) error) error {
	if chunk <= 0 {
		chunk = 1000
	}
	return s.withTenant(ctx, f.Tenant, func(tx pgx.Tx) error {
		offset := 0
		for {
			batch, err := queryLabels(ctx, tx, f, order, chunk, offset)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			if err := fn(batch); err != nil {
				return err
			}
			if len(batch) < chunk {
				return nil
			}
			offset += chunk
		}
	})
}

func (s *Store) PutSchemaVersion(ctx context.Context, sv storage.SchemaVersionRecord) (storage.SchemaVersionRecord, error) {
	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	err := s.withTenant(ctx, sv.Tenant, func(tx pgx.Tx) error {
		var frozen bool
		err := tx.QueryRow(ctx, `SELECT frozen_at IS NOT NULL FROM schema_versions WHERE id = $1`, sv.ID).Scan(&frozen)
		if err != nil && err != pgx.ErrNoRows {
			return anvilerr.StorageErrf(err, "checking schema version freeze state")
		}
		if frozen {
			return anvilerr.SchemaFrozenErr()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO schema_versions (id, queue_id, version_number, definition, transform_from_previous_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET definition = EXCLUDED.definition, transform_from_previous_id = EXCLUDED.transform_from_previous_id`,
			sv.ID, sv.QueueID, sv.VersionNumber, sv.DefinitionJSON, sv.TransformFromPreviousID)
		if err != nil {
			return anvilerr.StorageErrf(err, "upserting schema version %s", sv.ID)
		}
		return nil
	})
	sv.Tenant = sv.Tenant
	return sv, err
}

func scanSchemaVersion(row pgx.Row, tenantID uuid.UUID) (storage.SchemaVersionRecord, error) {
	var sv storage.SchemaVersionRecord
	err := row.Scan(&sv.ID, &sv.QueueID, &sv.VersionNumber, &sv.DefinitionJSON, &sv.TransformFromPreviousID, &sv.FrozenAt)
	sv.Tenant = tenantID
	return sv, err
}

func (s *Store) GetSchemaVersion(ctx context.Context, tenantID, id uuid.UUID) (storage.SchemaVersionRecord, error) {
	var out storage.SchemaVersionRecord
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, queue_id, version_number, definition, transform_from_previous_id, frozen_at
			FROM schema_versions WHERE id = $1`, id)
		var err error
		out, err = scanSchemaVersion(row, tenantID)
		if err == pgx.ErrNoRows {
			return anvilerr.NotFoundf("schema version %s", id)
		}
		return err
	})
	return out, err
}

func (s *Store) GetSchemaVersionByNumber(ctx context.Context, tenantID, queueID uuid.UUID, number int) (storage.SchemaVersionRecord, error) {
	var out storage.SchemaVersionRecord
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, queue_id, version_number, definition, transform_from_previous_id, frozen_at
			FROM schema_versions WHERE queue_id = $1 AND version_number = $2`, queueID, number)
		var err error
		out, err = scanSchemaVersion(row, tenantID)
		if err == pgx.ErrNoRows {
			return anvilerr.NotFoundf("schema version %d for queue %s", number, queueID)
		}
		return err
	})
	return out, err
}

func freezeSchemaVersionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx, `UPDATE schema_versions SET frozen_at = $2 WHERE id = $1 AND frozen_at IS NULL`, id, at)
	if err != nil {
		return anvilerr.StorageErrf(err, "freezing schema version %s", id)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM schema_versions WHERE id = $1`, id).Scan(&exists); err != nil {
			if err == pgx.ErrNoRows {
				return anvilerr.NotFoundf("schema version %s", id)
			}
			return anvilerr.StorageErrf(err, "checking schema version %s", id)
		}
	}
	return nil
}

// FreezeSchemaVersion is idempotent: re-freezing an already-frozen version
// is a no-op success rather than an error (§4.1, §4.6).
func (s *Store) FreezeSchemaVersion(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		return freezeSchemaVersionTx(ctx, tx, id, at)
	})
}

// txStore is the TxStore handle passed to Store.WithTx's fn: every call
// runs against the one pgx.Tx opened for the unit, under the tenant's
// search_path set once when the transaction began.
type txStore struct {
	tx       pgx.Tx
	tenantID uuid.UUID
}

func (t *txStore) PutAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	return putAssignmentTx(ctx, t.tx, a)
}

func (t *txStore) UpdateAssignment(ctx context.Context, a storage.Assignment) (storage.Assignment, error) {
	return updateAssignmentTx(ctx, t.tx, a)
}

func (t *txStore) ListAssignmentsForUpdate(ctx context.Context, f storage.AssignmentFilter, order storage.OrderBy, limit int) ([]storage.Assignment, error) {
	return listAssignmentsTx(ctx, t.tx, f, order, limit, true)
}

func (t *txStore) PutLabel(ctx context.Context, l storage.Label) (storage.Label, error) {
	return putLabelTx(ctx, t.tx, l)
}

func (t *txStore) FreezeSchemaVersion(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	return freezeSchemaVersionTx(ctx, t.tx, id, at)
}

// WithTx runs fn inside one transaction scoped to tenantID's schema, giving
// dispatch_next and submit_label (§5) a single commit/rollback unit instead
// of one per Store call.
func (s *Store) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(storage.TxStore) error) error {
	return s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx, tenantID: tenantID})
	})
}

func (s *Store) PutQueue(ctx context.Context, q storage.Queue) (storage.Queue, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	out := q
	err := s.withTenant(ctx, q.Tenant, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO queues (id, name, schema_version_id, policy, status, access_mode, labels_per_sample, assignment_timeout_seconds, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, schema_version_id = EXCLUDED.schema_version_id,
				policy = EXCLUDED.policy, status = EXCLUDED.status, access_mode = EXCLUDED.access_mode,
				labels_per_sample = EXCLUDED.labels_per_sample, assignment_timeout_seconds = EXCLUDED.assignment_timeout_seconds
			RETURNING created_at`,
			q.ID, q.Name, q.SchemaVersionID, q.Policy, q.Status, q.AccessMode, q.LabelsPerSample, int64(q.AssignmentTimeout.Seconds()))
		if err := row.Scan(&out.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return anvilerr.StorageErrf(err, "queue name %q already exists for tenant", q.Name)
			}
			return anvilerr.StorageErrf(err, "upserting queue %s", q.ID)
		}
		return nil
	})
	out.ID, out.Tenant = q.ID, q.Tenant
	return out, err
}

func scanQueue(row pgx.Row, tenantID uuid.UUID) (storage.Queue, error) {
	var q storage.Queue
	var timeoutSeconds int64
	err := row.Scan(&q.ID, &q.Name, &q.SchemaVersionID, &q.Policy, &q.Status, &q.AccessMode, &q.LabelsPerSample, &timeoutSeconds, &q.CreatedAt)
	q.Tenant = tenantID
	q.AssignmentTimeout = time.Duration(timeoutSeconds) * time.Second
	return q, err
}

const queueColumns = `id, name, schema_version_id, policy, status, access_mode, labels_per_sample, assignment_timeout_seconds, created_at`

func (s *Store) GetQueue(ctx context.Context, tenantID, id uuid.UUID) (storage.Queue, error) {
	var out storage.Queue
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE id = $1`, id)
		var err error
		out, err = scanQueue(row, tenantID)
		if err == pgx.ErrNoRows {
			return anvilerr.NotFoundf("queue %s", id)
		}
		return err
	})
	return out, err
}

func (s *Store) GetQueueByName(ctx context.Context, tenantID uuid.UUID, name string) (storage.Queue, error) {
	var out storage.Queue
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE name = $1`, name)
		var err error
		out, err = scanQueue(row, tenantID)
		if err == pgx.ErrNoRows {
			return anvilerr.NotFoundf("queue %q", name)
		}
		return err
	})
	return out, err
}

func (s *Store) ListQueues(ctx context.Context, tenantID uuid.UUID) ([]storage.Queue, error) {
	var out []storage.Queue
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY name`)
		if err != nil {
			return anvilerr.StorageErrf(err, "listing queues")
		}
		defer rows.Close()
		for rows.Next() {
			q, err := scanQueue(rows, tenantID)
			if err != nil {
				return anvilerr.StorageErrf(err, "scanning queue row")
			}
			out = append(out, q)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) PutLabeler(ctx context.Context, l storage.Labeler) (storage.Labeler, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	err := s.withTenant(ctx, l.Tenant, func(tx pgx.Tx) error {
		weights, err := json.Marshal(l.ExpertiseWeights)
		if err != nil {
			return anvilerr.StorageErrf(err, "marshaling expertise weights")
		}
		blocklist := l.BlocklistedQueues
		if blocklist == nil {
			blocklist = []uuid.UUID{}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO labelers (id, external_id, pseudonym, role, status, expertise_weights, blocklisted_queues, max_concurrent_assignments)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				pseudonym = EXCLUDED.pseudonym, role = EXCLUDED.role, status = EXCLUDED.status,
				expertise_weights = EXCLUDED.expertise_weights, blocklisted_queues = EXCLUDED.blocklisted_queues,
				max_concurrent_assignments = EXCLUDED.max_concurrent_assignments`,
			l.ID, l.ExternalID, l.Pseudonym, l.Role, l.Status, weights, blocklist, l.MaxConcurrentAssignments)
		if err != nil {
			return anvilerr.StorageErrf(err, "upserting labeler %s", l.ID)
		}
		return nil
	})
	return l, err
}

func (s *Store) GetLabeler(ctx context.Context, tenantID, id uuid.UUID) (storage.Labeler, error) {
	var out storage.Labeler
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		var weights []byte
		row := tx.QueryRow(ctx, `
			SELECT id, external_id, pseudonym, role, status, expertise_weights, blocklisted_queues, max_concurrent_assignments
			FROM labelers WHERE id = $1`, id)
		if err := row.Scan(&out.ID, &out.ExternalID, &out.Pseudonym, &out.Role, &out.Status, &weights, &out.BlocklistedQueues, &out.MaxConcurrentAssignments); err != nil {
			if err == pgx.ErrNoRows {
				return anvilerr.NotFoundf("labeler %s", id)
			}
			return anvilerr.StorageErrf(err, "scanning labeler %s", id)
		}
		return json.Unmarshal(weights, &out.ExpertiseWeights)
	})
	out.Tenant = tenantID
	return out, err
}

// PutQueueMembership grants or updates a labeler's role on a queue. It is
// not part of the storage.Store port: memberships are managed by an
// external admin surface (§4.9's owner-only "manage memberships"
// capability), not by the dispatch/submission path, so callers reach it
// through the concrete *pgstore.Store rather than the Store interface.
func (s *Store) PutQueueMembership(ctx context.Context, m storage.QueueMembership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_memberships (queue_id, labeler_id, role, granted_at, granted_by, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (queue_id, labeler_id) DO UPDATE SET
			role = EXCLUDED.role, expires_at = EXCLUDED.expires_at, revoked_at = EXCLUDED.revoked_at`,
		m.QueueID, m.LabelerID, m.Role, m.GrantedAt, m.GrantedBy, m.ExpiresAt, m.RevokedAt)
	if err != nil {
		return anvilerr.StorageErrf(err, "upserting queue membership (queue=%s, labeler=%s)", m.QueueID, m.LabelerID)
	}
	return nil
}

// ListQueueMemberships and CountInProgressAssignments intentionally take
// no explicit tenant: memberships are looked up by labeler id, which is
// already tenant-scoped at creation, and the caller is expected to have
// validated the labeler belongs to its own tenant via GetLabeler first.
func (s *Store) ListQueueMemberships(ctx context.Context, labelerID uuid.UUID) ([]storage.QueueMembership, error) {
	var out []storage.QueueMembership
	err := s.pool.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		rows, err := c.Query(ctx, `
			SELECT queue_id, labeler_id, role, granted_at, granted_by, expires_at, revoked_at
			FROM queue_memberships WHERE labeler_id = $1`, labelerID)
		if err != nil {
			return anvilerr.StorageErrf(err, "listing queue memberships")
		}
		defer rows.Close()
		for rows.Next() {
			var m storage.QueueMembership
			if err := rows.Scan(&m.QueueID, &m.LabelerID, &m.Role, &m.GrantedAt, &m.GrantedBy, &m.ExpiresAt, &m.RevokedAt); err != nil {
				return anvilerr.StorageErrf(err, "scanning membership row")
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CountInProgressAssignments(ctx context.Context, tenantID, labelerID uuid.UUID) (int, error) {
	var count int
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT count(*) FROM assignments WHERE labeler_id = $1 AND status = 'in_progress'`, labelerID).Scan(&count)
	})
	return count, err
}

func (s *Store) PutAgreementMetric(ctx context.Context, m storage.AgreementMetricRecord) error {
	t := tenant.FromContext(ctx)
	if t == nil {
		return anvilerr.StorageErrf(nil, "no tenant in context for agreement metric")
	}
	return s.withTenant(ctx, t.ID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO agreement_metrics (sample_id, dimension, schema_version_id, metric, value, n_raters, n_labels, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (sample_id, dimension, schema_version_id, metric) DO UPDATE
			SET value = EXCLUDED.value, n_raters = EXCLUDED.n_raters, n_labels = EXCLUDED.n_labels, computed_at = now()`,
			m.SampleID, m.Dimension, m.SchemaVersionID, m.Metric, m.Value, m.NRaters, m.NLabels)
		if err != nil {
			return anvilerr.StorageErrf(err, "upserting agreement metric for sample %s", m.SampleID)
		}
		return nil
	})
}

func (s *Store) ListAgreementMetrics(ctx context.Context, tenantID, queueID uuid.UUID) ([]storage.AgreementMetricRecord, error) {
	var out []storage.AgreementMetricRecord
	err := s.withTenant(ctx, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT am.sample_id, am.dimension, am.schema_version_id, am.metric, am.value, am.n_raters, am.n_labels, am.computed_at
			FROM agreement_metrics am
			JOIN sample_refs sr ON sr.id = am.sample_id
			WHERE sr.queue_id = $1`, queueID)
		if err != nil {
			return anvilerr.StorageErrf(err, "listing agreement metrics")
		}
		defer rows.Close()
		for rows.Next() {
			var m storage.AgreementMetricRecord
			if err := rows.Scan(&m.SampleID, &m.Dimension, &m.SchemaVersionID, &m.Metric, &m.Value, &m.NRaters, &m.NLabels, &m.ComputedAt); err != nil {
				return anvilerr.StorageErrf(err, "scanning agreement metric row")
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) AppendAudit(ctx context.Context, entry storage.AuditLog) error {
	return s.withTenant(ctx, entry.Tenant, func(tx pgx.Tx) error {
		meta, err := json.Marshal(entry.Metadata)
		if err != nil {
			return anvilerr.StorageErrf(err, "marshaling audit metadata")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_log (actor_id, actor_type, action, entity_type, entity_id, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			entry.ActorID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, meta)
		if err != nil {
			return anvilerr.StorageErrf(err, "appending audit log entry")
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (23505), turning a race into a clean ACL/validation error instead of a
// bare storage_error.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if ok := scanAsPgError(err, &pgErr); ok {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func scanAsPgError(err error, target *interface{ SQLState() string }) bool {
	for err != nil {
		if pe, ok := err.(interface{ SQLState() string }); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
