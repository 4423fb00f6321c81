// Package tenant carries the isolation boundary (§3, §4.9): every
// top-level entity belongs to a tenant, and cross-tenant reads and writes
// are forbidden at the Storage port.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Info is the resolved tenant metadata for the current call: §4.9 requires
// every core call to carry {caller_labeler, tenant}.
type Info struct {
	ID     uuid.UUID
	Name   string
	Schema string
}

// SchemaName returns the PostgreSQL schema name for a tenant id, following
// the tenant_<id> convention.
func SchemaName(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%s", id.String())
}

type contextKey string

const infoKey contextKey = "tenant_info"

// NewContext stores tenant info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the tenant info from the context. Returns nil if
// none is set.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// Role is a QueueMembership or Labeler role (§3, §4.9).
type Role string

const (
	RoleLabeler     Role = "labeler"
	RoleReviewer    Role = "reviewer"
	RoleAdjudicator Role = "adjudicator"
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
)

// ListIDs returns every provisioned tenant's id, for workers and registries
// that operate across the whole deployment rather than one tenant at a
// time.
func ListIDs(ctx context.Context, pool *pgxpool.Pool) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM public.tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
