package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
)

// Registry keeps a Coordinator's Policies and Schemas maps in sync with
// storage by periodically re-listing every tenant's queues and their
// active schema versions. Dispatch reads whatever the last Refresh
// populated, so a newly created queue becomes dispatchable within one
// refresh interval rather than requiring a process restart. Queue and
// schema-version ids are globally unique, so one Coordinator's maps can
// safely hold entries from every tenant at once.
type Registry struct {
	Store       storage.Store
	Logger      *slog.Logger
	Coordinator *Coordinator

	// Tenants returns the current set of provisioned tenant ids. Supplied
	// by the caller since listing tenants is a public.tenants concern that
	// storage.Store (tenant-scoped by design) doesn't expose.
	Tenants func(ctx context.Context) ([]uuid.UUID, error)
}

// Refresh reloads every tenant's queues and schema definitions and swaps
// them into the Coordinator's maps.
func (r *Registry) Refresh(ctx context.Context) error {
	tenants, err := r.Tenants(ctx)
	if err != nil {
		return err
	}

	policies := make(map[uuid.UUID]policy.Composed)
	schemas := make(map[uuid.UUID]schema.Definition)

	for _, tenantID := range tenants {
		queues, err := r.Store.ListQueues(ctx, tenantID)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("registry: skipping tenant, listing queues failed", "tenant_id", tenantID, "error", err)
			}
			continue
		}

		for _, q := range queues {
			policies[q.ID] = policy.FromName(q.ID, q.Policy)

			sv, err := r.Store.GetSchemaVersion(ctx, tenantID, q.SchemaVersionID)
			if err != nil {
				if r.Logger != nil {
					r.Logger.Warn("registry: skipping queue with unresolvable schema version",
						"queue_id", q.ID, "schema_version_id", q.SchemaVersionID, "error", err)
				}
				continue
			}

			var def schema.Definition
			if err := json.Unmarshal(sv.DefinitionJSON, &def); err != nil {
				if r.Logger != nil {
					r.Logger.Warn("registry: skipping queue with unparsable schema definition",
						"queue_id", q.ID, "schema_version_id", sv.ID, "error", err)
				}
				continue
			}
			schemas[sv.ID] = def
		}
	}

	r.Coordinator.Policies = policies
	r.Coordinator.Schemas = schemas
	return nil
}

// Run calls Refresh on the given interval until ctx is cancelled, logging
// (rather than returning) refresh errors so a single failed pass doesn't
// tear down the loop.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if err := r.Refresh(ctx); err != nil && r.Logger != nil {
		r.Logger.Error("registry: initial refresh failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && r.Logger != nil {
				r.Logger.Error("registry: refresh failed", "error", err)
			}
		}
	}
}
