// Package seed provisions a development tenant with a labeling queue,
// schema version, labelers, and sample references, so a fresh environment
// has something to dispatch against immediately.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anvilhq/anvil/pkg/pseudonym"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
	"github.com/anvilhq/anvil/pkg/storage/pgstore"
	"github.com/anvilhq/anvil/pkg/tenant"
)

// TenantName is the development tenant provisioned by Run.
const TenantName = "Acme Labeling"

// sentimentSchema is the demo queue's schema: a single required select
// field with three options, matching §4.6's field-typed validation.
func sentimentSchema() schema.Definition {
	return schema.Definition{
		Fields: []schema.Field{
			{
				Name:     "sentiment",
				Type:     schema.FieldSelect,
				Required: true,
				Options:  []string{"positive", "neutral", "negative"},
			},
		},
	}
}

// Run provisions the "Acme Labeling" development tenant and populates it
// with a queue, schema version, labelers, and sample references. It is
// idempotent at the tenant-name level: if a tenant of that name already
// exists in public.tenants, it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, databaseURL, migrationsDir string, logger *slog.Logger, pseudonymSecret []byte) error {
	var existingID uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM public.tenants WHERE name = $1`, TenantName).Scan(&existingID)
	if err == nil {
		logger.Info("seed: tenant already exists, skipping", "tenant_id", existingID)
		return nil
	}

	prov := &tenant.Provisioner{
		DB:            pool,
		DatabaseURL:   databaseURL,
		MigrationsDir: migrationsDir,
		Logger:        logger,
	}

	info, err := prov.Provision(ctx, TenantName)
	if err != nil {
		return fmt.Errorf("provisioning seed tenant: %w", err)
	}
	logger.Info("seed: provisioned tenant", "tenant_id", info.ID, "schema", info.Schema)

	store := pgstore.New(pool)
	def := sentimentSchema()
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling seed schema: %w", err)
	}

	sv, err := store.PutSchemaVersion(ctx, storage.SchemaVersionRecord{
		ID:             uuid.New(),
		Tenant:         info.ID,
		VersionNumber:  1,
		DefinitionJSON: defJSON,
	})
	if err != nil {
		return fmt.Errorf("creating seed schema version: %w", err)
	}
	logger.Info("seed: created schema version", "schema_version_id", sv.ID)

	queue, err := store.PutQueue(ctx, storage.Queue{
		ID:                uuid.New(),
		Tenant:            info.ID,
		Name:              "sentiment-review",
		SchemaVersionID:   sv.ID,
		Policy:            "round_robin",
		Status:            storage.QueueActive,
		AccessMode:        storage.AccessPublic,
		LabelsPerSample:   2,
		AssignmentTimeout: time.Hour,
		CreatedAt:         time.Now(),
	})
	if err != nil {
		return fmt.Errorf("creating seed queue: %w", err)
	}
	logger.Info("seed: created queue", "queue", queue.Name, "id", queue.ID)

	gen := pseudonym.New(pseudonymSecret)
	for _, externalID := range []string{"labeler-alice", "labeler-bob"} {
		labeler, err := store.PutLabeler(ctx, storage.Labeler{
			ID:                       uuid.New(),
			Tenant:                   info.ID,
			ExternalID:               externalID,
			Pseudonym:                gen.Pseudonym(info.ID, externalID),
			Role:                     storage.MemberLabeler,
			Status:                   storage.LabelerActive,
			MaxConcurrentAssignments: 5,
		})
		if err != nil {
			return fmt.Errorf("creating seed labeler %q: %w", externalID, err)
		}
		if err := store.PutQueueMembership(ctx, storage.QueueMembership{
			QueueID:   queue.ID,
			LabelerID: labeler.ID,
			Role:      storage.MemberLabeler,
			GrantedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("granting seed membership for %q: %w", externalID, err)
		}
		logger.Info("seed: created labeler", "pseudonym", labeler.Pseudonym, "id", labeler.ID)
	}

	for i := 1; i <= 3; i++ {
		sampleID := fmt.Sprintf("sample-%03d", i)
		if err := store.PutSampleRef(ctx, storage.SampleRef{
			Tenant:     info.ID,
			QueueID:    queue.ID,
			ID:         sampleID,
			VersionTag: "v1",
			CreatedAt:  time.Now(),
		}); err != nil {
			return fmt.Errorf("creating seed sample ref %q: %w", sampleID, err)
		}
	}
	logger.Info("seed: created sample references", "count", 3)

	logger.Info("seed: completed successfully", "tenant", info.Name, "queue", queue.Name)
	return nil
}
