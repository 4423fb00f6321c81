package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anvilhq/anvil/internal/platform"
)

// Provisioner handles creating and destroying tenant schemas against the
// global `public.tenants` table and each tenant's `tenant_<id>` schema.
type Provisioner struct {
	DB            *pgxpool.Pool
	DatabaseURL   string
	MigrationsDir string // path to tenant migration files
	Logger        *slog.Logger
}

// Provision creates a new tenant: inserts the global record, creates the
// PostgreSQL schema, and runs tenant migrations against it.
func (p *Provisioner) Provision(ctx context.Context, name string) (*Info, error) {
	id := uuid.New()
	schema := SchemaName(id)

	if _, err := p.DB.Exec(ctx,
		`INSERT INTO public.tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		id, name, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("inserting tenant record: %w", err)
	}

	// schema embeds the tenant uuid's hyphens, so it must be quoted as an
	// identifier rather than interpolated bare.
	quotedSchema := pgx.Identifier{schema}.Sanitize()
	if _, err := p.DB.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quotedSchema)); err != nil {
		_, _ = p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	tenantURL, err := withSearchPath(p.DatabaseURL, schema)
	if err != nil {
		return nil, fmt.Errorf("building tenant database URL: %w", err)
	}

	if err := platform.RunTenantMigrations(tenantURL, p.MigrationsDir); err != nil {
		_, _ = p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quotedSchema))
		_, _ = p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
		return nil, fmt.Errorf("running tenant migrations: %w", err)
	}

	if p.Logger != nil {
		p.Logger.Info("tenant provisioned", "tenant_id", id, "schema", schema)
	}

	return &Info{ID: id, Name: name, Schema: schema}, nil
}

// Deprovision drops the tenant schema and removes the global record.
func (p *Provisioner) Deprovision(ctx context.Context, id uuid.UUID) error {
	schema := SchemaName(id)
	quotedSchema := pgx.Identifier{schema}.Sanitize()

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quotedSchema)); err != nil {
		return fmt.Errorf("dropping schema %s: %w", schema, err)
	}

	tag, err := p.DB.Exec(ctx, `DELETE FROM public.tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", id, pgx.ErrNoRows)
	}

	if p.Logger != nil {
		p.Logger.Info("tenant deprovisioned", "tenant_id", id, "schema", schema)
	}
	return nil
}

// withSearchPath appends search_path=<schema> to a PostgreSQL connection URL.
func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
