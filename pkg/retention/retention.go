// Package retention implements the retention sweeper: a scheduled job
// that strips field values past their schema-declared retention window
// from stored Labels, leaving the rest of the payload intact.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
)

const sweepChunkSize = 1000

// Sweeper scans a queue's Labels and redacts fields whose retention
// window has elapsed since submission.
type Sweeper struct {
	Store  storage.Store
	Logger *slog.Logger
	Now    func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Result tallies one sweep pass.
type Result struct {
	LabelsScanned int
	FieldsExpired int
}

// Sweep walks every Label for queueID under def's retention rules,
// overwriting any payload whose field values have outlived their
// retention_days by persisting a PutLabel with those fields removed.
// A field with retention_days == 0 is kept forever and never swept.
func (s *Sweeper) Sweep(ctx context.Context, tenant, queueID uuid.UUID, def schema.Definition) (Result, error) {
	var result Result
	now := s.now()

	expiry := make(map[string]time.Duration)
	for _, f := range def.Fields {
		if f.Metadata.RetentionDays > 0 {
			expiry[f.Name] = time.Duration(f.Metadata.RetentionDays) * 24 * time.Hour
		}
	}
	if len(expiry) == 0 {
		return result, nil
	}

	err := s.Store.StreamLabels(ctx, storage.LabelFilter{Tenant: tenant, QueueID: queueID}, storage.OrderExportDefault, sweepChunkSize, func(batch []storage.Label) error {
		for _, l := range batch {
			result.LabelsScanned++
			changed := false
			for field, window := range expiry {
				v, ok := l.Payload[field]
				if !ok || v == nil {
					continue
				}
				if now.Sub(l.SubmittedAt) >= window {
					delete(l.Payload, field)
					changed = true
					result.FieldsExpired++
				}
			}
			if changed {
				if _, err := s.Store.PutLabel(ctx, l); err != nil {
					return err
				}
				if s.Logger != nil {
					s.Logger.Info("retention swept label fields", "label_id", l.ID, "queue_id", queueID)
				}
			}
		}
		return nil
	})
	return result, err
}
