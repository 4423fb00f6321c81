package agreement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage"
)

// DistanceForFieldType picks the Krippendorff distance appropriate to a
// schema field's value kind (§3, §4.8): interval distance for the two
// numeric kinds, nominal (exact-match) distance for everything else. Date
// and datetime values are compared nominally rather than by elapsed time —
// ranking them would need a pass over every distinct value in the pool
// before Compute runs, which Recompute's per-field loop doesn't do.
func DistanceForFieldType(t schema.FieldType) DistanceFunc {
	switch t {
	case schema.FieldRange, schema.FieldNumber:
		return IntervalDistance
	default:
		return NominalDistance
	}
}

// Recomputer implements §4.8's Batch mode: a scheduled job that rescans
// every completed Label in a queue and overwrites the AgreementMetric
// cache, rather than recomputing incrementally off a single submission the
// way Coordinator.RecomputeAgreement's Online mode does. It is idempotent:
// running it twice on unchanged labels produces the same cached values.
type Recomputer struct {
	Store  storage.Store
	Logger *slog.Logger
	Now    func() time.Time
}

func (r *Recomputer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// BatchResult tallies one Recompute pass.
type BatchResult struct {
	FieldsScanned  int
	MetricsWritten int
}

// Recompute rebuilds and overwrites the AgreementMetric cache for every
// field in def, across every sample with at least one completed label in
// queueID.
func (r *Recomputer) Recompute(ctx context.Context, tenant, queueID uuid.UUID, def schema.Definition) (BatchResult, error) {
	var result BatchResult

	assignments, err := r.Store.ListAssignments(ctx, storage.AssignmentFilter{
		Tenant:   tenant,
		QueueID:  queueID,
		Statuses: []storage.AssignmentStatus{storage.StatusCompleted},
	}, storage.OrderCreatedAtAsc, 0)
	if err != nil {
		return result, err
	}
	sampleOf := make(map[uuid.UUID]string, len(assignments))
	for _, a := range assignments {
		sampleOf[a.ID] = a.SampleID
	}
	if len(sampleOf) == 0 {
		return result, nil
	}

	labels, err := r.Store.ListLabels(ctx, storage.LabelFilter{Tenant: tenant, QueueID: queueID}, storage.OrderExportDefault, 0, 0)
	if err != nil {
		return result, err
	}

	for _, f := range def.Fields {
		result.FieldsScanned++
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
			values[l.LabelerID.String()] = l.Payload[f.Name]
			schemaVersionByItem[sid] = l.SchemaVersionID
		}
		if len(pool) == 0 {
			continue
		}

		items := make([]Item, 0, len(pool))
		for sid, values := range pool {
			items = append(items, Item{SampleID: sid, Values: values})
		}

		res, err := Compute(items, DistanceForFieldType(f.Type))
		if err != nil {
			if anvilerr.Is(err, anvilerr.InsufficientLabels) {
				continue
			}
			return result, err
		}

		for sid := range pool {
			if err := r.Store.PutAgreementMetric(ctx, storage.AgreementMetricRecord{
				SampleID:        sid,
				Dimension:       f.Name,
				SchemaVersionID: schemaVersionByItem[sid],
				Metric:          string(res.Metric),
				Value:           res.Value,
				NRaters:         res.NRaters,
				NLabels:         res.NLabels,
				ComputedAt:      r.now(),
			}); err != nil {
				return result, err
			}
			result.MetricsWritten++
		}
	}

	if r.Logger != nil && result.MetricsWritten > 0 {
		r.Logger.Info("agreement: batch recompute", "queue_id", queueID, "fields_scanned", result.FieldsScanned, "metrics_written", result.MetricsWritten)
	}
	return result, nil
}
