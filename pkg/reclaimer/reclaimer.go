// Package reclaimer implements the §4.7 timeout reclaimer: a scheduled
// sweep that expires overdue in_progress assignments and, per the owning
// queue's requeue policy, either creates a successor pending row or
// archives the work with an escalation audit entry.
package reclaimer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anvilhq/anvil/pkg/anvilerr"
	"github.com/anvilhq/anvil/pkg/assignment"
	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/storage"
)

// batchSize bounds how many overdue assignments one sweep pass claims at
// a time (§4.7's "batches of B").
const batchSize = 200

// Sweeper runs the timeout sweep on a fixed cadence.
type Sweeper struct {
	Store    storage.Store
	Policies map[uuid.UUID]policy.RequeuePolicy // queue id -> its requeue policy
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Result tallies one sweep pass's outcome.
type Result struct {
	Expired   int
	Requeued  int
	Archived  int
	Contested int // lost the optimistic race to a concurrent completion/skip
}

// Sweep expires overdue in_progress assignments across every tenant/queue
// the caller scopes the filter to, and honors each queue's requeue policy
// for the ones that actually expire.
func (s *Sweeper) Sweep(ctx context.Context, tenant uuid.UUID) (Result, error) {
	now := s.now()
	var result Result

	overdue, err := s.Store.ListAssignmentsForUpdate(ctx, storage.AssignmentFilter{
		Tenant:         tenant,
		Statuses:       []storage.AssignmentStatus{storage.StatusInProgress},
		DeadlineBefore: &now,
	}, storage.OrderDeadlineAsc, batchSize)
	if err != nil {
		return result, err
	}

	archivedQueues, err := s.archivedQueueIDs(ctx, tenant)
	if err != nil {
		return result, err
	}

	pending, err := s.Store.ListAssignmentsForUpdate(ctx, storage.AssignmentFilter{
		Tenant:   tenant,
		Statuses: []storage.AssignmentStatus{storage.StatusPending, storage.StatusInProgress},
	}, storage.OrderCreatedAtAsc, batchSize)
	if err != nil {
		return result, err
	}
	for _, a := range pending {
		if !archivedQueues[a.QueueID] {
			continue
		}
		if err := s.expireOne(ctx, a, now, &result); err != nil {
			return result, err
		}
	}

	for _, a := range overdue {
		if err := s.expireOne(ctx, a, now, &result); err != nil {
			return result, err
		}
	}

	return result, nil
}

// archivedQueueIDs looks up every archived queue for tenant directly,
// independent of which assignments happen to be overdue or pending (§4.7:
// a sweep "also expires assignments whose queue is archived" with no
// dependency on an overdue row existing first).
func (s *Sweeper) archivedQueueIDs(ctx context.Context, tenant uuid.UUID) (map[uuid.UUID]bool, error) {
	queues, err := s.Store.ListQueues(ctx, tenant)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool)
	for _, q := range queues {
		if q.Status == storage.QueueArchived {
			out[q.ID] = true
		}
	}
	return out, nil
}

func (s *Sweeper) expireOne(ctx context.Context, a storage.Assignment, now time.Time, result *Result) error {
	expired, err := assignment.Expire(a, now)
	if err != nil {
		if anvilerr.Is(err, anvilerr.InvalidTransition) {
			result.Contested++
			return nil
		}
		return err
	}
	if _, err := s.Store.UpdateAssignment(ctx, expired); err != nil {
		if anvilerr.Is(err, anvilerr.Stale) {
			result.Contested++
			return nil
		}
		return err
	}
	result.Expired++

	rq, ok := s.Policies[a.QueueID]
	if !ok {
		return nil
	}
	if !rq.ShouldRequeue(a.RequeueAttempts) {
		if err := s.Store.AppendAudit(ctx, storage.AuditLog{
			Tenant:     a.Tenant,
			ActorType:  "system",
			Action:     "assignment.escalated",
			EntityType: "assignment",
			EntityID:   a.ID.String(),
			Metadata:   map[string]any{"requeue_attempts": a.RequeueAttempts, "sample_id": a.SampleID},
			OccurredAt: now,
		}); err != nil {
			return err
		}
		result.Archived++
		return nil
	}

	successor := storage.Assignment{
		ID:              uuid.New(),
		QueueID:         a.QueueID,
		SampleID:        a.SampleID,
		LabelerID:       uuid.Nil,
		Tenant:          a.Tenant,
		Status:          storage.StatusPending,
		Version:         1,
		SampleVersion:   a.SampleVersion,
		RequeueAttempts: a.RequeueAttempts + 1,
		CreatedAt:       now,
	}
	if rq.RequeueDelay > 0 {
		notBefore := now.Add(time.Duration(rq.RequeueDelay) * time.Second)
		successor.NotBefore = &notBefore
	}
	if _, err := s.Store.PutAssignment(ctx, successor); err != nil {
		return err
	}
	result.Requeued++
	return nil
}
