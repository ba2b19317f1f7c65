package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler enqueues relay tasks for the worker.
type Scheduler struct {
	Client Enqueuer
	Queue  string
}

// ScheduleReplay queues a replay. A replay already queued for the same entry is not
// an error.
func (s Scheduler) ScheduleReplay(ctx context.Context, deadLetterID uuid.UUID) error {
	_, err := s.Client.EnqueueContext(ctx, NewReplayTask(deadLetterID, s.Queue))
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (s Scheduler) ScheduleDispatch(ctx context.Context, batch Batch) error {
	_, err := s.Client.EnqueueContext(ctx, NewDispatchTask(batch, s.Queue))
	return err
}
