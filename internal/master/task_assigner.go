package master

import (
	"context"
	"errors"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

const sendRetryBackoff = 20 * time.Millisecond

var errStaleIncarnation = errors.New("worker incarnation was replaced")

// AssignIdleTasksToIdleWorkers gives one pending task to each Idle worker,
// in worker order, until the queue runs dry. A worker whose channel keeps
// failing is declared failed, which puts its task back at the queue head.
func (coordinator *Coordinator) AssignIdleTasksToIdleWorkers(ctx context.Context) int {
	assigned := 0

	for _, identity := range coordinator.state.IdleWorkers() {
		task, incarnation, ok := coordinator.state.AssignNext(identity)
		if !ok {
			continue
		}

		if err := coordinator.dispatch(ctx, identity, incarnation, task); err != nil {
			if ctx.Err() != nil {
				return assigned
			}
			coordinator.log.Warn("could not assign task=%v to worker=%v: %v", task.Ref(), identity, err)
			coordinator.state.OnIncarnationFailure(identity, incarnation)
			continue
		}

		coordinator.log.Debug("assigned task=%v to worker=%v", task.Ref(), identity)
		assigned++
	}

	return assigned
}

func (coordinator *Coordinator) dispatch(ctx context.Context, identity string, incarnation string, task rpc.Task) error {
	handle := coordinator.handle(identity)
	if handle == nil || handle.Incarnation() != incarnation {
		return errStaleIncarnation
	}

	sendCtx, cancel := context.WithTimeout(ctx, coordinator.job.HeartbeatTimeout.Duration)
	defer cancel()

	msg := rpc.Message{
		Kind:        rpc.AssignTask,
		Worker:      identity,
		Incarnation: incarnation,
		Task:        &task,
		TaskRef:     task.Ref(),
		SentAt:      time.Now(),
	}
	return rpc.SendWithRetry(sendCtx, handle.Tasks(), msg, coordinator.job.SendRetries, sendRetryBackoff)
}
