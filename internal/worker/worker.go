package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
)

type Status int32

const (
	Idle    Status = 0
	Running Status = 1
	Stopped Status = 2
)

func (status Status) String() string {
	switch status {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(status))
	}
}

var (
	ErrTaskFailed = errors.New("task failed")
	ErrCrashed    = errors.New("worker crashed")
)

type Config struct {
	Identity          string
	Incarnation       string
	HeartbeatInterval time.Duration
	TaskRetries       int
	SendRetries       int
	RetryBackoff      time.Duration
	Fault             config.FaultMode

	// StartDelay is how long a late-start worker stays silent.
	StartDelay time.Duration
}

type Worker struct {
	cfg        Config
	tasks      rpc.Channel
	heartbeats rpc.Channel
	executor   *Executor
	log        *logger.Logger
	status     atomic.Int32
	completed  atomic.Int64
}

func New(cfg Config, tasks rpc.Channel, heartbeats rpc.Channel, store storage.Storage, log *logger.Logger) *Worker {
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	log = log.With(fmt.Sprintf("worker=%v", cfg.Identity))

	return &Worker{
		cfg:        cfg,
		tasks:      tasks,
		heartbeats: heartbeats,
		executor:   NewExecutor(store, Words, log),
		log:        log,
	}
}

func (worker *Worker) Status() Status {
	return Status(worker.status.Load())
}

func (worker *Worker) CompletedTasks() int64 {
	return worker.completed.Load()
}

// Run is the worker's main loop: wait for a task, run it, report it, repeat.
// A task that cannot be completed is refused and the worker stays available.
// Run returns nil on a shutdown message. It returns an error, and stops
// heartbeating with it, when the coordinator can no longer be told about a
// task; the task is then reassigned once the heartbeats go missing.
func (worker *Worker) Run(ctx context.Context) error {
	defer worker.status.Store(int32(Stopped))

	switch worker.cfg.Fault {
	case config.FaultDontStart:
		worker.log.Warn("fault %v: never starting", worker.cfg.Fault)
		<-ctx.Done()
		return ctx.Err()
	case config.FaultLateStart:
		worker.log.Warn("fault %v: starting after %v", worker.cfg.Fault, worker.cfg.StartDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(worker.cfg.StartDelay):
		}
	}

	heartbeatCtx, stopHeartbeats := context.WithCancel(ctx)
	var heartbeatDone sync.WaitGroup
	heartbeatDone.Add(1)
	go func() {
		defer heartbeatDone.Done()
		NewHeartbeatSender(
			worker.heartbeats, worker.cfg.Identity, worker.cfg.Incarnation, worker.cfg.HeartbeatInterval, worker.log,
		).Run(heartbeatCtx)
	}()
	defer heartbeatDone.Wait()
	defer stopHeartbeats()

	for {
		msg, err := worker.tasks.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rpc.ErrChannelClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Kind {
		case rpc.Shutdown:
			worker.log.Info("shutting down after %d tasks", worker.CompletedTasks())
			return nil
		case rpc.AssignTask:
			if err := worker.handleTask(ctx, msg, stopHeartbeats); err != nil {
				return err
			}
		default:
			worker.log.Warn("ignoring unexpected %v message", msg.Kind)
		}
	}
}

func (worker *Worker) handleTask(ctx context.Context, msg rpc.Message, stopHeartbeats context.CancelFunc) error {
	if msg.Task == nil {
		return worker.refuse(ctx, msg.TaskRef, fmt.Errorf("%w: assignment without a task", rpc.ErrMalformedTask))
	}
	task := *msg.Task
	if err := task.Validate(); err != nil {
		return worker.refuse(ctx, task.Ref(), err)
	}

	worker.status.Store(int32(Running))
	defer worker.status.CompareAndSwap(int32(Running), int32(Idle))

	switch worker.cfg.Fault {
	case config.FaultCrashAfterStart:
		worker.log.Warn("fault %v: crashing while holding task=%v", worker.cfg.Fault, task.Ref())
		return ErrCrashed
	case config.FaultHang:
		worker.log.Warn("fault %v: hanging on task=%v", worker.cfg.Fault, task.Ref())
		stopHeartbeats()
		<-ctx.Done()
		return ctx.Err()
	}

	var err error
	for attempt := 0; attempt <= worker.cfg.TaskRetries; attempt++ {
		if err = worker.executor.Execute(ctx, task); err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worker.log.Warn("task=%v attempt %d/%d failed: %v", task.Ref(), attempt+1, worker.cfg.TaskRetries+1, err)
	}
	if err != nil {
		return worker.refuse(ctx, task.Ref(), err)
	}

	completion := rpc.Message{
		Kind:        rpc.TaskCompleted,
		Worker:      worker.cfg.Identity,
		Incarnation: worker.cfg.Incarnation,
		TaskRef:     task.Ref(),
		SentAt:      time.Now(),
	}
	if err := rpc.SendWithRetry(ctx, worker.tasks, completion, worker.cfg.SendRetries, worker.cfg.RetryBackoff); err != nil {
		return fmt.Errorf("reporting task %v: %w", task.Ref(), err)
	}

	worker.completed.Add(1)
	worker.log.Debug("completed task=%v", task.Ref())
	return nil
}

// refuse tells the coordinator the task will not be completed. A refusal is
// never a success report. Only an undeliverable refusal stops the worker.
func (worker *Worker) refuse(ctx context.Context, ref rpc.TaskRef, cause error) error {
	worker.log.Warn("refusing task=%v: %v", ref, cause)

	refusal := rpc.Message{
		Kind:        rpc.TaskRefused,
		Worker:      worker.cfg.Identity,
		Incarnation: worker.cfg.Incarnation,
		TaskRef:     ref,
		Reason:      cause.Error(),
		SentAt:      time.Now(),
	}
	if err := rpc.SendWithRetry(ctx, worker.tasks, refusal, worker.cfg.SendRetries, worker.cfg.RetryBackoff); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v: %w (refusal not delivered: %w)", ErrTaskFailed, ref, cause, err)
	}
	return nil
}
