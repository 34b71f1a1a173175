package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
)

type Result struct {
	MapTasks        int
	ReduceTasks     int
	OutputLocations []string
	Reassignments   int
	Spawns          int
}

// Coordinator drives one job: it keeps every worker identity backed by a
// live incarnation, hands out tasks, and collects completions.
type Coordinator struct {
	job     config.Job
	state   *MasterState
	spawner Spawner
	log     *logger.Logger

	handlesMutex sync.Mutex
	handles      map[string]WorkerHandle
	allHandles   []WorkerHandle
	spawns       int

	wake chan struct{}
	wg   sync.WaitGroup
}

// New validates the job and partitions it. Configuration errors, including
// overlapping key ownership, surface here before anything is scheduled.
func New(job config.Job, spawner Spawner, log *logger.Logger) (*Coordinator, error) {
	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return nil, err
	}

	partitioner, err := NewPartitioner(job)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		job:     job,
		state:   NewMasterState(job.Workers, job.Inputs, partitioner, time.Now),
		spawner: spawner,
		log:     log.With("coordinator"),
		handles: make(map[string]WorkerHandle),
		wake:    make(chan struct{}, 1),
	}, nil
}

func NewPartitioner(job config.Job) (Partitioner, error) {
	if job.ReduceShards > 0 {
		return NewHashPartitioner(job.ReduceShards)
	}
	return NewStaticPartitioner(job.Workers, job.Ownership)
}

func (coordinator *Coordinator) State() *MasterState {
	return coordinator.state
}

// Run blocks until every reduce task has completed or ctx ends.
func (coordinator *Coordinator) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitor := NewHeartbeatMonitor(
		coordinator.state,
		coordinator.job.HeartbeatTimeout.Duration,
		coordinator.job.HeartbeatInterval.Duration,
		nil,
		func(identity string) {
			coordinator.wg.Add(1)
			go coordinator.spawn(ctx, identity)
		},
		coordinator.log.With("monitor"),
	)
	coordinator.wg.Add(1)
	go func() {
		defer coordinator.wg.Done()
		monitor.Run(ctx)
	}()

	ticker := time.NewTicker(coordinator.job.ScheduleInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-coordinator.state.Done():
			snapshot := coordinator.state.Snapshot()
			coordinator.log.Info("job done: map tasks=%d reduce tasks=%d reassignments=%d",
				snapshot.CompletedByPhase[MapPhase], snapshot.CompletedByPhase[ReducePhase], snapshot.Reassignments)
			coordinator.shutdown(ctx, cancel)
			return coordinator.result(), nil
		case <-ctx.Done():
			err := ctx.Err()
			coordinator.shutdown(ctx, cancel)
			return coordinator.result(), fmt.Errorf("job interrupted in %v phase: %w", coordinator.state.Phase(), err)
		case <-ticker.C:
			coordinator.AssignIdleTasksToIdleWorkers(ctx)
		case <-coordinator.wake:
			coordinator.AssignIdleTasksToIdleWorkers(ctx)
		}
	}
}

func (coordinator *Coordinator) wakeScheduler() {
	select {
	case coordinator.wake <- struct{}{}:
	default:
	}
}

func (coordinator *Coordinator) spawn(ctx context.Context, identity string) {
	defer coordinator.wg.Done()

	spawnCtx, cancel := context.WithTimeout(ctx, coordinator.job.SpawnTimeout.Duration)
	defer cancel()

	handle, err := coordinator.spawner.Spawn(spawnCtx, identity)
	if err != nil {
		coordinator.log.Error("could not spawn worker=%v: %v", identity, err)
		coordinator.state.ReleaseRespawn(identity)
		return
	}
	if ctx.Err() != nil {
		handle.Stop()
		return
	}

	coordinator.handlesMutex.Lock()
	coordinator.handles[identity] = handle
	coordinator.allHandles = append(coordinator.allHandles, handle)
	coordinator.spawns++
	coordinator.handlesMutex.Unlock()

	coordinator.wg.Add(2)
	go coordinator.receiveTaskMessages(ctx, handle)
	go coordinator.receiveHeartbeats(ctx, handle)

	if !coordinator.state.MarkWorkerLive(identity, handle.Incarnation()) {
		coordinator.log.Warn("worker=%v incarnation=%v spawned but could not be marked live", identity, handle.Incarnation())
		return
	}
	coordinator.log.Info("worker=%v incarnation=%v is live", identity, handle.Incarnation())
	coordinator.wakeScheduler()
}

func (coordinator *Coordinator) handle(identity string) WorkerHandle {
	coordinator.handlesMutex.Lock()
	defer coordinator.handlesMutex.Unlock()

	return coordinator.handles[identity]
}

// receiveTaskMessages is the completion handler for one incarnation. It keeps
// running after the incarnation is replaced, so a slow worker's late report
// is still seen and discarded as stale.
func (coordinator *Coordinator) receiveTaskMessages(ctx context.Context, handle WorkerHandle) {
	defer coordinator.wg.Done()

	identity, incarnation := handle.Identity(), handle.Incarnation()
	for {
		msg, err := handle.Tasks().Receive(ctx)
		if err != nil {
			if !errors.Is(err, rpc.ErrChannelClosed) && ctx.Err() == nil {
				coordinator.log.Warn("worker=%v task channel failed: %v", identity, err)
			}
			return
		}

		switch msg.Kind {
		case rpc.TaskCompleted:
			if coordinator.state.OnTaskComplete(identity, incarnation, msg.TaskRef) {
				coordinator.log.Debug("worker=%v completed task=%v", identity, msg.TaskRef)
				coordinator.wakeScheduler()
			} else {
				coordinator.log.Debug("worker=%v incarnation=%v reported stale completion of task=%v, ignored", identity, incarnation, msg.TaskRef)
			}
		case rpc.TaskRefused:
			coordinator.log.Warn("worker=%v refused task=%v: %v", identity, msg.TaskRef, msg.Reason)
			if coordinator.state.OnTaskRefused(identity, incarnation, msg.TaskRef) {
				coordinator.wakeScheduler()
			}
		default:
			coordinator.log.Warn("worker=%v sent unexpected %v on task channel", identity, msg.Kind)
		}
	}
}

func (coordinator *Coordinator) receiveHeartbeats(ctx context.Context, handle WorkerHandle) {
	defer coordinator.wg.Done()

	for {
		msg, err := handle.Heartbeats().Receive(ctx)
		if err != nil {
			return
		}
		if msg.Kind != rpc.Heartbeat {
			coordinator.log.Warn("worker=%v sent unexpected %v on heartbeat channel", handle.Identity(), msg.Kind)
			continue
		}

		coordinator.state.RecordHeartbeat(handle.Identity(), handle.Incarnation())
	}
}

func (coordinator *Coordinator) shutdown(ctx context.Context, cancel context.CancelFunc) {
	coordinator.handlesMutex.Lock()
	current := make([]WorkerHandle, 0, len(coordinator.handles))
	for _, handle := range coordinator.handles {
		current = append(current, handle)
	}
	all := append([]WorkerHandle(nil), coordinator.allHandles...)
	coordinator.handlesMutex.Unlock()

	if ctx.Err() == nil {
		for _, handle := range current {
			sendCtx, cancelSend := context.WithTimeout(ctx, coordinator.job.HeartbeatInterval.Duration)
			if err := handle.Tasks().Send(sendCtx, rpc.Message{Kind: rpc.Shutdown, SentAt: time.Now()}); err != nil {
				coordinator.log.Debug("worker=%v shutdown not delivered: %v", handle.Identity(), err)
			}
			cancelSend()
		}
	}

	cancel()
	for _, handle := range all {
		if err := handle.Stop(); err != nil {
			coordinator.log.Debug("worker=%v incarnation=%v stop: %v", handle.Identity(), handle.Incarnation(), err)
		}
	}
	coordinator.wg.Wait()

	// Spawns that finished after the cancel above registered late handles.
	coordinator.handlesMutex.Lock()
	late := coordinator.allHandles[len(all):]
	coordinator.handlesMutex.Unlock()
	for _, handle := range late {
		handle.Stop()
	}
}

func (coordinator *Coordinator) result() Result {
	snapshot := coordinator.state.Snapshot()

	coordinator.handlesMutex.Lock()
	spawns := coordinator.spawns
	coordinator.handlesMutex.Unlock()

	result := Result{
		MapTasks:      snapshot.CompletedByPhase[MapPhase],
		ReduceTasks:   snapshot.CompletedByPhase[ReducePhase],
		Reassignments: snapshot.Reassignments,
		Spawns:        spawns,
	}
	if snapshot.Phase == Done {
		for id := 0; id < result.ReduceTasks; id++ {
			result.OutputLocations = append(result.OutputLocations, storage.ReduceOutputLocation(id))
		}
	}
	return result
}
