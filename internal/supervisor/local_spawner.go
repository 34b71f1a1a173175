package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/hkakutalua/mrcoordinator/internal/master"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
	"github.com/hkakutalua/mrcoordinator/internal/worker"
)

const pipeBuffer = 16

// LocalSpawner runs each worker incarnation as a goroutine that shares
// nothing with the coordinator except its two pipes and the storage.
type LocalSpawner struct {
	job     config.Job
	storage storage.Storage
	log     *logger.Logger
	faults  *faultPlan
}

func NewLocalSpawner(job config.Job, store storage.Storage, log *logger.Logger) *LocalSpawner {
	job.ApplyDefaults()
	return &LocalSpawner{job: job, storage: store, log: log, faults: newFaultPlan(job)}
}

func (spawner *LocalSpawner) Spawn(ctx context.Context, identity string) (master.WorkerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	incarnation := uuid.NewString()
	coordinatorTasks, workerTasks := rpc.NewPipe(pipeBuffer)
	coordinatorHeartbeats, workerHeartbeats := rpc.NewPipe(pipeBuffer)

	w := worker.New(
		spawner.workerConfig(identity, incarnation),
		workerTasks,
		workerHeartbeats,
		spawner.storage,
		spawner.log,
	)

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &LocalHandle{
		identity:    identity,
		incarnation: incarnation,
		tasks:       coordinatorTasks,
		heartbeats:  coordinatorHeartbeats,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go func() {
		defer close(handle.done)
		defer workerTasks.Close()
		defer workerHeartbeats.Close()

		if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			spawner.log.Warn("worker=%v incarnation=%v stopped: %v", identity, incarnation, err)
		}
	}()

	return handle, nil
}

func (spawner *LocalSpawner) workerConfig(identity string, incarnation string) worker.Config {
	return worker.Config{
		Identity:          identity,
		Incarnation:       incarnation,
		HeartbeatInterval: spawner.job.HeartbeatInterval.Duration,
		TaskRetries:       spawner.job.TaskRetries,
		SendRetries:       spawner.job.SendRetries,
		Fault:             spawner.faults.next(identity),
		StartDelay:        2 * spawner.job.HeartbeatTimeout.Duration,
	}
}

type LocalHandle struct {
	identity    string
	incarnation string
	tasks       rpc.Channel
	heartbeats  rpc.Channel
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
}

func (handle *LocalHandle) Identity() string        { return handle.identity }
func (handle *LocalHandle) Incarnation() string     { return handle.incarnation }
func (handle *LocalHandle) Tasks() rpc.Channel      { return handle.tasks }
func (handle *LocalHandle) Heartbeats() rpc.Channel { return handle.heartbeats }

// Stop cancels the worker goroutine and waits for it to return.
func (handle *LocalHandle) Stop() error {
	handle.stopOnce.Do(func() {
		handle.cancel()
		handle.tasks.Close()
		handle.heartbeats.Close()
	})
	<-handle.done
	return nil
}

// Done is closed once the worker goroutine has returned.
func (handle *LocalHandle) Done() <-chan struct{} {
	return handle.done
}

// faultPlan hands the configured fault to an identity's first incarnation
// only; replacements always run clean.
type faultPlan struct {
	mutex   sync.Mutex
	job     config.Job
	spawned map[string]int
}

func newFaultPlan(job config.Job) *faultPlan {
	return &faultPlan{job: job, spawned: make(map[string]int)}
}

func (plan *faultPlan) next(identity string) config.FaultMode {
	plan.mutex.Lock()
	defer plan.mutex.Unlock()

	plan.spawned[identity]++
	if plan.spawned[identity] > 1 {
		return config.FaultNone
	}
	return plan.job.FaultFor(identity)
}
