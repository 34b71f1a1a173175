package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/hkakutalua/mrcoordinator/internal/master"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

// ProcessSpawner launches every incarnation as a separate mrworker process
// which dials back into the hub over TCP.
type ProcessSpawner struct {
	hub          *rpc.Hub
	workerBinary string
	job          config.Job
	log          *logger.Logger
	faults       *faultPlan
}

func NewProcessSpawner(hub *rpc.Hub, workerBinary string, job config.Job, log *logger.Logger) *ProcessSpawner {
	job.ApplyDefaults()
	return &ProcessSpawner{
		hub:          hub,
		workerBinary: workerBinary,
		job:          job,
		log:          log,
		faults:       newFaultPlan(job),
	}
}

// WorkerArgs is the mrworker command line for one incarnation.
func (spawner *ProcessSpawner) WorkerArgs(identity string, incarnation string, fault config.FaultMode) []string {
	return []string{
		"-coordinator", spawner.hub.Addr(),
		"-id", identity,
		"-incarnation", incarnation,
		"-fault", string(fault),
		"-heartbeat-interval", spawner.job.HeartbeatInterval.String(),
		"-start-delay", (2 * spawner.job.HeartbeatTimeout.Duration).String(),
		"-task-retries", fmt.Sprint(spawner.job.TaskRetries),
		"-send-retries", fmt.Sprint(spawner.job.SendRetries),
		"-storage", spawner.job.Storage,
		"-input-dir", spawner.job.InputDir,
		"-work-dir", spawner.job.WorkDir,
		"-log-level", spawner.job.LogLevel,
	}
}

func (spawner *ProcessSpawner) Spawn(ctx context.Context, identity string) (master.WorkerHandle, error) {
	incarnation := uuid.NewString()
	fault := spawner.faults.next(identity)

	cmd := exec.Command(spawner.workerBinary, spawner.WorkerArgs(identity, incarnation, fault)...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v for %v: %w", spawner.workerBinary, identity, err)
	}

	handle := &ProcessHandle{
		identity:    identity,
		incarnation: incarnation,
		cmd:         cmd,
		exited:      make(chan struct{}),
	}
	go func() {
		handle.exitErr = cmd.Wait()
		close(handle.exited)
	}()

	tasks, err := spawner.hub.Await(ctx, incarnation, rpc.TaskChannel)
	if err != nil {
		handle.Stop()
		return nil, err
	}
	handle.tasks = tasks

	heartbeats, err := spawner.hub.Await(ctx, incarnation, rpc.HeartbeatChannel)
	if err != nil {
		handle.Stop()
		return nil, err
	}
	handle.heartbeats = heartbeats

	spawner.log.Debug("worker=%v incarnation=%v started as pid %d", identity, incarnation, cmd.Process.Pid)
	return handle, nil
}

type ProcessHandle struct {
	identity    string
	incarnation string
	cmd         *exec.Cmd
	tasks       *rpc.TCPChannel
	heartbeats  *rpc.TCPChannel
	exited      chan struct{}
	exitErr     error
	stopOnce    sync.Once
}

func (handle *ProcessHandle) Identity() string        { return handle.identity }
func (handle *ProcessHandle) Incarnation() string     { return handle.incarnation }
func (handle *ProcessHandle) Tasks() rpc.Channel      { return handle.tasks }
func (handle *ProcessHandle) Heartbeats() rpc.Channel { return handle.heartbeats }

// Stop closes both connections and kills the process if it is still running.
func (handle *ProcessHandle) Stop() error {
	handle.stopOnce.Do(func() {
		if handle.tasks != nil {
			handle.tasks.Close()
		}
		if handle.heartbeats != nil {
			handle.heartbeats.Close()
		}
		select {
		case <-handle.exited:
		default:
			handle.cmd.Process.Kill()
		}
	})

	<-handle.exited
	return nil
}
