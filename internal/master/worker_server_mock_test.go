package master

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

// WorkerServer is the worker side of a scripted handle. Tests read what the
// coordinator sent with TakeRequest and answer through Complete or Refuse.
type WorkerServer struct {
	handle     *mockHandle
	tasks      rpc.Channel
	heartbeats rpc.Channel
}

type mockHandle struct {
	identity    string
	incarnation string
	tasks       rpc.Channel
	heartbeats  rpc.Channel
	stopOnce    sync.Once
	stopped     chan struct{}
}

func (handle *mockHandle) Identity() string        { return handle.identity }
func (handle *mockHandle) Incarnation() string     { return handle.incarnation }
func (handle *mockHandle) Tasks() rpc.Channel      { return handle.tasks }
func (handle *mockHandle) Heartbeats() rpc.Channel { return handle.heartbeats }

func (handle *mockHandle) Stop() error {
	handle.stopOnce.Do(func() {
		handle.tasks.Close()
		handle.heartbeats.Close()
		close(handle.stopped)
	})
	return nil
}

func NewWorkerServer(identity string, incarnation string) *WorkerServer {
	coordinatorTasks, workerTasks := rpc.NewPipe(16)
	coordinatorHeartbeats, workerHeartbeats := rpc.NewPipe(16)

	return &WorkerServer{
		handle: &mockHandle{
			identity:    identity,
			incarnation: incarnation,
			tasks:       coordinatorTasks,
			heartbeats:  coordinatorHeartbeats,
			stopped:     make(chan struct{}),
		},
		tasks:      workerTasks,
		heartbeats: workerHeartbeats,
	}
}

func (server *WorkerServer) TakeRequest(t *testing.T) rpc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := server.tasks.Receive(ctx)
	if err != nil {
		t.Fatalf("worker %v received nothing: %v", server.handle.identity, err)
	}
	return msg
}

func (server *WorkerServer) HasNoRequest(t *testing.T) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.tasks.Receive(ctx)
	return err != nil
}

func (server *WorkerServer) Complete(ref rpc.TaskRef) error {
	return server.tasks.Send(context.Background(), rpc.Message{
		Kind:        rpc.TaskCompleted,
		Worker:      server.handle.identity,
		Incarnation: server.handle.incarnation,
		TaskRef:     ref,
	})
}

func (server *WorkerServer) Refuse(ref rpc.TaskRef, reason string) error {
	return server.tasks.Send(context.Background(), rpc.Message{
		Kind:        rpc.TaskRefused,
		Worker:      server.handle.identity,
		Incarnation: server.handle.incarnation,
		TaskRef:     ref,
		Reason:      reason,
	})
}

func (server *WorkerServer) Beat() error {
	return server.heartbeats.Send(context.Background(), rpc.Message{
		Kind:        rpc.Heartbeat,
		Worker:      server.handle.identity,
		Incarnation: server.handle.incarnation,
	})
}

// attach registers the server's handle with the coordinator as if it had
// just been spawned, without starting any receive loops.
func attach(coordinator *Coordinator, server *WorkerServer) {
	coordinator.handlesMutex.Lock()
	coordinator.handles[server.handle.identity] = server.handle
	coordinator.allHandles = append(coordinator.allHandles, server.handle)
	coordinator.handlesMutex.Unlock()

	coordinator.state.MarkWorkerLive(server.handle.identity, server.handle.incarnation)
}

// scriptedSpawner builds a handle per spawn and runs behaviour against the
// worker side. behaviour gets the incarnation number, starting at 1.
type scriptedSpawner struct {
	mutex     sync.Mutex
	spawned   map[string]int
	behaviour func(server *WorkerServer, incarnation int)
	servers   []*WorkerServer
	wg        sync.WaitGroup
}

func newScriptedSpawner(behaviour func(server *WorkerServer, incarnation int)) *scriptedSpawner {
	return &scriptedSpawner{spawned: make(map[string]int), behaviour: behaviour}
}

func (spawner *scriptedSpawner) Spawn(ctx context.Context, identity string) (WorkerHandle, error) {
	spawner.mutex.Lock()
	spawner.spawned[identity]++
	n := spawner.spawned[identity]
	server := NewWorkerServer(identity, fmt.Sprintf("%v#%d", identity, n))
	spawner.servers = append(spawner.servers, server)
	spawner.mutex.Unlock()

	spawner.wg.Add(1)
	go func() {
		defer spawner.wg.Done()
		spawner.behaviour(server, n)
	}()

	return server.handle, nil
}

func (spawner *scriptedSpawner) Spawned(identity string) int {
	spawner.mutex.Lock()
	defer spawner.mutex.Unlock()
	return spawner.spawned[identity]
}

// serve answers every assignment and heartbeats until the handle is stopped.
// onTask runs first; the task is refused when it returns an error and
// reported complete otherwise.
func serve(server *WorkerServer, interval time.Duration, onTask func(task rpc.Task) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-server.handle.stopped
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if server.Beat() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	for {
		msg, err := server.tasks.Receive(ctx)
		if err != nil || msg.Kind == rpc.Shutdown {
			return
		}
		if msg.Kind != rpc.AssignTask {
			continue
		}
		if onTask != nil {
			if err := onTask(*msg.Task); err != nil {
				if server.Refuse(msg.Task.Ref(), err.Error()) != nil {
					return
				}
				continue
			}
		}
		if server.Complete(msg.Task.Ref()) != nil {
			return
		}
	}
}

// silent never heartbeats nor answers, like a worker that hung at start.
func silent(server *WorkerServer) {
	<-server.handle.stopped
}
