package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

type monitorCalls struct {
	mutex    sync.Mutex
	failed   []string
	respawns []string
}

func (calls *monitorCalls) onFailure(identity string) {
	calls.mutex.Lock()
	defer calls.mutex.Unlock()
	calls.failed = append(calls.failed, identity)
}

func (calls *monitorCalls) respawn(identity string) {
	calls.mutex.Lock()
	defer calls.mutex.Unlock()
	calls.respawns = append(calls.respawns, identity)
}

func (calls *monitorCalls) snapshot() ([]string, []string) {
	calls.mutex.Lock()
	defer calls.mutex.Unlock()
	return append([]string(nil), calls.failed...), append([]string(nil), calls.respawns...)
}

func newTestMonitor(state *MasterState, calls *monitorCalls) *HeartbeatMonitor {
	return NewHeartbeatMonitor(state, 300*time.Millisecond, 100*time.Millisecond, calls.onFailure, calls.respawn, logger.Discard())
}

func TestThat_ItShouldDeclareWorkerFailed_WhenHeartbeatsStop(t *testing.T) {
	clock := newFakeClock()
	state := newLiveState(t, []string{"w0", "w1"}, []string{"a", "b"}, clock)
	state.AssignNext("w0")
	calls := &monitorCalls{}
	monitor := newTestMonitor(state, calls)

	clock.Advance(200 * time.Millisecond)
	state.RecordHeartbeat("w1", "w1#1")
	clock.Advance(200 * time.Millisecond)

	assert.Equal(t, []string{"w0"}, monitor.Check())

	failed, respawns := calls.snapshot()
	assert.Equal(t, []string{"w0"}, failed)
	assert.Equal(t, []string{"w0"}, respawns)
	assert.Equal(t, []rpc.TaskRef{mapRef(0), mapRef(1)}, state.Snapshot().Pending)
	assert.Equal(t, Idle, workerRecord(state, "w1").Status)
}

func TestThat_ItShouldNotDeclareWorkerFailed_WhenHeartbeatsKeepArriving(t *testing.T) {
	clock := newFakeClock()
	state := newLiveState(t, []string{"w0"}, []string{"a"}, clock)
	calls := &monitorCalls{}
	monitor := newTestMonitor(state, calls)

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		state.RecordHeartbeat("w0", "w0#1")
		assert.Empty(t, monitor.Check())
	}

	failed, respawns := calls.snapshot()
	assert.Empty(t, failed)
	assert.Empty(t, respawns)
}

func TestThat_ItShouldDeclareFailureOnce_WhenWorkerStaysSilent(t *testing.T) {
	clock := newFakeClock()
	state := newLiveState(t, []string{"w0"}, []string{"a"}, clock)
	state.AssignNext("w0")
	calls := &monitorCalls{}
	monitor := newTestMonitor(state, calls)

	clock.Advance(time.Second)
	monitor.Check()
	clock.Advance(time.Second)
	monitor.Check()

	failed, respawns := calls.snapshot()
	assert.Equal(t, []string{"w0"}, failed)
	assert.Equal(t, []string{"w0"}, respawns, "respawn stays claimed until it is released")
	assert.Equal(t, 1, state.Snapshot().Reassignments)
}

func TestThat_ItShouldRespawnEveryWorker_WhenNoneIsLiveYet(t *testing.T) {
	partitioner, _ := NewStaticPartitioner([]string{"w0", "w1"}, nil)
	state := NewMasterState([]string{"w0", "w1"}, []string{"a"}, partitioner, newFakeClock().Now)
	calls := &monitorCalls{}

	assert.Empty(t, newTestMonitor(state, calls).Check())

	failed, respawns := calls.snapshot()
	assert.Empty(t, failed)
	assert.Equal(t, []string{"w0", "w1"}, respawns)
}

func TestThat_MonitorStops_WhenContextIsCancelled(t *testing.T) {
	state := newLiveState(t, []string{"w0"}, []string{"a"}, newFakeClock())
	monitor := NewHeartbeatMonitor(state, time.Hour, time.Millisecond, nil, nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
