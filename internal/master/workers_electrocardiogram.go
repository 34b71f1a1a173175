package master

import (
	"context"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
)

// HeartbeatMonitor is the coordinator-side watchdog. It declares a worker
// failed once no heartbeat arrived within the timeout, and asks for a
// replacement of every Dead worker.
type HeartbeatMonitor struct {
	state     *MasterState
	timeout   time.Duration
	interval  time.Duration
	onFailure func(identity string)
	respawn   func(identity string)
	log       *logger.Logger
}

func NewHeartbeatMonitor(
	state *MasterState,
	timeout time.Duration,
	interval time.Duration,
	onFailure func(identity string),
	respawn func(identity string),
	log *logger.Logger,
) *HeartbeatMonitor {
	if onFailure == nil {
		onFailure = func(string) {}
	}
	if respawn == nil {
		respawn = func(string) {}
	}

	return &HeartbeatMonitor{
		state:     state,
		timeout:   timeout,
		interval:  interval,
		onFailure: onFailure,
		respawn:   respawn,
		log:       log,
	}
}

// Check runs one sweep and returns the workers it declared failed.
func (monitor *HeartbeatMonitor) Check() []string {
	failed := make([]string, 0)

	for _, identity := range monitor.state.ExpiredWorkers(monitor.timeout) {
		if !monitor.state.OnWorkerFailure(identity) {
			continue
		}

		monitor.log.Warn("worker=%v missed heartbeats for more than %v, declared dead", identity, monitor.timeout)
		failed = append(failed, identity)
		monitor.onFailure(identity)
	}

	for _, identity := range monitor.state.DeadWorkers() {
		if monitor.state.ClaimRespawn(identity) {
			monitor.respawn(identity)
		}
	}

	return failed
}

func (monitor *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()

	for {
		monitor.Check()

		select {
		case <-ctx.Done():
			return
		case <-monitor.state.Done():
			return
		case <-ticker.C:
		}
	}
}
