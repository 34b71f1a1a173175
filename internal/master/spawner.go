package master

import (
	"context"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

// WorkerHandle is the coordinator's only view of a running worker: two
// message channels and a way to stop it.
type WorkerHandle interface {
	Identity() string
	Incarnation() string
	Tasks() rpc.Channel
	Heartbeats() rpc.Channel
	Stop() error
}

// Spawner starts a new incarnation of a worker identity.
type Spawner interface {
	Spawn(ctx context.Context, identity string) (WorkerHandle, error)
}
