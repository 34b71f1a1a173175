package master

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

var ErrOverlappingOwnership = errors.New("overlapping key ownership")

// Partitioner materializes the task set of each phase.
type Partitioner interface {
	NumShards() int
	MapTasks(inputs []string) []rpc.Task
	ReduceTasks(numMapTasks int) []rpc.Task
}

func buildMapTasks(inputs []string, numShards int) []rpc.Task {
	tasks := make([]rpc.Task, 0, len(inputs))
	for i, input := range inputs {
		tasks = append(tasks, rpc.Task{
			Id:        i,
			Kind:      rpc.MapTask,
			InputUnit: input,
			Shard:     -1,
			NumShards: numShards,
		})
	}
	return tasks
}

// StaticPartitioner gives every worker identity one reduce task owning the
// keys assigned to it.
type StaticPartitioner struct {
	identities []string
	ownership  map[string][]string
}

func NewStaticPartitioner(identities []string, ownership map[string][]string) (*StaticPartitioner, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("static partitioner needs at least one worker identity")
	}

	owners := make(map[string]string)
	normalized := make(map[string][]string, len(identities))
	for _, identity := range identities {
		keys := make([]string, 0, len(ownership[identity]))
		seen := make(map[string]bool)
		for _, key := range ownership[identity] {
			if seen[key] {
				continue
			}
			seen[key] = true

			if owner, taken := owners[key]; taken {
				return nil, fmt.Errorf("%w: key %q is owned by both %q and %q",
					ErrOverlappingOwnership, key, owner, identity)
			}
			owners[key] = identity
			keys = append(keys, key)
		}
		sort.Strings(keys)
		normalized[identity] = keys
	}

	for identity := range ownership {
		if _, known := normalized[identity]; !known {
			return nil, fmt.Errorf("ownership names unknown worker %q", identity)
		}
	}

	return &StaticPartitioner{
		identities: append([]string(nil), identities...),
		ownership:  normalized,
	}, nil
}

func (partitioner *StaticPartitioner) NumShards() int {
	return len(partitioner.identities)
}

func (partitioner *StaticPartitioner) MapTasks(inputs []string) []rpc.Task {
	return buildMapTasks(inputs, partitioner.NumShards())
}

func (partitioner *StaticPartitioner) ReduceTasks(numMapTasks int) []rpc.Task {
	tasks := make([]rpc.Task, 0, len(partitioner.identities))
	for i, identity := range partitioner.identities {
		tasks = append(tasks, rpc.Task{
			Id:          i,
			Kind:        rpc.ReduceTask,
			Keys:        append([]string(nil), partitioner.ownership[identity]...),
			Shard:       -1,
			NumShards:   partitioner.NumShards(),
			NumMapTasks: numMapTasks,
			Owner:       identity,
		})
	}
	return tasks
}

// HashPartitioner splits the key space into a fixed number of shards, one
// reduce task each, independent of how many workers there are.
type HashPartitioner struct {
	shards int
}

func NewHashPartitioner(shards int) (*HashPartitioner, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("hash partitioner needs a positive shard count, got %d", shards)
	}
	return &HashPartitioner{shards: shards}, nil
}

func (partitioner *HashPartitioner) NumShards() int {
	return partitioner.shards
}

func (partitioner *HashPartitioner) MapTasks(inputs []string) []rpc.Task {
	return buildMapTasks(inputs, partitioner.shards)
}

func (partitioner *HashPartitioner) ReduceTasks(numMapTasks int) []rpc.Task {
	tasks := make([]rpc.Task, 0, partitioner.shards)
	for shard := 0; shard < partitioner.shards; shard++ {
		tasks = append(tasks, rpc.Task{
			Id:          shard,
			Kind:        rpc.ReduceTask,
			Shard:       shard,
			NumShards:   partitioner.shards,
			NumMapTasks: numMapTasks,
		})
	}
	return tasks
}
