package rpc

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

type TaskKind uint8

const (
	MapTask    TaskKind = 1
	ReduceTask TaskKind = 2
)

func (kind TaskKind) String() string {
	switch kind {
	case MapTask:
		return "map"
	case ReduceTask:
		return "reduce"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// TaskRef identifies a task across phases. Ids are only unique within a
// phase, so the kind is part of the identity.
type TaskRef struct {
	Kind TaskKind
	Id   int
}

func (ref TaskRef) String() string {
	return fmt.Sprintf("%v-%d", ref.Kind, ref.Id)
}

// Task is immutable once built by the partitioner. Copy it with Clone before
// handing it across a channel.
type Task struct {
	Id   int
	Kind TaskKind

	// InputUnit is the single input-unit identifier of a map task.
	InputUnit string

	// Keys is the owned key set of a reduce task under static ownership.
	Keys []string

	// Shard is the hash-range shard of a reduce task, which then owns every
	// key of the shard. It is -1 under static ownership.
	Shard int

	// NumShards is the number of nominal shards map output is split into.
	NumShards int

	// NumMapTasks tells a reduce task how many map outputs exist.
	NumMapTasks int

	// Owner is the worker identity a static reduce task was derived from.
	Owner string
}

func (task Task) Ref() TaskRef {
	return TaskRef{Kind: task.Kind, Id: task.Id}
}

func (task Task) Clone() Task {
	clone := task
	if task.Keys != nil {
		clone.Keys = append([]string(nil), task.Keys...)
	}
	return clone
}

// KeyShard is the nominal shard a key's intermediate records are written to.
// Map and reduce executors must agree on it.
func KeyShard(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % numShards
}

var ErrMalformedTask = errors.New("malformed task")

// Validate reports whether the task payload is well formed for its kind.
func (task Task) Validate() error {
	if task.Id < 0 {
		return fmt.Errorf("%w: negative id %d", ErrMalformedTask, task.Id)
	}
	if task.NumShards <= 0 {
		return fmt.Errorf("%w: task %v has %d shards", ErrMalformedTask, task.Ref(), task.NumShards)
	}

	switch task.Kind {
	case MapTask:
		if task.InputUnit == "" {
			return fmt.Errorf("%w: map task %d has no input unit", ErrMalformedTask, task.Id)
		}
	case ReduceTask:
		if task.NumMapTasks < 0 {
			return fmt.Errorf("%w: reduce task %d has negative map count", ErrMalformedTask, task.Id)
		}
		if task.Shard < -1 || task.Shard >= task.NumShards {
			return fmt.Errorf("%w: reduce task %d has shard %d of %d", ErrMalformedTask, task.Id, task.Shard, task.NumShards)
		}
		if len(task.Keys) > 0 && task.Shard != -1 {
			return fmt.Errorf("%w: reduce task %d owns both keys and a shard", ErrMalformedTask, task.Id)
		}
	default:
		return fmt.Errorf("%w: unknown task kind %v", ErrMalformedTask, task.Kind)
	}

	return nil
}

type MessageKind uint8

const (
	Hello         MessageKind = 1
	AssignTask    MessageKind = 2
	TaskCompleted MessageKind = 3
	TaskRefused   MessageKind = 4
	Heartbeat     MessageKind = 5
	Shutdown      MessageKind = 6
)

func (kind MessageKind) String() string {
	switch kind {
	case Hello:
		return "hello"
	case AssignTask:
		return "assign-task"
	case TaskCompleted:
		return "task-completed"
	case TaskRefused:
		return "task-refused"
	case Heartbeat:
		return "heartbeat"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// ChannelPurpose tells the hub which logical channel a connection carries.
type ChannelPurpose uint8

const (
	TaskChannel      ChannelPurpose = 1
	HeartbeatChannel ChannelPurpose = 2
)

func (purpose ChannelPurpose) String() string {
	switch purpose {
	case TaskChannel:
		return "task"
	case HeartbeatChannel:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(purpose))
	}
}

type Message struct {
	Kind        MessageKind
	Worker      string
	Incarnation string
	Purpose     ChannelPurpose
	Task        *Task
	TaskRef     TaskRef
	Seq         uint64
	Reason      string
	SentAt      time.Time
}

func (msg Message) clone() Message {
	if msg.Task != nil {
		task := msg.Task.Clone()
		msg.Task = &task
	}
	return msg
}
