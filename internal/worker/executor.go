package worker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
)

// Tokenizer splits one input line into the keys a map task counts.
type Tokenizer func(line string) []string

// Words splits on anything that is not a letter or a digit. Case is kept.
func Words(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

type Executor struct {
	storage  storage.Storage
	tokenize Tokenizer
	log      *logger.Logger
}

func NewExecutor(store storage.Storage, tokenize Tokenizer, log *logger.Logger) *Executor {
	if tokenize == nil {
		tokenize = Words
	}
	return &Executor{storage: store, tokenize: tokenize, log: log}
}

func (executor *Executor) Execute(ctx context.Context, task rpc.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	switch task.Kind {
	case rpc.MapTask:
		return executor.ExecuteMap(ctx, task)
	case rpc.ReduceTask:
		return executor.ExecuteReduce(ctx, task)
	default:
		return fmt.Errorf("%w: unknown task kind %v", rpc.ErrMalformedTask, task.Kind)
	}
}

// ExecuteMap emits one (word, 1) record per word of the input unit, bucketed
// by shard. Every shard location is rewritten, even when empty, so a rerun
// replaces all of the previous run's output.
func (executor *Executor) ExecuteMap(ctx context.Context, task rpc.Task) error {
	lines, err := executor.storage.ReadInputUnit(ctx, task.InputUnit)
	if err != nil {
		return fmt.Errorf("map task %d: %w", task.Id, err)
	}

	shards := make([][]storage.Record, task.NumShards)
	for _, line := range lines {
		for _, word := range executor.tokenize(line) {
			shard := rpc.KeyShard(word, task.NumShards)
			shards[shard] = append(shards[shard], storage.CountRecord(word, 1))
		}
	}

	for shard, records := range shards {
		location := storage.MapOutputLocation(task.Id, shard)
		if err := executor.storage.WriteRecords(ctx, location, records); err != nil {
			return fmt.Errorf("map task %d: %w", task.Id, err)
		}
	}

	return nil
}

// ExecuteReduce sums the counts of its owned keys across every map output.
// Lines that do not parse as "key count" are skipped.
func (executor *Executor) ExecuteReduce(ctx context.Context, task rpc.Task) error {
	owned := make(map[string]bool, len(task.Keys))
	shardSet := make(map[int]bool)
	if task.Shard >= 0 {
		shardSet[task.Shard] = true
	}
	for _, key := range task.Keys {
		owned[key] = true
		shardSet[rpc.KeyShard(key, task.NumShards)] = true
	}

	shards := make([]int, 0, len(shardSet))
	for shard := range shardSet {
		shards = append(shards, shard)
	}
	sort.Ints(shards)

	counts := make(map[string]int)
	skipped := 0
	for mapTaskId := 0; mapTaskId < task.NumMapTasks; mapTaskId++ {
		for _, shard := range shards {
			lines, err := executor.storage.ReadLines(ctx, storage.MapOutputLocation(mapTaskId, shard))
			if err != nil {
				return fmt.Errorf("reduce task %d: %w", task.Id, err)
			}

			for _, line := range lines {
				key, count, ok := parseCountLine(line)
				if !ok {
					skipped++
					continue
				}
				if task.Shard >= 0 {
					if rpc.KeyShard(key, task.NumShards) != task.Shard {
						continue
					}
				} else if !owned[key] {
					continue
				}
				counts[key] += count
			}
		}
	}
	if skipped > 0 {
		executor.log.Warn("reduce task=%d skipped %d malformed records", task.Id, skipped)
	}

	var records []storage.Record
	if task.Shard >= 0 {
		keys := make([]string, 0, len(counts))
		for key := range counts {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		records = make([]storage.Record, 0, len(keys))
		for _, key := range keys {
			records = append(records, storage.CountRecord(key, counts[key]))
		}
	} else {
		records = make([]storage.Record, 0, len(task.Keys))
		for _, key := range task.Keys {
			records = append(records, storage.CountRecord(key, counts[key]))
		}
	}

	if err := executor.storage.WriteRecords(ctx, storage.ReduceOutputLocation(task.Id), records); err != nil {
		return fmt.Errorf("reduce task %d: %w", task.Id, err)
	}
	return nil
}

func parseCountLine(line string) (string, int, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", 0, false
	}

	count, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, false
	}
	return fields[0], count, true
}
