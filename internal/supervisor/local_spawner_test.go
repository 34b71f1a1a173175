package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkakutalua/mrcoordinator/internal/master"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
)

var corpus = map[string]string{
	"a.txt": "the cat sat\n",
	"b.txt": "the dog sat the\n",
}

func wordCountJob(t *testing.T, workers []string) config.Job {
	t.Helper()
	inputDir := t.TempDir()
	inputs := make([]string, 0, len(corpus))
	for name, content := range corpus {
		require.NoError(t, os.WriteFile(filepath.Join(inputDir, name), []byte(content), 0644))
		inputs = append(inputs, name)
	}
	sort.Strings(inputs)

	return config.Job{
		Inputs:            inputs,
		Workers:           workers,
		HeartbeatInterval: config.Duration{Duration: 20 * time.Millisecond},
		HeartbeatTimeout:  config.Duration{Duration: 100 * time.Millisecond},
		ScheduleInterval:  config.Duration{Duration: 5 * time.Millisecond},
		InputDir:          inputDir,
		WorkDir:           filepath.Join(t.TempDir(), "work"),
	}
}

func runJob(t *testing.T, job config.Job, store storage.Storage) master.Result {
	t.Helper()
	coordinator, err := master.New(job, NewLocalSpawner(job, store, logger.Discard()), logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := coordinator.Run(ctx)
	require.NoError(t, err)
	return result
}

func outputLines(t *testing.T, store storage.Storage, result master.Result) [][]string {
	t.Helper()
	outputs := make([][]string, 0, len(result.OutputLocations))
	for _, location := range result.OutputLocations {
		lines, err := store.ReadLines(context.Background(), location)
		require.NoError(t, err)
		outputs = append(outputs, lines)
	}
	return outputs
}

func TestThat_JobCountsOwnedWords_WhenWorkersAreHealthy(t *testing.T) {
	job := wordCountJob(t, []string{"w0", "w1", "w2"})
	job.Ownership = map[string][]string{
		"w0": {"the"},
		"w1": {"dog", "cat"},
		"w2": {"sat", "bird"},
	}
	store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
	require.NoError(t, err)

	result := runJob(t, job, store)

	assert.Equal(t, 2, result.MapTasks)
	assert.Equal(t, 3, result.ReduceTasks)
	assert.Equal(t, [][]string{
		{"the 3"},
		{"cat 1", "dog 1"},
		{"bird 0", "sat 2"},
	}, outputLines(t, store, result))
}

func TestThat_JobCompletes_WhenWorkerIsFaulty(t *testing.T) {
	faults := []config.FaultMode{
		config.FaultLateStart,
		config.FaultDontStart,
		config.FaultCrashAfterStart,
		config.FaultHang,
	}

	for _, fault := range faults {
		t.Run(string(fault), func(t *testing.T) {
			job := wordCountJob(t, []string{"w0"})
			job.Ownership = map[string][]string{"w0": {"the", "sat"}}
			job.Faults = map[string]config.FaultMode{"w0": fault}
			store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
			require.NoError(t, err)

			result := runJob(t, job, store)

			assert.Equal(t, 2, result.Spawns, "the faulty incarnation is replaced once")
			assert.Equal(t, 1, result.Reassignments)
			assert.Equal(t, [][]string{{"sat 2", "the 3"}}, outputLines(t, store, result))
		})
	}
}

func TestThat_JobCompletesOnHealthyWorker_WhenOtherWorkerHangs(t *testing.T) {
	job := wordCountJob(t, []string{"w0", "w1"})
	job.Ownership = map[string][]string{
		"w0": {"the", "sat"},
		"w1": {"cat", "dog"},
	}
	job.Faults = map[string]config.FaultMode{"w0": config.FaultHang}
	store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
	require.NoError(t, err)

	result := runJob(t, job, store)

	assert.Equal(t, 2, result.MapTasks)
	assert.Equal(t, 2, result.ReduceTasks)
	assert.Equal(t, [][]string{
		{"sat 2", "the 3"},
		{"cat 1", "dog 1"},
	}, outputLines(t, store, result))
}

func TestThat_JobCountsEveryWord_WhenUsingHashShardsAndBoltStorage(t *testing.T) {
	job := wordCountJob(t, []string{"w0", "w1"})
	job.ReduceShards = 3
	job.Storage = config.StorageBolt
	require.NoError(t, os.MkdirAll(job.WorkDir, 0755))
	store, err := storage.OpenBoltStorage(job.InputDir, filepath.Join(job.WorkDir, "outputs.db"))
	require.NoError(t, err)
	defer store.Close()

	result := runJob(t, job, store)

	assert.Equal(t, 3, result.ReduceTasks)
	var all []string
	for shard, lines := range outputLines(t, store, result) {
		assert.True(t, sort.StringsAreSorted(lines))
		for _, line := range lines {
			key := line[:len(line)-2]
			assert.Equal(t, shard, rpc.KeyShard(key, 3), "%q reduced by the wrong shard", key)
		}
		all = append(all, lines...)
	}
	assert.ElementsMatch(t, []string{"cat 1", "dog 1", "sat 2", "the 3"}, all)
}

func TestThat_OnlyFirstIncarnationGetsTheFault(t *testing.T) {
	job := config.Job{
		Workers: []string{"w0", "w1"},
		Faults:  map[string]config.FaultMode{"w0": config.FaultHang},
	}
	plan := newFaultPlan(job)

	assert.Equal(t, config.FaultHang, plan.next("w0"))
	assert.Equal(t, config.FaultNone, plan.next("w0"))
	assert.Equal(t, config.FaultNone, plan.next("w1"))
}

func TestThat_LocalHandleStopEndsTheWorker(t *testing.T) {
	job := wordCountJob(t, []string{"w0"})
	job.Faults = map[string]config.FaultMode{"w0": config.FaultDontStart}
	store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
	require.NoError(t, err)
	spawner := NewLocalSpawner(job, store, logger.Discard())

	handle, err := spawner.Spawn(context.Background(), "w0")
	require.NoError(t, err)
	assert.Equal(t, "w0", handle.Identity())
	assert.NotEmpty(t, handle.Incarnation())

	require.NoError(t, handle.Stop())
	require.NoError(t, handle.Stop())

	select {
	case <-handle.(*LocalHandle).Done():
	default:
		t.Fatal("worker goroutine still running after Stop")
	}
	_, err = handle.Tasks().Receive(context.Background())
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)
}

func TestThat_EachSpawnGetsAFreshIncarnation(t *testing.T) {
	job := wordCountJob(t, []string{"w0"})
	store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
	require.NoError(t, err)
	spawner := NewLocalSpawner(job, store, logger.Discard())

	first, err := spawner.Spawn(context.Background(), "w0")
	require.NoError(t, err)
	defer first.Stop()
	second, err := spawner.Spawn(context.Background(), "w0")
	require.NoError(t, err)
	defer second.Stop()

	assert.NotEqual(t, first.Incarnation(), second.Incarnation())
}
