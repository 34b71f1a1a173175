package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	inputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "file_0.txt"), []byte("the cat\nthe dog\n"), 0644))

	fileStorage, err := NewFileStorage(inputDir, filepath.Join(t.TempDir(), "work"))
	require.NoError(t, err)

	boltStorage, err := OpenBoltStorage(inputDir, filepath.Join(t.TempDir(), "outputs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStorage.Close() })

	return map[string]Storage{"file": fileStorage, "bolt": boltStorage}
}

func TestThat_ReadInputUnitReturnsLines(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lines, err := storage.ReadInputUnit(context.Background(), "file_0.txt")

			require.NoError(t, err)
			assert.Equal(t, []string{"the cat", "the dog"}, lines)
		})
	}
}

func TestThat_WriteRecordsOverwritesPreviousContent_WhenLocationIsRewritten(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			location := MapOutputLocation(3, 0)

			require.NoError(t, storage.WriteRecords(ctx, location, []Record{CountRecord("the", 1), CountRecord("cat", 1)}))
			require.NoError(t, storage.WriteRecords(ctx, location, []Record{CountRecord("the", 1)}))
			lines, err := storage.ReadLines(ctx, location)

			require.NoError(t, err)
			assert.Equal(t, []string{"the 1"}, lines)
		})
	}
}

func TestThat_ReadLinesReturnsNotFound_WhenLocationWasNeverWritten(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := storage.ReadLines(context.Background(), ReduceOutputLocation(9))

			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestThat_ReadInputUnitReturnsNotFound_WhenInputIsMissing(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := storage.ReadInputUnit(context.Background(), "missing.txt")

			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestThat_ConcurrentRewritesLeaveOneCompleteVersion(t *testing.T) {
	for name, storage := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			location := MapOutputLocation(0, 1)
			records := []Record{CountRecord("a", 1), CountRecord("and", 1), CountRecord("a", 1)}

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, storage.WriteRecords(ctx, location, records))
				}()
			}
			wg.Wait()

			lines, err := storage.ReadLines(ctx, location)
			require.NoError(t, err)
			assert.Equal(t, []string{"a 1", "and 1", "a 1"}, lines)
		})
	}
}

func TestThat_FileStorageLeavesNoTempFiles_AfterWriting(t *testing.T) {
	workDir := t.TempDir()
	storage, err := NewFileStorage(t.TempDir(), workDir)
	require.NoError(t, err)

	require.NoError(t, storage.WriteRecords(context.Background(), ReduceOutputLocation(0), []Record{CountRecord("the", 2)}))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reduce-0", entries[0].Name())
}
