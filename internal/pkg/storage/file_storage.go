package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStorage reads input units from InputDir and keeps one file per output
// location under WorkDir.
type FileStorage struct {
	InputDir string
	WorkDir  string
}

func NewFileStorage(inputDir string, workDir string) (*FileStorage, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &FileStorage{InputDir: inputDir, WorkDir: workDir}, nil
}

func (storage *FileStorage) ReadInputUnit(ctx context.Context, id string) ([]string, error) {
	path := id
	if !filepath.IsAbs(id) {
		path = filepath.Join(storage.InputDir, id)
	}
	return readLines(ctx, path)
}

func (storage *FileStorage) ReadLines(ctx context.Context, location string) ([]string, error) {
	return readLines(ctx, storage.path(location))
}

// WriteRecords writes to a uniquely named temp file and renames it over the
// target, so concurrent executions of the same task never interleave.
func (storage *FileStorage) WriteRecords(ctx context.Context, location string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := storage.path(location)
	temp := filepath.Join(storage.WorkDir, fmt.Sprintf(".%v.%v.tmp", location, uuid.NewString()))

	file, err := os.Create(temp)
	if err != nil {
		return fmt.Errorf("failed to create %v: %w", temp, err)
	}

	writer := bufio.NewWriter(file)
	for _, record := range records {
		if _, err := writer.WriteString(record.Line() + "\n"); err != nil {
			file.Close()
			os.Remove(temp)
			return fmt.Errorf("failed to write %v: %w", temp, err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("failed to flush %v: %w", temp, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temp)
		return fmt.Errorf("failed to sync %v: %w", temp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temp)
		return fmt.Errorf("failed to close %v: %w", temp, err)
	}

	if err := os.Rename(temp, target); err != nil {
		os.Remove(temp)
		return fmt.Errorf("failed to rename %v to %v: %w", temp, target, err)
	}

	return nil
}

func (storage *FileStorage) path(location string) string {
	return filepath.Join(storage.WorkDir, location)
}

func readLines(ctx context.Context, path string) ([]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%v: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %v: %w", path, err)
	}
	defer file.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", path, err)
	}

	return lines, nil
}
