package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var ErrNotFound = errors.New("location not found")

// Record is one intermediate or final output line.
type Record struct {
	Key   string
	Value string
}

func (record Record) Line() string {
	return record.Key + " " + record.Value
}

func CountRecord(key string, count int) Record {
	return Record{Key: key, Value: strconv.Itoa(count)}
}

// Storage is the worker-local view of inputs and task outputs. Writing a
// location replaces its previous content atomically, so re-running a task
// with the same id never duplicates records.
type Storage interface {
	ReadInputUnit(ctx context.Context, id string) ([]string, error)
	WriteRecords(ctx context.Context, location string, records []Record) error
	ReadLines(ctx context.Context, location string) ([]string, error)
}

func MapOutputLocation(mapTaskId int, shard int) string {
	return fmt.Sprintf("map-%d-%d", mapTaskId, shard)
}

func ReduceOutputLocation(reduceTaskId int) string {
	return fmt.Sprintf("reduce-%d", reduceTaskId)
}
