package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStorage keeps every output location as its own bucket in a single bolt
// database. Input units are still read from the filesystem.
type BoltStorage struct {
	inputs *FileStorage
	db     *bolt.DB
}

func OpenBoltStorage(inputDir string, path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %v: %w", path, err)
	}

	return &BoltStorage{inputs: &FileStorage{InputDir: inputDir}, db: db}, nil
}

func (storage *BoltStorage) ReadInputUnit(ctx context.Context, id string) ([]string, error) {
	return storage.inputs.ReadInputUnit(ctx, id)
}

// WriteRecords drops and recreates the location's bucket in one transaction.
func (storage *BoltStorage) WriteRecords(ctx context.Context, location string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return storage.db.Update(func(tx *bolt.Tx) error {
		name := []byte(location)
		if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to clear %v: %w", location, err)
		}

		bucket, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create %v: %w", location, err)
		}

		for i, record := range records {
			if err := bucket.Put(sequenceKey(uint64(i)), []byte(record.Line())); err != nil {
				return fmt.Errorf("failed to put record into %v: %w", location, err)
			}
		}

		return nil
	})
}

func (storage *BoltStorage) ReadLines(ctx context.Context, location string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lines []string
	err := storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(location))
		if bucket == nil {
			return fmt.Errorf("%v: %w", location, ErrNotFound)
		}

		lines = make([]string, 0, bucket.Stats().KeyN)
		return bucket.ForEach(func(_, value []byte) error {
			lines = append(lines, string(value))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return lines, nil
}

func (storage *BoltStorage) Close() error {
	return storage.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
