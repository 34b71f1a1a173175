package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hkakutalua/mrcoordinator/internal/master"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
	"github.com/hkakutalua/mrcoordinator/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "job.json", "Path to the JSON job configuration")
	transport := flag.String("transport", "local", "Mode: 'local' runs workers as goroutines, 'process' as mrworker processes")
	workerBinary := flag.String("worker-bin", "mrworker", "mrworker binary used by the process transport")
	listen := flag.String("listen", "127.0.0.1:0", "Hub address for the process transport")
	logLevel := flag.String("log-level", "", "Overrides the job's log level")
	flag.Parse()

	job, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load job: %v", err)
	}
	if *logLevel != "" {
		job.LogLevel = *logLevel
	}
	lg := logger.New(job.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStorage(job)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer closeStore()

	var spawner master.Spawner
	switch *transport {
	case "local":
		spawner = supervisor.NewLocalSpawner(job, store, lg)
	case "process":
		if job.Storage != config.StorageFile {
			log.Fatalf("the process transport needs %q storage shared through the filesystem", config.StorageFile)
		}
		hub, err := rpc.Listen(*listen, func(err error) { lg.Warn("hub: %v", err) })
		if err != nil {
			log.Fatalf("failed to start hub: %v", err)
		}
		defer hub.Close()
		lg.Info("hub listening on %v", hub.Addr())
		spawner = supervisor.NewProcessSpawner(hub, *workerBinary, job, lg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown transport: %s\n", *transport)
		os.Exit(1)
	}

	coordinator, err := master.New(job, spawner, lg)
	if err != nil {
		log.Fatalf("job rejected: %v", err)
	}

	result, err := coordinator.Run(ctx)
	if err != nil {
		log.Fatalf("job failed: %v", err)
	}

	lg.Info("map tasks=%d reduce tasks=%d reassignments=%d spawns=%d",
		result.MapTasks, result.ReduceTasks, result.Reassignments, result.Spawns)
	for _, location := range result.OutputLocations {
		lines, err := store.ReadLines(ctx, location)
		if err != nil {
			log.Fatalf("failed to read %v: %v", location, err)
		}
		for _, line := range lines {
			fmt.Println(line)
		}
	}
}

func openStorage(job config.Job) (storage.Storage, func(), error) {
	if job.Storage == config.StorageBolt {
		if err := os.MkdirAll(job.WorkDir, 0755); err != nil {
			return nil, nil, err
		}
		store, err := storage.OpenBoltStorage(job.InputDir, filepath.Join(job.WorkDir, "outputs.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	store, err := storage.NewFileStorage(job.InputDir, job.WorkDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}
