package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/config"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/logger"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
	"github.com/hkakutalua/mrcoordinator/internal/pkg/storage"
	"github.com/hkakutalua/mrcoordinator/internal/worker"
)

func main() {
	coordinatorAddr := flag.String("coordinator", "127.0.0.1:7070", "Coordinator hub address")
	identity := flag.String("id", "", "Worker identity")
	incarnation := flag.String("incarnation", "", "Incarnation id assigned by the coordinator")
	fault := flag.String("fault", string(config.FaultNone), "Injected fault: none, late-start, dont-start, crash-after-start, hang")
	heartbeatInterval := flag.Duration("heartbeat-interval", 100*time.Millisecond, "Heartbeat interval")
	startDelay := flag.Duration("start-delay", time.Second, "Silence before starting under the late-start fault")
	taskRetries := flag.Int("task-retries", 2, "Local retries of a failing task")
	sendRetries := flag.Int("send-retries", 3, "Retries of a failing completion report")
	storageKind := flag.String("storage", config.StorageFile, "Storage backend: file")
	inputDir := flag.String("input-dir", ".", "Directory holding input units")
	workDir := flag.String("work-dir", "mr-work", "Directory for intermediate and final output")
	logLevel := flag.String("log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	flag.Parse()

	if *identity == "" || *incarnation == "" {
		log.Fatalf("-id and -incarnation are required")
	}
	if *storageKind != config.StorageFile {
		log.Fatalf("worker processes only support %q storage, got %q", config.StorageFile, *storageKind)
	}
	faultMode := config.FaultMode(*fault)
	if !faultMode.Valid() {
		log.Fatalf("unknown fault %q", *fault)
	}

	lg := logger.New(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if faultMode == config.FaultDontStart {
		lg.Warn("worker=%v fault %v: never connecting", *identity, faultMode)
		<-ctx.Done()
		return
	}

	store, err := storage.NewFileStorage(*inputDir, filepath.Clean(*workDir))
	if err != nil {
		log.Fatalf("worker %v: %v", *identity, err)
	}

	hello := rpc.Message{Worker: *identity, Incarnation: *incarnation}
	hello.Purpose = rpc.TaskChannel
	tasks, err := rpc.DialTCP(ctx, *coordinatorAddr, hello)
	if err != nil {
		log.Fatalf("worker %v: %v", *identity, err)
	}
	defer tasks.Close()

	hello.Purpose = rpc.HeartbeatChannel
	heartbeats, err := rpc.DialTCP(ctx, *coordinatorAddr, hello)
	if err != nil {
		log.Fatalf("worker %v: %v", *identity, err)
	}
	defer heartbeats.Close()

	cfg := worker.Config{
		Identity:          *identity,
		Incarnation:       *incarnation,
		HeartbeatInterval: *heartbeatInterval,
		TaskRetries:       *taskRetries,
		SendRetries:       *sendRetries,
		Fault:             faultMode,
		StartDelay:        *startDelay,
	}
	if err := worker.New(cfg, tasks, heartbeats, store, lg).Run(ctx); err != nil {
		lg.Error("worker=%v incarnation=%v exiting: %v", *identity, *incarnation, err)
		tasks.Close()
		heartbeats.Close()
		os.Exit(1)
	}
}
