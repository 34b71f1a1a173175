package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrInvalidConfig = errors.New("invalid job configuration")

type FaultMode string

const (
	FaultNone            FaultMode = "none"
	FaultLateStart       FaultMode = "late-start"
	FaultDontStart       FaultMode = "dont-start"
	FaultCrashAfterStart FaultMode = "crash-after-start"
	FaultHang            FaultMode = "hang"
)

func (mode FaultMode) Valid() bool {
	switch mode {
	case "", FaultNone, FaultLateStart, FaultDontStart, FaultCrashAfterStart, FaultHang:
		return true
	default:
		return false
	}
}

const (
	DefaultSendRetries = 3
	DefaultTaskRetries = 2
)

const (
	StorageFile = "file"
	StorageBolt = "bolt"
)

// Duration decodes from JSON strings such as "150ms".
type Duration struct {
	time.Duration
}

func (duration Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(duration.String())
}

func (duration *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	duration.Duration = parsed
	return nil
}

// Job is everything the coordinator consumes to run one job.
type Job struct {
	Inputs    []string            `json:"inputs"`
	Workers   []string            `json:"workers"`
	Ownership map[string][]string `json:"ownership"`

	// ReduceShards selects hash-range partitioning into that many reduce
	// tasks. Zero keeps one reduce task per worker owning Ownership's keys.
	ReduceShards int `json:"reduce_shards"`

	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	ScheduleInterval  Duration `json:"schedule_interval"`
	SpawnTimeout      Duration `json:"spawn_timeout"`

	// Retry counts are taken as given, so zero disables retrying. Parse
	// and Default fill in DefaultSendRetries and DefaultTaskRetries when
	// the field is absent.
	SendRetries int `json:"send_retries"`
	TaskRetries int `json:"task_retries"`

	Storage  string `json:"storage"`
	InputDir string `json:"input_dir"`
	WorkDir  string `json:"work_dir"`

	Faults   map[string]FaultMode `json:"faults"`
	LogLevel string               `json:"log_level"`
}

func Default() Job {
	job := Job{SendRetries: DefaultSendRetries, TaskRetries: DefaultTaskRetries}
	job.ApplyDefaults()
	return job
}

func (job *Job) ApplyDefaults() {
	if job.HeartbeatInterval.Duration == 0 {
		job.HeartbeatInterval.Duration = 100 * time.Millisecond
	}
	if job.HeartbeatTimeout.Duration == 0 {
		job.HeartbeatTimeout.Duration = 3 * job.HeartbeatInterval.Duration
	}
	if job.ScheduleInterval.Duration == 0 {
		job.ScheduleInterval.Duration = 10 * time.Millisecond
	}
	if job.SpawnTimeout.Duration == 0 {
		job.SpawnTimeout.Duration = 10 * time.Second
	}
	if job.Storage == "" {
		job.Storage = StorageFile
	}
	if job.WorkDir == "" {
		job.WorkDir = "mr-work"
	}
	if job.LogLevel == "" {
		job.LogLevel = "INFO"
	}
}

// Validate checks everything that can be checked without partitioning.
func (job *Job) Validate() error {
	if len(job.Workers) == 0 {
		return fmt.Errorf("%w: no workers", ErrInvalidConfig)
	}

	known := make(map[string]bool, len(job.Workers))
	for _, identity := range job.Workers {
		if identity == "" {
			return fmt.Errorf("%w: empty worker identity", ErrInvalidConfig)
		}
		if known[identity] {
			return fmt.Errorf("%w: duplicate worker identity %q", ErrInvalidConfig, identity)
		}
		known[identity] = true
	}

	for identity := range job.Ownership {
		if !known[identity] {
			return fmt.Errorf("%w: ownership names unknown worker %q", ErrInvalidConfig, identity)
		}
	}
	for identity, mode := range job.Faults {
		if !known[identity] {
			return fmt.Errorf("%w: fault names unknown worker %q", ErrInvalidConfig, identity)
		}
		if !mode.Valid() {
			return fmt.Errorf("%w: unknown fault mode %q for %q", ErrInvalidConfig, mode, identity)
		}
	}

	for i, input := range job.Inputs {
		if input == "" {
			return fmt.Errorf("%w: input %d is empty", ErrInvalidConfig, i)
		}
	}

	if job.ReduceShards < 0 {
		return fmt.Errorf("%w: negative reduce_shards", ErrInvalidConfig)
	}
	if job.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if job.HeartbeatTimeout.Duration <= job.HeartbeatInterval.Duration {
		return fmt.Errorf("%w: heartbeat_timeout %v must exceed heartbeat_interval %v",
			ErrInvalidConfig, job.HeartbeatTimeout.Duration, job.HeartbeatInterval.Duration)
	}
	if job.ScheduleInterval.Duration <= 0 {
		return fmt.Errorf("%w: schedule_interval must be positive", ErrInvalidConfig)
	}
	if job.SendRetries < 0 || job.TaskRetries < 0 {
		return fmt.Errorf("%w: retry counts must not be negative", ErrInvalidConfig)
	}
	if job.Storage != StorageFile && job.Storage != StorageBolt {
		return fmt.Errorf("%w: unknown storage %q", ErrInvalidConfig, job.Storage)
	}

	return nil
}

func (job *Job) FaultFor(identity string) FaultMode {
	if mode, ok := job.Faults[identity]; ok && mode != "" {
		return mode
	}
	return FaultNone
}

// Load reads a JSON job file, fills defaults and validates it.
func Load(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to read config %v: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Job, error) {
	job := Job{SendRetries: DefaultSendRetries, TaskRetries: DefaultTaskRetries}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return Job{}, err
	}

	return job, nil
}
