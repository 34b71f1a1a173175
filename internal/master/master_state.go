package master

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hkakutalua/mrcoordinator/internal/pkg/rpc"
)

type Phase uint8

const (
	MapPhase    Phase = 0
	ReducePhase Phase = 1
	Done        Phase = 2
)

func (phase Phase) String() string {
	switch phase {
	case MapPhase:
		return "map"
	case ReducePhase:
		return "reduce"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(phase))
	}
}

func (phase Phase) taskKind() rpc.TaskKind {
	if phase == MapPhase {
		return rpc.MapTask
	}
	return rpc.ReduceTask
}

type WorkerStatus uint8

const (
	Idle    WorkerStatus = 0
	Running WorkerStatus = 1
	Dead    WorkerStatus = 2
)

func (status WorkerStatus) String() string {
	switch status {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(status))
	}
}

type WorkerRecord struct {
	Identity        string
	Status          WorkerStatus
	CurrentTask     *rpc.Task
	LastHeartbeatAt time.Time

	// Incarnation names the live worker process behind the identity.
	// Messages from any other incarnation are stale.
	Incarnation string

	spawning bool
}

func (record WorkerRecord) copy() WorkerRecord {
	if record.CurrentTask != nil {
		task := record.CurrentTask.Clone()
		record.CurrentTask = &task
	}
	return record
}

// MasterState is the worker table and the phase queues. Every read and
// write goes through its single mutex, so each operation below is atomic
// with respect to the others.
type MasterState struct {
	mutex sync.Mutex
	now   func() time.Time

	partitioner Partitioner
	inputs      []string

	phase          Phase
	phaseTasks     map[rpc.TaskRef]rpc.Task
	pendingTasks   []rpc.Task
	inFlightTasks  map[rpc.TaskRef]string
	completed      map[rpc.TaskRef]bool
	completedCount int

	completedByPhase map[Phase]int
	reassignments    int

	workers     map[string]*WorkerRecord
	workerOrder []string

	done chan struct{}
}

// NewMasterState enters the map phase. Every worker starts Dead until a
// process for it is spawned and marked live.
func NewMasterState(identities []string, inputs []string, partitioner Partitioner, now func() time.Time) *MasterState {
	if now == nil {
		now = time.Now
	}

	state := &MasterState{
		now:              now,
		partitioner:      partitioner,
		inputs:           append([]string(nil), inputs...),
		completedByPhase: make(map[Phase]int),
		workers:          make(map[string]*WorkerRecord, len(identities)),
		workerOrder:      append([]string(nil), identities...),
		done:             make(chan struct{}),
	}
	for _, identity := range identities {
		state.workers[identity] = &WorkerRecord{Identity: identity, Status: Dead}
	}

	state.enterPhaseLocked(MapPhase)
	state.advanceIfCompleteLocked()

	return state
}

func (state *MasterState) enterPhaseLocked(phase Phase) {
	state.phase = phase
	state.phaseTasks = make(map[rpc.TaskRef]rpc.Task)
	state.inFlightTasks = make(map[rpc.TaskRef]string)
	state.completed = make(map[rpc.TaskRef]bool)
	state.completedCount = 0

	var tasks []rpc.Task
	switch phase {
	case MapPhase:
		tasks = state.partitioner.MapTasks(state.inputs)
	case ReducePhase:
		tasks = state.partitioner.ReduceTasks(state.completedByPhase[MapPhase])
	case Done:
		close(state.done)
	}

	state.pendingTasks = make([]rpc.Task, 0, len(tasks))
	for _, task := range tasks {
		state.phaseTasks[task.Ref()] = task
		state.pendingTasks = append(state.pendingTasks, task)
	}
}

// advanceIfCompleteLocked moves through as many phases as are already
// complete. A phase with no tasks completes immediately.
func (state *MasterState) advanceIfCompleteLocked() {
	for state.phase != Done &&
		len(state.pendingTasks) == 0 &&
		len(state.inFlightTasks) == 0 &&
		state.completedCount == len(state.phaseTasks) {
		state.completedByPhase[state.phase] = state.completedCount
		state.enterPhaseLocked(state.phase + 1)
	}
}

// AssignNext hands the head of the pending queue to an Idle worker. It
// returns false, changing nothing, when the worker is not Idle or nothing
// is pending. The caller must deliver the task to the returned incarnation.
func (state *MasterState) AssignNext(identity string) (rpc.Task, string, bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	record, ok := state.workers[identity]
	if !ok || record.Status != Idle || len(state.pendingTasks) == 0 {
		return rpc.Task{}, "", false
	}

	task := state.pendingTasks[0]
	state.pendingTasks = state.pendingTasks[1:]
	state.inFlightTasks[task.Ref()] = identity

	current := task.Clone()
	record.Status = Running
	record.CurrentTask = &current

	return task.Clone(), record.Incarnation, true
}

// OnTaskComplete accepts a completion only from the incarnation the task is
// in flight with. Stale and duplicate reports return false and change nothing.
func (state *MasterState) OnTaskComplete(identity string, incarnation string, ref rpc.TaskRef) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	if !state.holdsLocked(identity, incarnation, ref) {
		return false
	}

	delete(state.inFlightTasks, ref)
	state.completed[ref] = true
	state.completedCount++

	record := state.workers[identity]
	record.Status = Idle
	record.CurrentTask = nil

	state.advanceIfCompleteLocked()
	return true
}

// OnTaskRefused puts a task the worker declined back at the head of the
// pending queue. The worker itself stays live and becomes Idle.
func (state *MasterState) OnTaskRefused(identity string, incarnation string, ref rpc.TaskRef) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	if !state.holdsLocked(identity, incarnation, ref) {
		return false
	}

	delete(state.inFlightTasks, ref)
	state.pendingTasks = append([]rpc.Task{state.phaseTasks[ref]}, state.pendingTasks...)
	state.reassignments++

	record := state.workers[identity]
	record.Status = Idle
	record.CurrentTask = nil
	return true
}

// holdsLocked reports whether ref is in flight with this exact incarnation.
func (state *MasterState) holdsLocked(identity string, incarnation string, ref rpc.TaskRef) bool {
	if state.phase == Done || ref.Kind != state.phase.taskKind() {
		return false
	}
	if owner, ok := state.inFlightTasks[ref]; !ok || owner != identity {
		return false
	}
	record, ok := state.workers[identity]
	return ok && record.Incarnation == incarnation && record.Status == Running
}

// OnWorkerFailure marks the worker Dead and puts its current task, if any,
// back at the head of the pending queue. It returns false when the worker
// was already Dead.
func (state *MasterState) OnWorkerFailure(identity string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	return state.failLocked(identity)
}

// OnIncarnationFailure is OnWorkerFailure for a specific incarnation; it is
// a no-op once the identity has moved on to another incarnation.
func (state *MasterState) OnIncarnationFailure(identity string, incarnation string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	record, ok := state.workers[identity]
	if !ok || record.Incarnation != incarnation {
		return false
	}
	return state.failLocked(identity)
}

func (state *MasterState) failLocked(identity string) bool {
	record, ok := state.workers[identity]
	if !ok || record.Status == Dead {
		return false
	}

	if record.Status == Running && record.CurrentTask != nil {
		ref := record.CurrentTask.Ref()
		if owner, inFlight := state.inFlightTasks[ref]; inFlight && owner == identity {
			delete(state.inFlightTasks, ref)
			state.pendingTasks = append([]rpc.Task{state.phaseTasks[ref]}, state.pendingTasks...)
			state.reassignments++
		}
	}

	record.Status = Dead
	record.CurrentTask = nil
	return true
}

// ClaimRespawn reserves a Dead worker for respawning so that only one spawn
// per identity is ever in progress.
func (state *MasterState) ClaimRespawn(identity string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	record, ok := state.workers[identity]
	if !ok || record.Status != Dead || record.spawning || state.phase == Done {
		return false
	}
	record.spawning = true
	return true
}

func (state *MasterState) ReleaseRespawn(identity string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	if record, ok := state.workers[identity]; ok {
		record.spawning = false
	}
}

// MarkWorkerLive makes a freshly spawned incarnation Idle and eligible for
// assignment.
func (state *MasterState) MarkWorkerLive(identity string, incarnation string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	record, ok := state.workers[identity]
	if !ok || record.Status != Dead {
		return false
	}

	record.Status = Idle
	record.CurrentTask = nil
	record.Incarnation = incarnation
	record.LastHeartbeatAt = state.now()
	record.spawning = false
	return true
}

// RecordHeartbeat refreshes a live worker's liveness. Heartbeats from a
// Dead worker or a superseded incarnation are ignored.
func (state *MasterState) RecordHeartbeat(identity string, incarnation string) bool {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	record, ok := state.workers[identity]
	if !ok || record.Status == Dead || record.Incarnation != incarnation {
		return false
	}
	record.LastHeartbeatAt = state.now()
	return true
}

// ExpiredWorkers lists live workers silent for longer than timeout.
func (state *MasterState) ExpiredWorkers(timeout time.Duration) []string {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	now := state.now()
	expired := make([]string, 0)
	for _, identity := range state.workerOrder {
		record := state.workers[identity]
		if record.Status != Dead && now.Sub(record.LastHeartbeatAt) > timeout {
			expired = append(expired, identity)
		}
	}
	return expired
}

func (state *MasterState) DeadWorkers() []string {
	return state.workersWithStatus(Dead)
}

func (state *MasterState) IdleWorkers() []string {
	return state.workersWithStatus(Idle)
}

func (state *MasterState) workersWithStatus(status WorkerStatus) []string {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	identities := make([]string, 0)
	for _, identity := range state.workerOrder {
		if state.workers[identity].Status == status {
			identities = append(identities, identity)
		}
	}
	return identities
}

func (state *MasterState) Phase() Phase {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	return state.phase
}

// Done is closed when the reduce phase completes.
func (state *MasterState) Done() <-chan struct{} {
	return state.done
}

type Snapshot struct {
	Phase            Phase
	Pending          []rpc.TaskRef
	InFlight         map[rpc.TaskRef]string
	Completed        []rpc.TaskRef
	CompletedCount   int
	PhaseTotal       int
	CompletedByPhase map[Phase]int
	Reassignments    int
	Workers          []WorkerRecord
}

func (state *MasterState) Snapshot() Snapshot {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	snapshot := Snapshot{
		Phase:            state.phase,
		Pending:          make([]rpc.TaskRef, 0, len(state.pendingTasks)),
		InFlight:         make(map[rpc.TaskRef]string, len(state.inFlightTasks)),
		Completed:        make([]rpc.TaskRef, 0, len(state.completed)),
		CompletedCount:   state.completedCount,
		PhaseTotal:       len(state.phaseTasks),
		CompletedByPhase: make(map[Phase]int, len(state.completedByPhase)),
		Reassignments:    state.reassignments,
		Workers:          make([]WorkerRecord, 0, len(state.workers)),
	}

	for _, task := range state.pendingTasks {
		snapshot.Pending = append(snapshot.Pending, task.Ref())
	}
	for ref, identity := range state.inFlightTasks {
		snapshot.InFlight[ref] = identity
	}
	for ref := range state.completed {
		snapshot.Completed = append(snapshot.Completed, ref)
	}
	sort.Slice(snapshot.Completed, func(i, j int) bool { return snapshot.Completed[i].Id < snapshot.Completed[j].Id })
	for phase, count := range state.completedByPhase {
		snapshot.CompletedByPhase[phase] = count
	}
	for _, identity := range state.workerOrder {
		snapshot.Workers = append(snapshot.Workers, state.workers[identity].copy())
	}

	return snapshot
}

// CheckInvariants verifies that every task of the current phase is in
// exactly one of pending, in-flight and completed, and that worker records
// agree with the in-flight table.
func (state *MasterState) CheckInvariants() error {
	state.mutex.Lock()
	defer state.mutex.Unlock()

	seen := make(map[rpc.TaskRef]string)
	mark := func(ref rpc.TaskRef, where string) error {
		if _, known := state.phaseTasks[ref]; !known {
			return fmt.Errorf("task %v in %v is not part of the %v phase", ref, where, state.phase)
		}
		if previous, dup := seen[ref]; dup {
			return fmt.Errorf("task %v is both %v and %v", ref, previous, where)
		}
		seen[ref] = where
		return nil
	}

	for _, task := range state.pendingTasks {
		if err := mark(task.Ref(), "pending"); err != nil {
			return err
		}
	}
	for ref := range state.inFlightTasks {
		if err := mark(ref, "in-flight"); err != nil {
			return err
		}
	}
	for ref := range state.completed {
		if err := mark(ref, "completed"); err != nil {
			return err
		}
	}
	if len(seen) != len(state.phaseTasks) {
		return fmt.Errorf("%d of %d %v tasks are accounted for", len(seen), len(state.phaseTasks), state.phase)
	}
	if state.completedCount != len(state.completed) {
		return fmt.Errorf("completed count %d disagrees with %d completed tasks", state.completedCount, len(state.completed))
	}

	for ref, identity := range state.inFlightTasks {
		record := state.workers[identity]
		if record == nil || record.Status != Running || record.CurrentTask == nil || record.CurrentTask.Ref() != ref {
			return fmt.Errorf("task %v is in flight with %v, which is not running it", ref, identity)
		}
	}
	for _, identity := range state.workerOrder {
		record := state.workers[identity]
		if (record.Status == Running) != (record.CurrentTask != nil) {
			return fmt.Errorf("worker %v is %v with current task %v", identity, record.Status, record.CurrentTask)
		}
		if record.Status == Running && state.inFlightTasks[record.CurrentTask.Ref()] != identity {
			return fmt.Errorf("worker %v runs %v, which is not in flight with it", identity, record.CurrentTask.Ref())
		}
	}

	return nil
}
