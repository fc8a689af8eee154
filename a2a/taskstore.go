package a2a

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when creating a task with a used id.
	ErrTaskExists = errors.New("task already exists")
	// ErrInvalidTransition is returned for state changes out of a final state
	// or skipping a state.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Owner identifies the tenant and agent a task was submitted to. Tasks are
// only visible through the owner that created them.
type Owner struct {
	TenantID string
	AgentID  string
}

type ownedTask struct {
	task  *Task
	owner Owner
}

// TaskStore keeps tasks in memory and enforces the task state machine
// submitted -> working -> completed|failed|cancelled. Terminal tasks are
// evicted after the retention period (0 keeps them forever). Returned tasks
// are copies.
type TaskStore struct {
	mu        sync.RWMutex
	tasks     map[string]*ownedTask
	retention time.Duration
	now       func() time.Time
}

// NewTaskStore creates an empty store.
func NewTaskStore(retention time.Duration) *TaskStore {
	return &TaskStore{tasks: make(map[string]*ownedTask), retention: retention, now: time.Now}
}

// Create registers a new task in state submitted.
func (s *TaskStore) Create(owner Owner, id, contextID string, msg Message) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	if _, ok := s.tasks[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	t := &Task{
		ID:        id,
		ContextID: contextID,
		Status:    TaskStatus{State: TaskStateSubmitted, Message: &msg, Timestamp: s.now().UTC()},
	}
	s.tasks[id] = &ownedTask{task: t, owner: owner}

	return cloneTask(t), nil
}

// Get returns a copy of the task regardless of its owner.
func (s *TaskStore) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ot, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return cloneTask(ot.task), nil
}

// GetOwned returns a copy of the task if it belongs to owner. Tasks of other
// owners are reported as not found.
func (s *TaskStore) GetOwned(owner Owner, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ot, ok := s.tasks[id]
	if !ok || ot.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return cloneTask(ot.task), nil
}

// Len returns the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tasks)
}

// Transition moves the task to state with an optional status message.
func (s *TaskStore) Transition(id string, state TaskState, msg *Message) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ot, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t := ot.task

	if !CanTransition(t.Status.State, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status.State, state)
	}

	t.Status = TaskStatus{State: state, Message: msg, Timestamp: s.now().UTC()}

	if state == TaskStateFailed && msg != nil {
		t.Error = TextOf(msg.Parts)
	}

	return cloneTask(t), nil
}

// AddArtifact appends an artifact to a non-final task.
func (s *TaskStore) AddArtifact(id string, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ot, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t := ot.task

	if t.Status.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status.State)
	}

	t.Artifacts = append(t.Artifacts, a)

	return nil
}

func (s *TaskStore) evictLocked() {
	if s.retention <= 0 {
		return
	}

	cutoff := s.now().Add(-s.retention)

	for id, ot := range s.tasks {
		if ot.task.Status.State.IsTerminal() && ot.task.Status.Timestamp.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Artifacts = append([]Artifact(nil), t.Artifacts...)

	return &c
}
