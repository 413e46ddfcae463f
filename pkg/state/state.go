// Package state persists the last run of every task so `pageforge status`
// can report it from another process.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

// DirName is the state directory, relative to the project root
const DirName = ".pageforge/state"

// TaskState is the persisted record of one task
type TaskState struct {
	TaskName     string          `json:"taskName"`
	Kind         types.TaskKind  `json:"kind"`
	Status       types.RunStatus `json:"status"`
	LastRunTime  time.Time       `json:"lastRunTime"`
	Duration     time.Duration   `json:"duration"`
	RunCount     int             `json:"runCount"`
	FailureCount int             `json:"failureCount"`
	LastError    string          `json:"lastError,omitempty"`
	RunID        string          `json:"runId,omitempty"`
	ProcessID    int             `json:"processId"`
}

// StateManager handles persistent state files. It implements types.Observer.
type StateManager struct {
	stateDir string
	logger   logger.Logger
	mu       sync.Mutex
	states   map[string]*TaskState
}

// NewStateManager creates a state manager rooted at projectRoot
func NewStateManager(projectRoot string, log logger.Logger) *StateManager {
	if log == nil {
		log = logger.Discard()
	}
	return &StateManager{
		stateDir: filepath.Join(projectRoot, filepath.FromSlash(DirName)),
		logger:   log,
		states:   make(map[string]*TaskState),
	}
}

// Dir returns the directory state files are written to
func (sm *StateManager) Dir() string {
	return sm.stateDir
}

// TaskStarted implements types.Observer
func (sm *StateManager) TaskStarted(context.Context, string, types.TaskKind) {}

// TaskFinished records the report and writes the task's state file
func (sm *StateManager) TaskFinished(_ context.Context, report types.TaskReport) {
	if err := sm.Record(report); err != nil {
		sm.logger.Warn("Failed to save task state",
			logger.WithField("task", report.Name),
			logger.WithError(err))
	}
}

// Record merges a report into the task's persisted state
func (sm *StateManager) Record(report types.TaskReport) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.states[report.Name]
	if !ok {
		st = &TaskState{TaskName: report.Name}
		if existing, err := sm.loadStateFile(report.Name); err == nil {
			st = existing
		}
		sm.states[report.Name] = st
	}

	st.Kind = report.Kind
	st.Status = report.Status
	st.LastRunTime = report.StartedAt
	if st.LastRunTime.IsZero() {
		st.LastRunTime = time.Now()
	}
	st.Duration = report.Duration
	st.RunID = report.RunID
	st.ProcessID = os.Getpid()
	st.RunCount++
	st.LastError = report.Error
	if !report.Succeeded() {
		st.FailureCount++
	}

	return sm.saveStateFile(st)
}

// ReadState reads the state for a task
func (sm *StateManager) ReadState(taskName string) (*TaskState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if st, ok := sm.states[taskName]; ok {
		cp := *st
		return &cp, nil
	}
	return sm.loadStateFile(taskName)
}

// DiscoverStates returns every persisted task state, sorted by name
func (sm *StateManager) DiscoverStates() ([]*TaskState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	entries, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var states []*TaskState
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		st, err := sm.loadStateFile(name)
		if err != nil {
			sm.logger.Warn("Failed to load state file",
				logger.WithField("task", name),
				logger.WithError(err))
			continue
		}
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].TaskName < states[j].TaskName })
	return states, nil
}

// Clear removes all state files
func (sm *StateManager) Clear() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.states = make(map[string]*TaskState)
	if err := os.RemoveAll(sm.stateDir); err != nil {
		return fmt.Errorf("failed to remove state directory: %w", err)
	}
	return nil
}

func (sm *StateManager) getStateFilePath(taskName string) string {
	return filepath.Join(sm.stateDir, taskName+".json")
}

func (sm *StateManager) loadStateFile(taskName string) (*TaskState, error) {
	data, err := os.ReadFile(sm.getStateFilePath(taskName))
	if err != nil {
		return nil, err
	}

	var st TaskState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &st, nil
}

func (sm *StateManager) saveStateFile(st *TaskState) error {
	if err := os.MkdirAll(sm.stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateFile := sm.getStateFilePath(st.TaskName)
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}
