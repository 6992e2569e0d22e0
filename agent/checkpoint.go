package agent

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

const CheckpointVersion = "1.0"

type Checkpoint struct {
	Version        string          `json:"version"`
	Task           *types.Task     `json:"task,omitempty"`
	Messages       []types.Message `json:"messages"`
	Pacing         oracle.Pacing   `json:"pacing"`
	PendingAdvance bool            `json:"pendingAdvance,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (s *Session) CreateCheckpoint() ([]byte, error) {
	s.mu.Lock()
	checkpoint := Checkpoint{
		Version:        CheckpointVersion,
		Task:           s.task.Clone(),
		Messages:       s.log.All(),
		Pacing:         s.pacing,
		PendingAdvance: s.announce,
		LastError:      s.lastError,
		Timestamp:      time.Now(),
	}
	s.mu.Unlock()

	data, err := sonic.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// RestoreCheckpoint replaces the session state. A turn in flight is discarded.
func (s *Session) RestoreCheckpoint(data []byte) error {
	var checkpoint Checkpoint
	if err := sonic.Unmarshal(data, &checkpoint); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if checkpoint.Version != CheckpointVersion {
		return fmt.Errorf("incompatible checkpoint version: %s (expected %s)", checkpoint.Version, CheckpointVersion)
	}
	if t := checkpoint.Task; t != nil && (len(t.Steps) == 0 || t.CurrentStep < 0 || t.CurrentStep >= len(t.Steps)) {
		return fmt.Errorf("%w: checkpoint task has an invalid step pointer", ErrValidation)
	}

	s.mu.Lock()
	before := s.task
	s.task = checkpoint.Task
	s.log.Restore(checkpoint.Messages)
	s.pacing = checkpoint.Pacing
	s.announce = checkpoint.PendingAdvance
	s.lastError = checkpoint.LastError
	s.notice = ""
	s.generation++
	s.mu.Unlock()

	s.emit(TransitionRestore, before, checkpoint.Task)
	return nil
}
