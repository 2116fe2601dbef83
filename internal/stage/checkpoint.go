package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CheckpointSchemaVersion is the current checkpoint.json schema.
const CheckpointSchemaVersion = "1"

var runIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// CheckpointData is the persisted snapshot of one staged run. Field order
// matches the on-disk layout.
type CheckpointData struct {
	SchemaVersion           string         `json:"schemaVersion"`
	Checksum                string         `json:"checksum"`
	RunID                   string         `json:"runId"`
	Agent                   string         `json:"agent"`
	Task                    string         `json:"task"`
	Mode                    Mode           `json:"mode"`
	Stages                  []StageState   `json:"stages"`
	LastCompletedStageIndex int            `json:"lastCompletedStageIndex"`
	PreviousOutputs         []string       `json:"previousOutputs"`
	SharedData              map[string]any `json:"sharedData,omitempty"`
	CreatedAt               time.Time      `json:"createdAt"`
	UpdatedAt               time.Time      `json:"updatedAt"`
}

// Metadata is the checkpoint summary written next to checkpoint.json.
type Metadata struct {
	RunID           string    `json:"runId"`
	Agent           string    `json:"agent"`
	Task            string    `json:"task"`
	Mode            Mode      `json:"mode"`
	TotalStages     int       `json:"totalStages"`
	CompletedStages int       `json:"completedStages"`
	Status          string    `json:"status"` // running, failed, paused, completed
	StartedAt       time.Time `json:"startedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Resumable       bool      `json:"resumable"`
}

// CheckpointStore persists checkpoints under <root>/<runId>/.
type CheckpointStore struct {
	root string
}

// NewCheckpointStore creates the store, making the root with recursive
// semantics.
func NewCheckpointStore(root string) (*CheckpointStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve checkpoint root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint root: %w", err)
	}
	return &CheckpointStore{root: abs}, nil
}

// runDir validates the runId format and containment, returning the run's
// directory.
func (s *CheckpointStore) runDir(runID string) (string, error) {
	if !runIDPattern.MatchString(runID) {
		return "", newError(ErrCodeInvalidRunID, "run id %q is not a UUID", runID)
	}
	dir := filepath.Clean(filepath.Join(s.root, runID))
	if !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return "", newError(ErrCodeInvalidRunID, "run id %q escapes checkpoint root", runID)
	}
	return dir, nil
}

// computeChecksum hashes the checkpoint JSON with the checksum and
// updatedAt fields removed.
func computeChecksum(cp *CheckpointData) (string, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	delete(fields, "checksum")
	delete(fields, "updatedAt")

	// Map marshaling sorts keys, giving a deterministic serialisation.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal canonical: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Save writes checkpoint.json and metadata.json, creating the artifacts
// and logs directories on first save.
func (s *CheckpointStore) Save(cp *CheckpointData) error {
	dir, err := s.runDir(cp.RunID)
	if err != nil {
		return err
	}
	if err := validateStateVector(cp); err != nil {
		return err
	}

	for _, sub := range []string{"", "artifacts", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create checkpoint dirs: %w", err)
		}
	}

	if cp.SchemaVersion == "" {
		cp.SchemaVersion = CheckpointSchemaVersion
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()

	checksum, err := computeChecksum(cp)
	if err != nil {
		return err
	}
	cp.Checksum = checksum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "checkpoint.json"), data); err != nil {
		return err
	}

	meta := deriveMetadata(cp)
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeAtomic(filepath.Join(dir, "metadata.json"), metaData)
}

// validateStateVector checks the lastCompletedStageIndex invariant.
func validateStateVector(cp *CheckpointData) error {
	if cp.LastCompletedStageIndex < -1 || cp.LastCompletedStageIndex >= len(cp.Stages) {
		return newError(ErrCodeValidation, "lastCompletedStageIndex %d out of range", cp.LastCompletedStageIndex)
	}
	if cp.LastCompletedStageIndex >= 0 {
		if st := cp.Stages[cp.LastCompletedStageIndex].Status; st != StageStatusCompleted {
			return newError(ErrCodeValidation,
				"lastCompletedStageIndex %d points at status %q", cp.LastCompletedStageIndex, st)
		}
	}
	return nil
}

// deriveMetadata summarises the run from stage states: any running wins,
// then any error, then any checkpoint pause; all completed/skipped means
// completed; anything else is paused.
func deriveMetadata(cp *CheckpointData) *Metadata {
	meta := &Metadata{
		RunID:       cp.RunID,
		Agent:       cp.Agent,
		Task:        cp.Task,
		Mode:        cp.Mode,
		TotalStages: len(cp.Stages),
		StartedAt:   cp.CreatedAt,
		UpdatedAt:   cp.UpdatedAt,
		Resumable:   true,
	}

	var anyRunning, anyError, anyCheckpoint bool
	allTerminal := true
	for _, st := range cp.Stages {
		switch st.Status {
		case StageStatusRunning:
			anyRunning = true
		case StageStatusError:
			anyError = true
		case StageStatusCheckpoint:
			anyCheckpoint = true
		case StageStatusCompleted:
			meta.CompletedStages++
		}
		if st.Status != StageStatusCompleted && st.Status != StageStatusSkipped {
			allTerminal = false
		}
	}

	switch {
	case anyRunning:
		meta.Status = "running"
	case anyError:
		meta.Status = "failed"
	case anyCheckpoint:
		meta.Status = "paused"
	case allTerminal:
		meta.Status = "completed"
	default:
		meta.Status = "paused"
	}
	return meta
}

// Load reads and verifies a checkpoint.
func (s *CheckpointStore) Load(runID string) (*CheckpointData, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrCodeNotFound, "checkpoint %s not found", runID)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp CheckpointData
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}

	if cp.Checksum == "" {
		return nil, newError(ErrCodeChecksumMismatch, "checkpoint %s has no checksum", runID)
	}
	want, err := computeChecksum(&cp)
	if err != nil {
		return nil, err
	}
	if cp.Checksum != want {
		return nil, newError(ErrCodeChecksumMismatch, "checkpoint %s checksum mismatch", runID)
	}
	if err := validateStateVector(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// LoadMetadata reads a checkpoint's summary.
func (s *CheckpointStore) LoadMetadata(runID string) (*Metadata, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrCodeNotFound, "checkpoint %s not found", runID)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// List returns the runIds present in the store, sorted.
func (s *CheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && runIDPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes a checkpoint directory.
func (s *CheckpointStore) Delete(runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return newError(ErrCodeNotFound, "checkpoint %s not found", runID)
	}
	return os.RemoveAll(dir)
}

// CleanupOlderThan removes checkpoints whose last update predates the
// cutoff. Returns the removed runIds.
func (s *CheckpointStore) CleanupOlderThan(days int) ([]string, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	var removed []string
	for _, id := range ids {
		meta, err := s.LoadMetadata(id)
		if err != nil {
			continue
		}
		if meta.UpdatedAt.Before(cutoff) {
			if err := s.Delete(id); err == nil {
				removed = append(removed, id)
			}
		}
	}
	return removed, nil
}

// ArtifactsDir returns the artifacts directory for a run.
func (s *CheckpointStore) ArtifactsDir(runID string) (string, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "artifacts"), nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
