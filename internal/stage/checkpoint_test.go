package stage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	s, err := NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return s
}

func sampleCheckpoint(runID string) *CheckpointData {
	return &CheckpointData{
		RunID: runID,
		Agent: "backend",
		Task:  "build the api",
		Mode:  Mode{Resumable: true},
		Stages: []StageState{
			{Name: "plan", Status: StageStatusCompleted, Result: &StageResult{Stage: "plan", Status: StageStatusCompleted, Output: "the plan"}},
			{Name: "build", Status: StageStatusError, Retries: 2},
			{Name: "verify", Status: StageStatusPending},
		},
		LastCompletedStageIndex: 0,
		PreviousOutputs:         []string{"the plan"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.New().String()
	cp := sampleCheckpoint(runID)

	require.NoError(t, s.Save(cp))
	assert.NotEmpty(t, cp.Checksum)

	loaded, err := s.Load(runID)
	require.NoError(t, err)
	assert.Equal(t, cp.RunID, loaded.RunID)
	assert.Equal(t, cp.Agent, loaded.Agent)
	assert.Equal(t, cp.Stages, loaded.Stages)
	assert.Equal(t, 0, loaded.LastCompletedStageIndex)
	assert.Equal(t, []string{"the plan"}, loaded.PreviousOutputs)
	assert.Equal(t, cp.Checksum, loaded.Checksum)
}

func TestSaveCreatesLayout(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(runID)))

	dir := filepath.Join(s.root, runID)
	assert.FileExists(t, filepath.Join(dir, "checkpoint.json"))
	assert.FileExists(t, filepath.Join(dir, "metadata.json"))
	assert.DirExists(t, filepath.Join(dir, "artifacts"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
}

func TestInvalidRunIDRejected(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"not-a-uuid", "../escape", "ABCDEF01-0000-0000-0000-000000000000"} {
		err := s.Save(sampleCheckpoint(id))
		require.Error(t, err, id)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, ErrCodeInvalidRunID, se.Code)
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(runID)))

	// Tamper with the stored task.
	path := filepath.Join(s.root, runID, "checkpoint.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["task"] = json.RawMessage(`"tampered"`)
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = s.Load(runID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeChecksumMismatch, se.Code)
}

func TestMissingChecksumRejected(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(runID)))

	path := filepath.Join(s.root, runID, "checkpoint.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["checksum"] = json.RawMessage(`""`)
	stripped, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, stripped, 0600))

	_, err = s.Load(runID)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeChecksumMismatch, se.Code)
}

func TestLastCompletedInvariant(t *testing.T) {
	s := newTestStore(t)
	cp := sampleCheckpoint(uuid.New().String())
	cp.LastCompletedStageIndex = 1 // points at an error stage

	err := s.Save(cp)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
}

func TestMetadataDerivation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"running wins", []string{StageStatusCompleted, StageStatusRunning}, "running"},
		{"error wins over pause", []string{StageStatusError, StageStatusCheckpoint}, "failed"},
		{"checkpoint pauses", []string{StageStatusCompleted, StageStatusCheckpoint}, "paused"},
		{"all terminal", []string{StageStatusCompleted, StageStatusSkipped}, "completed"},
		{"pending is paused", []string{StageStatusCompleted, StageStatusPending}, "paused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &CheckpointData{Stages: make([]StageState, len(tt.statuses)), LastCompletedStageIndex: -1}
			for i, st := range tt.statuses {
				cp.Stages[i] = StageState{Name: "s", Status: st}
			}
			assert.Equal(t, tt.want, deriveMetadata(cp).Status)
		})
	}
}

func TestMetadataFileContents(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(runID)))

	meta, err := s.LoadMetadata(runID)
	require.NoError(t, err)
	assert.Equal(t, runID, meta.RunID)
	assert.Equal(t, 3, meta.TotalStages)
	assert.Equal(t, 1, meta.CompletedStages)
	assert.Equal(t, "failed", meta.Status)
	assert.True(t, meta.Resumable)
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	a := uuid.New().String()
	b := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(a)))
	require.NoError(t, s.Save(sampleCheckpoint(b)))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, ids)

	require.NoError(t, s.Delete(a))
	_, err = s.Load(a)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeNotFound, se.Code)
}

func TestCleanupOlderThan(t *testing.T) {
	s := newTestStore(t)
	old := uuid.New().String()
	fresh := uuid.New().String()
	require.NoError(t, s.Save(sampleCheckpoint(old)))
	require.NoError(t, s.Save(sampleCheckpoint(fresh)))

	// Backdate the old checkpoint's metadata.
	metaPath := filepath.Join(s.root, old, "metadata.json")
	meta, err := s.LoadMetadata(old)
	require.NoError(t, err)
	meta.UpdatedAt = time.Now().AddDate(0, 0, -40)
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, data, 0600))

	removed, err := s.CleanupOlderThan(30)
	require.NoError(t, err)
	assert.Equal(t, []string{old}, removed)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, ids)
}

func TestChecksumIgnoresUpdatedAt(t *testing.T) {
	cp := sampleCheckpoint(uuid.New().String())
	cp.UpdatedAt = time.Now()
	first, err := computeChecksum(cp)
	require.NoError(t, err)

	cp.UpdatedAt = cp.UpdatedAt.Add(time.Hour)
	cp.Checksum = "something else"
	second, err := computeChecksum(cp)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
