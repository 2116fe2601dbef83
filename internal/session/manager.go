package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/pkg/logger"
)

// Options configures the session manager.
type Options struct {
	PersistPath     string        // JSON file holding all sessions
	MaxSessions     int           // bound on concurrently tracked sessions
	MaxMetadataSize int           // bytes of serialized metadata per session
	SaveDebounce    time.Duration // coalescing window for persistence writes
	MaxUUIDAttempts int           // collision retry budget for id generation
}

// Manager owns session lifecycle. It is the single writer of session state;
// persistence writes are debounced and coalesce updates.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	saveTimer *time.Timer
	saveMu    sync.Mutex
}

// NewManager creates a manager, loading any previously persisted sessions.
func NewManager(opts Options) (*Manager, error) {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 100
	}
	if opts.MaxMetadataSize <= 0 {
		opts.MaxMetadataSize = 64 * 1024
	}
	if opts.MaxUUIDAttempts <= 0 {
		opts.MaxUUIDAttempts = 10
	}

	m := &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Create starts a new active session.
func (m *Manager) Create(initiator, task string, metadata json.RawMessage) (*Session, error) {
	if len(metadata) > m.opts.MaxMetadataSize {
		return nil, ErrMetadataTooBig
	}
	if metadata != nil && !json.Valid(metadata) {
		return nil, fmt.Errorf("session metadata is not valid JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.opts.MaxSessions {
		return nil, ErrTooManySessions
	}

	id, err := m.newIDLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Initiator:    initiator,
		Task:         task,
		Participants: []string{initiator},
		Status:       StatusActive,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.sessions[id] = s
	m.scheduleSave()
	return s.clone(), nil
}

// newIDLocked generates a session id, retrying on (unlikely) collisions.
func (m *Manager) newIDLocked() (string, error) {
	for i := 0; i < m.opts.MaxUUIDAttempts; i++ {
		id := uuid.New().String()
		if _, exists := m.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not generate unique session id after %d attempts", m.opts.MaxUUIDAttempts)
}

// Get returns a copy of a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

// List returns all sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveIDs returns the ids of active sessions.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.sessions {
		if s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AddParticipant records an agent joining the session.
func (m *Manager) AddParticipant(id, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.HasParticipant(agent) {
		s.Participants = append(s.Participants, agent)
		s.UpdatedAt = time.Now()
		m.scheduleSave()
	}
	return nil
}

// SetStatus transitions a session to a terminal or active status.
func (m *Manager) SetStatus(id, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("unknown session status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	m.scheduleSave()
	return nil
}

// UpdateMetadata replaces a session's metadata, enforcing the size cap.
func (m *Manager) UpdateMetadata(id string, metadata json.RawMessage) error {
	if len(metadata) > m.opts.MaxMetadataSize {
		return ErrMetadataTooBig
	}
	if metadata != nil && !json.Valid(metadata) {
		return fmt.Errorf("session metadata is not valid JSON")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Metadata = metadata
	s.UpdatedAt = time.Now()
	m.scheduleSave()
	return nil
}

// Cleanup removes non-active sessions older than the given age.
// Returns the removed session ids.
func (m *Manager) Cleanup(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, s := range m.sessions {
		if s.Status != StatusActive && s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.scheduleSave()
	}
	sort.Strings(removed)
	return removed
}

// Flush forces any pending debounced save to disk.
func (m *Manager) Flush() error {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()
	return m.save()
}

// scheduleSave coalesces persistence writes. Must be called with mu held.
func (m *Manager) scheduleSave() {
	if m.opts.PersistPath == "" {
		return
	}
	if m.opts.SaveDebounce <= 0 {
		go func() {
			if err := m.save(); err != nil {
				logger.Warn().Err(err).Msg("session persistence failed")
			}
		}()
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		return
	}
	m.saveTimer = time.AfterFunc(m.opts.SaveDebounce, func() {
		m.saveMu.Lock()
		m.saveTimer = nil
		m.saveMu.Unlock()
		if err := m.save(); err != nil {
			logger.Warn().Err(err).Msg("session persistence failed")
		}
	})
}

// save writes the session table to disk atomically.
func (m *Manager) save() error {
	if m.opts.PersistPath == "" {
		return nil
	}

	m.mu.Lock()
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	dir := filepath.Dir(m.opts.PersistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	tmp := m.opts.PersistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write sessions: %w", err)
	}
	return os.Rename(tmp, m.opts.PersistPath)
}

// load reads previously persisted sessions; a missing file is fine.
func (m *Manager) load() error {
	if m.opts.PersistPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.opts.PersistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sessions: %w", err)
	}
	var sessions map[string]*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("parse sessions: %w", err)
	}
	m.sessions = sessions
	return nil
}
