// Package workspace provides the session- and agent-scoped filesystem with
// permission-gated cross-agent reads and path-traversal defence.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"maestro/internal/profile"
	"maestro/pkg/logger"
)

// ErrorCode classifies workspace failures.
type ErrorCode string

const (
	ErrCodePathTraversal    ErrorCode = "path_traversal"
	ErrCodePermissionDenied ErrorCode = "permission_denied"
	ErrCodeFileTooLarge     ErrorCode = "file_too_large"
	ErrCodeTooManyFiles     ErrorCode = "too_many_files"
	ErrCodeNotFound         ErrorCode = "not_found"
)

// WorkspaceError is a structured error for workspace operations.
type WorkspaceError struct {
	Code    ErrorCode
	Message string
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace: %s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...any) *WorkspaceError {
	return &WorkspaceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Manager owns the workspace tree:
//
//	<root>/shared/sessions/<sessionId>/{specs,outputs/<agent>/...}
//	<root>/shared/persistent/...
//	<root>/<agent>/{drafts,temp}/...
type Manager struct {
	root        string
	maxFileSize int64
	maxFiles    int

	mu           sync.Mutex
	agentsSeen   map[string]struct{}
	sessionsSeen map[string]struct{}
}

// NewManager initialises the workspace root and its shared directories.
func NewManager(root string, maxFileSize int64, maxFiles int) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if maxFileSize <= 0 {
		maxFileSize = 10 << 20
	}
	if maxFiles <= 0 {
		maxFiles = 10000
	}

	for _, dir := range []string{
		filepath.Join(abs, "shared", "sessions"),
		filepath.Join(abs, "shared", "persistent"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return &Manager{
		root:         abs,
		maxFileSize:  maxFileSize,
		maxFiles:     maxFiles,
		agentsSeen:   make(map[string]struct{}),
		sessionsSeen: make(map[string]struct{}),
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// resolve joins rel against base and verifies the result stays inside base.
// Absolute paths, "..", and separator tricks that escape the base are all
// rejected after canonicalisation.
func resolve(base, rel string) (string, error) {
	if filepath.IsAbs(rel) || filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", newError(ErrCodePathTraversal, "absolute path %q not allowed", rel)
	}
	abs := filepath.Clean(filepath.Join(base, filepath.FromSlash(rel)))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", newError(ErrCodePathTraversal, "path %q escapes workspace", rel)
	}
	return abs, nil
}

// EnsureSession creates the session's specs and outputs directories.
func (m *Manager) EnsureSession(sessionID string) error {
	if err := validName(sessionID); err != nil {
		return err
	}
	for _, sub := range []string{"specs", "outputs"} {
		dir := filepath.Join(m.root, "shared", "sessions", sessionID, sub)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
	}
	m.mu.Lock()
	m.sessionsSeen[sessionID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// EnsureAgent creates the agent's private drafts and temp directories on
// first use.
func (m *Manager) EnsureAgent(agentName string) error {
	if err := validName(agentName); err != nil {
		return err
	}
	m.mu.Lock()
	_, seen := m.agentsSeen[agentName]
	m.mu.Unlock()
	if seen {
		return nil
	}
	for _, sub := range []string{"drafts", "temp"} {
		if err := os.MkdirAll(filepath.Join(m.root, agentName, sub), 0755); err != nil {
			return fmt.Errorf("create agent dir: %w", err)
		}
	}
	m.mu.Lock()
	m.agentsSeen[agentName] = struct{}{}
	m.mu.Unlock()
	return nil
}

// validName rejects identifiers that could act as path components.
func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") {
		return newError(ErrCodePathTraversal, "invalid name %q", name)
	}
	return nil
}

// sessionOutputDir returns the agent's write area within a session.
func (m *Manager) sessionOutputDir(sessionID, agentName string) string {
	return filepath.Join(m.root, "shared", "sessions", sessionID, "outputs", agentName)
}

// checkSize enforces the byte-size cap on encoded content.
func (m *Manager) checkSize(content []byte) error {
	if int64(len(content)) > m.maxFileSize {
		return newError(ErrCodeFileTooLarge, "content %d bytes exceeds limit %d", len(content), m.maxFileSize)
	}
	return nil
}

// WriteToSession writes a file under the agent's session outputs folder,
// creating intermediate directories.
func (m *Manager) WriteToSession(sessionID, agentName, relPath string, content []byte) (string, error) {
	if err := validName(sessionID); err != nil {
		return "", err
	}
	if err := validName(agentName); err != nil {
		return "", err
	}
	if err := m.checkSize(content); err != nil {
		return "", err
	}
	if err := m.EnsureSession(sessionID); err != nil {
		return "", err
	}

	base := m.sessionOutputDir(sessionID, agentName)
	abs, err := resolve(base, relPath)
	if err != nil {
		return "", err
	}
	if err := m.checkFileBudget(filepath.Join(m.root, "shared", "sessions", sessionID)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	logger.Debug().Str("session", sessionID).Str("agent", agentName).Str("path", relPath).Msg("workspace write")
	return abs, nil
}

// ReadFromAgentWorkspace reads a file from another agent's session outputs.
// The reader must hold canReadWorkspaces permission on the owner.
func (m *Manager) ReadFromAgentWorkspace(reader *profile.Profile, ownerAgent, sessionID, relPath string) ([]byte, error) {
	if err := validName(ownerAgent); err != nil {
		return nil, err
	}
	if err := validName(sessionID); err != nil {
		return nil, err
	}
	if !strings.EqualFold(reader.Name, ownerAgent) && !reader.CanReadWorkspace(ownerAgent) {
		return nil, newError(ErrCodePermissionDenied,
			"agent %s may not read %s's workspace", reader.Name, ownerAgent)
	}

	abs, err := resolve(m.sessionOutputDir(sessionID, ownerAgent), relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrCodeNotFound, "file %s not found", relPath)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// WriteToShared writes under the cross-session persistent area. Requires the
// canWriteToShared permission.
func (m *Manager) WriteToShared(agent *profile.Profile, relPath string, content []byte) (string, error) {
	if !agent.Orchestration.CanWriteToShared {
		return "", newError(ErrCodePermissionDenied,
			"agent %s may not write to the shared workspace", agent.Name)
	}
	if err := m.checkSize(content); err != nil {
		return "", err
	}

	base := filepath.Join(m.root, "shared", "persistent")
	abs, err := resolve(base, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return abs, nil
}

// ReadShared reads from the persistent shared area. Reads are not gated.
func (m *Manager) ReadShared(relPath string) ([]byte, error) {
	abs, err := resolve(filepath.Join(m.root, "shared", "persistent"), relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(ErrCodeNotFound, "file %s not found", relPath)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// WriteDraft writes into the agent's private drafts area.
func (m *Manager) WriteDraft(agentName, relPath string, content []byte) (string, error) {
	if err := m.EnsureAgent(agentName); err != nil {
		return "", err
	}
	if err := m.checkSize(content); err != nil {
		return "", err
	}
	abs, err := resolve(filepath.Join(m.root, agentName, "drafts"), relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return abs, nil
}

// ListSessionFiles recursively enumerates an agent's session output files,
// returning slash-separated paths relative to the outputs folder.
func (m *Manager) ListSessionFiles(sessionID, agentName string) ([]string, error) {
	if err := validName(sessionID); err != nil {
		return nil, err
	}
	if err := validName(agentName); err != nil {
		return nil, err
	}

	base := m.sessionOutputDir(sessionID, agentName)
	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	return files, nil
}

// CleanupSessions removes session directories whose id is not in activeIDs.
// Returns the number of directories removed.
func (m *Manager) CleanupSessions(activeIDs []string) (int, error) {
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}

	sessionsDir := filepath.Join(m.root, "shared", "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := active[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(sessionsDir, e.Name())); err != nil {
			logger.Warn().Err(err).Str("session", e.Name()).Msg("session cleanup failed")
			continue
		}
		m.mu.Lock()
		delete(m.sessionsSeen, e.Name())
		m.mu.Unlock()
		removed++
	}
	return removed, nil
}

// checkFileBudget bounds the number of files under a session directory.
func (m *Manager) checkFileBudget(sessionDir string) error {
	count := 0
	err := filepath.WalkDir(sessionDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			count++
		}
		if count >= m.maxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("count session files: %w", err)
	}
	if count >= m.maxFiles {
		return newError(ErrCodeTooManyFiles, "session holds %d files, limit %d", count, m.maxFiles)
	}
	return nil
}
