package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/cache"
)

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0600))
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	l := NewLoader(dir, cache.Config{MaxEntries: 10, TTL: time.Minute})
	t.Cleanup(l.Close)
	return l, dir
}

func TestMaxDelegationDepthDefaults(t *testing.T) {
	tests := []struct {
		role     string
		explicit int
		want     int
	}{
		{"coordinator", 0, 3},
		{"Coordinator", 0, 3},
		{"implementer", 0, 1},
		{"designer", 0, 2},
		{"", 0, 2},
		{"coordinator", 5, 5},
	}
	for _, tt := range tests {
		p := &Profile{Role: tt.role, Orchestration: Orchestration{MaxDelegationDepth: tt.explicit}}
		assert.Equal(t, tt.want, p.MaxDelegationDepth(), "role=%s explicit=%d", tt.role, tt.explicit)
	}
}

func TestProfileDefaults(t *testing.T) {
	p := &Profile{Name: "a"}
	assert.True(t, p.IsParallel())
	assert.True(t, p.CanDelegate())
	assert.Equal(t, "a", p.Display())

	f := false
	p.Parallel = &f
	p.Orchestration.CanDelegate = &f
	p.DisplayName = "Agent A"
	assert.False(t, p.IsParallel())
	assert.False(t, p.CanDelegate())
	assert.Equal(t, "Agent A", p.Display())
}

func TestValidateRejectsDuplicateStages(t *testing.T) {
	p := &Profile{
		Name: "builder",
		Stages: []Stage{
			{Name: "plan", Description: "plan"},
			{Name: "plan", Description: "again"},
		},
	}
	assert.Error(t, Validate(p))
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := &Profile{Name: "a", Dependencies: []string{"A"}}
	assert.Error(t, Validate(p))
}

func TestLoaderLoadsAndCaches(t *testing.T) {
	l, dir := newTestLoader(t)
	writeProfile(t, dir, "backend", `
name: backend
role: implementer
system_prompt: You build backends.
provider: claude
dependencies: [architect]
`)

	p, err := l.Load("backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", p.Name)
	assert.Equal(t, 1, p.MaxDelegationDepth())
	assert.Equal(t, []string{"architect"}, p.Dependencies)

	// Cached instance is returned on the second load.
	p2, err := l.Load("backend")
	require.NoError(t, err)
	assert.Same(t, p, p2)
}

func TestLoaderNotFound(t *testing.T) {
	l, _ := newTestLoader(t)
	_, err := l.Load("ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoaderSplicesAbilities(t *testing.T) {
	l, dir := newTestLoader(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "abilities"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abilities", "review.md"), []byte("# Review checklist\n- read twice"), 0600))
	writeProfile(t, dir, "reviewer", `
name: reviewer
system_prompt: You review code.
abilities: [review]
`)

	p, err := l.Load("reviewer")
	require.NoError(t, err)
	assert.Contains(t, p.SystemPrompt, "You review code.")
	assert.Contains(t, p.SystemPrompt, "# Review checklist")
}

func TestLoaderMissingAbilityFails(t *testing.T) {
	l, dir := newTestLoader(t)
	writeProfile(t, dir, "reviewer", `
name: reviewer
system_prompt: You review code.
abilities: [ghost]
`)
	_, err := l.Load("reviewer")
	assert.Error(t, err)
}

func TestLoaderList(t *testing.T) {
	l, dir := newTestLoader(t)
	writeProfile(t, dir, "b", "name: b\nsystem_prompt: x\n")
	writeProfile(t, dir, "a", "name: a\nsystem_prompt: x\n")

	names, err := l.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestLoaderInvalidatePicksUpEdits(t *testing.T) {
	l, dir := newTestLoader(t)
	writeProfile(t, dir, "a", "name: a\nsystem_prompt: first\n")

	p, err := l.Load("a")
	require.NoError(t, err)
	assert.Equal(t, "first", p.SystemPrompt)

	writeProfile(t, dir, "a", "name: a\nsystem_prompt: second\n")
	l.Invalidate("a")

	p, err = l.Load("a")
	require.NoError(t, err)
	assert.Equal(t, "second", p.SystemPrompt)
}
