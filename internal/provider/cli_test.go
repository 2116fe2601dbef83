//go:build !windows

package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script and returns its path.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func newTestProvider(t *testing.T, name, scriptBody string, timeout time.Duration) *CLIProvider {
	t.Helper()
	path := writeScript(t, name, scriptBody)
	p, err := NewCLIProvider(Options{
		Name:           name,
		Flavor:         FlavorGemini,
		Command:        name,
		ConfiguredPath: path,
		Timeout:        timeout,
		Detector:       NewDetector(),
	})
	require.NoError(t, err)
	return p
}

func TestExecuteCapturesStdout(t *testing.T) {
	p := newTestProvider(t, "fake", `cat >/dev/null; echo "hello from provider"`, time.Minute)

	resp, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "say hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello from provider", resp.Content)
	assert.Equal(t, FinishReasonStop, resp.FinishReason)
	assert.False(t, resp.Cached)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))
	// Whitespace estimate: 2 prompt words, 3 completion words.
	assert.Equal(t, TokenUsage{Prompt: 2, Completion: 3, Total: 5}, resp.TokensUsed)
}

func TestExecuteParsesReportedTokens(t *testing.T) {
	p := newTestProvider(t, "fake", `cat >/dev/null
echo "done"
echo "prompt_tokens=120 completion_tokens=45" >&2`, time.Minute)

	resp, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, TokenUsage{Prompt: 120, Completion: 45, Total: 165}, resp.TokensUsed)
}

func TestExecuteNonZeroExit(t *testing.T) {
	p := newTestProvider(t, "fake", `cat >/dev/null; echo "boom" >&2; exit 3`, time.Minute)

	_, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "hi"})
	require.Error(t, err)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeNonZeroExit, pe.Code)
	assert.Contains(t, pe.Message, "boom")
}

func TestExecuteTimeout(t *testing.T) {
	p := newTestProvider(t, "fake", `sleep 10`, 50*time.Millisecond)

	_, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestExecuteCancellation(t *testing.T) {
	p := newTestProvider(t, "fake", `sleep 10`, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Execute(ctx, &ExecutionRequest{Prompt: "hi"})
	require.Error(t, err)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeCancelled, pe.Code)
}

func TestExecuteEmptyPrompt(t *testing.T) {
	p := newTestProvider(t, "fake", `echo ok`, time.Minute)

	_, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "   "})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidRequest, pe.Code)
}

func TestIsAvailableCachesResult(t *testing.T) {
	p := newTestProvider(t, "fake", `echo ok`, time.Minute)

	require.True(t, p.IsAvailable(context.Background()))
	require.True(t, p.IsAvailable(context.Background()))

	m := p.GetCacheMetrics()
	assert.Equal(t, int64(1), m.Availability.Hits)
	assert.Equal(t, int64(1), m.Availability.Misses)
}

func TestIsAvailableMissingBinary(t *testing.T) {
	p, err := NewCLIProvider(Options{
		Name:           "ghost",
		Flavor:         FlavorClaude,
		Command:        "definitely-not-a-real-binary-xyz",
		ConfiguredPath: "",
		Detector:       NewDetector(),
	})
	require.NoError(t, err)
	assert.False(t, p.IsAvailable(context.Background()))
	assert.Equal(t, 1, p.GetHealth().ConsecutiveFailures)
}

func TestHealthTracking(t *testing.T) {
	p := newTestProvider(t, "fake", `cat >/dev/null; echo ok`, time.Minute)

	_, err := p.Execute(context.Background(), &ExecutionRequest{Prompt: "hi"})
	require.NoError(t, err)
	h := p.GetHealth()
	assert.Equal(t, 1, h.ConsecutiveSuccesses)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, float64(100), h.UptimePct)
}

func TestBuildInvocationFlavors(t *testing.T) {
	req := &ExecutionRequest{Prompt: "task", SystemPrompt: "sys", Model: "m1"}

	claude := &CLIProvider{flavor: FlavorClaude}
	args, stdin := claude.buildInvocation(req)
	assert.Equal(t, []string{"--print", "--model", "m1", "--system-prompt", "sys"}, args)
	assert.Equal(t, "task", stdin)

	gemini := &CLIProvider{flavor: FlavorGemini}
	args, stdin = gemini.buildInvocation(req)
	assert.Equal(t, []string{"-m", "m1"}, args)
	assert.Equal(t, "sys\n\ntask", stdin)

	codex := &CLIProvider{flavor: FlavorCodex}
	args, stdin = codex.buildInvocation(req)
	assert.Equal(t, []string{"exec", "--model", "m1", "sys\n\ntask"}, args)
	assert.Empty(t, stdin)
}
