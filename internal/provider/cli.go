package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"maestro/pkg/logger"
)

// Flavor selects the argument shaping for a CLI provider. Flavors differ
// only in command invocation; everything else is shared.
type Flavor string

const (
	FlavorClaude Flavor = "claude" // prompt on stdin, --print, --system-prompt
	FlavorGemini Flavor = "gemini" // prompt on stdin, -m <model>
	FlavorCodex  Flavor = "codex"  // exec subcommand, prompt as argument
)

// killGrace is how long a cancelled subprocess gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

var tokenCountPattern = regexp.MustCompile(`(?i)(prompt|input)[_ ]tokens?\D{0,3}(\d+)\D+?(completion|output)[_ ]tokens?\D{0,3}(\d+)`)

// Options configures a CLI provider.
type Options struct {
	Name           string
	Flavor         Flavor
	Command        string // command name searched on PATH
	ConfiguredPath string // absolute path override
	Timeout        time.Duration
	MinVersion     string // reject binaries below this version
	Detector       *Detector
}

// CLIProvider adapts one external CLI binary to the Provider contract.
type CLIProvider struct {
	name           string
	flavor         Flavor
	command        string
	configuredPath string
	timeout        time.Duration
	detector       *Detector
	avail          *availabilityCache
	health         *healthTracker
	versionHits    atomic.Int64
	versionMisses  atomic.Int64
}

// NewCLIProvider creates a provider from options.
func NewCLIProvider(opts Options) (*CLIProvider, error) {
	if opts.Name == "" || opts.Command == "" {
		return nil, fmt.Errorf("provider name and command are required")
	}
	if opts.Detector == nil {
		opts.Detector = DefaultDetector()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.MinVersion != "" {
		if err := opts.Detector.SetMinVersion(opts.Name, opts.MinVersion); err != nil {
			return nil, err
		}
	}
	return &CLIProvider{
		name:           opts.Name,
		flavor:         opts.Flavor,
		command:        opts.Command,
		configuredPath: opts.ConfiguredPath,
		timeout:        opts.Timeout,
		detector:       opts.Detector,
		avail:          newAvailabilityCache(availabilityTTLUnknown),
		health:         &healthTracker{},
	}, nil
}

// Name returns the provider's unique name.
func (p *CLIProvider) Name() string {
	return p.name
}

// buildInvocation shapes the argv and prompt delivery for the flavor.
// It returns the argument list and the data to write on stdin ("" when the
// prompt travels as an argument).
func (p *CLIProvider) buildInvocation(req *ExecutionRequest) (args []string, stdin string) {
	switch p.flavor {
	case FlavorClaude:
		args = []string{"--print"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		if req.SystemPrompt != "" {
			args = append(args, "--system-prompt", req.SystemPrompt)
		}
		return args, req.Prompt

	case FlavorCodex:
		args = []string{"exec"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		// Codex takes the prompt as a single positional argument.
		return append(args, composePrompt(req)), ""

	default: // gemini-like
		if req.Model != "" {
			args = append(args, "-m", req.Model)
		}
		return args, composePrompt(req)
	}
}

// composePrompt prepends the system prompt for flavors without a dedicated flag.
func composePrompt(req *ExecutionRequest) string {
	if req.SystemPrompt == "" {
		return req.Prompt
	}
	return req.SystemPrompt + "\n\n" + req.Prompt
}

// Execute spawns the provider binary and captures its completion.
func (p *CLIProvider) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, NewProviderError(ErrCodeInvalidRequest, p.name, "empty prompt", nil)
	}

	det := p.detect(ctx)
	if det.Err != nil {
		p.health.recordFailure()
		return nil, det.Err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args, stdin := p.buildInvocation(req)
	cmd := exec.CommandContext(ctx, det.Path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// Cancellation delivers SIGTERM and escalates to SIGKILL after the grace.
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	latency := time.Since(start)

	if err != nil {
		p.health.recordFailure()
		return nil, p.mapExecError(ctx, err, &stderr)
	}
	p.health.recordSuccess()

	content := strings.TrimRight(stdout.String(), "\n")
	resp := &ExecutionResponse{
		Content:      content,
		Model:        req.Model,
		TokensUsed:   tokenUsage(req.Prompt, content, stderr.String()),
		LatencyMs:    latency.Milliseconds(),
		FinishReason: FinishReasonStop,
	}

	logger.Debug().
		Str("provider", p.name).
		Dur("latency", latency).
		Int("total_tokens", resp.TokensUsed.Total).
		Msg("provider execution completed")

	return resp, nil
}

// mapExecError classifies a subprocess failure.
func (p *CLIProvider) mapExecError(ctx context.Context, err error, stderr *bytes.Buffer) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewProviderError(ErrCodeTimeout, p.name,
			fmt.Sprintf("timed out after %s", p.timeout), err)
	case errors.Is(ctx.Err(), context.Canceled):
		return NewProviderError(ErrCodeCancelled, p.name, "execution cancelled", err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return NewProviderError(ErrCodeNonZeroExit, p.name, msg, err)
	}
	return NewProviderError(ErrCodeSpawnFailed, p.name, err.Error(), err)
}

// tokenUsage parses provider-reported token counts from diagnostics, falling
// back to a whitespace-split estimate.
func tokenUsage(prompt, content, diagnostics string) TokenUsage {
	if m := tokenCountPattern.FindStringSubmatch(diagnostics); m != nil {
		promptTokens, err1 := strconv.Atoi(m[2])
		completionTokens, err2 := strconv.Atoi(m[4])
		if err1 == nil && err2 == nil {
			return TokenUsage{
				Prompt:     promptTokens,
				Completion: completionTokens,
				Total:      promptTokens + completionTokens,
			}
		}
	}
	pt := len(strings.Fields(prompt))
	ct := len(strings.Fields(content))
	return TokenUsage{Prompt: pt, Completion: ct, Total: pt + ct}
}

// detect resolves the binary through the shared detector, tracking local
// hit/miss counters for metrics.
func (p *CLIProvider) detect(ctx context.Context) *Detection {
	before := time.Now()
	det := p.detector.Detect(ctx, p.name, p.configuredPath, p.command)
	if det.DetectedAt.Before(before) {
		p.versionHits.Add(1)
	} else {
		p.versionMisses.Add(1)
	}
	if det.Version != "" {
		p.avail.setTTL(availabilityTTLKnownVersion)
	}
	return det
}

// IsAvailable reports whether the binary resolves, answering from the
// availability cache while it is fresh. A stale cache consults the detector
// again, which answers from its process-wide cache until ClearCache.
func (p *CLIProvider) IsAvailable(ctx context.Context) bool {
	if v, ok := p.avail.get(); ok {
		return v
	}

	det := p.detect(ctx)
	ok := det.Err == nil && det.Path != ""
	p.avail.put(ok)
	if ok {
		p.health.recordSuccess()
	} else {
		p.health.recordFailure()
	}
	return ok
}

// GetHealth returns the provider's recent availability record.
func (p *CLIProvider) GetHealth() Health {
	return p.health.snapshot()
}

// GetCacheMetrics returns availability/version cache and health counters.
func (p *CLIProvider) GetCacheMetrics() CacheMetrics {
	var version string
	if det, ok := p.detector.peek(p.name); ok {
		version = det.Version
	}
	return CacheMetrics{
		Availability: p.avail.metrics(),
		Version: VersionMetrics{
			Hits:    p.versionHits.Load(),
			Misses:  p.versionMisses.Load(),
			Version: version,
		},
		Health: p.health.snapshot(),
	}
}

// ClearCaches drops availability and detection caches (for tests).
func (p *CLIProvider) ClearCaches() {
	p.avail.clear()
	p.detector.ClearCache()
	p.health.reset()
}
