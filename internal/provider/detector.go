package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"maestro/pkg/logger"
)

// versionProbeTimeout bounds the `--version` subprocess.
const versionProbeTimeout = 10 * time.Second

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// Detection is the result of resolving a provider binary.
type Detection struct {
	Path       string    `json:"path"`
	Version    string    `json:"version,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Err        error     `json:"-"`
}

// Detector resolves provider binaries and probes their versions. Results are
// cached process-wide until ClearCache.
type Detector struct {
	mu         sync.Mutex
	cache      map[string]*Detection
	minVersion map[string]*semver.Version
}

var defaultDetector = NewDetector()

// NewDetector creates a detector with an empty cache.
func NewDetector() *Detector {
	return &Detector{
		cache:      make(map[string]*Detection),
		minVersion: make(map[string]*semver.Version),
	}
}

// DefaultDetector returns the process-wide detector.
func DefaultDetector() *Detector {
	return defaultDetector
}

// SetMinVersion registers a minimum acceptable version for a provider.
// Binaries probing below it are rejected with reason "version-too-low".
func (d *Detector) SetMinVersion(provider, version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("parse min version for %s: %w", provider, err)
	}
	d.mu.Lock()
	d.minVersion[provider] = v
	d.mu.Unlock()
	return nil
}

// Detect resolves a provider binary. Resolution order: explicit configured
// path, then the <PROVIDER>_CLI environment variable, then the OS search
// path. The result, success or failure, is cached until ClearCache.
func (d *Detector) Detect(ctx context.Context, provider, configuredPath, command string) *Detection {
	d.mu.Lock()
	if det, ok := d.cache[provider]; ok {
		d.mu.Unlock()
		return det
	}
	d.mu.Unlock()

	det := d.detect(ctx, provider, configuredPath, command)

	d.mu.Lock()
	d.cache[provider] = det
	d.mu.Unlock()
	return det
}

func (d *Detector) detect(ctx context.Context, provider, configuredPath, command string) *Detection {
	det := &Detection{DetectedAt: time.Now()}

	path, err := resolveBinary(provider, configuredPath, command)
	if err != nil {
		det.Err = err
		return det
	}
	det.Path = path

	version, err := probeVersion(ctx, path)
	if err != nil {
		// A binary that resolves but won't answer --version is still
		// runnable; record the probe failure and keep the path.
		logger.Debug().Err(err).Str("provider", provider).Msg("version probe failed")
		return det
	}
	det.Version = version

	d.mu.Lock()
	min := d.minVersion[provider]
	d.mu.Unlock()

	if min != nil {
		v, err := semver.NewVersion(version)
		if err == nil && v.LessThan(min) {
			det.Err = NewProviderError(ErrCodeVersionTooLow, provider,
				fmt.Sprintf("version-too-low: %s < %s", version, min), nil)
		}
	}
	return det
}

// peek returns the cached detection without triggering a new one.
func (d *Detector) peek(provider string) (*Detection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	det, ok := d.cache[provider]
	return det, ok
}

// ClearCache drops all cached detections (for tests).
func (d *Detector) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*Detection)
}

// resolveBinary finds the provider binary path.
func resolveBinary(provider, configuredPath, command string) (string, error) {
	if configuredPath != "" {
		if _, err := os.Stat(configuredPath); err != nil {
			return "", NewProviderError(ErrCodeNotFound, provider,
				fmt.Sprintf("configured path %s: %v", configuredPath, err), err)
		}
		return configuredPath, nil
	}

	envKey := strings.ToUpper(provider) + "_CLI"
	if envPath := os.Getenv(envKey); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", NewProviderError(ErrCodeNotFound, provider,
				fmt.Sprintf("%s=%s: %v", envKey, envPath, err), err)
		}
		return envPath, nil
	}

	// exec.LookPath walks PATH, and PATHEXT on Windows.
	path, err := exec.LookPath(command)
	if err != nil {
		return "", NewProviderError(ErrCodeNotFound, provider,
			fmt.Sprintf("%s not found on PATH", command), err)
	}
	return path, nil
}

// probeVersion runs `<bin> --version` and extracts the first semver-looking
// token from its output.
func probeVersion(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("version probe: %w", err)
	}
	match := versionPattern.FindString(string(out))
	if match == "" {
		return "", fmt.Errorf("no version in output %q", strings.TrimSpace(string(out)))
	}
	return match, nil
}
