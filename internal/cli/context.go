package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"maestro/internal/cache"
	"maestro/internal/config"
	"maestro/internal/delegation"
	"maestro/internal/memory"
	"maestro/internal/profile"
	"maestro/internal/prompter"
	"maestro/internal/provider"
	"maestro/internal/router"
	"maestro/internal/runner"
	"maestro/internal/scheduler"
	"maestro/internal/session"
	"maestro/internal/stage"
	"maestro/internal/workspace"
)

// flavorFor maps a provider name to its argument shaping.
func flavorFor(name string) provider.Flavor {
	switch name {
	case "claude":
		return provider.FlavorClaude
	case "codex":
		return provider.FlavorCodex
	default:
		return provider.FlavorGemini
	}
}

// CLIContext holds the engine components for one command invocation.
// Components are built once, on demand, from the loaded configuration.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string

	profiles    *profile.Loader
	watcher     *profile.Watcher
	router      *router.Router
	workspaces  *workspace.Manager
	sessions    *session.Manager
	memoryStore *memory.Store
	checkpoints *stage.CheckpointStore
	runner      *runner.Runner
}

// NewCLIContext creates a context over a loaded configuration.
func NewCLIContext(cfg *config.Config, configPath string) *CLIContext {
	return &CLIContext{Config: cfg, ConfigPath: configPath}
}

// Profiles returns the profile loader.
func (c *CLIContext) Profiles() *profile.Loader {
	if c.profiles == nil {
		pc := c.Config.Performance.ProfileCache
		c.profiles = profile.NewLoader(c.Config.ProfilesDir, cache.Config{
			MaxEntries:      pc.MaxEntries,
			TTL:             pc.TTL,
			CleanupInterval: pc.CleanupInterval,
		})
	}
	return c.profiles
}

// WatchProfiles starts the profile hot-reload watcher.
func (c *CLIContext) WatchProfiles() error {
	if c.watcher != nil {
		return nil
	}
	w, err := profile.NewWatcher(c.Profiles())
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// Router builds the provider router from configuration.
func (c *CLIContext) Router() (*router.Router, error) {
	if c.router != nil {
		return c.router, nil
	}

	var entries []router.Entry
	for _, name := range c.Config.EnabledProviders() {
		pc := c.Config.Providers[name]
		p, err := provider.NewCLIProvider(provider.Options{
			Name:    name,
			Flavor:  flavorFor(name),
			Command: pc.Command,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("configure provider %s: %w", name, err)
		}
		entries = append(entries, router.Entry{Provider: p, Priority: pc.Priority})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}

	var healthInterval time.Duration
	for _, name := range c.Config.EnabledProviders() {
		if hc := c.Config.Providers[name].HealthCheck; hc != nil && hc.Interval > 0 {
			if healthInterval == 0 || hc.Interval < healthInterval {
				healthInterval = hc.Interval
			}
		}
	}

	pcache := c.Config.Performance.ProviderCache
	c.router = router.New(router.Config{
		Providers:           entries,
		FallbackEnabled:     true,
		HealthCheckInterval: healthInterval,
		ResponseCache: &cache.Config{
			MaxEntries:      pcache.MaxEntries,
			TTL:             pcache.TTL,
			CleanupInterval: pcache.CleanupInterval,
		},
	})
	return c.router, nil
}

// Workspaces returns the workspace manager.
func (c *CLIContext) Workspaces() (*workspace.Manager, error) {
	if c.workspaces == nil {
		wc := c.Config.Orchestration.Workspace
		m, err := workspace.NewManager(wc.BasePath, wc.MaxFileSize, wc.MaxFiles)
		if err != nil {
			return nil, err
		}
		c.workspaces = m
	}
	return c.workspaces, nil
}

// Sessions returns the session manager.
func (c *CLIContext) Sessions() (*session.Manager, error) {
	if c.sessions == nil {
		sc := c.Config.Orchestration.Session
		ws, err := c.Workspaces()
		if err != nil {
			return nil, err
		}
		m, err := session.NewManager(session.Options{
			PersistPath:     filepath.Join(ws.Root(), "sessions.json"),
			MaxSessions:     sc.MaxSessions,
			MaxMetadataSize: sc.MaxMetadataSize,
			SaveDebounce:    sc.SaveDebounce,
			MaxUUIDAttempts: sc.MaxUUIDAttempts,
		})
		if err != nil {
			return nil, err
		}
		c.sessions = m
	}
	return c.sessions, nil
}

// Memory returns the memory store.
func (c *CLIContext) Memory() (*memory.Store, error) {
	if c.memoryStore == nil {
		mc := c.Config.Memory
		s, err := memory.Open(memory.Options{
			Path:         mc.PersistPath,
			Dimensions:   0, // no embedding provider wired; FTS-free metadata mode
			MaxEntries:   mc.MaxEntries,
			TrackAccess:  true,
			DefaultLimit: mc.Search.DefaultLimit,
			MaxLimit:     mc.Search.MaxLimit,
		})
		if err != nil {
			return nil, err
		}
		c.memoryStore = s
	}
	return c.memoryStore, nil
}

// Checkpoints returns the checkpoint store.
func (c *CLIContext) Checkpoints() (*stage.CheckpointStore, error) {
	if c.checkpoints == nil {
		s, err := stage.NewCheckpointStore(c.Config.Execution.Stages.CheckpointPath)
		if err != nil {
			return nil, err
		}
		c.checkpoints = s
	}
	return c.checkpoints, nil
}

// Runner assembles the production executor with its delegation controller.
func (c *CLIContext) Runner() (*runner.Runner, error) {
	if c.runner != nil {
		return c.runner, nil
	}

	rt, err := c.Router()
	if err != nil {
		return nil, err
	}
	ws, err := c.Workspaces()
	if err != nil {
		return nil, err
	}
	sm, err := c.Sessions()
	if err != nil {
		return nil, err
	}

	r := runner.New(runner.Options{
		Router:        rt,
		Profiles:      c.Profiles(),
		Workspaces:    ws,
		Sessions:      sm,
		FollowIntents: true,
	})
	r.SetDelegator(delegation.NewController(c.Profiles(), r, c.Config.Orchestration.Delegation.Timeout))
	c.runner = r
	return r, nil
}

// Scheduler returns a cohort scheduler over the runner.
func (c *CLIContext) Scheduler() (*scheduler.Scheduler, error) {
	r, err := c.Runner()
	if err != nil {
		return nil, err
	}
	return scheduler.New(r), nil
}

// StageController returns a stage controller over the runner.
func (c *CLIContext) StageController(interactive bool) (*stage.Controller, error) {
	r, err := c.Runner()
	if err != nil {
		return nil, err
	}
	ckpt, err := c.Checkpoints()
	if err != nil {
		return nil, err
	}
	mem, err := c.Memory()
	if err != nil {
		return nil, err
	}

	stagesCfg := c.Config.Execution.Stages
	var p prompter.Prompter
	if interactive && prompter.Interactive() {
		p = prompter.NewCLIPrompter(stagesCfg.Prompts.Timeout)
	} else {
		p = prompter.AutoConfirm{}
	}

	return stage.NewController(r, stage.Config{
		DefaultStageTimeout: stagesCfg.DefaultTimeout,
		DefaultMaxRetries:   stagesCfg.Retry.DefaultMaxRetries,
		DefaultRetryDelay:   stagesCfg.Retry.DefaultRetryDelay,
		AutoSaveCheckpoint:  stagesCfg.AutoSaveCheckpoint,
		Checkpoints:         ckpt,
		Memory:              mem,
		Prompter:            p,
	}), nil
}

// Close releases every component the context built.
func (c *CLIContext) Close() error {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.profiles != nil {
		c.profiles.Close()
	}
	if c.router != nil {
		c.router.Destroy()
	}
	if c.sessions != nil {
		_ = c.sessions.Flush()
	}
	if c.memoryStore != nil {
		return c.memoryStore.Close()
	}
	return nil
}
