package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"maestro/internal/cache"
)

// ErrProfileNotFound is returned when a profile file does not exist.
var ErrProfileNotFound = errors.New("profile not found")

// Loader reads agent profiles from a directory of YAML files. Results are
// cached; the cache is invalidated by the Watcher or Invalidate.
type Loader struct {
	dir   string
	cache *cache.Cache[string, *Profile]
}

// NewLoader creates a loader over dir with the given cache configuration.
func NewLoader(dir string, cacheConfig cache.Config) *Loader {
	return &Loader{
		dir:   dir,
		cache: cache.New[string, *Profile](cacheConfig),
	}
}

// Dir returns the profile directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Load returns the named profile, reading from disk on cache miss.
// Ability snippets are spliced into the system prompt at load time.
func (l *Loader) Load(name string) (*Profile, error) {
	if p, ok := l.cache.Get(name); ok {
		return p, nil
	}

	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		return nil, fmt.Errorf("read profile %s: %w", name, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	if !strings.EqualFold(p.Name, name) {
		return nil, fmt.Errorf("profile file %s declares name %q", name, p.Name)
	}

	if err := l.spliceAbilities(&p); err != nil {
		return nil, err
	}

	l.cache.Set(name, &p)
	return &p, nil
}

// LoadAll returns every profile in the directory, sorted by name.
func (l *Loader) LoadAll() ([]*Profile, error) {
	names, err := l.List()
	if err != nil {
		return nil, err
	}
	profiles := make([]*Profile, 0, len(names))
	for _, name := range names {
		p, err := l.Load(name)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// List returns the profile names present on disk, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read profiles dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops a cached profile, or the whole cache when name is empty.
func (l *Loader) Invalidate(name string) {
	if name == "" {
		l.cache.Clear()
		return
	}
	l.cache.Delete(name)
}

// Close releases the cache's background resources.
func (l *Loader) Close() {
	l.cache.Close()
}

// spliceAbilities appends ability markdown snippets to the system prompt.
// Missing snippets are an error: a profile naming an unknown ability is
// misconfigured, not degraded.
func (l *Loader) spliceAbilities(p *Profile) error {
	if len(p.Abilities) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	for _, ability := range p.Abilities {
		path := filepath.Join(l.dir, "abilities", ability+".md")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("profile %s: ability %q: %w", p.Name, ability, err)
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(string(data)))
	}
	p.SystemPrompt = b.String()
	return nil
}
