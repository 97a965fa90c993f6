package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of filesystem events into one
// reload.
const DefaultWatchDebounce = 250 * time.Millisecond

// Manager holds the discovered skill set for one process. Reload replaces
// the whole set; lookups see a consistent snapshot.
type Manager struct {
	roots    []string
	mode     Mode
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// ManagerOption tunes manager construction.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithWatchDebounce overrides the watcher's debounce interval.
func WithWatchDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) { m.debounce = d }
}

// NewManager creates a manager over the given roots. Mode defaults to
// activation.
func NewManager(roots []string, mode Mode, opts ...ManagerOption) *Manager {
	if mode == "" {
		mode = ModeActivation
	}
	m := &Manager{
		roots:    roots,
		mode:     mode,
		debounce: DefaultWatchDebounce,
		skills:   make(map[string]*Skill),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "skills")
	return m
}

// Mode returns the manager's access mode.
func (m *Manager) Mode() Mode { return m.mode }

// Reload rediscovers every root and swaps in the new skill set. A skill
// name appearing under several roots resolves to the last root listed.
func (m *Manager) Reload(ctx context.Context) error {
	found := make(map[string]*Skill)
	for _, root := range m.roots {
		skills, err := discoverRoot(ctx, root, m.logger)
		if err != nil {
			return fmt.Errorf("discover %s: %w", root, err)
		}
		for _, skill := range skills {
			if prev, ok := found[skill.Name]; ok {
				m.logger.Debug("skill overridden",
					"name", skill.Name, "old_dir", prev.Dir, "new_dir", skill.Dir)
			}
			found[skill.Name] = skill
		}
	}

	m.mu.Lock()
	m.skills = found
	m.mu.Unlock()
	m.logger.Info("skills loaded", "count", len(found))
	return nil
}

// discoverRoot scans one root's immediate subdirectories for manifests.
// Directories with a broken manifest are logged and skipped.
func discoverRoot(ctx context.Context, root string, logger *slog.Logger) ([]*Skill, error) {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		logger.Debug("skill root does not exist", "path", root)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var skills []*Skill
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return skills, err
		}
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(root, entry.Name(), SkillFilename)
		if _, err := os.Stat(manifest); os.IsNotExist(err) {
			continue
		}
		skill, err := ParseSkillFile(manifest)
		if err != nil {
			logger.Warn("skipping broken skill", "path", manifest, "error", err)
			continue
		}
		skills = append(skills, skill)
	}
	return skills, nil
}

// List returns the skills sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, skill := range m.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named skill or ErrSkillNotFound.
func (m *Manager) Get(name string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return skill, nil
}

// Len returns the number of loaded skills.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.skills)
}

// Catalogue renders the skill list for the system prompt. Activation mode
// lists names and descriptions; filesystem mode adds each skill's path so
// the agent can read it through file tools.
func (m *Manager) Catalogue() string {
	skills := m.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, skill := range skills {
		if m.mode == ModeFilesystem {
			fmt.Fprintf(&b, "- %s: %s (at %s)\n", skill.Name, skill.Description, filepath.Join(skill.Dir, SkillFilename))
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", skill.Name, skill.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ReadResource returns a file inside the named skill's directory. The path
// is relative to the skill directory; anything escaping it is rejected.
func (m *Manager) ReadResource(name, rel string) (string, error) {
	skill, err := m.Get(name)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("resource path must be relative: %s", rel)
	}
	full := filepath.Join(skill.Dir, filepath.Clean(rel))
	base := filepath.Clean(skill.Dir)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("resource path escapes the skill directory: %s", rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read resource: %w", err)
	}
	return ExpandBaseDir(string(data), skill.Dir), nil
}

// Watch reloads the skill set when any root changes, debouncing event
// bursts. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range m.roots {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := watcher.Add(root); err != nil {
			m.logger.Warn("cannot watch skill root", "path", root, "error", err)
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				timerC = timer.C
			} else {
				timer.Reset(m.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("skill watcher error", "error", err)
		case <-timerC:
			if err := m.Reload(ctx); err != nil {
				m.logger.Warn("skill reload failed", "error", err)
			}
		}
	}
}
