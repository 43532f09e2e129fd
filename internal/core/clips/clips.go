// Package clips owns the on-disk clip naming contract
// (motion_<YYYYMMDD_HHMMSS>.mp4) and lists recorded clips.
package clips

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trymwestin/lockd/internal/core/device"
)

const (
	prefix     = "motion_"
	ext        = ".mp4"
	timeLayout = "20060102_150405"
)

// Name returns the clip filename for a recording started at t.
func Name(t time.Time) string {
	return prefix + t.Format(timeLayout) + ext
}

// ParseName extracts the start time encoded in a clip filename.
func ParseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
	t, err := time.ParseInLocation(timeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ValidName reports whether name is a bare .mp4 filename safe to serve
// from the clips directory.
func ValidName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ext)
}

// Store lists clips under Dir and remembers the durations of clips recorded
// by this process.
type Store struct {
	dir             string
	defaultDuration time.Duration

	mu        sync.RWMutex
	durations map[string]time.Duration
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, defaultDuration time.Duration) *Store {
	return &Store{
		dir:             dir,
		defaultDuration: defaultDuration,
		durations:       make(map[string]time.Duration),
	}
}

// Dir returns the clips directory.
func (s *Store) Dir() string {
	return s.dir
}

// Ensure creates the clips directory if it does not exist.
func (s *Store) Ensure() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("clips: create %s: %w", s.dir, err)
	}
	return nil
}

// PathFor returns the full path of the clip for a recording started at t.
func (s *Store) PathFor(t time.Time) string {
	return filepath.Join(s.dir, Name(t))
}

// Path returns the full path of an existing clip name, or false if the name
// is not a valid clip filename.
func (s *Store) Path(name string) (string, bool) {
	if !ValidName(name) {
		return "", false
	}
	return filepath.Join(s.dir, name), true
}

// Remember records the real duration of a clip finalized by this process.
// Zero-duration clips (simulation placeholders) keep the default.
func (s *Store) Remember(clip device.Clip) {
	if clip.Duration <= 0 {
		return
	}
	s.mu.Lock()
	s.durations[clip.Filename] = clip.Duration
	s.mu.Unlock()
}

// List returns every .mp4 under the clips directory, newest first. The
// timestamp encoded in the name orders clips; foreign names use mtime.
func (s *Store) List() ([]device.Clip, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []device.Clip{}, nil
		}
		return nil, fmt.Errorf("clips: list %s: %w", s.dir, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]device.Clip, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ValidName(e.Name()) {
			continue
		}

		created, ok := ParseName(e.Name())
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			created = info.ModTime()
		}

		d, ok := s.durations[e.Name()]
		if !ok {
			d = s.defaultDuration
		}
		out = append(out, device.Clip{Filename: e.Name(), CreatedAt: created, Duration: d})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
