package clips

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/trymwestin/lockd/internal/core/device"
)

var clipPattern = regexp.MustCompile(`^motion_\d{8}_\d{6}\.mp4$`)

func TestNameRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 2, 0, time.Local)
	name := Name(ts)

	if name != "motion_20240309_070502.mp4" {
		t.Fatalf("Unexpected name %s", name)
	}
	if !clipPattern.MatchString(name) {
		t.Errorf("Name %s does not match the clip pattern", name)
	}

	got, ok := ParseName(name)
	if !ok || !got.Equal(ts) {
		t.Errorf("ParseName(%s) = %v, %v", name, got, ok)
	}

	if _, ok := ParseName("holiday.mp4"); ok {
		t.Error("Expected foreign name to fail parsing")
	}
}

func TestValidName(t *testing.T) {
	cases := map[string]bool{
		"motion_20240309_070502.mp4": true,
		"other.mp4":                  true,
		"":                           false,
		"../secret.mp4":              false,
		"sub/motion.mp4":             false,
		".hidden.mp4":                false,
		"motion_20240309_070502.avi": false,
	}
	for name, want := range cases {
		if got := ValidName(name); got != want {
			t.Errorf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, 10*time.Second)

	older := time.Date(2024, 1, 1, 8, 0, 0, 0, time.Local)
	newer := older.Add(time.Hour)
	for _, ts := range []time.Time{older, newer} {
		if err := os.WriteFile(store.PathFor(ts), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// ignored entries
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(dir, "nested.mp4"), 0o755)

	store.Remember(device.Clip{Filename: Name(newer), Duration: 7 * time.Second})

	list, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 clips, got %d", len(list))
	}
	if list[0].Filename != Name(newer) || list[1].Filename != Name(older) {
		t.Errorf("Unexpected order: %s, %s", list[0].Filename, list[1].Filename)
	}
	if list[0].Duration != 7*time.Second {
		t.Errorf("Expected remembered duration 7s, got %v", list[0].Duration)
	}
	if list[1].Duration != 10*time.Second {
		t.Errorf("Expected default duration 10s, got %v", list[1].Duration)
	}
}

func TestListMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent"), time.Second)
	list, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected empty list, got %d", len(list))
	}
}
