package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trymwestin/lockd/internal/core/arbiter"
	"github.com/trymwestin/lockd/internal/core/clips"
	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/lock"
	"github.com/trymwestin/lockd/internal/core/motion"
	"github.com/trymwestin/lockd/internal/core/orchestrator"
	"github.com/trymwestin/lockd/internal/core/state"
	"github.com/trymwestin/lockd/internal/core/transport"
)

type fixture struct {
	srv   *httptest.Server
	store *clips.Store
	door  *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dev := device.NewSimulated(device.Config{Width: 64, Height: 48, Framerate: 50}, log)
	store := clips.NewStore(t.TempDir(), 10*time.Second)
	cam := arbiter.New(arbiter.Config{
		Resolution:  device.Resolution{Width: 64, Height: 48},
		BusyTimeout: time.Second,
		BusyRetries: 3,
	}, dev, store, log)
	t.Cleanup(func() { cam.Close(context.Background()) })

	bus := state.NewEventBus(log)
	door := orchestrator.New(orchestrator.Config{MotorTimeout: time.Second}, cam,
		motion.NewRandom(0, nil), lock.NewSimMotor(time.Millisecond), store, bus, log)
	hub := transport.NewHub(bus, door, true, log)

	api := NewServer(door, hub, "test", "", true, log)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, door: door}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if body["status"] != "online" || body["version"] != "test" {
		t.Errorf("Unexpected health body %v", body)
	}
}

func TestLockCommandFlow(t *testing.T) {
	f := newFixture(t)

	var st state.LockState
	decode(t, f.get(t, "/lock/state"), &st)
	if !st.IsLocked {
		t.Fatal("Expected locked at start")
	}

	resp, err := http.Post(f.srv.URL+"/lock/command", "application/json", strings.NewReader(`{"command":"unlock"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Success bool            `json:"success"`
		State   state.LockState `json:"state"`
	}
	decode(t, resp, &out)
	if !out.Success || out.State.IsLocked {
		t.Errorf("Unexpected command response %+v", out)
	}

	decode(t, f.get(t, "/lock/state"), &st)
	if st.IsLocked {
		t.Error("State endpoint still reports locked")
	}
}

func TestLockCommandInvalid(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{`{"command":"open"}`, `not json`} {
		resp, err := http.Post(f.srv.URL+"/lock/command", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if n := len(f.door.Activity(0)); n != 0 {
		t.Errorf("Rejected commands logged %d entries", n)
	}
}

func TestActivityLimit(t *testing.T) {
	f := newFixture(t)
	for _, cmd := range []string{"unlock", "lock", "unlock"} {
		if _, err := f.door.Command(context.Background(), cmd, ""); err != nil {
			t.Fatal(err)
		}
	}

	var entries []map[string]interface{}
	decode(t, f.get(t, "/activity?limit=2"), &entries)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0]["action"] != "Door unlocked" || entries[0]["id"] != "3" {
		t.Errorf("Unexpected newest entry %v", entries[0])
	}

	if resp := f.get(t, "/activity?limit=abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestClips(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.Local)
	payload := []byte("fake mp4 bytes")
	if err := os.WriteFile(f.store.PathFor(ts), payload, 0o644); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(f.store.Dir(), "notes.txt"), []byte("x"), 0o644)

	var list []map[string]interface{}
	decode(t, f.get(t, "/clips"), &list)
	if len(list) != 1 {
		t.Fatalf("Expected 1 clip, got %d", len(list))
	}
	name := clips.Name(ts)
	if list[0]["filename"] != name || list[0]["duration"] != float64(10) {
		t.Errorf("Unexpected clip %v", list[0])
	}

	resp := f.get(t, "/clips/"+name)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Unexpected content type %s", ct)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, payload) {
		t.Errorf("Unexpected clip bytes %q", got)
	}

	if resp := f.get(t, "/clips/motion_20990101_000000.mp4"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if resp := f.get(t, "/clips/notes.txt"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestCameraLiveStreamsJPEG(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/camera/live", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Unexpected content type %s", ct)
	}

	mr := multipart.NewReader(resp.Body, "frame")
	for i := 0; i < 2; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart failed: %v", err)
		}
		if part.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("Unexpected part type %s", part.Header.Get("Content-Type"))
		}
		data, _ := io.ReadAll(part)
		if !bytes.HasPrefix(data, []byte{0xff, 0xd8}) {
			t.Errorf("Part %d is not a JPEG", i)
		}
	}

	if mode := f.door.CameraMode(); mode != device.ModePreview {
		t.Errorf("Expected preview mode while streaming, got %s", mode)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/lock/command", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/lock"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg map[string]interface{}
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "lock_state" || msg["isLocked"] != true {
		t.Errorf("Unexpected initial message %v", msg)
	}

	if _, err := f.door.Command(context.Background(), "unlock", ""); err != nil {
		t.Fatal(err)
	}
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "lock_state" || msg["isLocked"] != false {
		t.Errorf("Unexpected event %v", msg)
	}
}
