package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/trymwestin/lockd/internal/core/device"
	"github.com/trymwestin/lockd/internal/core/orchestrator"
	"github.com/trymwestin/lockd/internal/core/state"
)

const (
	serviceName    = "Smart Lock Entry API"
	mjpegBoundary  = "frame"
	previewTimeout = 10 * time.Second
)

// Server is the HTTP API server.
type Server struct {
	door    *orchestrator.Orchestrator
	hub     http.Handler
	version string
	uiDir   string
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new HTTP API server. hub serves /ws/lock.
func NewServer(
	door *orchestrator.Orchestrator,
	hub http.Handler,
	version string,
	uiDir string,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		door:    door,
		hub:     hub,
		version: version,
		uiDir:   uiDir,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHealth)

	s.mux.HandleFunc("GET /lock/state", s.handleGetLockState)
	s.mux.HandleFunc("POST /lock/command", s.handleLockCommand)

	s.mux.HandleFunc("GET /camera/live", s.handleCameraLive)
	s.mux.HandleFunc("GET /camera/status", s.handleCameraStatus)

	s.mux.HandleFunc("GET /clips", s.handleListClips)
	s.mux.HandleFunc("GET /clips/{filename}", s.handleGetClip)

	s.mux.HandleFunc("GET /activity", s.handleGetActivity)

	s.mux.Handle("GET /ws/lock", s.hub)

	// Serve static UI
	if s.uiDir != "" {
		s.mux.Handle("/ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(s.uiDir))))
	} else {
		s.mux.HandleFunc("/ui/", s.handleStaticFallback)
	}
}

func (s *Server) handleStaticFallback(w http.ResponseWriter, r *http.Request) {
	candidates := []string{
		"internal/ui/dist",
		"/app/ui",
	}
	for _, dir := range candidates {
		indexPath := filepath.Join(dir, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			http.StripPrefix("/ui/", http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
			return
		}
	}
	if r.URL.Path == "/ui/" {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><h1>Smart Lock</h1><p>UI not found. Set <code>ui_dir</code> in config or <code>LOCKD_UI_DIR</code> env var.</p><p><a href="/lock/state">Lock state</a></p></body></html>`)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, healthResponse{
		Status:    "online",
		Service:   serviceName,
		Version:   s.version,
		Timestamp: time.Now(),
	})
}

func (s *Server) handleGetLockState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.door.LockState())
}

type commandBody struct {
	Command string `json:"command"`
	User    string `json:"user,omitempty"`
}

type commandResponse struct {
	Success bool            `json:"success"`
	State   state.LockState `json:"state"`
}

func (s *Server) handleLockCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	st, err := s.door.Command(r.Context(), body.Command, body.User)
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, "Invalid command. Use 'lock' or 'unlock'")
			return
		}
		s.log.Error("lock command failed", "command", body.Command, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, commandResponse{Success: true, State: st})
}

// handleCameraLive streams JPEG frames as multipart/x-mixed-replace until
// the client goes away.
func (s *Server) handleCameraLive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stream, err := s.door.OpenPreview(ctx)
	if err != nil {
		s.log.Error("failed to open camera preview", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Camera stream unavailable")
		return
	}
	defer stream.Close()

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("camera preview ended", "error", err)
			}
			return
		}
		if frame.Encoding != device.EncodingJPEG {
			continue
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame.Data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type cameraStatusResponse struct {
	Mode            string `json:"mode"`
	CameraSimulated bool   `json:"camera_simulated"`
	MotorSimulated  bool   `json:"motor_simulated"`
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, _ *http.Request) {
	cam, motor := s.door.Simulated()
	s.writeJSON(w, cameraStatusResponse{
		Mode:            s.door.CameraMode().String(),
		CameraSimulated: cam,
		MotorSimulated:  motor,
	})
}

type clipResponse struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int       `json:"duration"`
}

func (s *Server) handleListClips(w http.ResponseWriter, _ *http.Request) {
	list, err := s.door.Clips()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]clipResponse, 0, len(list))
	for _, c := range list {
		out = append(out, clipResponse{
			Filename:  c.Filename,
			Timestamp: c.CreatedAt,
			Duration:  int(c.Duration.Round(time.Second) / time.Second),
		})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request) {
	path, ok := s.door.ClipPath(r.PathValue("filename"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid clip name")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound, "Clip not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.writeError(w, http.StatusNotFound, "Clip not found")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	limit := state.MaxActivitySnapshot
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, s.door.Activity(limit))
}
