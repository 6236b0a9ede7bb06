package httpserver

import (
	"encoding/json"
	"net/http"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.opts.Build)
	})

	mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	mux.HandleFunc("OPTIONS /webrtc/ice", s.withOriginPolicy(handlePreflight))

	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

type healthResponse struct {
	OK      bool `json:"ok"`
	Devices *int `json:"devices,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true}
	if s.opts.Devices != nil {
		n := s.opts.Devices()
		resp.Devices = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

type readyResponse struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// handleReadyz fails while the listener is not serving and whenever the ICE
// configuration is unusable, since peers could not connect anyway.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	switch {
	case !s.ready.Load():
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Error: "not serving"})
	case s.opts.Config.ICEConfigError() != nil:
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Error: s.opts.Config.ICEConfigError().Error()})
	default:
		writeJSON(w, http.StatusOK, readyResponse{Ready: true})
	}
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Config.ICEConfigError(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	// Credentials may rotate with a config reload; never cache them.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": s.opts.Config.ICEServers})
}

func handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
