package httpserver

import "net/http"

// withOriginPolicy rejects browser requests from origins outside the allow
// list and adds CORS headers for the ones inside it.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, ok := s.origin.Check(r)
		if !ok {
			s.log.Warn("rejected cross-origin request", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		if allowed != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Expose-Headers", requestIDHeader)
			h.Add("Vary", "Origin")
		}
		next(w, r)
	}
}
