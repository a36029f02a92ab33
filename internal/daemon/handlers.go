package daemon

import (
	"encoding/json"
	"net/http"
	"time"
)

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// handleHealth answers 200 while the health function passes and 503 with
// the failure otherwise. Load balancers and systemd-less supervisors poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Role:          s.opts.Role,
		Version:       s.opts.Version,
		UptimeSeconds: int(time.Since(s.started).Seconds()),
		Healthy:       true,
		Detail:        s.opts.Status(),
	}
	if err := s.health(); err != nil {
		resp.Healthy = false
		resp.HealthError = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) health() error {
	if s.opts.Health == nil {
		return nil
	}
	return s.opts.Health()
}
