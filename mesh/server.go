package mesh

import (
	"encoding/json"
	"net/http"

	"github.com/crawlmesh/crawlmesh/logging"
)

// Server exposes the coordinator over HTTP. The four membership/execute
// endpoints require a valid mesh token; peers and status are read-only and
// unauthenticated.
type Server struct {
	coord  *Coordinator
	auth   *Authenticator
	logger logging.Logger
}

// ServerOptions holds overrides for NewServer.
type ServerOptions struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewServer wires coord behind HTTP handlers authenticated by auth.
func NewServer(coord *Coordinator, auth *Authenticator, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{coord: coord, auth: auth, logger: opts.Logger}
}

// Handler returns the mesh route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mesh/join", s.handleJoin)
	mux.HandleFunc("POST /mesh/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /mesh/execute", s.handleExecute)
	mux.HandleFunc("POST /mesh/leave", s.handleLeave)
	mux.HandleFunc("GET /mesh/peers", s.handlePeers)
	mux.HandleFunc("GET /mesh/status", s.handleStatus)
	return mux
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(w, r) {
		return
	}
	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleJoin(req))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(w, r) {
		return
	}
	var req HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleHeartbeat(req))
}

// handleExecute rejects any request that already crossed a hop before the
// token is even looked at, so request chains die regardless of credentials.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Hop != 0 {
		s.logger.Warn("Rejected multi-hop execute request", "hop", req.Hop)
		writeError(w, http.StatusForbidden, "hop limit exceeded")
		return
	}
	if !s.authenticated(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleExecute(r.Context(), req))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !s.authenticated(w, r) {
		return
	}
	var req LeaveRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.coord.HandleLeave(req))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Peers())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

// authenticated verifies the mesh token header, writing 401 on failure.
// Token contents are never logged.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if _, err := s.auth.Verify(r.Header.Get(TokenHeader)); err != nil {
		s.logger.Warn("Rejected mesh request with invalid token", "path", r.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid mesh token")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
