// Package httpapi exposes the engine's public query surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rzbill/strata/pkg/log"
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query     json.RawMessage `json:"query"`
	CacheMode string          `json:"cacheMode,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// QueryResponse wraps a query result for the HTTP surface.
type QueryResponse struct {
	Data json.RawMessage `json:"data"`
}

// Engine answers analytical queries. The HTTP layer stays transport only.
type Engine interface {
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	CheckHealth(ctx context.Context) error
}

type Server struct {
	engine Engine
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(engine Engine, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	mux := http.NewServeMux()
	s := &Server{engine: engine, logger: logger, srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/query", s.handleQuery)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr reports the bound listener address, nil before ListenAndServe binds.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CheckHealth(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Query) == 0 {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	resp, err := s.engine.Query(r.Context(), &req)
	if err != nil {
		s.logger.Warn("query failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
