package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"RelayVerify/internal/aggregation"
	"RelayVerify/internal/credibility"
	"RelayVerify/internal/evaluation"
	"RelayVerify/internal/logger"
	"RelayVerify/internal/message"
	"RelayVerify/internal/selection"
	"RelayVerify/internal/verify"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 16 << 20 // 16 MB

	// maxIDs bounds the identities accepted by one credibility query.
	maxIDs = 1000

	// defaultPageSize is used when /validators has no limit.
	defaultPageSize = 100
)

// Verifier runs verification rounds.
type Verifier interface {
	Resolve(ctx context.Context, copies []message.MessageVerify, threshold uint32) (*verify.Round, error)
	Threshold() uint32
	Last() *verify.Round
}

// Registry serves credibility queries, locally or from a remote evaluator.
type Registry interface {
	GetCredibility(ctx context.Context, ids []message.Identity) ([]credibility.Entry, error)
	GetValidators(ctx context.Context, from, limit uint64) ([]credibility.Entry, error)
	SelectValidators(ctx context.Context, seed []byte, n uint32) (selection.Selection, error)
	IsTrustworthy(ctx context.Context, id message.Identity) (bool, error)
}

// Snapshotter exports the credibility table.
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// Config holds the HTTP server parameters. Nil components disable their routes.
type Config struct {
	Addr     string              // Addr is the HTTP listen address
	Mode     string              // Mode is reported by /status
	Identity message.Identity    // Identity is the node identity reported by /status
	Gatherer prometheus.Gatherer // Gatherer serves /metrics
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	verifier  Verifier    // verifier runs rounds, nil on evaluator-only nodes
	registry  Registry    // registry answers credibility queries
	snapshots Snapshotter // snapshots is nil when the node has no local store
	server    *http.Server
}

// New creates a new HTTP API server.
func New(cfg Config, verifier Verifier, registry Registry, snapshots Snapshotter) *Server {
	return &Server{
		cfg:       cfg,
		verifier:  verifier,
		registry:  registry,
		snapshots: snapshots,
	}
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /credibility", s.handleCredibility)
	mux.HandleFunc("GET /validators", s.handleValidators)
	mux.HandleFunc("GET /validators/{id}/trustworthy", s.handleTrustworthy)
	mux.HandleFunc("GET /selection", s.handleSelection)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.cfg.Addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	Copies    []message.MessageVerify `json:"copies"`
	Threshold *uint32                 `json:"threshold,omitempty"` // Threshold defaults to the configured one
}

// VerifyResponse is the result of POST /verify.
type VerifyResponse struct {
	Messages []message.Message `json:"messages"`
	Round    *verify.Round     `json:"round"`
}

// handleVerify handles POST /verify requests.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "verification not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	threshold := s.verifier.Threshold()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	round, err := s.verifier.Resolve(r.Context(), req.Copies, threshold)
	if err != nil {
		writeError(w, verifyStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Messages: round.Outcome.Messages(),
		Round:    round,
	})
}

// verifyStatus maps a round error to an HTTP status.
func verifyStatus(err error) int {
	switch {
	case errors.Is(err, aggregation.ErrNoCopies), errors.Is(err, aggregation.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, verify.ErrCredibilityFetch), errors.Is(err, verify.ErrReputationUpdate):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleCredibility handles GET /credibility?ids=a,b,c requests.
func (s *Server) handleCredibility(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing ids")
		return
	}

	parts := strings.Split(raw, ",")
	if len(parts) > maxIDs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many ids: %d > %d", len(parts), maxIDs))
		return
	}

	ids := make([]message.Identity, len(parts))
	for i, p := range parts {
		id, err := message.ParseIdentity(strings.TrimSpace(p))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id %q: %v", p, err))
			return
		}
		ids[i] = id
	}

	entries, err := s.registry.GetCredibility(r.Context(), ids)
	if err != nil {
		writeError(w, registryStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleValidators handles GET /validators?from=&limit= requests.
func (s *Server) handleValidators(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := queryUint(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.registry.GetValidators(r.Context(), from, limit)
	if err != nil {
		writeError(w, registryStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleTrustworthy handles GET /validators/{id}/trustworthy requests.
func (s *Server) handleTrustworthy(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	id, err := message.ParseIdentity(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id: %v", err))
		return
	}

	ok, err := s.registry.IsTrustworthy(r.Context(), id)
	if err != nil {
		writeError(w, registryStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"validator":   id,
		"trustworthy": ok,
	})
}

// handleSelection handles GET /selection?seed=<hex>&n= requests.
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}

	seed, err := hex.DecodeString(r.URL.Query().Get("seed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "seed must be hex")
		return
	}

	n, err := queryUint(r, "n", 0)
	if err != nil || n > uint64(^uint32(0)) {
		writeError(w, http.StatusBadRequest, "invalid n")
		return
	}

	sel, err := s.registry.SelectValidators(r.Context(), seed, uint32(n))
	if err != nil {
		writeError(w, registryStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trustworthy": nonNil(sel.Trustworthy),
		"random":      nonNil(sel.Random),
		"validators":  nonNil(sel.Validators()),
	})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot not available")
		return
	}

	data, err := s.snapshots.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"mode":     s.cfg.Mode,
		"identity": s.cfg.Identity,
	}

	if s.verifier != nil {
		status["threshold"] = s.verifier.Threshold()

		if last := s.verifier.Last(); last != nil {
			status["lastRound"] = map[string]any{
				"id":       last.ID,
				"token":    last.Token,
				"accepted": !last.Outcome.Rejected(),
				"finished": last.Finished,
			}
		}
	}

	writeJSON(w, http.StatusOK, status)
}

// registryStatus maps a registry error to an HTTP status.
func registryStatus(err error) int {
	switch {
	case errors.Is(err, evaluation.ErrInvalidRequest), errors.Is(err, selection.ErrNegativeCount):
		return http.StatusBadRequest
	case errors.Is(err, evaluation.ErrMalformedResponse), errors.Is(err, evaluation.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}

	return v, nil
}

// nonNil returns ids or an empty slice.
func nonNil(ids []message.Identity) []message.Identity {
	if ids == nil {
		return []message.Identity{}
	}

	return ids
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
