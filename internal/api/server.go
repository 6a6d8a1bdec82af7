// Package api implements the External API (C11): the WebSocket URL
// surface RM and CEM peers and debugger clients connect to, plus the
// operator HTTP surface for injection, outbound dialing, and history.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/s2flex/s2mitm/internal/buildinfo"
	"github.com/s2flex/s2mitm/internal/cem"
	"github.com/s2flex/s2mitm/internal/pipeline"
	"github.com/s2flex/s2mitm/internal/s2"
	"github.com/s2flex/s2mitm/internal/s2validate"
	"github.com/s2flex/s2mitm/internal/session"
	"github.com/s2flex/s2mitm/internal/store"
	"github.com/s2flex/s2mitm/internal/wsconn"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP/WebSocket API server (C11).
type Server struct {
	address string
	port    int

	router       *session.Router
	pipeline     *pipeline.Pipeline
	store        *store.SQLiteStore
	observer     *pipeline.ObserverFanout
	sessionState *pipeline.SessionStateProcessor
	simpleCEM    *cem.SimpleCEM // nil unless the emulated CEM is enabled

	logger *slog.Logger
	server *http.Server
}

// NewServer creates an API server. simpleCEM may be nil if the
// emulated CEM is disabled; in that case outbound dials that supply
// only rm_uri connect the RM side with no CEM counterpart attached.
func NewServer(address string, port int, rtr *session.Router, pl *pipeline.Pipeline, st *store.SQLiteStore, observer *pipeline.ObserverFanout, sessionState *pipeline.SessionStateProcessor, simpleCEM *cem.SimpleCEM, logger *slog.Logger) *Server {
	return &Server{
		address:      address,
		port:         port,
		router:       rtr,
		pipeline:     pl,
		store:        st,
		observer:     observer,
		sessionState: sessionState,
		simpleCEM:    simpleCEM,
		logger:       logger,
	}
}

// Start builds the route table and begins serving. It blocks until the
// server stops (normally via Shutdown causing ListenAndServe to return
// http.ErrServerClosed).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /backend/rm/{rm_id}/cem/{cem_id}/ws", s.handleInboundRM)
	mux.HandleFunc("GET /backend/cem/{cem_id}/rm/{rm_id}/ws", s.handleInboundCEM)
	mux.HandleFunc("GET /backend/debugger/", s.handleDebuggerStream)
	mux.HandleFunc("GET /backend/session-updates/", s.handleSessionUpdates)

	mux.HandleFunc("POST /backend/inject/", s.handleInject)
	mux.HandleFunc("POST /backend/connections/", s.handleDialConnections)
	mux.HandleFunc("GET /backend/connections/", s.handleListConnections)
	mux.HandleFunc("GET /backend/history-filter/", s.handleHistoryFilter)
	mux.HandleFunc("POST /backend/validate-message/", s.handleValidateMessage)

	mux.HandleFunc("GET /backend/version", s.handleVersion)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket handlers run for the life of the connection
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting api server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleInboundRM accepts an RM's half-connection, per spec §6.1.
func (s *Server) handleInboundRM(w http.ResponseWriter, r *http.Request) {
	rmID := r.PathValue("rm_id")
	cemID := r.PathValue("cem_id")
	s.acceptHalf(w, r, rmID, cemID, s2.OriginRM)
}

// handleInboundCEM accepts a CEM's half-connection.
func (s *Server) handleInboundCEM(w http.ResponseWriter, r *http.Request) {
	cemID := r.PathValue("cem_id")
	rmID := r.PathValue("rm_id")
	s.acceptHalf(w, r, cemID, rmID, s2.OriginCEM)
}

func (s *Server) acceptHalf(w http.ResponseWriter, r *http.Request, originID, destID string, originType s2.OriginType) {
	adapter, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "origin_id", originID, "dest_id", destID, "error", err)
		return
	}

	half := session.NewSocketHalf(originID, destID, originType, adapter, s.router, s.logger)
	s.router.Register(half)
	half.Start()
}

// handleDebuggerStream serves the observer Message stream (spec §6.1,
// §6.2). Query params: session_id, cem_id, rm_id, include_session_history.
func (s *Server) handleDebuggerStream(w http.ResponseWriter, r *http.Request) {
	adapter, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Warn("debugger websocket upgrade failed", "error", err)
		return
	}
	defer adapter.Close(1000, "debugger stream ended")

	q := r.URL.Query()
	filter := pipeline.Filter{
		SessionID: q.Get("session_id"),
		CEMID:     q.Get("cem_id"),
		RMID:      q.Get("rm_id"),
	}
	includeHistory := q.Get("include_session_history") == "true"

	id, ch := s.observer.Subscribe(filter, 256, includeHistory)
	defer s.observer.Unsubscribe(id)

	s.streamMessages(adapter, ch)
}

func (s *Server) streamMessages(adapter *wsconn.Adapter, ch <-chan *pipeline.Message) {
	done := make(chan struct{})
	go s.pingPongLoop(adapter, done)
	defer close(done)

	for m := range ch {
		if !adapter.IsOpen() {
			return
		}
		data, err := json.Marshal(m)
		if err != nil {
			s.logger.Error("failed to marshal observer message", "error", err)
			continue
		}
		if err := adapter.Send(string(data)); err != nil {
			return
		}
	}
}

// pingPongLoop implements the observer health frame protocol (spec
// §6.2): "ping" in, "pong" out. Runs until the adapter closes.
func (s *Server) pingPongLoop(adapter *wsconn.Adapter, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		text, err := adapter.Receive()
		if err != nil {
			return
		}
		if text == "ping" {
			if err := adapter.Send("pong"); err != nil {
				return
			}
		}
	}
}

// handleSessionUpdates serves the observer SessionSnapshot stream.
func (s *Server) handleSessionUpdates(w http.ResponseWriter, r *http.Request) {
	adapter, err := wsconn.Accept(w, r)
	if err != nil {
		s.logger.Warn("session-updates websocket upgrade failed", "error", err)
		return
	}
	defer adapter.Close(1000, "session-updates stream ended")

	id, ch := s.sessionState.Subscribe(256)
	defer s.sessionState.Unsubscribe(id)

	done := make(chan struct{})
	go s.pingPongLoop(adapter, done)
	defer close(done)

	for snap := range ch {
		if !adapter.IsOpen() {
			return
		}
		data, err := json.Marshal(snap)
		if err != nil {
			s.logger.Error("failed to marshal session snapshot", "error", err)
			continue
		}
		if err := adapter.Send(string(data)); err != nil {
			return
		}
	}
}

type injectRequest struct {
	OriginID string         `json:"origin_id"`
	DestID   string         `json:"dest_id"`
	Message  map[string]any `json:"message"`
}

// handleInject implements POST /backend/inject/. With ?validate=true
// (boundary scenario 4), the message is validated first and, if
// invalid, rejected with its errors instead of being routed.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OriginID == "" || req.DestID == "" || req.Message == nil {
		s.errorResponse(w, http.StatusBadRequest, "origin_id, dest_id, and message are required")
		return
	}

	if r.URL.Query().Get("validate") == "true" {
		result := s2validate.Validate(req.Message)
		if len(result.Errors) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"error": result.Summary(), "errors": result.Errors}, s.logger)
			return
		}
	}

	if err := s.router.Inject(req.OriginID, req.DestID, req.Message); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{"status": "injected"}, s.logger)
}

type dialRequest struct {
	RMID   string `json:"rm_id"`
	CEMID  string `json:"cem_id"`
	RMURI  string `json:"rm_uri"`
	CEMURI string `json:"cem_uri"`
}

// handleDialConnections implements POST /backend/connections/: dials
// one or both peers outbound. If only rm_uri is given and the emulated
// Simple CEM is enabled, the CEM side is attached as a DeviceModel
// instead of requiring a manual cem_uri (spec §2's "drives a real RM").
func (s *Server) handleDialConnections(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RMID == "" || req.CEMID == "" || (req.RMURI == "" && req.CEMURI == "") {
		s.errorResponse(w, http.StatusBadRequest, "rm_id, cem_id, and at least one of rm_uri/cem_uri are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if req.RMURI != "" {
		if err := s.dialHalf(ctx, req.RMURI, req.RMID, req.CEMID, s2.OriginRM); err != nil {
			s.errorResponse(w, http.StatusBadGateway, "dial rm: "+err.Error())
			return
		}
		if req.CEMURI == "" && s.simpleCEM != nil {
			s.simpleCEM.AttachRM(req.RMID)
		}
	}

	if req.CEMURI != "" {
		if err := s.dialHalf(ctx, req.CEMURI, req.CEMID, req.RMID, s2.OriginCEM); err != nil {
			s.errorResponse(w, http.StatusBadGateway, "dial cem: "+err.Error())
			return
		}
	}

	writeJSON(w, map[string]any{"status": "dialing"}, s.logger)
}

func (s *Server) dialHalf(ctx context.Context, uri, originID, destID string, originType s2.OriginType) error {
	adapter, err := wsconn.Dial(ctx, uri)
	if err != nil {
		return err
	}
	half := session.NewSocketHalf(originID, destID, originType, adapter, s.router, s.logger)
	s.router.Register(half)
	half.Start()
	return nil
}

// handleListConnections implements GET /backend/connections/: the
// current aggregated view of every session ever persisted, most
// recently active first, with a humanized last-seen for operators.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.UniqueSessions()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "list connections: "+err.Error())
		return
	}

	out := make([]map[string]any, 0, len(summaries))
	for _, sm := range summaries {
		status := "CLOSED"
		if snap, ok := s.sessionState.Snapshot(sm.SessionID); ok {
			status = string(snap.Status)
		}
		out = append(out, map[string]any{
			"session_id":      sm.SessionID,
			"cem_id":          sm.CEMID,
			"rm_id":           sm.RMID,
			"status":          status,
			"first_seen":      sm.FirstSeen,
			"last_seen":       sm.LastSeen,
			"last_seen_human": humanize.Time(sm.LastSeen),
			"message_count":   sm.MessageCount,
		})
	}

	writeJSON(w, map[string]any{"connections": out, "count": len(out)}, s.logger)
}

// handleHistoryFilter implements GET /backend/history-filter/.
func (s *Server) handleHistoryFilter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		SessionID:  q.Get("session_id"),
		CEMID:      q.Get("cem_id"),
		RMID:       q.Get("rm_id"),
		OriginType: q.Get("origin_type"),
		S2MsgType:  q.Get("s2_msg_type"),
		Limit:      parseIntParam(r, "limit", 100),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		f.Until = t
	}

	messages, err := s.store.Query(f)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "query history: "+err.Error())
		return
	}

	writeJSON(w, map[string]any{"messages": messages, "count": len(messages)}, s.logger)
}

type validateMessageRequest struct {
	Message map[string]any `json:"message"`
}

// handleValidateMessage implements POST /backend/validate-message/:
// parse+validate without persisting or forwarding.
func (s *Server) handleValidateMessage(w http.ResponseWriter, r *http.Request) {
	var req validateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == nil {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	result := s2validate.Validate(req.Message)
	writeJSON(w, map[string]any{
		"type_name": result.TypeName,
		"valid":     len(result.Errors) == 0,
		"errors":    result.Errors,
		"summary":   result.Summary(),
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
