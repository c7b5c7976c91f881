package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/resources"
	"github.com/apogee-dev/apogee-mcp/internal/session"
	"github.com/apogee-dev/apogee-mcp/internal/tools"
)

type ctxKey int

const authKey ctxKey = 0

// HTTP is the network transport: JSON-RPC over POST /mcp, a per-session
// SSE event stream on GET /mcp/events, and an unauthenticated liveness
// probe on GET /health. Sessions are created on demand from the token's
// session id.
type HTTP struct {
	store     *session.Store
	enforcer  *policy.Enforcer
	tools     *tools.Handlers
	resources *resources.Handlers
	logger    *zap.Logger
	router    *chi.Mux
}

// NewHTTP assembles the network transport.
func NewHTTP(store *session.Store, enforcer *policy.Enforcer, th *tools.Handlers, rh *resources.Handlers, logger *zap.Logger) *HTTP {
	t := &HTTP{
		store:     store,
		enforcer:  enforcer,
		tools:     th,
		resources: rh,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(t.requestID)
	r.Use(t.requestLogger)
	r.Use(t.recovery)
	r.Use(t.cors)

	r.Get("/health", t.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(t.bearerAuth)
		r.Post("/mcp", t.handleRPC)
		r.Get("/mcp/events", t.handleEvents)
	})

	t.router = r
	return t
}

// Handler exposes the router, mainly for tests.
func (t *HTTP) Handler() http.Handler { return t.router }

// ListenAndServe serves until the context is cancelled, then shuts down
// gracefully.
func (t *HTTP) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	t.logger.Info("http transport started", zap.Int("port", port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// --- middleware ---

func (t *HTTP) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString()[:8])
		next.ServeHTTP(w, r)
	})
}

func (t *HTTP) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		t.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (t *HTTP) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors enforces the origin allow-list on browser traffic. Requests without
// an Origin header are not browser-initiated and pass through untouched.
func (t *HTTP) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !t.enforcer.ValidateOrigin(origin) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *HTTP) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization required"})
			return
		}

		auth, err := t.enforcer.VerifyToken(header[len(prefix):])
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}

		// Materialize the session named by the token on first use.
		auth.SessionID = t.store.Ensure(auth.SessionID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, auth)))
	})
}

func authFrom(r *http.Request) *policy.Context {
	auth, _ := r.Context().Value(authKey).(*policy.Context)
	return auth
}

// --- handlers ---

func (t *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ServerVersion})
}

// resourceContents mirrors the MCP resources/read result shape.
type resourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType"`
	Text     string `json:"text"`
}

func (t *HTTP) handleRPC(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)

	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewError(nil, protocol.ErrInvalidArgument("malformed request body: %v", err)))
		return
	}

	switch req.Method {
	case protocol.MethodToolsList:
		writeJSON(w, http.StatusOK, protocol.NewResult(req.ID, map[string]any{"tools": tools.Catalog()}))

	case protocol.MethodResourcesList:
		writeJSON(w, http.StatusOK, protocol.NewResult(req.ID, map[string]any{"resources": resources.Catalog()}))

	case protocol.MethodToolsCall:
		var params protocol.CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK, protocol.NewError(req.ID, protocol.ErrInvalidArgument("malformed tools/call params: %v", err)))
			return
		}
		if !t.enforcer.CanInvokeTool(auth, params.Name) {
			writeJSON(w, http.StatusOK, protocol.NewError(req.ID, protocol.ErrUnauthorized(params.Name, string(auth.Role))))
			return
		}
		result, err := t.tools.Execute(r.Context(), params.Name, params.Arguments, auth)
		if err != nil {
			writeJSON(w, http.StatusOK, protocol.NewError(req.ID, err))
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewResult(req.ID, result))

	case protocol.MethodResourcesRead:
		var params protocol.ReadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK, protocol.NewError(req.ID, protocol.ErrInvalidArgument("malformed resources/read params: %v", err)))
			return
		}
		doc, err := t.resources.Read(params.URI, auth)
		if err != nil {
			writeJSON(w, http.StatusOK, protocol.NewError(req.ID, err))
			return
		}
		writeJSON(w, http.StatusOK, protocol.NewResult(req.ID, map[string]any{
			"contents": []resourceContents{{URI: params.URI, MIMEType: "application/json", Text: string(doc)}},
		}))

	default:
		writeJSON(w, http.StatusOK, protocol.NewError(req.ID, protocol.ErrMethodNotFound(req.Method)))
	}
}

// sseEventName maps store event types to the names pushed on the wire.
var sseEventName = map[session.EventType]string{
	session.EventTasksChanged:  "todos",
	session.EventMessagePosted: "comms",
	session.EventFenceChanged:  "fence",
	session.EventSchemaChanged: "schema",
	session.EventCIChanged:     "ci",
}

func (t *HTTP) handleEvents(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	// Subscribe before announcing the connection so no event emitted after
	// the client sees "connected" can be missed.
	events, cancel := t.store.Bus().Subscribe(auth.SessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {\"status\": \"connected\"}\n\n")
	flusher.Flush()

	t.logger.Debug("sse subscriber connected", zap.String("session", auth.SessionID))

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				t.logger.Warn("drop unencodable event", zap.String("type", string(evt.Type)), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName[evt.Type], payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
