package mcptest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/protocol"
)

// DefaultPath is where the remote endpoint is mounted.
const DefaultPath = "/_mcp_tools"

const (
	sessionHeader = "Mcp-Session-Id"
	maxBodyBytes  = 1 << 20
)

// Framing selects how POST responses are written.
type Framing int

const (
	FramingSSE Framing = iota
	FramingJSON
)

type HTTPOptions struct {
	Path    string
	Framing Framing
	Logger  *slog.Logger
}

type httpHandler struct {
	site    *Site
	framing Framing
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*httpSession
}

type httpSession struct {
	keyID int
	conn  *conn
}

// Handler serves the remote endpoint at opts.Path and a front page at "/"
// for readiness probes.
func (s *Site) Handler(opts HTTPOptions) http.Handler {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	l := opts.Logger
	if l == nil {
		l = logger.Discard()
	}

	h := &httpHandler{
		site:     s,
		framing:  opts.Framing,
		logger:   l,
		sessions: make(map[string]*httpSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, h.serveMCP)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Drupal</body></html>")
	})

	return recovery(l)(logRequests(l)(mux))
}

func (h *httpHandler) serveMCP(w http.ResponseWriter, r *http.Request) {
	if !h.site.RemoteEnabled() {
		http.Error(w, "Not found.", http.StatusNotFound)
		return
	}
	if !ipAllowed(h.site.AllowedIPs(), r.RemoteAddr) {
		h.logger.Debug("client not in allowlist", "remote_addr", r.RemoteAddr)
		http.Error(w, "Not found.", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.post(w, r)
	case http.MethodDelete:
		h.delete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
	}
}

func (h *httpHandler) post(w http.ResponseWriter, r *http.Request) {
	if !acceptable(r.Header.Get("Accept")) {
		http.Error(w, "Not Acceptable: client must accept application/json or text/event-stream.", http.StatusNotAcceptable)
		return
	}

	key, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	uid := h.site.RemoteUID()
	if uid != 0 && !h.site.userExists(uid) {
		http.Error(w, fmt.Sprintf("Configured execution user (uid %d) not found.", uid), http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Bad Request.", http.StatusBadRequest)
		return
	}
	msg, ok, err := protocol.DecodeObject(body)
	if err != nil || !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse(protocol.ID{}, protocol.CodeParseError, "parse error"))
		return
	}

	if msg.Method == protocol.MethodInitialize {
		c := &conn{principal: Principal{Scopes: key.scopes, UID: uid}}
		resp := h.site.handle(r.Context(), c, msg)
		if resp != nil && resp.Error == nil {
			id := uuid.NewString()
			h.mu.Lock()
			h.sessions[id] = &httpSession{keyID: key.id, conn: c}
			h.mu.Unlock()
			w.Header().Set(sessionHeader, id)
		}
		h.write(w, resp)
		return
	}

	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		http.Error(w, "Bad Request: Mcp-Session-Id header is required.", http.StatusBadRequest)
		return
	}
	sess, ok := h.session(sid)
	if !ok || sess.keyID != key.id {
		http.Error(w, "Session not found.", http.StatusNotFound)
		return
	}

	resp := h.site.handle(r.Context(), sess.conn, msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.write(w, resp)
}

func (h *httpHandler) delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}
	sid := r.Header.Get(sessionHeader)
	h.mu.Lock()
	_, ok := h.sessions[sid]
	delete(h.sessions, sid)
	h.mu.Unlock()
	if !ok {
		http.Error(w, "Session not found.", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) session(id string) (*httpSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *httpHandler) authenticate(w http.ResponseWriter, r *http.Request) (apiKey, bool) {
	token := bearerToken(r)
	if token != "" {
		if k, ok := h.site.lookupKey(token); ok {
			return k, true
		}
	}
	h.logger.Debug("unauthorized request", "path", r.URL.Path, "token_present", token != "")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp_tools_remote"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Authentication required"})
	return apiKey{}, false
}

func (h *httpHandler) write(w http.ResponseWriter, resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}

	if h.framing == FramingJSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
}

func acceptable(accept string) bool {
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(strings.TrimSpace(mt)) {
		case "application/json", "text/event-stream", "*/*":
			return true
		}
	}
	return false
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
