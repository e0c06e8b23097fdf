package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

// NewHandler serves every operation at GET /<operation>?<params> and the
// WebSocket line protocol at /ws. A nil logger uses slog.Default.
func NewHandler(b Backend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")

	mux := http.NewServeMux()
	for _, op := range Operations {
		op := op
		mux.HandleFunc("/"+op, func(w http.ResponseWriter, r *http.Request) {
			serveHTTP(b, logger, op, w, r)
		})
	}
	mux.Handle("/ws", websocket.Server{
		// Clients are local tools, often without an Origin header.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			serveWebSocket(b, logger, ws)
		},
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusNotFound, response{Success: false, Message: "unknown operation " + r.URL.Path, Error: "UnknownOperation"})
	})
	return mux
}

func serveHTTP(b Backend, logger *slog.Logger, op string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, logger, http.StatusMethodNotAllowed, response{Success: false, Message: "method not allowed", Error: "BadRequest"})
		return
	}
	if err := r.ParseForm(); err != nil {
		resp, status := failure(fmt.Errorf("%w: %w", errBadRequest, err))
		writeJSON(w, logger, status, resp)
		return
	}
	p := make(params, len(r.Form))
	for k := range r.Form {
		p[k] = r.Form.Get(k)
	}

	started := time.Now()
	resp, status := handle(r.Context(), b, op, p)
	logger.Debug("request", "transport", "http", "op", op, "status", status, "took", time.Since(started))
	writeJSON(w, logger, status, resp)
}

func handle(ctx context.Context, b Backend, op string, p params) (response, int) {
	data, err := dispatch(ctx, b, op, p)
	if err != nil {
		return failure(err)
	}
	return ok(data), http.StatusOK
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

// parseFrame splits a WebSocket request "<path>\r\n<k>=<v>\n<k>=<v>" into
// the operation name and its parameters. Paths may carry a leading "/" or
// "/imap/".
func parseFrame(frame string) (op string, p params) {
	head, body, _ := strings.Cut(frame, "\n")
	op = strings.TrimSpace(head)
	op = strings.TrimPrefix(op, "/")
	op = strings.TrimPrefix(op, "imap/")

	p = make(params)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		p[strings.TrimSpace(k)] = v
	}
	return op, p
}

// serveWebSocket answers each text frame with one JSON frame, in order.
func serveWebSocket(b Backend, logger *slog.Logger, ws *websocket.Conn) {
	defer ws.Close()
	ctx := ws.Request().Context()
	logger = logger.With("remote", ws.Request().RemoteAddr)
	logger.Debug("websocket connected")

	for {
		var frame string
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			logger.Debug("websocket closed", "error", err)
			return
		}

		op, p := parseFrame(frame)
		started := time.Now()
		resp, status := handle(ctx, b, op, p)
		logger.Debug("request", "transport", "websocket", "op", op, "status", status, "took", time.Since(started))

		if err := websocket.JSON.Send(ws, resp); err != nil {
			logger.Warn("failed to write websocket response", "error", err)
			return
		}
	}
}
