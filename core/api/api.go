// Package api serves the telephony and resident-reply HTTP surface over the
// session manager.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/portero/core/checkpoint"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/notify"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/session"
	"github.com/davidahmann/portero/core/telemetry"
)

const defaultMaxRequestBytes = 64 * 1024

type Config struct {
	Manager *session.Manager
	Store   checkpoint.Store
	Hub     *session.Hub
	// Inbox receives resident replies posted to /v1/replies. Nil disables
	// the route.
	Inbox           *notify.Inbox
	Logger          *slog.Logger
	Token           string
	MaxRequestBytes int64
	OriginPatterns  []string
}

type handler struct {
	config Config
	logger *slog.Logger
}

type startCallRequest struct {
	TenantID      string    `json:"tenant_id"`
	CallID        string    `json:"call_id"`
	CallerChannel string    `json:"caller_channel"`
	StartedAt     time.Time `json:"started_at"`
}

type utteranceRequest struct {
	Text string `json:"text"`
}

type replyRequest struct {
	HandleID string `json:"handle_id"`
	Address  string `json:"address"`
	Text     string `json:"text"`
}

type callResponse struct {
	OK     bool   `json:"ok"`
	CallID string `json:"call_id"`
}

type replyResponse struct {
	OK       bool `json:"ok"`
	Accepted bool `json:"accepted"`
}

type replyConflict struct {
	Error string   `json:"error"`
	Codes []string `json:"codes"`
}

type activeResponse struct {
	OK    bool     `json:"ok"`
	Calls []string `json:"calls"`
}

func NewHandler(config Config) (http.Handler, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("api: session manager is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("api: checkpoint store is required")
	}
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = defaultMaxRequestBytes
	}
	logger := config.Logger
	if logger == nil {
		logger = logx.Discard()
	}
	h := &handler{config: config, logger: logger}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("portero.api"))
	r.Use(h.limitRequestBody)
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/v1/calls", h.handleActive)
		r.Post("/v1/calls", h.handleStart)
		r.Get("/v1/calls/{call_id}", h.handleSnapshot)
		r.Post("/v1/calls/{call_id}/utterances", h.handleUtterance)
		r.Post("/v1/calls/{call_id}/end", h.handleEnd)
		r.Get("/v1/calls/{call_id}/events", h.handleEvents)
		r.Post("/v1/replies", h.handleReply)
	})
	return r, nil
}

func (h *handler) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Body != nil {
			request.Body = http.MaxBytesReader(writer, request.Body, h.config.MaxRequestBytes)
		}
		next.ServeHTTP(writer, request)
	})
}

func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if h.config.Token == "" {
			next.ServeHTTP(writer, request)
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(request.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.config.Token)) != 1 {
			writeError(writer, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func (h *handler) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]any{"ok": true, "service": "portero"})
}

func (h *handler) handleActive(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, activeResponse{OK: true, Calls: h.config.Manager.Active()})
}

func (h *handler) handleStart(writer http.ResponseWriter, request *http.Request) {
	var body startCallRequest
	if !decodeBody(writer, request, &body) {
		return
	}
	call := access.CallContext{
		TenantID:      body.TenantID,
		CallID:        body.CallID,
		CallerChannel: body.CallerChannel,
		StartedAt:     body.StartedAt,
	}
	if err := h.config.Manager.CallStarted(request.Context(), call); err != nil {
		writeSessionError(writer, err)
		return
	}
	writeJSON(writer, http.StatusAccepted, callResponse{OK: true, CallID: strings.TrimSpace(body.CallID)})
}

func (h *handler) handleUtterance(writer http.ResponseWriter, request *http.Request) {
	callID := chi.URLParam(request, "call_id")
	var body utteranceRequest
	if !decodeBody(writer, request, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(writer, http.StatusBadRequest, "text is required")
		return
	}
	if err := h.config.Manager.UtteranceReceived(callID, body.Text); err != nil {
		writeSessionError(writer, err)
		return
	}
	writeJSON(writer, http.StatusAccepted, callResponse{OK: true, CallID: callID})
}

func (h *handler) handleEnd(writer http.ResponseWriter, request *http.Request) {
	callID := chi.URLParam(request, "call_id")
	if err := h.config.Manager.CallEnded(callID); err != nil {
		writeSessionError(writer, err)
		return
	}
	writeJSON(writer, http.StatusAccepted, callResponse{OK: true, CallID: callID})
}

func (h *handler) handleSnapshot(writer http.ResponseWriter, request *http.Request) {
	callID := chi.URLParam(request, "call_id")
	record, err := h.config.Store.Load(request.Context(), callID)
	switch {
	case err == nil:
		writeJSON(writer, http.StatusOK, record)
	case errors.Is(err, checkpoint.ErrNotFound):
		writeError(writer, http.StatusNotFound, "no checkpoint for call")
	case errors.Is(err, checkpoint.ErrInvalidKey):
		writeError(writer, http.StatusBadRequest, err.Error())
	case porterrors.CategoryOf(err) == porterrors.CategoryCheckpointCorrupt:
		writeError(writer, http.StatusUnprocessableEntity, "checkpoint is corrupt")
	default:
		h.logger.Error("load checkpoint failed", slog.String("call_id", callID), slog.String("error", err.Error()))
		writeError(writer, http.StatusInternalServerError, "load checkpoint failed")
	}
}

func (h *handler) handleReply(writer http.ResponseWriter, request *http.Request) {
	if h.config.Inbox == nil {
		writeError(writer, http.StatusNotFound, "reply inbox disabled")
		return
	}
	var body replyRequest
	if !decodeBody(writer, request, &body) {
		return
	}
	if _, _, ok := ports.ParseCodedReply(body.Text); !ok {
		writeError(writer, http.StatusBadRequest, "reply text must approve or deny")
		return
	}
	var (
		accepted bool
		err      error
	)
	switch {
	case strings.TrimSpace(body.HandleID) != "":
		accepted, err = h.config.Inbox.DeliverText(strings.TrimSpace(body.HandleID), body.Text)
	case strings.TrimSpace(body.Address) != "":
		accepted, err = h.config.Inbox.DeliverToAddress(body.Address, body.Text)
	default:
		writeError(writer, http.StatusBadRequest, "handle_id or address is required")
		return
	}
	switch {
	case errors.Is(err, notify.ErrUnknownHandle):
		writeError(writer, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, notify.ErrAmbiguousReply):
		writeJSON(writer, http.StatusConflict, replyConflict{
			Error: "several visitors are waiting; include a reply code",
			Codes: h.config.Inbox.Codes(body.Address),
		})
		return
	case err != nil:
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, replyResponse{OK: true, Accepted: accepted})
}

// handleEvents streams reply_text and action_taken events for one call
// over a websocket until the client goes away.
func (h *handler) handleEvents(writer http.ResponseWriter, request *http.Request) {
	if h.config.Hub == nil {
		writeError(writer, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	callID := chi.URLParam(request, "call_id")
	opts := &websocket.AcceptOptions{OriginPatterns: h.config.OriginPatterns}
	conn, err := websocket.Accept(writer, request, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()
	sub := h.config.Hub.Subscribe(callID, 64)
	defer h.config.Hub.Unsubscribe(sub)

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case event, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
			if event.Type == access.EventActionTaken && event.Kind == access.ActionCallLogged {
				_ = conn.Close(websocket.StatusNormalClosure, "call_logged")
				return
			}
		}
	}
}

func decodeBody(writer http.ResponseWriter, request *http.Request, target any) bool {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(writer, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(writer, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func writeSessionError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrCallNotFound):
		writeError(writer, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrCallActive):
		writeError(writer, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrBackpressure):
		writeError(writer, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(writer, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(writer, http.StatusBadRequest, err.Error())
	}
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]any{
		"ok":    false,
		"error": strings.TrimSpace(message),
	})
}

func writeJSON(writer http.ResponseWriter, status int, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		http.Error(writer, `{"ok":false,"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_, _ = writer.Write(append(encoded, '\n'))
}
