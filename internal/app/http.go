package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"courier/api/internal/auth"
	"courier/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	identity   auth.Provider
	corsOrigin string
	logger     logrus.FieldLogger
	gateway    *gateway
}

func NewHTTPServer(service *Service, identity auth.Provider, corsOrigin string, logger logrus.FieldLogger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		identity:   identity,
		corsOrigin: corsOrigin,
		logger:     logger,
		gateway:    newGateway(service, logger),
	}
}

type authedHandler func(http.ResponseWriter, *http.Request, auth.Identity)

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.Handle("/channels", s.authenticated(s.handleListChannels)).Methods(http.MethodGet)
	api.Handle("/channels", s.authenticated(s.handleCreateChannel)).Methods(http.MethodPost)
	api.Handle("/channels/{channelID}", s.authenticated(s.handleUpdateChannel)).Methods(http.MethodPatch)
	api.Handle("/channels/{channelID}", s.authenticated(s.handleDeleteChannel)).Methods(http.MethodDelete)
	api.Handle("/channels/{channelID}/members", s.authenticated(s.handleListMembers)).Methods(http.MethodGet)
	api.Handle("/channels/{channelID}/members", s.authenticated(s.handleAddMember)).Methods(http.MethodPost)
	api.Handle("/channels/{channelID}/members/{userID}", s.authenticated(s.handleRemoveMember)).Methods(http.MethodDelete)
	api.Handle("/channels/{channelID}/messages", s.authenticated(s.handleFetchMessages)).Methods(http.MethodGet)
	api.Handle("/channels/{channelID}/messages", s.authenticated(s.handleSendMessage)).Methods(http.MethodPost)
	api.Handle("/channels/{channelID}/read", s.authenticated(s.handleMarkRead)).Methods(http.MethodPost)
	api.Handle("/channels/{channelID}/open", s.authenticated(s.handleOpenChannel)).Methods(http.MethodPost)
	api.Handle("/channels/{channelID}/unread", s.authenticated(s.handleUnreadCount)).Methods(http.MethodGet)
	api.Handle("/messages/{messageID}", s.authenticated(s.handleEditMessage)).Methods(http.MethodPatch)
	api.Handle("/messages/{messageID}", s.authenticated(s.handleDeleteMessage)).Methods(http.MethodDelete)
	api.Handle("/realtime", s.authenticated(s.gateway.serve)).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return s.withMiddleware(corsHandler.Handler(router))
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListChannels(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	channels, err := s.service.ListChannels(r.Context(), identity.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]ChannelView, 0, len(channels))
	for _, channel := range channels {
		items = append(items, NewChannelSummaryView(channel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": items})
}

func (s *HTTPServer) handleCreateChannel(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body CreateChannelInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	channel, err := s.service.CreateChannel(r.Context(), identity.UserID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewChannelView(channel))
}

func (s *HTTPServer) handleUpdateChannel(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body UpdateChannelInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	channel, err := s.service.UpdateChannel(r.Context(), identity.UserID, mux.Vars(r)["channelID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewChannelView(channel))
}

func (s *HTTPServer) handleDeleteChannel(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if err := s.service.DeleteChannel(r.Context(), identity.UserID, mux.Vars(r)["channelID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	members, err := s.service.ListMembers(r.Context(), identity.UserID, mux.Vars(r)["channelID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]MembershipView, 0, len(members))
	for _, member := range members {
		items = append(items, NewMembershipView(member))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": items})
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	member, err := s.service.AddMember(r.Context(), identity.UserID, mux.Vars(r)["channelID"], body.UserID, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewMembershipView(member))
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	vars := mux.Vars(r)
	if err := s.service.RemoveMember(r.Context(), identity.UserID, vars["channelID"], vars["userID"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFetchMessages(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "limit must be a number", nil)
			return
		}
		limit = parsed
	}
	page, err := s.service.FetchMessages(r.Context(), identity.UserID, mux.Vars(r)["channelID"], FetchInput{
		Before: query.Get("before"),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPageView(page))
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body SendInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	msg, err := s.service.SendMessage(r.Context(), identity.UserID, mux.Vars(r)["channelID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewMessageView(msg))
}

func (s *HTTPServer) handleEditMessage(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	msg, err := s.service.EditMessage(r.Context(), identity.UserID, mux.Vars(r)["messageID"], body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewMessageView(msg))
}

func (s *HTTPServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	msg, err := s.service.DeleteMessage(r.Context(), identity.UserID, mux.Vars(r)["messageID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewMessageView(msg))
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	watermark, err := s.service.MarkRead(r.Context(), identity.UserID, mux.Vars(r)["channelID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewWatermarkView(watermark))
}

func (s *HTTPServer) handleOpenChannel(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	state, err := s.service.OpenChannel(r.Context(), identity.UserID, mux.Vars(r)["channelID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"watermark":   NewWatermarkView(state.Watermark),
		"unreadCount": state.UnreadCount,
	})
}

func (s *HTTPServer) handleUnreadCount(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	channelID := mux.Vars(r)["channelID"]
	count, err := s.service.UnreadCount(r.Context(), identity.UserID, channelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "unreadCount": count})
}

// authenticated resolves the caller through the identity provider. Websocket
// upgrades may pass the token as access_token since browsers cannot set headers.
func (s *HTTPServer) authenticated(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" && websocket.IsWebSocketUpgrade(r) {
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		identity, err := s.identity.Identify(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			s.fail(w, r, err)
			return
		}
		next(w, r, identity)
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"code":       code,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewCorrelationID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", id)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
