// Package server exposes the conversation pipeline over HTTP: sending a
// message and paging through history. Handlers throttle per conversation,
// decode inputs, and map pipeline errors to statuses; everything else is
// delegated.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storely/concierge-go/internal/agent"
	"github.com/storely/concierge-go/internal/logger"
	"github.com/storely/concierge-go/internal/pagination"
	"github.com/storely/concierge-go/internal/ratelimit"
	"github.com/storely/concierge-go/internal/store"
)

// Sender handles one inbound message end to end.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) (agent.Result, error)
}

// Pager serves one history page.
type Pager interface {
	Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (pagination.Page, error)
}

// Server holds the HTTP dependencies.
type Server struct {
	Agent          Sender
	Paginator      Pager
	SendLimiter    *ratelimit.Limiter
	HistoryLimiter *ratelimit.Limiter
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type sendResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversation_id"`
}

type historyResponse struct {
	Messages   []messageJSON `json:"messages"`
	NextCursor *string       `json:"next_cursor"`
}

type messageJSON struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes mounts the handlers on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.handleSend)
	mux.HandleFunc("GET /history", s.handleHistory)
	return mux
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := uuid.Parse(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, "conversation_id must be a UUID")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	if !s.throttle(w, s.SendLimiter, req.ConversationID) {
		return
	}

	res, err := s.Agent.Send(r.Context(), req.ConversationID, req.Text)
	if err != nil {
		if errors.Is(err, agent.ErrCompletion) {
			// The user turn is durable; only the reply was lost.
			writeError(w, http.StatusBadGateway, agent.ApologyMessage)
			return
		}
		logger.L.Error("send failed", "conversation_id", req.ConversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{Reply: res.Reply, ConversationID: res.ConversationID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	conversationID := q.Get("conversation_id")
	if _, err := uuid.Parse(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "conversation_id must be a UUID")
		return
	}

	var cursor *pagination.Cursor
	if raw := q.Get("cursor"); raw != "" {
		c, err := pagination.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &c
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if !s.throttle(w, s.HistoryLimiter, conversationID) {
		return
	}

	page, err := s.Paginator.Page(r.Context(), conversationID, cursor, limit)
	if err != nil {
		logger.L.Error("history page failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	resp := historyResponse{Messages: make([]messageJSON, 0, len(page.Messages))}
	for _, m := range page.Messages {
		resp.Messages = append(resp.Messages, toMessageJSON(m))
	}
	if page.NextCursor != nil {
		encoded := page.NextCursor.Encode()
		resp.NextCursor = &encoded
	}

	writeJSON(w, http.StatusOK, resp)
}

// throttle applies the limiter and writes the 429 response on denial.
func (s *Server) throttle(w http.ResponseWriter, l *ratelimit.Limiter, key string) bool {
	if l == nil {
		return true
	}
	res := l.Allow(key)
	if res.Allowed {
		return true
	}
	retryAfter := int(res.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         string(m.Sender),
		Text:           m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
