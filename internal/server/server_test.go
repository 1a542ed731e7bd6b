package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/storely/concierge-go/internal/agent"
	"github.com/storely/concierge-go/internal/pagination"
	"github.com/storely/concierge-go/internal/ratelimit"
	"github.com/storely/concierge-go/internal/store"
)

type mockSender struct {
	result agent.Result
	err    error
}

func (m *mockSender) Send(ctx context.Context, conversationID, text string) (agent.Result, error) {
	if m.err != nil {
		return agent.Result{}, m.err
	}
	if m.result.ConversationID == "" {
		return agent.Result{Reply: m.result.Reply, ConversationID: conversationID}, nil
	}
	return m.result, nil
}

type mockPager struct {
	page   pagination.Page
	cursor *pagination.Cursor
	err    error
}

func (m *mockPager) Page(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) (pagination.Page, error) {
	m.cursor = cursor
	return m.page, m.err
}

func newTestServer(sender Sender, pager Pager) *Server {
	return &Server{
		Agent:          sender,
		Paginator:      pager,
		SendLimiter:    ratelimit.New(time.Minute, 100),
		HistoryLimiter: ratelimit.New(time.Minute, 100),
	}
}

func postSend(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleSend_Success(t *testing.T) {
	srv := newTestServer(&mockSender{result: agent.Result{Reply: "hello!"}}, &mockPager{})
	conv := uuid.NewString()

	rec := postSend(t, srv, fmt.Sprintf(`{"conversation_id":%q,"text":"hi"}`, conv))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello!", resp.Reply)
	require.Equal(t, conv, resp.ConversationID)
}

func TestHandleSend_InvalidInput(t *testing.T) {
	srv := newTestServer(&mockSender{}, &mockPager{})

	rec := postSend(t, srv, `{"conversation_id":"nope","text":"hi"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postSend(t, srv, fmt.Sprintf(`{"conversation_id":%q,"text":"  "}`, uuid.NewString()))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postSend(t, srv, `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// A completion failure surfaces the apology on a distinct status, not a 200.
func TestHandleSend_CompletionFailure(t *testing.T) {
	srv := newTestServer(&mockSender{err: fmt.Errorf("%w: boom", agent.ErrCompletion)}, &mockPager{})

	rec := postSend(t, srv, fmt.Sprintf(`{"conversation_id":%q,"text":"hi"}`, uuid.NewString()))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, agent.ApologyMessage, resp.Error)
}

func TestHandleSend_StorageFailure(t *testing.T) {
	srv := newTestServer(&mockSender{err: errors.New("db down")}, &mockPager{})

	rec := postSend(t, srv, fmt.Sprintf(`{"conversation_id":%q,"text":"hi"}`, uuid.NewString()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleSend_Throttled(t *testing.T) {
	srv := newTestServer(&mockSender{result: agent.Result{Reply: "ok"}}, &mockPager{})
	srv.SendLimiter = ratelimit.New(time.Minute, 2)
	conv := uuid.NewString()
	body := fmt.Sprintf(`{"conversation_id":%q,"text":"hi"}`, conv)

	require.Equal(t, http.StatusOK, postSend(t, srv, body).Code)
	require.Equal(t, http.StatusOK, postSend(t, srv, body).Code)

	rec := postSend(t, srv, body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Other conversations are unaffected.
	other := fmt.Sprintf(`{"conversation_id":%q,"text":"hi"}`, uuid.NewString())
	require.Equal(t, http.StatusOK, postSend(t, srv, other).Code)
}

func TestHandleHistory_Success(t *testing.T) {
	conv := uuid.NewString()
	msg := store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv,
		Sender:         store.SenderUser,
		Content:        "hi",
		CreatedAt:      time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	pager := &mockPager{page: pagination.Page{
		Messages:   []store.Message{msg},
		NextCursor: &pagination.Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID},
	}}
	srv := newTestServer(&mockSender{}, pager)

	req := httptest.NewRequest(http.MethodGet, "/history?conversation_id="+conv, nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	require.Equal(t, msg.ID, resp.Messages[0].ID)
	require.Equal(t, "user", resp.Messages[0].Sender)
	require.NotNil(t, resp.NextCursor)

	decoded, err := pagination.Decode(*resp.NextCursor)
	require.NoError(t, err)
	require.Equal(t, msg.ID, decoded.ID)
}

func TestHandleHistory_CursorForwarded(t *testing.T) {
	conv := uuid.NewString()
	pager := &mockPager{}
	srv := newTestServer(&mockSender{}, pager)

	cursor := pagination.Cursor{CreatedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), ID: uuid.NewString()}
	req := httptest.NewRequest(http.MethodGet, "/history?conversation_id="+conv+"&cursor="+url.QueryEscape(cursor.Encode()), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, pager.cursor)
	require.Equal(t, cursor.ID, pager.cursor.ID)
}

// A malformed cursor is rejected; an absent one means "most recent page".
func TestHandleHistory_InvalidCursorRejected(t *testing.T) {
	conv := uuid.NewString()
	pager := &mockPager{}
	srv := newTestServer(&mockSender{}, pager)

	req := httptest.NewRequest(http.MethodGet, "/history?conversation_id="+conv+"&cursor=2026-02-01T09:00:00Z%7Cnot-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/history?conversation_id="+conv, nil)
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, pager.cursor)
}

func TestHandleHistory_InvalidLimit(t *testing.T) {
	srv := newTestServer(&mockSender{}, &mockPager{})

	req := httptest.NewRequest(http.MethodGet, "/history?conversation_id="+uuid.NewString()+"&limit=-2", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
