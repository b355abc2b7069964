package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkwell/api/internal/app"
)

// stubService records calls and publishes through the broker the way the
// real comment service does through its notifier.
type stubService struct {
	mu       sync.Mutex
	broker   Broker
	comments []app.CommentView
	err      error
	calls    []string
}

func (s *stubService) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubService) Comments(_ context.Context, pageID string, limit, offset int) ([]app.CommentView, error) {
	s.record("comments:" + pageID)
	return s.comments, s.err
}

func (s *stubService) PostComment(ctx context.Context, input app.PostCommentInput) (app.CommentView, error) {
	s.record("post:" + input.Content)
	if s.err != nil {
		return app.CommentView{}, s.err
	}
	view := app.CommentView{ID: "cmt_new", PageID: input.PageID, Content: input.Content}
	_ = s.broker.Publish(ctx, input.PageID, app.EventNewMessage, view)
	return view, nil
}

func (s *stubService) Vote(_ context.Context, commentID, voteType string) (app.VoteResult, error) {
	s.record("vote:" + commentID + ":" + voteType)
	return app.VoteResult{CommentID: commentID, Votes: 1}, s.err
}

func (s *stubService) DeleteComment(_ context.Context, commentID string) (app.DeleteResult, error) {
	s.record("delete:" + commentID)
	return app.DeleteResult{CommentID: commentID, Action: app.DeleteActionDeleted}, s.err
}

func TestGatewayHandleDispatchesCommands(t *testing.T) {
	hub := NewLocalHub()
	svc := &stubService{broker: hub}
	gateway := NewGateway(svc, hub)
	ctx := context.Background()

	assert.Nil(t, gateway.Handle(ctx, Command{Type: CommandSendMessage, PageID: "p1", Content: "hi"}))
	assert.Nil(t, gateway.Handle(ctx, Command{Type: CommandVote, PageID: "p1", CommentID: "cmt_1", VoteType: "upvote"}))
	assert.Nil(t, gateway.Handle(ctx, Command{Type: CommandDeleteComment, PageID: "p1", CommentID: "cmt_1"}))

	assert.Equal(t, []string{"post:hi", "vote:cmt_1:upvote", "delete:cmt_1"}, svc.calls)
}

func TestGatewayHandleReturnsErrorEventToCaller(t *testing.T) {
	hub := NewLocalHub()
	svc := &stubService{broker: hub, err: &app.DomainError{Status: 400, Code: "VALIDATION_ERROR", Message: "Message content cannot be empty"}}
	gateway := NewGateway(svc, hub)

	room, err := hub.Subscribe(context.Background(), "p1")
	require.NoError(t, err)
	defer room.Close()

	event := gateway.Handle(context.Background(), Command{Type: CommandSendMessage, PageID: "p1"})
	require.NotNil(t, event)
	assert.Equal(t, app.EventCommentError, event.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
	assert.Equal(t, "Message content cannot be empty", payload["message"])

	assertNoEvent(t, room)

	unknown := gateway.Handle(context.Background(), Command{Type: "dance", PageID: "p1"})
	require.NotNil(t, unknown)
	assert.Equal(t, app.EventCommentError, unknown.Type)
}

func TestGatewayJoin(t *testing.T) {
	hub := NewLocalHub()
	svc := &stubService{broker: hub, comments: []app.CommentView{{ID: "cmt_1", PageID: "p1"}}}
	gateway := NewGateway(svc, hub)

	sub, recent, err := gateway.Join(context.Background(), "p1")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, recent, 1)
	assert.Equal(t, 1, hub.Subscribers("p1"))

	_, _, err = gateway.Join(context.Background(), " ")
	assert.Error(t, err)

	svc.err = assert.AnError
	_, _, err = gateway.Join(context.Background(), "p2")
	assert.Error(t, err)
	assert.Zero(t, hub.Subscribers("p2"), "failed join must not leak a subscription")
}

func TestGatewayStreamsHistoryThenLiveEvents(t *testing.T) {
	hub := NewLocalHub()
	svc := &stubService{broker: hub, comments: []app.CommentView{{ID: "cmt_1", PageID: "p1", Content: "old"}}}
	server := httptest.NewServer(NewGateway(svc, hub))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/realtime/p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	history := readSSE(t, reader)
	assert.Equal(t, EventHistory, history.Type)
	assert.Contains(t, string(history.Payload), "old")

	body, _ := json.Marshal(Command{Type: CommandSendMessage, PageID: "p1", Content: "fresh"})
	post, err := http.Post(server.URL+"/api/realtime/commands", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusOK, post.StatusCode)

	live := readSSE(t, reader)
	assert.Equal(t, app.EventNewMessage, live.Type)
	assert.Contains(t, string(live.Payload), "fresh")
}

func TestGatewayRejectsBadCommandBody(t *testing.T) {
	hub := NewLocalHub()
	gateway := NewGateway(&stubService{broker: hub}, hub)

	rec := httptest.NewRecorder()
	gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/realtime/commands", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/realtime/p1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readSSE(t *testing.T, reader *bufio.Reader) Event {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
			var event Event
			require.NoError(t, json.Unmarshal([]byte(data), &event))
			return event
		}
	}
}
