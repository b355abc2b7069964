package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/app"
)

const (
	CommandJoinPage      = "join-page"
	CommandSendMessage   = "send-message"
	CommandVote          = "vote"
	CommandDeleteComment = "delete-comment"

	// EventHistory carries the recent comments sent to a client on join.
	EventHistory = "history"

	recentOnJoin   = 50
	keepAlive      = 25 * time.Second
	maxCommandBody = 64 << 10
)

// Command is a client request sent to the commands endpoint.
type Command struct {
	Type            string `json:"type"`
	PageID          string `json:"pageId"`
	Username        string `json:"username"`
	Content         string `json:"content"`
	ParentCommentID string `json:"parentCommentId"`
	CommentID       string `json:"commentId"`
	VoteType        string `json:"voteType"`
}

type commentService interface {
	Comments(ctx context.Context, pageID string, limit, offset int) ([]app.CommentView, error)
	PostComment(ctx context.Context, input app.PostCommentInput) (app.CommentView, error)
	Vote(ctx context.Context, commentID, voteType string) (app.VoteResult, error)
	DeleteComment(ctx context.Context, commentID string) (app.DeleteResult, error)
}

// Gateway joins clients to page rooms and executes their commands. Results
// reach the room through the service's notifier; only failures are answered
// to the caller directly.
type Gateway struct {
	service commentService
	broker  Broker
}

func NewGateway(service commentService, broker Broker) *Gateway {
	return &Gateway{service: service, broker: broker}
}

// Join subscribes to pageID before loading history so nothing posted in
// between is lost.
func (g *Gateway) Join(ctx context.Context, pageID string) (Subscription, []app.CommentView, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, nil, errors.New("pageId is required")
	}
	sub, err := g.broker.Subscribe(ctx, pageID)
	if err != nil {
		return nil, nil, err
	}
	recent, err := g.service.Comments(ctx, pageID, recentOnJoin, 0)
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	return sub, recent, nil
}

// Handle runs cmd and returns a comment-error event for the caller when it
// fails, or nil on success.
func (g *Gateway) Handle(ctx context.Context, cmd Command) *Event {
	var err error
	switch cmd.Type {
	case CommandSendMessage:
		_, err = g.service.PostComment(ctx, app.PostCommentInput{
			PageID:          cmd.PageID,
			Username:        cmd.Username,
			Content:         cmd.Content,
			ParentCommentID: cmd.ParentCommentID,
		})
	case CommandVote:
		_, err = g.service.Vote(ctx, cmd.CommentID, cmd.VoteType)
	case CommandDeleteComment:
		_, err = g.service.DeleteComment(ctx, cmd.CommentID)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}
	if err == nil {
		return nil
	}
	return errorEvent(cmd, err)
}

func errorEvent(cmd Command, err error) *Event {
	body := map[string]any{"command": cmd.Type, "message": err.Error()}
	var domainErr *app.DomainError
	if errors.As(err, &domainErr) {
		body["code"] = domainErr.Code
		body["message"] = domainErr.Message
		body["retryable"] = domainErr.Retryable
	}
	event, encodeErr := newEvent(cmd.PageID, app.EventCommentError, body)
	if encodeErr != nil {
		log.Error().Err(encodeErr).Msg("encode comment error event")
		return &Event{Type: app.EventCommentError, PageID: cmd.PageID}
	}
	return &event
}

// ServeHTTP exposes the gateway as a server-sent event stream:
//
//	GET  /api/realtime/{pageId}     join the room; history then live events
//	POST /api/realtime/commands     run a Command; 200 or a comment-error event
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/realtime"), "/")
	switch {
	case r.Method == http.MethodPost && rest == "commands":
		g.serveCommand(w, r)
	case r.Method == http.MethodGet && rest != "" && !strings.Contains(rest, "/"):
		g.serveStream(w, r, rest)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "code": "NOT_FOUND", "message": "Route not found"})
	}
}

func (g *Gateway) serveCommand(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var cmd Command
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody)).Decode(&cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "code": "INVALID_BODY", "message": "invalid JSON body"})
		return
	}
	if failed := g.Handle(r.Context(), cmd); failed != nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, pageID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, recent, err := g.Join(r.Context(), pageID)
	if err != nil {
		log.Warn().Err(err).Str("page_id", pageID).Msg("join page failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "code": "JOIN_FAILED", "message": "Could not join page"})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	history, err := newEvent(pageID, EventHistory, recent)
	if err == nil {
		writeSSE(w, history)
		flusher.Flush()
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, raw)
}
