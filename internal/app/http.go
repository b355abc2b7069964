package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/search"
)

const maxBodyBytes = 64 << 10

// HTTPServer serves the JSON API over a Service.
type HTTPServer struct {
	service    *Service
	corsOrigin string
	admin      authpw.AdminCredentials
	limiter    *ipRateLimiter
	proxies    trustedProxies
}

// NewHTTPServer builds the API handler state from the service's config.
func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	cfg := service.Config()
	perMinute := cfg.RateLimitPerMinute
	proxies, invalid := parseTrustedProxies(cfg.TrustedProxyList())
	if len(invalid) > 0 {
		log.Warn().Strs("entries", invalid).Msg("ignoring invalid trusted_proxies entries")
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		admin:      authpw.AdminCredentials{User: cfg.AdminUser, PasswordHash: cfg.AdminPasswordHash},
		limiter:    newIPRateLimiter(perMinute, perMinute/3+1),
		proxies:    proxies,
	}
}

// Handler returns the API with middleware and write limits applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.Wrap(http.HandlerFunc(s.handle))
}

// Wrap puts another handler behind the same request log, panic recovery,
// CORS headers and write rate limit as the API.
func (s *HTTPServer) Wrap(next http.Handler) http.Handler {
	return s.withMiddleware(s.guard(next))
}

func (s *HTTPServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusNoContent, map[string]any{})
			return
		}
		if isWrite(r.Method) && !s.limiter.Allow(s.proxies.clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PruneRateLimits drops per-client buckets idle for longer than idle.
func (s *HTTPServer) PruneRateLimits(idle time.Duration) int {
	return s.limiter.Prune(idle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/challenge" {
		var body struct {
			PageID string `json:"pageId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resp, err := s.service.IssueChallenge(r.Context(), body.PageID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify" {
		var body struct {
			PageID    string `json:"pageId"`
			Hash      string `json:"hash"`
			Challenge string `json:"challenge"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		token, err := s.service.VerifyChallenge(r.Context(), body.PageID, body.Challenge, body.Hash)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accessToken": token})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/comments" {
		query := r.URL.Query()
		limit, offset, err := pagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items, err := s.service.Comments(r.Context(), query.Get("pageId"), limit, offset)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/comments" {
		var body PostCommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.PostComment(r.Context(), body)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/comments/active" {
		query := r.URL.Query()
		limit, _, err := pagination(query.Get("limit"), "")
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items, err := s.service.ActiveThreads(r.Context(), query.Get("pageId"), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/comments/search" {
		query := r.URL.Query()
		limit, offset, err := pagination(query.Get("limit"), query.Get("offset"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp, err := s.service.SearchComments(r.Context(), search.Query{
			Text:   query.Get("q"),
			PageID: strings.TrimSpace(query.Get("pageId")),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/comments/vote" {
		var body struct {
			CommentID string `json:"commentId"`
			VoteType  string `json:"voteType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.handleVote(w, r, body.CommentID, body.VoteType)
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/comments/{id}[/replies|/thread|/vote]
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "comments" {
		commentID := parts[2]
		switch {
		case len(parts) == 3 && r.Method == http.MethodDelete:
			result, err := s.service.DeleteComment(r.Context(), commentID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		case len(parts) == 3 && r.Method == http.MethodPut:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			updated, err := s.service.EditComment(r.Context(), commentID, body.Content)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
			return
		case len(parts) == 4 && parts[3] == "replies" && r.Method == http.MethodGet:
			items, err := s.service.Replies(r.Context(), commentID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
			return
		case len(parts) == 4 && parts[3] == "thread" && r.Method == http.MethodGet:
			items, err := s.service.Thread(r.Context(), commentID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, items)
			return
		case len(parts) == 4 && parts[3] == "vote" && r.Method == http.MethodPost:
			var body struct {
				VoteType string `json:"voteType"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			s.handleVote(w, r, commentID, body.VoteType)
			return
		}
	}

	// /api/pages/{pageId}/access
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "pages" && parts[3] == "access" && r.Method == http.MethodGet {
		s.handlePageAccess(w, r, parts[2])
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "admin" {
		s.handleAdmin(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
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
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, check := range s.service.checks {
		if err := check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request, commentID, voteType string) {
	result, err := s.service.Vote(r.Context(), commentID, voteType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePageAccess(w http.ResponseWriter, r *http.Request, pageID string) {
	authSvc := s.service.AuthService()
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Page authentication is not configured", nil)
		return
	}
	token := bearerToken(r)
	role := rbac.RoleVisitor
	if token != "" && authSvc.Authorized(token, pageID) {
		role = rbac.RolePageReader
	}
	if !rbac.Can(role, rbac.ActionReadProtected) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorized": true, "pageId": pageID})
}

func (s *HTTPServer) adminRole(r *http.Request) rbac.Role {
	user, password, ok := r.BasicAuth()
	if ok && s.admin.Check(user, password) {
		return rbac.RoleAdmin
	}
	return rbac.RoleVisitor
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodPost || len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	action, ok := map[string]rbac.Action{
		"pages":              rbac.ActionProvision,
		"migrate-legacy":     rbac.ActionMigrate,
		"reconcile-counters": rbac.ActionReconcile,
	}[rest[0]]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	if role := s.adminRole(r); !rbac.Can(role, action) {
		log.Warn().Str("action", string(action)).Str("ip", s.proxies.clientIP(r)).Msg("admin access denied")
		w.Header().Set("WWW-Authenticate", `Basic realm="inkwell-admin"`)
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	switch action {
	case rbac.ActionProvision:
		var body struct {
			PageID   string `json:"pageId"`
			PageName string `json:"pageName"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		page, err := s.service.ProvisionPage(r.Context(), body.PageID, body.PageName, body.Password)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"pageId": page.PageID, "pageName": page.PageName})
	case rbac.ActionMigrate:
		force := r.URL.Query().Get("force") == "true"
		result, err := s.service.MigrateLegacy(r.Context(), force)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case rbac.ActionReconcile:
		fixed, err := s.service.ReconcileCounters(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"fixed": fixed})
	}
}

func isWrite(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodDelete
}

func pagination(limitRaw, offsetRaw string) (int, int, error) {
	limit, offset := 0, 0
	if strings.TrimSpace(limitRaw) != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed < 0 {
			return 0, 0, validationError("limit must be a non-negative integer", nil)
		}
		limit = parsed
	}
	if strings.TrimSpace(offsetRaw) != "" {
		parsed, err := strconv.Atoi(offsetRaw)
		if err != nil || parsed < 0 {
			return 0, 0, validationError("offset must be a non-negative integer", nil)
		}
		offset = parsed
	}
	return limit, offset, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error().Str("request_id", requestID).Interface("panic", recovered).Msg("handler panic")
				writeDomainError(writer, internalError(fmt.Errorf("panic: %v", recovered)))
			}
			log.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", writer.status).
				Int64("duration_ms", time.Since(started).Milliseconds()).
				Msg("request")
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working behind the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"message": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message, details, retryable := mapError(err)
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any, retryable bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details, domainErr.Retryable
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil, false
	}
	log.Error().Err(err).Msg("unmapped error")
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil, false
}
