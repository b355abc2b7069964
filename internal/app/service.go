package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/email"
	"inkwell/api/internal/legacy"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

const (
	defaultPageLimit  = 50
	maxPageLimit      = 200
	defaultActiveSize = 10
	// maxAncestorDepth bounds the counter walk if parent links ever cycle.
	maxAncestorDepth = 1000
)

// Real-time event names published to a page room.
const (
	EventNewMessage     = "new-message"
	EventVoteUpdated    = "vote-updated"
	EventCommentUpdated = "comment-updated"
	EventCommentDeleted = "comment-deleted"
	EventCommentError   = "comment-error"
)

type commentStore interface {
	GetComment(ctx context.Context, id string) (store.Comment, error)
	FindByPage(ctx context.Context, pageID string, opts store.FindOptions) ([]store.Comment, error)
	ListReplies(ctx context.Context, pageID, parentID string) ([]store.Comment, error)
	ListThread(ctx context.Context, pageID, topLevelID string) ([]store.Comment, error)
	ListActiveThreads(ctx context.Context, pageID string, limit int) ([]store.Comment, error)
	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	UpdateCounters(ctx context.Context, id string, delta store.CounterDelta) (*string, error)
	AdjustVotes(ctx context.Context, id string, delta int) (int, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (store.Comment, error)
	SoftDelete(ctx context.Context, id string) (store.Comment, error)
	HardDelete(ctx context.Context, id string) error
	ReconcileCounters(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Notifier fans events out to everyone watching a page.
type Notifier interface {
	Publish(ctx context.Context, pageID, eventType string, payload any) error
}

type commentIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(c search.CommentRecord)
	DeleteComment(id string)
	ReindexAllFromPG(ctx context.Context) int
}

type mailer interface {
	IsConfigured() bool
	NotifyNewComment(data email.NewCommentData) error
}

type legacyMigrator interface {
	Run(ctx context.Context, force bool) (legacy.Result, error)
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Auth     *authpw.Service
	Notifier Notifier
	Search   *search.Service
	Mailer   *email.Service
	Legacy   *legacy.Migrator
}

// Service implements the comment operations on top of a store.
type Service struct {
	cfg      config.Config
	store    commentStore
	auth     *authpw.Service
	notifier Notifier
	search   commentIndex
	mailer   mailer
	legacy   legacyMigrator
	checks   map[string]func(context.Context) error
	now      func() time.Time
}

// NewService wires a Service; nil options leave the feature disabled.
func NewService(cfg config.Config, s commentStore, opts Options) *Service {
	svc := &Service{
		cfg:    cfg,
		store:  s,
		auth:   opts.Auth,
		checks: map[string]func(context.Context) error{},
		now:    time.Now,
	}
	if opts.Notifier != nil {
		svc.notifier = opts.Notifier
	}
	if opts.Search != nil {
		svc.search = opts.Search
	}
	if opts.Mailer != nil && opts.Mailer.IsConfigured() {
		svc.mailer = opts.Mailer
	}
	if opts.Legacy != nil {
		svc.legacy = opts.Legacy
	}
	return svc
}

// CommentView is the wire form of a comment.
type CommentView struct {
	ID                    string     `json:"id"`
	PageID                string     `json:"pageId"`
	Username              string     `json:"username"`
	Content               string     `json:"content"`
	Timestamp             time.Time  `json:"timestamp"`
	EditedAt              *time.Time `json:"editedAt"`
	Votes                 int        `json:"votes"`
	ParentCommentID       *string    `json:"parentCommentId"`
	TopLevelCommentID     *string    `json:"topLevelCommentId"`
	DescendantCount       int        `json:"descendantCount"`
	DirectChildrenCount   int        `json:"directChildrenCount"`
	LastSubthreadActivity time.Time  `json:"lastSubthreadActivity"`
	Deleted               bool       `json:"deleted"`
}

// NewCommentView converts a stored comment into its API shape.
func NewCommentView(c store.Comment) CommentView {
	return CommentView{
		ID:                    c.ID,
		PageID:                c.PageID,
		Username:              c.Username,
		Content:               c.Content,
		Timestamp:             c.Timestamp,
		EditedAt:              c.EditedAt,
		Votes:                 c.Votes,
		ParentCommentID:       c.ParentCommentID,
		TopLevelCommentID:     c.TopLevelCommentID,
		DescendantCount:       c.DescendantCount,
		DirectChildrenCount:   c.DirectChildrenCount,
		LastSubthreadActivity: c.LastSubthreadActivity,
		Deleted:               c.IsDeleted(),
	}
}

func commentViews(items []store.Comment) []CommentView {
	views := make([]CommentView, 0, len(items))
	for _, item := range items {
		views = append(views, NewCommentView(item))
	}
	return views
}

// PostCommentInput is the unsanitised body of a new comment or reply.
type PostCommentInput struct {
	PageID          string `json:"pageId"`
	Username        string `json:"username"`
	Content         string `json:"content"`
	ParentCommentID string `json:"parentCommentId"`
}

// VoteResult reports the tally after a vote.
type VoteResult struct {
	CommentID string `json:"commentId"`
	PageID    string `json:"pageId"`
	Votes     int    `json:"votes"`
}

// DeleteResult tells callers whether the comment was kept as a "[deleted]"
// placeholder ("updated") or removed outright ("deleted").
type DeleteResult struct {
	Action          string       `json:"action"`
	CommentID       string       `json:"commentId"`
	PageID          string       `json:"pageId"`
	ParentCommentID *string      `json:"parentCommentId"`
	Comment         *CommentView `json:"comment,omitempty"`
}

const (
	DeleteActionUpdated = "updated"
	DeleteActionDeleted = "deleted"
)

func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.StorageTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// AddReadinessCheck registers a dependency reported by the readiness endpoint.
func (s *Service) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks[name] = check
}

// Ping reports whether storage responds.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthService() *authpw.Service {
	return s.auth
}

func (s *Service) Config() config.Config {
	return s.cfg
}

// Comments returns the most recent comments of a page, oldest first.
func (s *Service) Comments(ctx context.Context, pageID string, limit, offset int) ([]CommentView, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, validationError("pageId is required", nil)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := s.storageCtx(ctx)
	defer cancel()
	items, err := s.store.FindByPage(ctx, pageID, store.FindOptions{Order: store.NewestFirst, Limit: limit, Offset: offset})
	if err != nil {
		return nil, classify("find comments", err, "Page not found")
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return commentViews(items), nil
}

// PostComment stores a new comment and, for replies, bumps the counters of
// every ancestor. The ancestor walk runs after the insert and its failures
// are logged; the inserted comment stands either way.
func (s *Service) PostComment(ctx context.Context, input PostCommentInput) (CommentView, error) {
	pageID := strings.TrimSpace(input.PageID)
	username := normalizeUsername(input.Username)
	content := plainText(input.Content)
	parentID := strings.TrimSpace(input.ParentCommentID)

	if pageID == "" {
		return CommentView{}, validationError("pageId is required", nil)
	}
	if content == "" {
		return CommentView{}, validationError("Message content cannot be empty", nil)
	}
	if len([]rune(content)) > maxContentLength {
		return CommentView{}, validationError("Message content is too long", map[string]any{"max": maxContentLength})
	}
	if len([]rune(username)) > maxUsernameLength {
		return CommentView{}, validationError("Username is too long", map[string]any{"max": maxUsernameLength})
	}

	now := s.now().UTC()
	comment := store.Comment{
		PageID:                pageID,
		Username:              username,
		Content:               content,
		Timestamp:             now,
		LastSubthreadActivity: now,
	}

	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	if parentID != "" {
		parent, err := s.store.GetComment(storeCtx, parentID)
		if err != nil {
			return CommentView{}, classify("load parent comment", err, "Parent comment not found")
		}
		if parent.PageID != pageID {
			return CommentView{}, validationError("Parent comment belongs to a different page", nil)
		}
		topLevelID := parent.ID
		if parent.TopLevelCommentID != nil {
			topLevelID = *parent.TopLevelCommentID
		}
		comment.ParentCommentID = &parent.ID
		comment.TopLevelCommentID = &topLevelID
	}

	created, err := s.store.InsertComment(storeCtx, comment)
	if err != nil {
		return CommentView{}, classify("insert comment", err, "Parent comment not found")
	}

	if created.ParentCommentID != nil {
		activity := created.Timestamp
		s.walkAncestors(ctx, *created.ParentCommentID,
			store.CounterDelta{DirectChildren: 1, Descendants: 1, Activity: &activity},
			store.CounterDelta{Descendants: 1, Activity: &activity},
		)
	}

	view := NewCommentView(created)
	s.publish(ctx, created.PageID, EventNewMessage, view)
	s.index(created)
	s.notifyOwner(created)
	return view, nil
}

// walkAncestors applies first to startID and rest to each ancestor above it,
// one atomic update per step. It runs detached from the caller's
// cancellation so a dropped client does not stop the walk halfway.
func (s *Service) walkAncestors(ctx context.Context, startID string, first, rest store.CounterDelta) {
	ctx = context.WithoutCancel(ctx)
	current := &startID
	delta := first
	for depth := 0; current != nil; depth++ {
		if depth >= maxAncestorDepth {
			log.Error().Str("comment_id", startID).Int("depth", depth).Msg("ancestor walk exceeded max depth")
			return
		}
		stepCtx, cancel := s.storageCtx(ctx)
		next, err := s.store.UpdateCounters(stepCtx, *current, delta)
		cancel()
		if err != nil {
			log.Error().Err(err).
				Str("comment_id", *current).
				Str("start_id", startID).
				Int("depth", depth).
				Msg("ancestor counter update failed; counters will be repaired by reconciliation")
			return
		}
		current = next
		delta = rest
	}
}

// Vote adds one up or down vote and publishes the new tally.
func (s *Service) Vote(ctx context.Context, commentID, voteType string) (VoteResult, error) {
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return VoteResult{}, validationError("commentId is required", nil)
	}
	var delta int
	switch strings.ToLower(strings.TrimSpace(voteType)) {
	case "upvote", "up":
		delta = 1
	case "downvote", "down":
		delta = -1
	default:
		return VoteResult{}, validationError("voteType must be upvote or downvote", nil)
	}

	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	comment, err := s.store.GetComment(storeCtx, commentID)
	if err != nil {
		return VoteResult{}, classify("load comment", err, "Comment not found")
	}
	votes, err := s.store.AdjustVotes(storeCtx, commentID, delta)
	if err != nil {
		return VoteResult{}, classify("adjust votes", err, "Comment not found")
	}

	result := VoteResult{CommentID: commentID, PageID: comment.PageID, Votes: votes}
	s.publish(ctx, comment.PageID, EventVoteUpdated, result)
	return result, nil
}

// DeleteComment soft-deletes comments that have replies and removes leaves.
// Removing a leaf decrements every ancestor up to the thread root.
func (s *Service) DeleteComment(ctx context.Context, commentID string) (DeleteResult, error) {
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return DeleteResult{}, validationError("commentId is required", nil)
	}

	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	comment, err := s.store.GetComment(storeCtx, commentID)
	if err != nil {
		return DeleteResult{}, classify("load comment", err, "Comment not found")
	}
	if comment.IsDeleted() {
		return DeleteResult{}, validationError("Comment has already been deleted", nil)
	}

	if comment.DirectChildrenCount == 0 {
		err := s.store.HardDelete(storeCtx, commentID)
		switch {
		case err == nil:
			return s.afterHardDelete(ctx, comment), nil
		case errors.Is(err, store.ErrHasReplies):
			// A reply arrived after the read; keep the thread intact.
		default:
			return DeleteResult{}, classify("hard delete comment", err, "Comment not found")
		}
	}

	updated, err := s.store.SoftDelete(storeCtx, commentID)
	if err != nil {
		return DeleteResult{}, classify("soft delete comment", err, "Comment not found")
	}
	view := NewCommentView(updated)
	s.publish(ctx, updated.PageID, EventCommentUpdated, view)
	s.unindex(updated.ID)
	return DeleteResult{
		Action:          DeleteActionUpdated,
		CommentID:       updated.ID,
		PageID:          updated.PageID,
		ParentCommentID: updated.ParentCommentID,
		Comment:         &view,
	}, nil
}

func (s *Service) afterHardDelete(ctx context.Context, removed store.Comment) DeleteResult {
	if removed.ParentCommentID != nil {
		activity := s.now().UTC()
		s.walkAncestors(ctx, *removed.ParentCommentID,
			store.CounterDelta{DirectChildren: -1, Descendants: -1, Activity: &activity},
			store.CounterDelta{Descendants: -1, Activity: &activity},
		)
	}
	result := DeleteResult{
		Action:          DeleteActionDeleted,
		CommentID:       removed.ID,
		PageID:          removed.PageID,
		ParentCommentID: removed.ParentCommentID,
	}
	s.publish(ctx, removed.PageID, EventCommentDeleted, result)
	s.unindex(removed.ID)
	return result
}

// EditComment replaces the content of a live comment.
func (s *Service) EditComment(ctx context.Context, commentID, content string) (CommentView, error) {
	commentID = strings.TrimSpace(commentID)
	content = plainText(content)
	if commentID == "" {
		return CommentView{}, validationError("commentId is required", nil)
	}
	if content == "" {
		return CommentView{}, validationError("Message content cannot be empty", nil)
	}
	if len([]rune(content)) > maxContentLength {
		return CommentView{}, validationError("Message content is too long", map[string]any{"max": maxContentLength})
	}

	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	updated, err := s.store.UpdateContent(storeCtx, commentID, content, s.now().UTC())
	if err != nil {
		return CommentView{}, classify("edit comment", err, "Comment not found")
	}
	view := NewCommentView(updated)
	s.publish(ctx, updated.PageID, EventCommentUpdated, view)
	s.index(updated)
	return view, nil
}

// Replies returns the direct replies to a comment, oldest first.
func (s *Service) Replies(ctx context.Context, commentID string) ([]CommentView, error) {
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	parent, err := s.store.GetComment(storeCtx, strings.TrimSpace(commentID))
	if err != nil {
		return nil, classify("load comment", err, "Comment not found")
	}
	items, err := s.store.ListReplies(storeCtx, parent.PageID, parent.ID)
	if err != nil {
		return nil, classify("list replies", err, "Comment not found")
	}
	return commentViews(items), nil
}

// Thread returns the whole thread containing commentID, root first.
func (s *Service) Thread(ctx context.Context, commentID string) ([]CommentView, error) {
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	comment, err := s.store.GetComment(storeCtx, strings.TrimSpace(commentID))
	if err != nil {
		return nil, classify("load comment", err, "Comment not found")
	}
	rootID := comment.ID
	if comment.TopLevelCommentID != nil {
		rootID = *comment.TopLevelCommentID
	}
	items, err := s.store.ListThread(storeCtx, comment.PageID, rootID)
	if err != nil {
		return nil, classify("list thread", err, "Comment not found")
	}
	return commentViews(items), nil
}

// ActiveThreads lists top-level comments by most recent activity anywhere
// in their subtree.
func (s *Service) ActiveThreads(ctx context.Context, pageID string, limit int) ([]CommentView, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, validationError("pageId is required", nil)
	}
	if limit <= 0 {
		limit = defaultActiveSize
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	items, err := s.store.ListActiveThreads(storeCtx, pageID, limit)
	if err != nil {
		return nil, classify("list active threads", err, "Page not found")
	}
	return commentViews(items), nil
}

// SearchComments queries the search index, or returns nothing when none is configured.
func (s *Service) SearchComments(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validationError("q is required", nil)
	}
	if q.Limit <= 0 || q.Limit > maxPageLimit {
		q.Limit = 20
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.search.Search(storeCtx, q), nil
}

// ProvisionPage creates or replaces a password-protected page.
func (s *Service) ProvisionPage(ctx context.Context, pageID, pageName, password string) (store.ProtectedPage, error) {
	if s.auth == nil {
		return store.ProtectedPage{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Page authentication is not configured", nil)
	}
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	page, err := s.auth.ProvisionPage(storeCtx, pageID, pageName, password)
	if err != nil {
		return store.ProtectedPage{}, mapAuthError("provision page", err)
	}
	log.Info().Str("page_id", page.PageID).Msg("protected page provisioned")
	return page, nil
}

// IssueChallenge starts the password handshake for a protected page.
func (s *Service) IssueChallenge(ctx context.Context, pageID string) (authpw.ChallengeResponse, error) {
	if s.auth == nil {
		return authpw.ChallengeResponse{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Page authentication is not configured", nil)
	}
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	resp, err := s.auth.IssueChallenge(storeCtx, pageID)
	if err != nil {
		return authpw.ChallengeResponse{}, mapAuthError("issue challenge", err)
	}
	return resp, nil
}

// VerifyChallenge checks a challenge response and returns an access token.
func (s *Service) VerifyChallenge(ctx context.Context, pageID, challengeValue, hash string) (string, error) {
	if s.auth == nil {
		return "", domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Page authentication is not configured", nil)
	}
	storeCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	token, err := s.auth.Verify(storeCtx, pageID, challengeValue, hash)
	if err != nil {
		return "", mapAuthError("verify challenge", err)
	}
	return token, nil
}

func mapAuthError(op string, err error) error {
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return validationError(strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": "), nil)
	case errors.Is(err, authpw.ErrPageNotFound):
		return notFoundError("Page not found")
	case errors.Is(err, authpw.ErrUnauthorized):
		return unauthorizedError(strings.TrimPrefix(err.Error(), authpw.ErrUnauthorized.Error()+": "))
	}
	return storageError(op, err)
}

// MigrateLegacy copies legacy messages into comments and rebuilds the search
// index when anything was copied.
func (s *Service) MigrateLegacy(ctx context.Context, force bool) (legacy.Result, error) {
	if s.legacy == nil {
		return legacy.Result{}, domainError(http.StatusServiceUnavailable, "MIGRATION_UNAVAILABLE", "Legacy migration is not configured", nil)
	}
	result, err := s.legacy.Run(ctx, force)
	if err != nil {
		return result, storageError("migrate legacy messages", err)
	}
	// Migrated rows bypass the per-comment index hooks.
	if result.Migrated > 0 && s.search != nil {
		indexed := s.search.ReindexAllFromPG(context.WithoutCancel(ctx))
		log.Info().Int("migrated", result.Migrated).Int("indexed", indexed).Msg("search index rebuilt after legacy migration")
	}
	return result, nil
}

// ReconcileCounters recomputes reply counters from the tree.
func (s *Service) ReconcileCounters(ctx context.Context) (int64, error) {
	fixed, err := s.store.ReconcileCounters(ctx)
	if err != nil {
		return 0, storageError("reconcile counters", err)
	}
	if fixed > 0 {
		log.Warn().Int64("fixed", fixed).Msg("reconciled drifted comment counters")
	}
	return fixed, nil
}

// publish never fails the caller; the write it reports is already durable.
func (s *Service) publish(ctx context.Context, pageID, eventType string, payload any) {
	if s.notifier == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.notifier.Publish(pubCtx, pageID, eventType, payload); err != nil {
		log.Warn().Err(err).Str("page_id", pageID).Str("event", eventType).Msg("publish event failed")
	}
}

func (s *Service) index(c store.Comment) {
	if s.search == nil || c.IsDeleted() {
		return
	}
	record := search.CommentRecord{
		ID:        c.ID,
		PageID:    c.PageID,
		Username:  c.Username,
		Content:   c.Content,
		Timestamp: c.Timestamp.UnixMilli(),
	}
	if c.ParentCommentID != nil {
		record.ParentCommentID = *c.ParentCommentID
	}
	if c.TopLevelCommentID != nil {
		record.TopLevelCommentID = *c.TopLevelCommentID
	}
	s.search.IndexComment(record)
}

func (s *Service) unindex(id string) {
	if s.search == nil {
		return
	}
	s.search.DeleteComment(id)
}

func (s *Service) notifyOwner(c store.Comment) {
	if s.mailer == nil {
		return
	}
	data := email.NewCommentData{
		PageID:    c.PageID,
		CommentID: c.ID,
		Username:  c.Username,
		Content:   c.Content,
		IsReply:   c.ParentCommentID != nil,
		Timestamp: c.Timestamp,
	}
	go func() {
		if err := s.mailer.NotifyNewComment(data); err != nil {
			log.Warn().Err(err).Str("comment_id", data.CommentID).Msg("owner notification failed")
		}
	}()
}
