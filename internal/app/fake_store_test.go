package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"inkwell/api/internal/store"
)

// fakeStore is an in-memory commentStore. Every method holds the mutex for
// its whole duration, so counter updates are atomic like the SQL versions.
type fakeStore struct {
	mu       sync.Mutex
	comments map[string]store.Comment
	pages    map[string]store.ProtectedPage
	seq      int

	pingFn           func(context.Context) error
	getFn            func(ctx context.Context, id string) (store.Comment, error)
	updateCountersFn func(ctx context.Context, id string, delta store.CounterDelta) (*string, error)
	hardDeleteFn     func(ctx context.Context, id string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		comments: map[string]store.Comment{},
		pages:    map[string]store.ProtectedPage{},
	}
}

func (f *fakeStore) snapshot(id string) store.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.comments[id]
}

func (f *fakeStore) exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.comments[id]
	return ok
}

func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) sorted(match func(store.Comment) bool, less func(a, b store.Comment) bool) []store.Comment {
	out := []store.Comment{}
	for _, c := range f.comments {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func oldestFirst(a, b store.Comment) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (f *fakeStore) FindByPage(_ context.Context, pageID string, opts store.FindOptions) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	less := oldestFirst
	if opts.Order == store.NewestFirst {
		less = func(a, b store.Comment) bool { return oldestFirst(b, a) }
	}
	items := f.sorted(func(c store.Comment) bool { return c.PageID == pageID }, less)
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []store.Comment{}, nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (f *fakeStore) ListReplies(_ context.Context, pageID, parentID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(func(c store.Comment) bool {
		return c.PageID == pageID && c.ParentCommentID != nil && *c.ParentCommentID == parentID
	}, oldestFirst), nil
}

func (f *fakeStore) ListThread(_ context.Context, pageID, topLevelID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sorted(func(c store.Comment) bool {
		return c.PageID == pageID && (c.ID == topLevelID || (c.TopLevelCommentID != nil && *c.TopLevelCommentID == topLevelID))
	}, func(a, b store.Comment) bool {
		if a.ID == topLevelID || b.ID == topLevelID {
			return a.ID == topLevelID
		}
		return oldestFirst(a, b)
	}), nil
}

func (f *fakeStore) ListActiveThreads(_ context.Context, pageID string, limit int) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.sorted(func(c store.Comment) bool {
		return c.PageID == pageID && c.ParentCommentID == nil
	}, func(a, b store.Comment) bool {
		return a.LastSubthreadActivity.After(b.LastSubthreadActivity)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) InsertComment(_ context.Context, c store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.PageID == "" || c.Username == "" || c.Content == "" {
		return store.Comment{}, store.ErrInvalidComment
	}
	if c.ParentCommentID != nil {
		if _, ok := f.comments[*c.ParentCommentID]; !ok {
			return store.Comment{}, fmt.Errorf("insert comment: parent: %w", store.ErrNotFound)
		}
	}
	f.seq++
	c.ID = fmt.Sprintf("cmt_%03d", f.seq)
	c.DescendantCount = 0
	c.DirectChildrenCount = 0
	if c.LastSubthreadActivity.IsZero() {
		c.LastSubthreadActivity = c.Timestamp
	}
	f.comments[c.ID] = c
	return c, nil
}

func (f *fakeStore) UpdateCounters(ctx context.Context, id string, delta store.CounterDelta) (*string, error) {
	if f.updateCountersFn != nil {
		return f.updateCountersFn(ctx, id, delta)
	}
	return f.applyCounters(id, delta)
}

func (f *fakeStore) applyCounters(id string, delta store.CounterDelta) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.DirectChildrenCount = max(c.DirectChildrenCount+delta.DirectChildren, 0)
	c.DescendantCount = max(c.DescendantCount+delta.Descendants, 0)
	if delta.Activity != nil && delta.Activity.After(c.LastSubthreadActivity) {
		c.LastSubthreadActivity = *delta.Activity
	}
	f.comments[id] = c
	return c.ParentCommentID, nil
}

func (f *fakeStore) AdjustVotes(_ context.Context, id string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	c.Votes += delta
	f.comments[id] = c
	return c.Votes, nil
}

func (f *fakeStore) UpdateContent(_ context.Context, id, content string, editedAt time.Time) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	if c.IsDeleted() {
		return store.Comment{}, store.ErrAlreadyDeleted
	}
	c.Content = content
	c.EditedAt = &editedAt
	f.comments[id] = c
	return c, nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id string) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	now := time.Now().UTC()
	c.Username = store.DeletedSentinel
	c.Content = store.DeletedSentinel
	if c.DeletedAt == nil {
		c.DeletedAt = &now
	}
	f.comments[id] = c
	return c, nil
}

func (f *fakeStore) HardDelete(ctx context.Context, id string) error {
	if f.hardDeleteFn != nil {
		return f.hardDeleteFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.DirectChildrenCount > 0 {
		return store.ErrHasReplies
	}
	for _, other := range f.comments {
		if other.ParentCommentID != nil && *other.ParentCommentID == id {
			return store.ErrHasReplies
		}
	}
	delete(f.comments, id)
	return nil
}

func (f *fakeStore) ReconcileCounters(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	direct := map[string]int{}
	desc := map[string]int{}
	for _, c := range f.comments {
		if c.ParentCommentID != nil {
			direct[*c.ParentCommentID]++
		}
		for p := c.ParentCommentID; p != nil; p = f.comments[*p].ParentCommentID {
			desc[*p]++
		}
	}
	var fixed int64
	for id, c := range f.comments {
		if c.DirectChildrenCount != direct[id] || c.DescendantCount != desc[id] {
			c.DirectChildrenCount = direct[id]
			c.DescendantCount = desc[id]
			f.comments[id] = c
			fixed++
		}
	}
	return fixed, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetProtectedPage(_ context.Context, pageID string) (store.ProtectedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[pageID]
	if !ok {
		return store.ProtectedPage{}, store.ErrNotFound
	}
	return page, nil
}

func (f *fakeStore) UpsertProtectedPage(_ context.Context, page store.ProtectedPage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.PageID] = page
	return nil
}

type publishedEvent struct {
	PageID  string
	Type    string
	Payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, pageID, eventType string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{PageID: pageID, Type: eventType, Payload: payload})
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

// steppingClock returns strictly increasing times so ordering is stable.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}
