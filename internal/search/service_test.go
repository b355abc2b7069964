package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	indexed  []CommentRecord
	deleted  []string
	searched int
}

func (f *fakeEngine) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searched++
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) IndexComment(c CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, c)
	return nil
}

func (f *fakeEngine) IndexComments(cs []CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, cs...)
	return nil
}

func (f *fakeEngine) DeleteComment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) snapshot() ([]CommentRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CommentRecord(nil), f.indexed...), append([]string(nil), f.deleted...)
}

type fakeLoader struct{ records []CommentRecord }

func (f fakeLoader) LoadAllRecords(context.Context) ([]CommentRecord, error) {
	return f.records, nil
}

func TestSearchPrefersHealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: true, results: []Result{{ID: "cmt_1"}}}
	fallback := &fakeEngine{healthy: true, results: []Result{{ID: "cmt_2"}}}
	svc := &Service{primary: primary, fallback: fallback}

	resp := svc.Search(context.Background(), Query{Text: "hello"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "cmt_1", resp.Results[0].ID)
	assert.Zero(t, fallback.searched)
}

func TestSearchFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeEngine{healthy: true, err: errors.New("down")}
	fallback := &fakeEngine{healthy: true, results: []Result{{ID: "cmt_2"}}}
	svc := &Service{primary: primary, fallback: fallback}

	resp := svc.Search(context.Background(), Query{Text: "hello"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "cmt_2", resp.Results[0].ID)
	assert.Equal(t, "hello", resp.Query)
}

func TestSearchWithoutEnginesReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "hello"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestIndexingSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeEngine{healthy: false}
	svc := &Service{primary: primary}

	svc.IndexComment(CommentRecord{ID: "cmt_1"})
	svc.DeleteComment("cmt_1")

	indexed, deleted := primary.snapshot()
	assert.Empty(t, indexed)
	assert.Empty(t, deleted)
}

func TestIndexingIsAsynchronous(t *testing.T) {
	primary := &fakeEngine{healthy: true}
	svc := &Service{primary: primary}

	svc.IndexComment(CommentRecord{ID: "cmt_1"})
	svc.DeleteComment("cmt_2")

	assert.Eventually(t, func() bool {
		indexed, deleted := primary.snapshot()
		return len(indexed) == 1 && len(deleted) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReindexAllFromPG(t *testing.T) {
	primary := &fakeEngine{healthy: true}
	svc := &Service{primary: primary, loader: fakeLoader{records: []CommentRecord{{ID: "a"}, {ID: "b"}}}}

	assert.Equal(t, 2, svc.ReindexAllFromPG(context.Background()))
	indexed, _ := primary.snapshot()
	assert.Len(t, indexed, 2)
}

func TestHitToResultPrefersHighlightedContent(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"cmt_1"`),
		"pageId":     json.RawMessage(`"p1"`),
		"username":   json.RawMessage(`"alice"`),
		"content":    json.RawMessage(`"hello world"`),
		"timestamp":  json.RawMessage(`1700000000000`),
		"_formatted": json.RawMessage(`{"content":"\ue000hello\ue001 world","timestamp":"1700000000000"}`),
	}

	got := hitToResult(hit)
	assert.Equal(t, Result{
		ID:        "cmt_1",
		PageID:    "p1",
		Username:  "alice",
		Snippet:   "<mark>hello</mark> world",
		Timestamp: 1700000000000,
	}, got)
}

func TestHitToResultEscapesStoredMarkup(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"cmt_2"`),
		"content":    json.RawMessage(`"a < b & <script>x</script>"`),
		"_formatted": json.RawMessage(`{"content":"a < b & <script>x</script>"}`),
	}

	got := hitToResult(hit)
	assert.Equal(t, "a &lt; b &amp; &lt;script&gt;<mark>x</mark>&lt;/script&gt;", got.Snippet)
}

func TestSafeSnippet(t *testing.T) {
	assert.Equal(t, "plain", safeSnippet("plain"))
	assert.Equal(t, "<mark>hit</mark> &lt;i&gt;", safeSnippet(markOpen+"hit"+markClose+" <i>"))
}
