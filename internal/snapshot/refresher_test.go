package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bassista/notion_cache/internal/credential"
	"github.com/bassista/notion_cache/internal/notion"
	"github.com/bassista/notion_cache/internal/repository"
)

// fakeNotion serves a fixed list of pages and records the cursors it receives.
type fakeNotion struct {
	t       *testing.T
	pages   []string
	failAt  int // 1-based request number answered with status; 0 disables
	status  int
	mu      sync.Mutex
	cursors []string
}

func (f *fakeNotion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("decode request body: %v", err)
	}

	f.mu.Lock()
	f.cursors = append(f.cursors, body["start_cursor"])
	n := len(f.cursors)
	f.mu.Unlock()

	if f.failAt > 0 && n == f.failAt {
		w.WriteHeader(f.status)
		_, _ = fmt.Fprint(w, `{"object":"error","status":502,"code":"service_unavailable","message":"try later"}`)
		return
	}
	if n > len(f.pages) {
		f.t.Errorf("unexpected request %d", n)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = fmt.Fprint(w, f.pages[n-1])
}

func (f *fakeNotion) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

type mockQuerier struct {
	mock.Mock
}

func (m *mockQuerier) QueryDatabase(ctx context.Context, databaseID, token, cursor string) (*notion.QueryResponse, error) {
	args := m.Called(ctx, databaseID, token, cursor)
	resp, _ := args.Get(0).(*notion.QueryResponse)
	return resp, args.Error(1)
}

type mockSaver struct {
	mock.Mock
}

func (m *mockSaver) Save(ctx context.Context, snap repository.Snapshot) error {
	return m.Called(ctx, snap).Error(0)
}

func newTestRefresher(t *testing.T, upstream *fakeNotion, opts ...RefresherOption) (*Refresher, repository.Repository, string) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cachePath := filepath.Join(t.TempDir(), "notion-cache.json")
	repo, err := repository.NewJSONRepository(cachePath)
	require.NoError(t, err)

	client := notion.NewClient(notion.WithBaseURL(srv.URL))
	return NewRefresher(client, credential.Static("secret"), repo, "db-1", opts...), repo, cachePath
}

func pageJSON(ids []string, hasMore bool, next string) string {
	results := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		results = append(results, map[string]string{"object": "page", "id": id})
	}
	var cursor any
	if next != "" {
		cursor = next
	}
	b, _ := json.Marshal(map[string]any{"object": "list", "results": results, "has_more": hasMore, "next_cursor": cursor})
	return string(b)
}

func TestRefresher_TwoPageExample(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{
		`{"results": [{"id":"a"}], "has_more": true, "next_cursor": "c1"}`,
		`{"results": [{"id":"b"}], "has_more": false, "next_cursor": null}`,
	}}
	r, _, cachePath := newTestRefresher(t, upstream)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)

	got, _ := json.Marshal(snap)
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(got))

	raw, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a"},{"id":"b"}]`, string(raw))

	assert.Equal(t, []string{"", "c1"}, upstream.requests())
}

func TestRefresher_SinglePage(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{pageJSON([]string{"a", "b", "c"}, false, "")}}
	r, _, _ := newTestRefresher(t, upstream)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 3)
	assert.Len(t, upstream.requests(), 1)
}

func TestRefresher_CursorChaining(t *testing.T) {
	const n = 4
	var pages []string
	var wantIDs []string
	for i := 0; i <= n; i++ {
		ids := []string{fmt.Sprintf("p%d-0", i), fmt.Sprintf("p%d-1", i)}
		if i == 2 {
			ids = nil // empty pages still carry cursors
		}
		wantIDs = append(wantIDs, ids...)
		next := ""
		if i < n {
			next = fmt.Sprintf("cur-%d", i+1)
		}
		pages = append(pages, pageJSON(ids, i < n, next))
	}
	upstream := &fakeNotion{t: t, pages: pages}
	r, _, _ := newTestRefresher(t, upstream)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)

	cursors := upstream.requests()
	require.Len(t, cursors, n+1)
	assert.Equal(t, "", cursors[0])
	for k := 1; k <= n; k++ {
		assert.Equal(t, fmt.Sprintf("cur-%d", k), cursors[k])
	}

	require.Len(t, snap, len(wantIDs))
	for i, rec := range snap {
		var obj struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec, &obj))
		assert.Equal(t, wantIDs[i], obj.ID, "record %d out of order", i)
	}
}

func TestRefresher_UpstreamFailureLeavesCacheUntouched(t *testing.T) {
	for _, failAt := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("fail on request %d", failAt), func(t *testing.T) {
			upstream := &fakeNotion{
				t: t,
				pages: []string{
					pageJSON([]string{"a"}, true, "c1"),
					pageJSON([]string{"b"}, true, "c2"),
					pageJSON([]string{"c"}, false, ""),
				},
				failAt: failAt,
				status: http.StatusBadGateway,
			}
			r, _, cachePath := newTestRefresher(t, upstream)

			before := []byte(`[{"id":"old"}]`)
			require.NoError(t, os.WriteFile(cachePath, before, 0o644))

			snap, err := r.Refresh(context.Background())
			require.Error(t, err)
			assert.Nil(t, snap)
			assert.ErrorIs(t, err, ErrUpstream)

			var apiErr *notion.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)

			after, err := os.ReadFile(cachePath)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Len(t, upstream.requests(), failAt)
		})
	}
}

func TestRefresher_UpstreamFailureWithoutPriorCache(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{pageJSON([]string{"a"}, true, "c1")}, failAt: 2, status: http.StatusInternalServerError}
	r, _, cachePath := newTestRefresher(t, upstream)

	_, err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrUpstream)

	_, statErr := os.Stat(cachePath)
	assert.True(t, os.IsNotExist(statErr), "partial results must not be persisted")
}

func TestRefresher_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name       string
		creds      credential.Provider
		databaseID string
	}{
		{"missing database id", credential.Static("secret"), ""},
		{"blank database id", credential.Static("secret"), "   "},
		{"missing api key", credential.Static(""), "db-1"},
		{"nil provider", nil, "db-1"},
		{"unset env variable", credential.Env{Key: "NOTION_CACHE_TEST_UNSET_KEY"}, "db-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			querier := &mockQuerier{}
			saver := &mockSaver{}

			r := NewRefresher(querier, tt.creds, saver, tt.databaseID)
			snap, err := r.Refresh(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, snap)
			querier.AssertNotCalled(t, "QueryDatabase", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			saver.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		})
	}
}

func TestRefresher_ProviderInvokedPerRefresh(t *testing.T) {
	t.Setenv("NOTION_CACHE_TEST_ROTATING_KEY", "first")

	querier := &mockQuerier{}
	querier.On("QueryDatabase", mock.Anything, "db-1", "first", "").
		Return(&notion.QueryResponse{Results: []repository.Record{}}, nil).Once()
	querier.On("QueryDatabase", mock.Anything, "db-1", "second", "").
		Return(&notion.QueryResponse{Results: []repository.Record{}}, nil).Once()
	saver := &mockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)

	r := NewRefresher(querier, credential.Env{Key: "NOTION_CACHE_TEST_ROTATING_KEY"}, saver, "db-1")

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	t.Setenv("NOTION_CACHE_TEST_ROTATING_KEY", "second")
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	querier.AssertExpectations(t)
}

// A failed cache write fails the refresh; the fetched snapshot is not returned.
func TestRefresher_PersistenceErrorFailsCall(t *testing.T) {
	querier := &mockQuerier{}
	querier.On("QueryDatabase", mock.Anything, "db-1", "secret", "").
		Return(&notion.QueryResponse{Results: []repository.Record{repository.Record(`{"id":"a"}`)}}, nil).Once()

	diskFull := errors.New("no space left on device")
	saver := &mockSaver{}
	saver.On("Save", mock.Anything, mock.MatchedBy(func(s repository.Snapshot) bool { return len(s) == 1 })).
		Return(diskFull).Once()

	r := NewRefresher(querier, credential.Static("secret"), saver, "db-1")
	snap, err := r.Refresh(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, diskFull)
	assert.Nil(t, snap, "snapshot must not be returned when it could not be persisted")
	querier.AssertExpectations(t)
	saver.AssertExpectations(t)
}

func TestRefresher_PersistenceErrorOnReadOnlyDirectory(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{pageJSON([]string{"a"}, false, "")}}
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	repo, err := repository.NewJSONRepository(filepath.Join(t.TempDir(), "does-not-exist", "cache.json"))
	require.NoError(t, err)

	r := NewRefresher(notion.NewClient(notion.WithBaseURL(srv.URL)), credential.Static("secret"), repo, "db-1")
	_, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestRefresher_PaginationLimit(t *testing.T) {
	querier := &mockQuerier{}
	var calls atomic.Int32
	querier.On("QueryDatabase", mock.Anything, "db-1", "secret", mock.Anything).
		Return(&notion.QueryResponse{Results: []repository.Record{repository.Record(`{}`)}, HasMore: true, NextCursor: strPtr("again")}, nil).
		Run(func(mock.Arguments) { calls.Add(1) })
	saver := &mockSaver{}

	r := NewRefresher(querier, credential.Static("secret"), saver, "db-1", WithMaxPages(3))
	_, err := r.Refresh(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaginationLimit)
	assert.Equal(t, int32(3), calls.Load())
	saver.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRefresher_HasMoreWithoutCursor(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{`{"results":[{"id":"a"}],"has_more":true,"next_cursor":null}`}}
	r, _, cachePath := newTestRefresher(t, upstream)

	_, err := r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Len(t, upstream.requests(), 1)

	_, statErr := os.Stat(cachePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRefresher_CancelledContext(t *testing.T) {
	querier := &mockQuerier{}
	saver := &mockSaver{}
	r := NewRefresher(querier, credential.Static("secret"), saver, "db-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Refresh(ctx)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, context.Canceled)
	querier.AssertNotCalled(t, "QueryDatabase", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	saver.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRefresher_RoundTripWithReader(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{
		pageJSON([]string{"a", "b"}, true, "c1"),
		`{"results": [{"id":"c","properties":{"Tags":{"multi_select":[{"name":"x"}]}}}], "has_more": false, "next_cursor": null}`,
	}}
	r, repo, _ := newTestRefresher(t, upstream)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)

	cached := NewReader(repo).ReadCache(context.Background())
	assert.True(t, snap.Equal(cached), "cache %s differs from refreshed snapshot", cached)
}

func TestRefresher_EmptyDatabase(t *testing.T) {
	upstream := &fakeNotion{t: t, pages: []string{`{"results":[],"has_more":false,"next_cursor":null}`}}
	r, _, cachePath := newTestRefresher(t, upstream)

	snap, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)

	raw, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

// blockingQuerier holds the first call until released so a second refresh can
// be started while the first is in flight.
type blockingQuerier struct {
	entered chan struct{}
	release chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (b *blockingQuerier) QueryDatabase(ctx context.Context, _, _, _ string) (*notion.QueryResponse, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		cur := b.maxSeen.Load()
		if n <= cur || b.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return &notion.QueryResponse{Results: []repository.Record{repository.Record(`{"id":"x"}`)}}, nil
}

func TestRefresher_ConcurrentRefreshesAreSerialized(t *testing.T) {
	q := &blockingQuerier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	saver := &mockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)
	r := NewRefresher(q, credential.Static("secret"), saver, "db-1")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Refresh(context.Background())
			errs <- err
		}()
	}

	select {
	case <-q.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh never reached upstream")
	}
	// give the second goroutine time to block on the mutex
	time.Sleep(50 * time.Millisecond)
	close(q.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), q.maxSeen.Load(), "refreshes overlapped")
	saver.AssertNumberOfCalls(t, "Save", 2)
}

func TestRefresher_WaitingCallerHonorsDeadline(t *testing.T) {
	q := &blockingQuerier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	saver := &mockSaver{}
	saver.On("Save", mock.Anything, mock.Anything).Return(nil)
	r := NewRefresher(q, credential.Static("secret"), saver, "db-1")

	first := make(chan error, 1)
	go func() {
		_, err := r.Refresh(context.Background())
		first <- err
	}()
	select {
	case <-q.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first refresh never reached upstream")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := r.Refresh(ctx)
	elapsed := time.Since(started)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Less(t, elapsed, time.Second, "waiting caller kept blocking past its deadline")

	close(q.release)
	assert.NoError(t, <-first)
	saver.AssertNumberOfCalls(t, "Save", 1)
}

func strPtr(s string) *string {
	return &s
}
