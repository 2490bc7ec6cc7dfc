package learning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.Token = "secret"
	cfg.RateLimit = 1000
	cfg.Burst = 100
	cfg.PageSize = 2
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestReadSnapshot_MapsActivities(t *testing.T) {
	completed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/42/activities", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("course_id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(w, APIResponse[SnapshotDTO]{Success: true, Data: SnapshotDTO{
			UserID: 42, CourseID: 5,
			Activities: []ActivityDTO{
				{CourseModuleID: 17, Name: "quiz", CompletedAt: completed.Unix(), Gradeable: true, PassGrade: 50, MaxGrade: 100,
					Attempts: []AttemptDTO{{Grade: 80, GradedAt: completed}}},
				{CourseModuleID: 18},
				{CourseModuleID: 17, Name: "duplicate"},
			},
		}})
	}))

	snap, err := c.ReadSnapshot(context.Background(), 42, shared.CourseScope(5))
	require.NoError(t, err)
	require.Len(t, snap.Activities, 2)

	quiz := snap.Activities[0]
	assert.Equal(t, int64(17), quiz.ID)
	assert.Equal(t, "quiz", quiz.Name)
	require.NotNil(t, quiz.CompletedAt)
	assert.True(t, quiz.CompletedAt.Equal(completed))
	assert.True(t, quiz.IsPassed())

	assert.Nil(t, snap.Activities[1].CompletedAt)
	assert.Equal(t, "activity 18", snap.Activities[1].Name)
}

func TestReadSnapshot_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, APIResponse[SnapshotDTO]{Success: true, Data: SnapshotDTO{UserID: 42}})
	}))

	_, err := c.ReadSnapshot(context.Background(), 42, shared.SiteScope)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestReadSnapshot_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"code": "not_found", "message": "no such user"})
	}))

	_, err := c.ReadSnapshot(context.Background(), 42, shared.SiteScope)
	var apiErr *APIErrorDTO
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReadSnapshot_RejectsForeignUser(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, APIResponse[SnapshotDTO]{Success: true, Data: SnapshotDTO{UserID: 7}})
	}))

	_, err := c.ReadSnapshot(context.Background(), 42, shared.SiteScope)
	var mapErr *MappingError
	assert.ErrorAs(t, err, &mapErr)
}

func TestReadSnapshot_SharesConcurrentReads(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		writeJSON(w, APIResponse[SnapshotDTO]{Success: true, Data: SnapshotDTO{
			UserID: 42, Activities: []ActivityDTO{{CourseModuleID: 17, Name: "quiz"}},
		}})
	}))

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 2)
	read := func() {
		snap, err := c.ReadSnapshot(context.Background(), 42, shared.CourseScope(5))
		results <- result{n: len(snap.Activities), err: err}
	}

	go read()
	<-entered
	go read()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.n)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestUsers_WalksPages(t *testing.T) {
	pages := map[int][]int64{1: {3, 1}, 2: {2, 3}}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		writeJSON(w, APIResponse[UsersPageDTO]{
			Success: true,
			Data:    UsersPageDTO{Users: pages[page]},
			Meta:    &Meta{Page: page, PerPage: 2, TotalPages: 2},
		})
	}))

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []shared.UserID{1, 2, 3}, users)
}

func TestScopes_DropsSite(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/42/courses", r.URL.Path)
		writeJSON(w, APIResponse[CoursesDTO]{Success: true, Data: CoursesDTO{Courses: []int64{0, 5, 6}}})
	}))

	scopes, err := c.Scopes(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []shared.Scope{shared.CourseScope(5), shared.CourseScope(6)}, scopes)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(DefaultClientConfig("not a url"))
	assert.Error(t, err)
}
