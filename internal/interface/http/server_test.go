package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/command"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/eventhandler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/notification"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/persistence/memory"
)

type testEnv struct {
	server *Server
	src    *memory.LearningSource
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := memory.NewStore()
	src := memory.NewLearningSource()
	notes := memory.NewNotificationStore(notification.DefaultLimits())

	eng, err := engine.New(engine.DefaultConfig(), engine.Dependencies{
		Registry:      achievement.DefaultRegistry(),
		Store:         store,
		Snapshots:     src,
		Users:         src,
		Notifications: notes,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.AdminSecret = "s3cret"
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, Dependencies{
		Completed:     eventhandler.NewOnActivityCompletedHandler(eng, nil, nil),
		Incomplete:    eventhandler.NewOnActivityIncompleteHandler(eng, nil, nil),
		Wallet:        query.NewGetWalletHandler(store),
		Notifications: query.NewGetNotificationsHandler(notes),
		Multiplier:    command.NewSetMultiplierHandler(store, 2, nil),
		Spend:         command.NewSpendCoinsHandler(store, nil),
		Sweeper:       eng,
		SweepTimeout:  time.Minute,
	})
	require.NoError(t, err)
	return &testEnv{server: srv, src: src}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func done(id int64) achievement.Activity {
	now := time.Now().UTC()
	return achievement.Activity{ID: id, Name: "quiz", CompletedAt: &now}
}

func TestSignalCompleted_GrantsAndCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.Set(42, shared.CourseScope(5), done(17), achievement.Activity{ID: 18, Name: "essay"})

	rec := env.do(t, http.MethodPost, "/api/v1/signals/completed", CompletedRequest{UserID: 42, CourseID: 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[CompletedResponse](t, rec)
	require.NotEmpty(t, resp.Grants)
	assert.Empty(t, resp.Failures)

	var coins int64
	for _, g := range resp.Grants {
		coins += g.Coins
	}

	rec = env.do(t, http.MethodGet, "/api/v1/users/42/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallet := decodeBody[query.WalletDTO](t, rec)
	assert.Equal(t, coins, wallet.Coins)

	rec = env.do(t, http.MethodPost, "/api/v1/signals/completed", CompletedRequest{UserID: 42, CourseID: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[CompletedResponse](t, rec).Grants, "a repeated signal grants nothing")
}

func TestSignalCompleted_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/signals/completed", map[string]any{"user_id": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", decodeBody[map[string]string](t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/api/v1/signals/completed", map[string]any{"user_id": 1, "extra": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/signals/completed", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignalCompleted_SourceDown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.Set(42, shared.CourseScope(5), done(17))
	env.src.Fail(42, shared.ErrSnapshotUnavailable)

	rec := env.do(t, http.MethodPost, "/api/v1/signals/completed", CompletedRequest{UserID: 42, CourseID: 5})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSignalIncomplete_Revokes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.Set(42, shared.CourseScope(5), done(17))
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/signals/completed", CompletedRequest{UserID: 42, CourseID: 5}).Code)

	env.src.Set(42, shared.CourseScope(5), achievement.Activity{ID: 17, Name: "quiz"})
	rec := env.do(t, http.MethodPost, "/api/v1/signals/incomplete", IncompleteRequest{UserID: 42, CourseID: 5, CourseModuleID: 17})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[IncompleteResponse](t, rec).Revoked)

	rec = env.do(t, http.MethodPost, "/api/v1/signals/incomplete", IncompleteRequest{UserID: 42, CourseID: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifications_ConsumeClears(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.Set(42, shared.CourseScope(5), done(17))
	env.do(t, http.MethodPost, "/api/v1/signals/completed", CompletedRequest{UserID: 42, CourseID: 5})

	rec := env.do(t, http.MethodGet, "/api/v1/users/42/notifications?consume=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody[map[string][]query.NotificationDTO](t, rec)["items"]
	assert.NotEmpty(t, first)

	rec = env.do(t, http.MethodGet, "/api/v1/users/42/notifications", nil)
	assert.Empty(t, decodeBody[map[string][]query.NotificationDTO](t, rec)["items"])
}

func TestUsers_BadID(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/users/abc/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_user_id", decodeBody[map[string]string](t, rec)["error"])
}

func TestMultiplier(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/users/42/multiplier", MultiplierRequest{Hours: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decodeBody[map[string]any](t, rec)["factor"])

	rec = env.do(t, http.MethodPost, "/api/v1/users/42/multiplier", MultiplierRequest{Hours: 500})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpend_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/users/42/spend", SpendRequest{Amount: 5, Reason: "avatar:fox"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSweep_RequiresSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	env.src.Set(1, shared.CourseScope(5), done(17))

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodPost, "/api/v1/sweep", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/v1/sweep", nil, "X-Admin-Secret", "wrong").Code)

	rec := env.do(t, http.MethodPost, "/api/v1/sweep", nil, "X-Admin-Secret", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[SweepResponse](t, rec)
	assert.Equal(t, 1, resp.TotalUsers)
	assert.Positive(t, resp.Grants)
}

func TestSweep_DisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.AdminSecret = "" })
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/sweep", nil, "X-Admin-Secret", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Content-Type-Options"))

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ascend_http_requests_total")
}

func TestNewServer_RequiresHandlers(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestRespondError_UnknownIs500(t *testing.T) {
	a := &api{}
	rec := httptest.NewRecorder()
	a.respondError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
