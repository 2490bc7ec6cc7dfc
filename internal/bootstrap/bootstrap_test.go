package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/config"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/eventhandler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/external/learning"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

func learningServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/{id}/activities", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(learning.APIResponse[learning.SnapshotDTO]{
			Success: true,
			Data: learning.SnapshotDTO{
				UserID:  42,
				TakenAt: time.Now().UTC(),
				Activities: []learning.ActivityDTO{
					{CourseModuleID: 17, Name: "quiz", CompletedAt: time.Now().Add(-time.Hour).Unix()},
					{CourseModuleID: 18, Name: "essay"},
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func memoryConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_DISABLED", "true")
	t.Setenv("LEARNING_BASE_URL", baseURL)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuild_InMemory(t *testing.T) {
	srv := learningServer(t)
	cfg := memoryConfig(t, srv.URL)

	app, err := Build(context.Background(), cfg, logger.Discard(), Options{SyncEvents: true})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	assert.Nil(t, app.DB)
	assert.Nil(t, app.Cache)

	ctx := context.Background()
	res, err := app.Completed.Handle(ctx, eventhandler.CompletedSignal{UserID: 42, Scope: shared.CourseScope(5)})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Grants())

	wallet, err := app.Wallet.Handle(ctx, query.GetWalletQuery{UserID: 42})
	require.NoError(t, err)
	assert.Positive(t, wallet.Coins)

	status := app.Health.Check(ctx)
	assert.True(t, status.Healthy)
	assert.Contains(t, status.Checks, "learning")
}

func TestBuild_RejectsBadLearningURL(t *testing.T) {
	cfg := memoryConfig(t, "http://localhost:8081")
	cfg.Learning.BaseURL = "::not a url"

	_, err := Build(context.Background(), cfg, logger.Discard(), Options{})
	assert.Error(t, err)
}

func TestEngineConfig_MapsSettings(t *testing.T) {
	cfg := memoryConfig(t, "http://localhost:8081")
	ec := EngineConfig(cfg)
	assert.Equal(t, cfg.Engine.XPPerLevel, ec.Levels.XPPerLevel)
	assert.Equal(t, cfg.Engine.SweepConcurrency, ec.SweepConcurrency)

	limits := NotificationLimits(cfg)
	assert.Equal(t, cfg.Engine.NotificationCapacity, limits.Capacity)
}
