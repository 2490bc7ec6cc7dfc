package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/infrastructure/external/learning"
)

func learningServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(learning.APIResponse[learning.UsersPageDTO]{
			Success: true,
			Data:    learning.UsersPageDTO{Users: []int64{42}},
		})
	})
	mux.HandleFunc("GET /api/v1/users/{id}/courses", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(learning.APIResponse[learning.CoursesDTO]{
			Success: true,
			Data:    learning.CoursesDTO{Courses: []int64{5}},
		})
	})
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

func setEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("REDIS_DISABLED", "true")
	t.Setenv("LEARNING_BASE_URL", baseURL)
}

// run executes ascendctl with args and returns what it printed to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--env-file", t.TempDir() + "/missing.env", "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEvaluate_PrintsGrants(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	out, err := run(t, "evaluate", "--user", "42", "--course", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "COINS")
	assert.Contains(t, out, "course:5")
}

func TestEvaluate_RequiresUser(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	_, err := run(t, "evaluate", "--course", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestSweep_PrintsReport(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	out, err := run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "sweep: 1/1 users")
	assert.Contains(t, out, "user 42:")
}

func TestBalance_JSON(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	out, err := run(t, "balance", "--user", "42", "--json")
	require.NoError(t, err)

	var wallet query.WalletDTO
	require.NoError(t, json.Unmarshal([]byte(out), &wallet))
	assert.Equal(t, int64(42), wallet.UserID)
	assert.Zero(t, wallet.Coins)
}

func TestRepairXP_Consistent(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	out, err := run(t, "repair-xp", "--user", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "consistent")
}

func TestMigrate_NeedsDatabase(t *testing.T) {
	setEnv(t, learningServer(t).URL)

	_, err := run(t, "migrate", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
