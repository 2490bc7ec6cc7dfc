package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/command"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/eventhandler"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/query"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/interface/http/handlers"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// CompletedHandler evaluates after a completion signal.
type CompletedHandler interface {
	Handle(ctx context.Context, sig eventhandler.CompletedSignal) (*eventhandler.CompletedResult, error)
}

// IncompleteHandler reconciles after an activity became incomplete.
type IncompleteHandler interface {
	Handle(ctx context.Context, sig eventhandler.IncompleteSignal) (*eventhandler.IncompleteResult, error)
}

// WalletReader serves the balance endpoint.
type WalletReader interface {
	Handle(ctx context.Context, q query.GetWalletQuery) (*query.WalletDTO, error)
}

// NotificationReader serves the notifications endpoint.
type NotificationReader interface {
	Handle(ctx context.Context, q query.GetNotificationsQuery) ([]query.NotificationDTO, error)
}

// MultiplierSetter activates an XP multiplier.
type MultiplierSetter interface {
	Handle(ctx context.Context, cmd command.SetMultiplierCommand) (*command.SetMultiplierResult, error)
}

// CoinSpender debits coins.
type CoinSpender interface {
	Handle(ctx context.Context, cmd command.SpendCoinsCommand) (*command.SpendCoinsResult, error)
}

// Sweeper runs the batch sweep on demand.
type Sweeper interface {
	RunForAllUsers(ctx context.Context) engine.Report
}

// Dependencies contains all dependencies required by HTTP handlers.
// Health and Sweeper are optional.
type Dependencies struct {
	Completed     CompletedHandler
	Incomplete    IncompleteHandler
	Wallet        WalletReader
	Notifications NotificationReader
	Multiplier    MultiplierSetter
	Spend         CoinSpender

	Sweeper      Sweeper
	SweepTimeout time.Duration

	Health handlers.HealthChecker
	Logger *slog.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Completed == nil:
		return errors.New("http: completed handler is required")
	case d.Incomplete == nil:
		return errors.New("http: incomplete handler is required")
	case d.Wallet == nil:
		return errors.New("http: wallet query is required")
	case d.Notifications == nil:
		return errors.New("http: notifications query is required")
	case d.Multiplier == nil:
		return errors.New("http: multiplier command is required")
	case d.Spend == nil:
		return errors.New("http: spend command is required")
	}
	return nil
}

type api struct {
	deps     Dependencies
	validate *validator.Validate
	logger   *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST & RESPONSE BODIES
// ══════════════════════════════════════════════════════════════════════════════

// CompletedRequest is the body of POST /api/v1/signals/completed.
// course_id 0 or absent means the site scope.
type CompletedRequest struct {
	UserID   int64 `json:"user_id" validate:"required,gt=0"`
	CourseID int64 `json:"course_id" validate:"gte=0"`
}

// IncompleteRequest is the body of POST /api/v1/signals/incomplete.
type IncompleteRequest struct {
	UserID         int64 `json:"user_id" validate:"required,gt=0"`
	CourseID       int64 `json:"course_id" validate:"gte=0"`
	CourseModuleID int64 `json:"coursemodule_id" validate:"required,gt=0"`
}

// MultiplierRequest is the body of POST /api/v1/users/{id}/multiplier.
type MultiplierRequest struct {
	Hours  float64 `json:"hours" validate:"required,gt=0,lte=168"`
	Factor int64   `json:"factor,omitempty" validate:"omitempty,gte=2,lte=10"`
}

// SpendRequest is the body of POST /api/v1/users/{id}/spend.
type SpendRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Reason string `json:"reason" validate:"max=200"`
}

// GrantBody is one granted achievement in a signal response.
type GrantBody struct {
	AchievementID int      `json:"achievement_id"`
	Name          string   `json:"name"`
	CourseID      int64    `json:"course_id"`
	Coins         int64    `json:"coins"`
	XP            int64    `json:"xp"`
	Activities    []string `json:"activities,omitempty"`
	LevelFrom     int      `json:"level_from,omitempty"`
	LevelTo       int      `json:"level_to,omitempty"`
	RankDelta     int      `json:"rank_delta,omitempty"`
}

// CompletedResponse answers a completion signal.
type CompletedResponse struct {
	UserID   int64       `json:"user_id"`
	Grants   []GrantBody `json:"grants"`
	Failures []string    `json:"failures,omitempty"`
}

// RevokedBody is one revoked achievement.
type RevokedBody struct {
	AchievementID int    `json:"achievement_id"`
	CourseID      int64  `json:"course_id"`
	Coins         int64  `json:"coins"`
	XP            int64  `json:"xp"`
	Reason        string `json:"reason"`
}

// IncompleteResponse answers an incomplete signal.
type IncompleteResponse struct {
	UserID   int64         `json:"user_id"`
	Revoked  []RevokedBody `json:"revoked"`
	Failures []string      `json:"failures,omitempty"`
}

// SweepResponse summarizes an on-demand sweep.
type SweepResponse struct {
	TotalUsers  int      `json:"total_users"`
	Processed   int      `json:"processed"`
	FailedUsers int      `json:"failed_users"`
	Grants      int      `json:"grants"`
	Corrections int      `json:"xp_corrections"`
	Interrupted bool     `json:"interrupted"`
	Duration    string   `json:"duration"`
	Errors      []string `json:"errors,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

func (a *api) signalCompleted(w http.ResponseWriter, r *http.Request) {
	var req CompletedRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.deps.Completed.Handle(r.Context(), eventhandler.CompletedSignal{
		UserID: shared.UserID(req.UserID),
		Scope:  shared.CourseScope(req.CourseID),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	out := CompletedResponse{UserID: req.UserID, Grants: []GrantBody{}}
	for _, g := range res.Grants() {
		out.Grants = append(out.Grants, GrantBody{
			AchievementID: g.AchievementID,
			Name:          g.Name,
			CourseID:      g.Scope.CourseID,
			Coins:         g.Coins,
			XP:            g.XP,
			Activities:    g.Activities,
			LevelFrom:     g.Level.From,
			LevelTo:       g.Level.To,
			RankDelta:     g.RankDelta,
		})
	}
	for _, o := range res.Outcomes {
		for _, f := range o.Failures {
			out.Failures = append(out.Failures, fmt.Sprintf("%s achievement %d: %v", o.Scope, f.AchievementID, f.Err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) signalIncomplete(w http.ResponseWriter, r *http.Request) {
	var req IncompleteRequest
	if !a.decode(w, r, &req) {
		return
	}

	res, err := a.deps.Incomplete.Handle(r.Context(), eventhandler.IncompleteSignal{
		UserID:     shared.UserID(req.UserID),
		Scope:      shared.CourseScope(req.CourseID),
		ActivityID: req.CourseModuleID,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	out := IncompleteResponse{UserID: req.UserID, Revoked: []RevokedBody{}}
	for _, x := range res.Revoked() {
		out.Revoked = append(out.Revoked, RevokedBody{
			AchievementID: x.AchievementID,
			CourseID:      x.Scope.CourseID,
			Coins:         x.Coins,
			XP:            x.XP,
			Reason:        x.Reason,
		})
	}
	for _, rec := range res.Reconciliations {
		for _, f := range rec.Failures {
			out.Failures = append(out.Failures, fmt.Sprintf("%s achievement %d: %v", rec.Scope, f.AchievementID, f.Err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════════════════════
// USERS
// ══════════════════════════════════════════════════════════════════════════════

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	wallet, err := a.deps.Wallet.Handle(r.Context(), query.GetWalletQuery{
		UserID:         user,
		IncludeCourses: queryBool(r, "courses"),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (a *api) notifications(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	items, err := a.deps.Notifications.Handle(r.Context(), query.GetNotificationsQuery{
		UserID:  user,
		Consume: queryBool(r, "consume"),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []query.NotificationDTO{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *api) multiplier(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req MultiplierRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.deps.Multiplier.Handle(r.Context(), command.SetMultiplierCommand{
		UserID:   user,
		Duration: time.Duration(req.Hours * float64(time.Hour)),
		Factor:   req.Factor,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    user.Int64(),
		"factor":     res.Factor,
		"expires_at": res.ExpiresAt,
	})
}

func (a *api) spend(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	var req SpendRequest
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.deps.Spend.Handle(r.Context(), command.SpendCoinsCommand{
		UserID: user,
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": res.EntryID,
		"spent":    res.Spent,
		"balance":  res.Balance,
		"spent_at": res.SpentAt,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN & HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (a *api) sweep(w http.ResponseWriter, r *http.Request) {
	if a.deps.Sweeper == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "sweep_unavailable", "Sweep is not configured on this instance")
		return
	}

	ctx := r.Context()
	if a.deps.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.SweepTimeout)
		defer cancel()
	}
	logger.FromContext(ctx).Info("sweep requested")

	report := a.deps.Sweeper.RunForAllUsers(ctx)
	writeJSON(w, http.StatusOK, SweepResponse{
		TotalUsers:  report.TotalUsers,
		Processed:   report.Processed(),
		FailedUsers: report.FailedUsers,
		Grants:      report.Grants,
		Corrections: report.Corrections,
		Interrupted: report.Interrupted,
		Duration:    report.Duration.Round(time.Millisecond).String(),
		Errors:      report.Errors,
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health == nil {
		writeJSON(w, http.StatusOK, handlers.HealthStatus{Healthy: true, Message: "OK", Timestamp: time.Now().UTC()})
		return
	}
	status := a.deps.Health.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (a *api) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
		case errors.Is(err, io.EOF):
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "Request body is empty")
		default:
			writeJSONErrorWithDetails(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		}
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "validation_failed", "Request validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := ""
	for i, fe := range verrs {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return out
}

// respondError maps application errors onto HTTP statuses.
func (a *api) respondError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())
	switch {
	case shared.IsValidation(err):
		writeJSONErrorWithDetails(w, http.StatusBadRequest, "validation_failed", "Request validation failed", err.Error())
	case errors.Is(err, shared.ErrInsufficientBalance):
		writeJSONError(w, http.StatusConflict, "insufficient_balance", "Not enough coins")
	case shared.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, shared.ErrTimeout):
		log.Warn("request timed out", logger.Err(err))
		writeJSONError(w, http.StatusGatewayTimeout, "timeout", "The learning system did not answer in time")
	case shared.IsExternalService(err):
		log.Warn("learning source unavailable", logger.Err(err))
		writeJSONError(w, http.StatusServiceUnavailable, "source_unavailable", "The learning system is unavailable, retry later")
	default:
		log.Error("request failed", logger.Err(err))
		writeJSONError(w, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
	}
}

func userParam(w http.ResponseWriter, r *http.Request) (shared.UserID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_user_id", "User ID must be a positive integer")
		return 0, false
	}
	return shared.UserID(id), true
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, handlers.ErrorBody{Error: code, Message: message})
}

func writeJSONErrorWithDetails(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, handlers.ErrorBody{Error: code, Message: message, Details: details})
}
