package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// LearningSource is a programmable stand-in for the learning system. It
// serves snapshots and enrolment lists.
type LearningSource struct {
	mu         sync.RWMutex
	activities map[shared.UserID]map[shared.Scope][]achievement.Activity
	errs       map[shared.UserID]error
	calls      int
	now        func() time.Time
}

// NewLearningSource creates an empty source.
func NewLearningSource() *LearningSource {
	return &LearningSource{
		activities: make(map[shared.UserID]map[shared.Scope][]achievement.Activity),
		errs:       make(map[shared.UserID]error),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Set replaces the activities of user in scope.
func (s *LearningSource) Set(user shared.UserID, scope shared.Scope, activities ...achievement.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activities[user] == nil {
		s.activities[user] = make(map[shared.Scope][]achievement.Activity)
	}
	s.activities[user][scope] = append([]achievement.Activity(nil), activities...)
}

// Fail makes reads for user return err until cleared with Fail(user, nil).
func (s *LearningSource) Fail(user shared.UserID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, user)
		return
	}
	s.errs[user] = err
}

// Calls returns the number of ReadSnapshot calls served.
func (s *LearningSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// ReadSnapshot returns the stored activities. The site scope sees the
// activities of every course.
func (s *LearningSource) ReadSnapshot(ctx context.Context, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return achievement.Snapshot{}, err
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.errs[user]; err != nil {
		return achievement.Snapshot{}, err
	}

	snap := achievement.Snapshot{UserID: user, Scope: scope, TakenAt: s.now()}
	if scope.IsSite() {
		for _, sc := range s.scopesLocked(user) {
			snap.Activities = append(snap.Activities, s.activities[user][sc]...)
		}
		snap.Activities = append(snap.Activities, s.activities[user][shared.SiteScope]...)
		return snap, nil
	}
	snap.Activities = append(snap.Activities, s.activities[user][scope]...)
	return snap, nil
}

// Users lists every user with activities.
func (s *LearningSource) Users(_ context.Context) ([]shared.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shared.UserID, 0, len(s.activities))
	for id := range s.activities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Scopes lists the user's course scopes, ordered by course ID.
func (s *LearningSource) Scopes(_ context.Context, user shared.UserID) ([]shared.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scopesLocked(user), nil
}

func (s *LearningSource) scopesLocked(user shared.UserID) []shared.Scope {
	var out []shared.Scope
	for sc := range s.activities[user] {
		if !sc.IsSite() {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out
}
