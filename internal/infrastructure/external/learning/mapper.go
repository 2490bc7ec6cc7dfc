package learning

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/achievement"
	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// MappingError describes a DTO that could not be converted.
type MappingError struct {
	Field   string
	Value   any
	Message string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// SnapshotFromDTO converts a response into a domain snapshot.
// Activities with a non-positive cmid are rejected; duplicates keep the first.
func SnapshotFromDTO(dto SnapshotDTO, user shared.UserID, scope shared.Scope) (achievement.Snapshot, error) {
	if dto.UserID != 0 && dto.UserID != user.Int64() {
		return achievement.Snapshot{}, &MappingError{Field: "user_id", Value: dto.UserID, Message: "does not match request"}
	}
	taken := dto.TakenAt
	if taken.IsZero() {
		taken = time.Now().UTC()
	}

	snap := achievement.Snapshot{UserID: user, Scope: scope, TakenAt: taken.UTC()}
	seen := make(map[int64]bool, len(dto.Activities))
	for _, a := range dto.Activities {
		if a.CourseModuleID <= 0 {
			return achievement.Snapshot{}, &MappingError{Field: "cmid", Value: a.CourseModuleID, Message: "must be positive"}
		}
		if seen[a.CourseModuleID] {
			continue
		}
		seen[a.CourseModuleID] = true
		snap.Activities = append(snap.Activities, ActivityFromDTO(a))
	}
	return snap, nil
}

// ActivityFromDTO converts one activity.
func ActivityFromDTO(dto ActivityDTO) achievement.Activity {
	a := achievement.Activity{
		ID:          dto.CourseModuleID,
		Name:        dto.Name,
		CompletedAt: unixTime(dto.CompletedAt),
		Deadline:    unixTime(dto.Deadline),
		Gradeable:   dto.Gradeable,
		PassGrade:   dto.PassGrade,
		MaxGrade:    dto.MaxGrade,
	}
	if a.Name == "" {
		a.Name = "activity " + strconv.FormatInt(dto.CourseModuleID, 10)
	}
	for _, at := range dto.Attempts {
		a.Attempts = append(a.Attempts, achievement.Attempt{Grade: at.Grade, GradedAt: at.GradedAt.UTC()})
	}
	return a
}

// ScopesFromDTO turns course IDs into scopes, dropping the site and invalid IDs.
func ScopesFromDTO(dto CoursesDTO) []shared.Scope {
	out := make([]shared.Scope, 0, len(dto.Courses))
	for _, id := range dto.Courses {
		if id > 0 {
			out = append(out, shared.CourseScope(id))
		}
	}
	return out
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
