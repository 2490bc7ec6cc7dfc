// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"fmt"
	"strconv"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies a learner in the learning system.
type UserID int64

// IsValid checks if the user ID is valid (positive number).
func (u UserID) IsValid() bool {
	return u > 0
}

// Int64 returns the underlying int64 value.
func (u UserID) Int64() int64 {
	return int64(u)
}

// String returns the string representation.
func (u UserID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// NewUserID creates a new UserID with validation.
func NewUserID(id int64) (UserID, error) {
	if id <= 0 {
		return 0, ErrInvalidUserID
	}
	return UserID(id), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Scope
// ═══════════════════════════════════════════════════════════════════════════

// Scope is the evaluation boundary: one course, or the whole site.
// CourseID == 0 means site-wide.
type Scope struct {
	CourseID int64 `json:"course_id"`
}

// SiteScope is the site-wide scope.
var SiteScope = Scope{}

// CourseScope returns the scope bound to a course.
func CourseScope(courseID int64) Scope {
	return Scope{CourseID: courseID}
}

// IsSite reports whether the scope is site-wide.
func (s Scope) IsSite() bool {
	return s.CourseID == 0
}

// Key returns a stable textual key ("site" or "course:<id>").
func (s Scope) Key() string {
	if s.IsSite() {
		return "site"
	}
	return "course:" + strconv.FormatInt(s.CourseID, 10)
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}

// ParseScope parses a key produced by Scope.Key.
func ParseScope(key string) (Scope, error) {
	if key == "site" || key == "" {
		return SiteScope, nil
	}
	raw, ok := strings.CutPrefix(key, "course:")
	if !ok {
		return Scope{}, fmt.Errorf("%w: scope %q", ErrInvalidInput, key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("%w: scope %q", ErrInvalidInput, key)
	}
	return CourseScope(id), nil
}
