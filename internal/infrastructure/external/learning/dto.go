package learning

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE WRAPPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIResponse is the envelope of every learning-system response.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Meta holds pagination info.
type Meta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY DTOs
// ══════════════════════════════════════════════════════════════════════════════

// AttemptDTO is one graded attempt.
type AttemptDTO struct {
	Grade    float64   `json:"grade"`
	GradedAt time.Time `json:"graded_at"`
}

// ActivityDTO is one course module as the learning system reports it.
// Times are unix seconds; zero means unset.
type ActivityDTO struct {
	CourseModuleID int64        `json:"cmid"`
	Name           string       `json:"name"`
	CompletedAt    int64        `json:"completed_at"`
	Deadline       int64        `json:"deadline"`
	Gradeable      bool         `json:"gradeable"`
	PassGrade      float64      `json:"pass_grade"`
	MaxGrade       float64      `json:"max_grade"`
	Attempts       []AttemptDTO `json:"attempts,omitempty"`
}

// SnapshotDTO is the activity list of a user within a course (0 = site).
type SnapshotDTO struct {
	UserID     int64         `json:"user_id"`
	CourseID   int64         `json:"course_id"`
	TakenAt    time.Time     `json:"taken_at"`
	Activities []ActivityDTO `json:"activities"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ENROLMENT DTOs
// ══════════════════════════════════════════════════════════════════════════════

// UsersPageDTO is one page of active user IDs.
type UsersPageDTO struct {
	Users []int64 `json:"users"`
}

// CoursesDTO lists the courses a user is enrolled in.
type CoursesDTO struct {
	Courses []int64 `json:"courses"`
}

// APIErrorDTO represents an error response body.
type APIErrorDTO struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIErrorDTO) Error() string {
	if e.Message == "" {
		return "learning api: status " + itoa(e.Status)
	}
	return "learning api: status " + itoa(e.Status) + ": " + e.Message
}
