package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/internal/application/engine"
)

type stubSweeper struct {
	report   engine.Report
	deadline bool
}

func (s *stubSweeper) RunForAllUsers(ctx context.Context) engine.Report {
	_, s.deadline = ctx.Deadline()
	return s.report
}

func TestSweepJob_Succeeds(t *testing.T) {
	stub := &stubSweeper{report: engine.Report{
		TotalUsers:  2,
		Users:       []engine.UserReport{{UserID: 1, Grants: 2}, {UserID: 2, Errors: []string{"moodle down"}}},
		Grants:      2,
		FailedUsers: 1,
	}}
	job := NewSweepJob(stub, time.Minute, nil)

	require.NoError(t, job.Run(context.Background()))
	assert.True(t, stub.deadline)

	last, ok := job.LastReport()
	require.True(t, ok)
	assert.Equal(t, 2, last.Grants)
	assert.Equal(t, SweepName, job.Name())
}

func TestSweepJob_NoTimeout(t *testing.T) {
	stub := &stubSweeper{}
	job := NewSweepJob(stub, 0, nil)

	_, ok := job.LastReport()
	assert.False(t, ok)
	require.NoError(t, job.Run(context.Background()))
	assert.False(t, stub.deadline)
}

func TestSweepJob_Failures(t *testing.T) {
	cases := map[string]engine.Report{
		"interrupted":  {TotalUsers: 3, Users: []engine.UserReport{{UserID: 1}}, Interrupted: true},
		"list failed":  {Errors: []string{"list users: timeout"}},
		"every failed": {TotalUsers: 1, Users: []engine.UserReport{{UserID: 1, Errors: []string{"x"}}}, FailedUsers: 1},
	}
	for name, report := range cases {
		t.Run(name, func(t *testing.T) {
			job := NewSweepJob(&stubSweeper{report: report}, 0, nil)
			assert.ErrorIs(t, job.Run(context.Background()), ErrSweepIncomplete)
		})
	}
}
