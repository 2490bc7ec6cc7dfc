// Package scheduler runs Ascend's background jobs on top of gocron. The
// periodic achievement sweep is the main tenant; any Job can be registered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yaron-elantis/moodle-local-ascend-rewards-sub001/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job.
	// The context is cancelled when the scheduler is stopping.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// Schedule says when a job runs. Exactly one of Interval or Cron is set.
type Schedule struct {
	Interval time.Duration
	Cron     string

	// Immediately runs the job once as soon as the scheduler starts.
	Immediately bool
}

// Every is an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Interval: d}
}

// Cron is a five-field crontab schedule.
func Cron(expr string) Schedule {
	return Schedule{Cron: expr}
}

// String renders the schedule for logs.
func (s Schedule) String() string {
	out := s.Cron
	if s.Cron == "" {
		out = "every " + s.Interval.String()
	}
	if s.Immediately {
		out += " (run on start)"
	}
	return out
}

func (s Schedule) definition() (gocron.JobDefinition, error) {
	switch {
	case s.Cron != "" && s.Interval > 0:
		return nil, fmt.Errorf("%w: both interval and cron set", ErrInvalidSchedule)
	case s.Cron != "":
		return gocron.CronJob(s.Cron, false), nil
	case s.Interval > 0:
		return gocron.DurationJob(s.Interval), nil
	default:
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidSchedule)
	}
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Error       error
	Manual      bool
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler manages and executes scheduled jobs.
type Scheduler struct {
	mu sync.RWMutex

	logger     *slog.Logger
	timezone   *time.Location
	maxHistory int
	cron       gocron.Scheduler

	// ctx is handed to every run and cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	jobs     map[string]*scheduledJob
	running  bool
	lastRuns map[string]*JobResult
	history  []JobResult

	onJobComplete func(result JobResult)
}

type scheduledJob struct {
	job      Job
	schedule Schedule
	handle   gocron.Job

	// running guards against RunNow overlapping a scheduled run.
	running   sync.Mutex
	runCount  int64
	failCount int64
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Timezone for cron schedules (default: UTC).
	Timezone *time.Location

	// MaxHistorySize is the maximum number of job results kept.
	MaxHistorySize int

	// StopTimeout bounds how long Stop waits for running jobs.
	StopTimeout time.Duration
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Logger:         logger.Discard(),
		Timezone:       time.UTC,
		MaxHistorySize: 100,
		StopTimeout:    time.Minute,
	}
}

// NewScheduler creates a new Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	defaults := DefaultSchedulerConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Timezone == nil {
		config.Timezone = defaults.Timezone
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = defaults.MaxHistorySize
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}

	cron, err := gocron.NewScheduler(
		gocron.WithLocation(config.Timezone),
		gocron.WithStopTimeout(config.StopTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     config.Logger.With(logger.Component("scheduler")),
		timezone:   config.Timezone,
		maxHistory: config.MaxHistorySize,
		cron:       cron,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*scheduledJob),
		lastRuns:   make(map[string]*JobResult),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// Register adds a job with the given schedule. A run that would overlap the
// previous one is skipped and rescheduled.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	def, err := schedule.definition()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{job: job, schedule: schedule}
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if schedule.Immediately {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	handle, err := s.cron.NewJob(def, gocron.NewTask(func() { s.runJob(sj, false) }), opts...)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	sj.handle = handle
	s.jobs[name] = sj

	s.logger.Info("job registered",
		"job", name,
		"description", job.Description(),
		"schedule", schedule.String(),
	)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins scheduling. It does not block.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	if s.ctx.Err() != nil {
		return ErrSchedulerStopped
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs_count", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for them up to the stop timeout.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	err := s.cron.Shutdown()
	s.logger.Info("scheduler stopped")
	if err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// OnJobComplete installs a hook called after every run.
func (s *Scheduler) OnJobComplete(fn func(result JobResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJobComplete = fn
}

// ══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) runJob(sj *scheduledJob, manual bool) JobResult {
	name := sj.job.Name()
	log := s.logger.With("job", name)

	sj.running.Lock()
	defer sj.running.Unlock()

	startedAt := time.Now()
	log.Info("job started", "manual", manual)

	err := s.safeRun(s.ctx, sj.job)

	completedAt := time.Now()
	result := JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Error:       err,
		Manual:      manual,
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	jobRuns.WithLabelValues(name, status).Inc()
	jobDuration.WithLabelValues(name).Observe(result.Duration.Seconds())

	s.mu.Lock()
	sj.runCount++
	if err != nil {
		sj.failCount++
	}
	s.lastRuns[name] = &result
	s.history = append(s.history, result)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	hook := s.onJobComplete
	s.mu.Unlock()

	if err != nil {
		log.Error("job failed", logger.Latency(result.Duration), logger.Err(err))
	} else {
		log.Info("job completed", logger.Latency(result.Duration))
	}
	if hook != nil {
		hook(result)
	}
	return result
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// RunNow executes a job immediately, waiting for any scheduled run of the
// same job to finish first.
func (s *Scheduler) RunNow(jobName string) (*JobResult, error) {
	s.mu.RLock()
	sj, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	result := s.runJob(sj, true)
	return &result, result.Error
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo contains information about a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	LastResult  *JobResult
}

// Jobs lists the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		info := JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Schedule:    sj.schedule.String(),
			RunCount:    sj.runCount,
			FailCount:   sj.failCount,
			LastResult:  s.lastRuns[name],
		}
		if next, err := sj.handle.NextRun(); err == nil {
			info.NextRun = next.In(s.timezone)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LastResult returns the latest result for the job, if it ran.
func (s *Scheduler) LastResult(jobName string) (JobResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lastRuns[jobName]
	if !ok {
		return JobResult{}, false
	}
	return *r, true
}

// History returns the retained results, oldest first.
func (s *Scheduler) History() []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]JobResult(nil), s.history...)
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ascend",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Total job executions",
	}, []string{"job", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ascend",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Duration of job executions",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"job"})
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when trying to register a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrInvalidSchedule is returned for a schedule gocron cannot run.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrJobAlreadyExists is returned when a job with the same name already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSchedulerAlreadyRunning is returned when Start is called on a running scheduler.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrSchedulerNotRunning is returned when Stop is called on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrSchedulerStopped is returned when Start is called after Stop.
	ErrSchedulerStopped = errors.New("scheduler has been stopped")
)
