package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc runs one execution of a job and returns a short result for the log.
type JobFunc func(ctx context.Context) (string, error)

// JobState is the persisted outcome of a job's most recent run.
type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt"`
	LastStatus string    `json:"lastStatus"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	State    JobState
}

type job struct {
	name     string
	schedule string
	sched    rcron.Schedule
	run      JobFunc
	entry    rcron.EntryID
	state    JobState
}

// parser accepts standard five-field specs, an optional leading seconds
// field and descriptors such as "@every 5m".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

type Service struct {
	statePath string
	mu        sync.Mutex
	jobs      map[string]*job
	saved     map[string]JobState
	cron      *rcron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	now       func() time.Time
}

// NewService creates a scheduler. statePath may be empty to keep run state in memory only.
func NewService(statePath string) *Service {
	s := &Service{
		statePath: statePath,
		jobs:      make(map[string]*job),
		saved:     make(map[string]JobState),
		ctx:       context.Background(),
		now:       time.Now,
	}
	if err := s.load(); err != nil {
		log.Printf("[cron] warning: failed to load state: %v", err)
	}
	return s
}

// ParseSchedule validates a schedule spec.
func ParseSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// AddJob registers run under name. Jobs added after Start are scheduled immediately.
func (s *Service) AddJob(name, schedule string, run JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if run == nil {
		return fmt.Errorf("job %s has no handler", name)
	}
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, schedule: schedule, sched: sched, run: run, state: s.saved[name]}
	s.jobs[name] = j
	if s.cron != nil {
		s.registerJob(j)
	}
	return nil
}

func (s *Service) registerJob(j *job) {
	j.entry = s.cron.Schedule(j.sched, rcron.FuncJob(func() {
		s.executeJob(s.runContext(), j.name)
	}))
}

func (s *Service) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(
		rcron.WithParser(parser),
		rcron.WithChain(rcron.SkipIfStillRunning(rcron.PrintfLogger(log.Default()))),
	)
	for _, j := range s.jobs {
		s.registerJob(j)
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	log.Printf("[cron] started with %d jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// RunNow executes name once on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(ctx, name)
}

func (s *Service) executeJob(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}

	log.Printf("[cron] executing job %s", name)
	result, err := j.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.LastRunAt = s.now()
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
	}
	s.saved[name] = j.state
	if saveErr := s.save(); saveErr != nil {
		log.Printf("[cron] save state: %v", saveErr)
	}
	return err
}

// ListJobs returns registered jobs sorted by name. Next is zero until the
// scheduler is started.
func (s *Service) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Schedule: j.schedule, State: j.state}
		if s.cron != nil {
			info.Next = s.cron.Entry(j.entry).Next
		}
		result = append(result, info)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Name < result[b].Name })
	return result
}

// LoadState reads the run state persisted at path, keyed by job name.
func LoadState(path string) (map[string]JobState, error) {
	state := make(map[string]JobState)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cron state: %w", err)
	}
	return state, nil
}

func (s *Service) load() error {
	if s.statePath == "" {
		return nil
	}
	state, err := LoadState(s.statePath)
	if err != nil {
		return err
	}
	s.saved = state
	return nil
}

func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	dir := filepath.Dir(s.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.saved, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
