package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"go.uber.org/zap"
)

// Job kinds accepted by the runner
const (
	KindRefreshDataset = "refresh-dataset"
	KindRetrainModel   = "retrain-model"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

const (
	// maxOutput bounds the command output kept per job
	maxOutput = 4096
	// waitDelay bounds how long output pipes stay open after a cancelled command
	waitDelay = time.Second
)

// ErrUnknownKind is returned when no command is configured for a job kind
var ErrUnknownKind = errors.New("unknown job kind")

// Command is an external program launched for one job kind
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Job is a point-in-time view of a submitted job
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     Status     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	// Output is the tail of the command output; it stays in the logs and is never serialized
	Output     string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Runner launches offline jobs asynchronously, one at a time per kind
type Runner struct {
	commands map[string]Command
	logger   *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*Job
	running map[string]string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner for the configured commands
func NewRunner(commands map[string]Command, logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		commands: commands,
		logger:   logger,
		jobs:     make(map[string]*Job),
		running:  make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit queues a job and returns immediately
func (r *Runner) Submit(kind string) (*Job, error) {
	cmd, ok := r.commands[kind]
	if !ok || cmd.Path == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, busy := r.running[kind]; busy {
		return nil, fmt.Errorf("%w: %s job %s", core.ErrAlreadyRunning, kind, id)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	r.running[kind] = job.ID

	r.wg.Add(1)
	go r.run(job, cmd)

	r.logger.Info("Job submitted", zap.String("job_id", job.ID), zap.String("kind", kind))
	return job.snapshot(), nil
}

// Get returns the current state of a job
func (r *Runner) Get(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", core.ErrNotFound, id)
	}
	return job.snapshot(), nil
}

// Shutdown cancels running jobs and waits for them to exit
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(job *Job, command Command) {
	defer r.wg.Done()

	ctx := r.ctx
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind))

	started := time.Now().UTC()
	r.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = &started
	r.mu.Unlock()

	var out tailBuffer
	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	err := cmd.Run()

	exitCode := 0
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		logger.Warn("Job failed", zap.Error(err), zap.Int("exit_code", exitCode), zap.String("output", out.String()))
	} else {
		logger.Info("Job finished", zap.Duration("duration", time.Since(started)))
		logger.Debug("Job output", zap.String("output", out.String()))
	}
	metrics.JobsTotal.WithLabelValues(job.Kind, string(status)).Inc()

	finished := time.Now().UTC()
	r.mu.Lock()
	job.Status = status
	job.ExitCode = &exitCode
	job.Output = out.String()
	job.FinishedAt = &finished
	delete(r.running, job.Kind)
	r.mu.Unlock()
}

func (j *Job) snapshot() *Job {
	cp := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		cp.ExitCode = &code
	}
	return &cp
}

// tailBuffer keeps the last maxOutput bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, _ := t.buf.Write(p)
	if over := t.buf.Len() - maxOutput; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
