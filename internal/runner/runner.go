package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nanorun/internal/telemetry"
)

// Job is one external process invocation belonging to a pipeline stage.
type Job struct {
	Stage   string
	Name    string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// String renders the command line for logs.
func (j Job) String() string {
	return strings.TrimSpace(j.Command + " " + strings.Join(j.Args, " "))
}

// Runner spawns external jobs. Output is passed through to Stdout/Stderr
// untouched; the runner only looks at exit codes.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	// BaseEnv is inherited by every job before Job.Env is appended.
	BaseEnv []string

	mu     sync.Mutex
	nextID int
	issued map[int]*BackgroundTask
}

// New returns a runner wired to the current process's stdio and environment.
func New() *Runner {
	return &Runner{Stdout: os.Stdout, Stderr: os.Stderr, BaseEnv: os.Environ()}
}

func (r *Runner) command(ctx context.Context, job Job) *exec.Cmd {
	cmd := exec.CommandContext(ctx, job.Command, job.Args...)
	cmd.Dir = job.Dir
	cmd.Stdin = nil
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Env = append(append([]string{}, r.BaseEnv...), job.Env...)
	return cmd
}

// Run starts the job and waits for it. The error is non-nil only when the
// process could not be started or was interrupted; a non-zero exit is
// reported through the code alone.
func (r *Runner) Run(ctx context.Context, job Job) (int, error) {
	log.Info().Str("stage", job.Stage).Str("job", job.Name).Str("cmd", job.String()).Msg("Starting job")
	start := time.Now()
	cmd := r.command(ctx, job)
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", job.Name, err)
	}
	code, err := exitCode(ctx, cmd.Wait())
	recordJob(job, time.Since(start), code)
	log.Info().Str("stage", job.Stage).Str("job", job.Name).Int("exit_code", code).Dur("took", time.Since(start)).Msg("Job finished")
	return code, err
}

// Start launches the job and returns immediately with a handle for Join.
func (r *Runner) Start(ctx context.Context, job Job) (*BackgroundTask, error) {
	cmd := r.command(ctx, job)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", job.Name, err)
	}
	start := time.Now()

	done := make(chan struct{})
	var code int
	var waitErr error
	go func() {
		code, waitErr = exitCode(ctx, cmd.Wait())
		recordJob(job, time.Since(start), code)
		close(done)
	}()
	wait := func() (int, error) {
		<-done
		return code, waitErr
	}
	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	r.mu.Lock()
	if r.issued == nil {
		r.issued = map[int]*BackgroundTask{}
	}
	r.nextID++
	task := NewBackgroundTask(r.nextID, job, cmd.Process.Pid, wait, kill)
	r.issued[task.ID] = task
	r.mu.Unlock()

	log.Info().Str("stage", job.Stage).Str("job", job.Name).Int("pid", task.PID).Str("cmd", job.String()).Msg("Started background job")
	return task, nil
}

// Join blocks until a task issued by this runner terminates.
func (r *Runner) Join(task *BackgroundTask) (int, error) {
	if err := r.release(task); err != nil {
		return -1, err
	}
	log.Info().Str("stage", task.Job.Stage).Str("job", task.Job.Name).Int("pid", task.PID).Msg("Waiting for background job")
	return task.Wait()
}

// Abandon kills a task that will never be joined and reaps its process.
func (r *Runner) Abandon(task *BackgroundTask) error {
	if err := r.release(task); err != nil {
		return err
	}
	log.Warn().Str("stage", task.Job.Stage).Str("job", task.Job.Name).Int("pid", task.PID).Msg("Killing background job")
	return task.Kill()
}

func (r *Runner) release(task *BackgroundTask) error {
	if task == nil {
		return &InvalidHandleError{ID: -1, Reason: "nil task"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issued[task.ID] != task {
		if task.Consumed() {
			return &InvalidHandleError{ID: task.ID, Reason: "already joined"}
		}
		return &InvalidHandleError{ID: task.ID, Reason: "not issued by this runner"}
	}
	delete(r.issued, task.ID)
	return nil
}

func exitCode(ctx context.Context, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	return -1, err
}

func recordJob(job Job, took time.Duration, code int) {
	labels := map[string]string{"stage": job.Stage, "job": job.Name, "exit_code": fmt.Sprint(code)}
	telemetry.TimerGlobal("nanorun_job_duration", took, labels)
	if code == 0 {
		telemetry.CounterGlobal("nanorun_jobs_succeeded", 1, labels)
	} else {
		telemetry.CounterGlobal("nanorun_jobs_failed", 1, labels)
	}
}
