// Package scheduler admits jobs up to a fixed concurrency permit and
// drives each admitted job through the runner, reporting its outcome
// back through the Job Manager (component C6).
//
// The permit counter and the supervised-goroutine bookkeeping are both
// grounded on go4.org/syncutil, exercised throughout the teacher for
// the identical bounded-concurrency purpose (pkg/blobserver/blobpacked's
// packGate/delGate/statGate, each a syncutil.Gate paired with a
// syncutil.Group of worker goroutines).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"go4.org/syncutil"

	"tagrun.dev/pkg/blobstore"
	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/jobmanager"
	"tagrun.dev/pkg/repository"
)

// Runner is the subset of runner.Runner the Scheduler depends on. Tests
// (and pkg/engine's scenario tests) substitute a fake satisfying this
// interface instead of invoking a real subprocess.
type Runner interface {
	Run(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error)
}

// Scheduler owns the concurrency permit and spawns one worker goroutine
// per admitted job.
type Scheduler struct {
	Repo    repository.Repository
	Blobs   blobstore.Store
	Jobs    *jobmanager.Manager
	Runner  Runner
	Log     *log.Logger
	Timeout time.Duration // per-job runner timeout; DefaultTimeout if zero

	outputRoot string
	gate       *syncutil.Gate
	grp        syncutil.Group

	// OnJobFinished, if set, is called after every terminal job
	// transition (Success or Failed) with the finished job. pkg/engine
	// uses this to re-enter the Trigger Resolver for newly registered
	// output uploads, closing the feedback loop the data-flow diagram
	// describes without the Scheduler needing to know about C4.
	OnJobFinished func(ctx context.Context, job repository.Job)
}

// New returns a Scheduler that admits at most maxConcurrent jobs at
// once, materializing each job's outputs under a per-job subdirectory
// of outputRoot.
func New(repo repository.Repository, blobs blobstore.Store, jobs *jobmanager.Manager, run Runner, maxConcurrent int, outputRoot string, timeout time.Duration) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		Repo:       repo,
		Blobs:      blobs,
		Jobs:       jobs,
		Runner:     run,
		Log:        log.New(os.Stderr, "scheduler: ", log.LstdFlags),
		Timeout:    timeout,
		outputRoot: outputRoot,
		gate:       syncutil.NewGate(maxConcurrent),
	}
}

// Submit enqueues jobID for execution and returns at once. The run
// happens on a goroutine tracked by the internal syncutil.Group so Close
// can wait for it to drain; that goroutine first blocks until a permit
// is free (waiters are served in the order they block on the Gate's
// buffered channel send).
func (s *Scheduler) Submit(ctx context.Context, jobID string) {
	s.grp.Go(func() error {
		s.gate.Start()
		defer s.gate.Done()
		s.runJob(ctx, jobID)
		return nil
	})
}

// Close waits for all in-flight jobs to finish, up to ctx's deadline.
func (s *Scheduler) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.grp.Err() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJob admits jobID, stages its input and script to local files,
// invokes the Runner, and reports the outcome through the Job Manager.
// It never returns an error: a failure of the run is terminal for this
// one job and is recorded on the job itself rather than propagated. If
// Admit fails for a reason other than a state conflict, or the Job
// Manager's own finish call fails, the error is only logged.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, err := s.Jobs.Admit(ctx, jobID)
	if err != nil {
		var conflict *engineerr.Conflict
		if errors.As(err, &conflict) {
			return // already admitted or terminal; nothing to do
		}
		s.Log.Printf("job %s: admit failed: %v", jobID, err)
		return
	}

	upload, err := s.Repo.GetUpload(ctx, job.UploadID)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("upload lookup failed: %v", err), "")
		return
	}
	fn, err := s.Repo.GetFunction(ctx, job.FunctionID)
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("function lookup failed: %v", err), "")
		return
	}

	workDir, err := os.MkdirTemp(s.outputRoot, "job-"+jobID+"-")
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("could not create work dir: %v", err), "")
		return
	}
	defer os.RemoveAll(workDir)

	inputPath, err := s.stage(ctx, upload.StoredHandle, filepath.Join(workDir, "input"+filepath.Ext(upload.OriginalFilename)))
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("could not stage input: %v", err), "")
		return
	}
	scriptPath, err := s.stage(ctx, fn.ScriptHandle, filepath.Join(workDir, "script.py"))
	if err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("could not stage script: %v", err), "")
		return
	}

	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		s.failJob(ctx, jobID, fmt.Sprintf("could not create output dir: %v", err), "")
		return
	}

	outputs, err := s.Runner.Run(ctx, scriptPath, inputPath, outDir, s.Timeout)
	if err != nil {
		var rf *engineerr.RunnerFailed
		if errors.As(err, &rf) {
			s.failJob(ctx, jobID, rf.Error(), rf.Detail)
		} else {
			s.failJob(ctx, jobID, err.Error(), "")
		}
		return
	}

	finished, err := s.Jobs.FinishOK(ctx, jobID, outputs)
	if err != nil {
		s.Log.Printf("job %s: finishOK failed: %v", jobID, err)
		return
	}
	if s.OnJobFinished != nil {
		s.OnJobFinished(ctx, finished)
	}
}

func (s *Scheduler) failJob(ctx context.Context, jobID, message, stderrCapture string) {
	finished, err := s.Jobs.FinishFail(ctx, jobID, message, stderrCapture)
	if err != nil {
		s.Log.Printf("job %s: finishFail failed: %v", jobID, err)
		return
	}
	if s.OnJobFinished != nil {
		s.OnJobFinished(ctx, finished)
	}
}

// stage copies the blob behind handle into dest and returns dest.
func (s *Scheduler) stage(ctx context.Context, handle, dest string) (string, error) {
	r, err := s.Blobs.Open(ctx, handle)
	if err != nil {
		return "", err
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return dest, nil
}
