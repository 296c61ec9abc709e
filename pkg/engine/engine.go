// Package engine wires the Repository, Blob Store, Subprocess Runner,
// Trigger Resolver, Job Manager, and Execution Scheduler into one
// Engine type exposing the public operations a transport layer (HTTP,
// CLI, tests) would call. Grounded on the overall shape of the
// teacher's top-level wiring (a single struct holding every subsystem
// handle, constructed once at startup).
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"tagrun.dev/pkg/blobstore"
	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/jobmanager"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/scheduler"
	"tagrun.dev/pkg/trigger"
)

// Engine is the single seam a transport layer sits behind.
type Engine struct {
	Repo      repository.Repository
	Blobs     blobstore.Store
	Trigger   *trigger.Resolver
	Jobs      *jobmanager.Manager
	Scheduler *scheduler.Scheduler
	Log       *log.Logger
}

// New wires repo, blobs, and sched (already constructed with its
// Runner) into an Engine, installing the Scheduler's OnJobFinished hook
// so a job's newly registered outputs re-enter the Trigger Resolver.
func New(repo repository.Repository, blobs blobstore.Store, sched *scheduler.Scheduler) *Engine {
	e := &Engine{
		Repo:      repo,
		Blobs:     blobs,
		Trigger:   trigger.New(repo),
		Jobs:      sched.Jobs,
		Scheduler: sched,
		Log:       log.New(os.Stderr, "engine: ", log.LstdFlags),
	}
	sched.OnJobFinished = e.onJobFinished
	return e
}

// Reconcile runs the crash-recovery scan once at startup, before the
// Scheduler begins accepting Submits.
func (e *Engine) Reconcile(ctx context.Context, olderThanSeconds int64) (int, error) {
	return e.Jobs.Reconcile(ctx, olderThanSeconds)
}

// UploadFile stores data as a new upload tagged with tagNames (plus its
// auto-derived extension tag) and triggers any functions it satisfies.
func (e *Engine) UploadFile(ctx context.Context, data io.Reader, filename string, size int64, tagNames []string) (repository.Upload, error) {
	ext := extOf(filename)
	handle, err := e.Blobs.PutUpload(ctx, data, ext)
	if err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "put upload", Err: err}
	}
	up, err := e.Repo.CreateUpload(ctx, repository.UploadInput{
		StoredHandle: handle, OriginalFilename: filename, Size: size, TagNames: tagNames,
	})
	if err != nil {
		return repository.Upload{}, err
	}
	e.triggerUpload(ctx, up.ID, false)
	return up, nil
}

// TagUpload applies tagID to uploadID and re-evaluates triggers, since
// a newly applied tag can make a previously ineligible function's
// predicate satisfied.
func (e *Engine) TagUpload(ctx context.Context, uploadID, tagID string) error {
	if err := e.Repo.AddTagToUpload(ctx, uploadID, tagID); err != nil {
		return err
	}
	e.triggerUpload(ctx, uploadID, false)
	return nil
}

// RegisterFunction creates a function, stores scriptData as its first
// script version, and leaves it disabled: EnableFunction is a separate
// step so the cycle check runs exactly once, at enable time.
func (e *Engine) RegisterFunction(ctx context.Context, in repository.FunctionInput, scriptData io.Reader, scriptExt string) (repository.Function, error) {
	fn, err := e.Repo.CreateFunction(ctx, in)
	if err != nil {
		return repository.Function{}, err
	}
	handle, err := e.Blobs.PutScript(ctx, scriptData, fn.ID, nowUnix(), scriptExt)
	if err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "put script", Err: err}
	}
	return e.Repo.UpdateFunction(ctx, fn.ID, repository.FunctionUpdate{ScriptHandle: &handle})
}

// ReplaceScript stores a new script version for an existing function.
func (e *Engine) ReplaceScript(ctx context.Context, functionID string, scriptData io.Reader, scriptExt string) (repository.Function, error) {
	handle, err := e.Blobs.PutScript(ctx, scriptData, functionID, nowUnix(), scriptExt)
	if err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "put script", Err: err}
	}
	return e.Repo.UpdateFunction(ctx, functionID, repository.FunctionUpdate{ScriptHandle: &handle})
}

// EnableFunction runs the cycle-prevention check before flipping the
// function's enabled flag, per the Repository/Resolver composition:
// SetFunctionEnabled itself performs no cycle awareness.
func (e *Engine) EnableFunction(ctx context.Context, functionID string) (repository.Function, error) {
	fn, err := e.Repo.GetFunction(ctx, functionID)
	if err != nil {
		return repository.Function{}, err
	}
	cyclic, err := e.Trigger.WouldCycle(ctx, functionID, fn.InputTags, fn.OutputTags)
	if err != nil {
		return repository.Function{}, err
	}
	if cyclic {
		return repository.Function{}, &engineerr.Conflict{Reason: fmt.Sprintf("enabling function %q would introduce a cycle", fn.Name)}
	}
	return e.Repo.SetFunctionEnabled(ctx, functionID, true)
}

// DisableFunction never needs a cycle check: removing an edge cannot
// introduce a cycle.
func (e *Engine) DisableFunction(ctx context.Context, functionID string) (repository.Function, error) {
	return e.Repo.SetFunctionEnabled(ctx, functionID, false)
}

// Retrigger manually re-runs eligible functions against uploadID,
// bypassing the terminal-job deduplication rule (an explicit re-trigger
// request is allowed to run again against a pair that already has a
// completed job).
func (e *Engine) Retrigger(ctx context.Context, uploadID string) error {
	return e.triggerUploadErr(ctx, uploadID, true)
}

func (e *Engine) onJobFinished(ctx context.Context, job repository.Job) {
	if job.Status != repository.StatusSuccess {
		return
	}
	for _, outputID := range job.OutputUploadIDs {
		e.triggerUpload(ctx, outputID, false)
	}
}

func (e *Engine) triggerUpload(ctx context.Context, uploadID string, manual bool) {
	if err := e.triggerUploadErr(ctx, uploadID, manual); err != nil {
		e.Log.Printf("upload %s: trigger resolution failed: %v", uploadID, err)
	}
}

func (e *Engine) triggerUploadErr(ctx context.Context, uploadID string, manual bool) error {
	fns, err := e.Trigger.Eligible(ctx, uploadID, manual)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		job, err := e.Jobs.Create(ctx, uploadID, fn.ID)
		if err != nil {
			var conflict *engineerr.Conflict
			if ok := errorsAsConflict(err, &conflict); ok {
				continue // an active job already covers this pair
			}
			return err
		}
		e.Scheduler.Submit(ctx, job.ID)
	}
	return nil
}

func errorsAsConflict(err error, target **engineerr.Conflict) bool {
	c, ok := err.(*engineerr.Conflict)
	if !ok {
		return false
	}
	*target = c
	return true
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}

// nowUnix is a var so tests can override it; Date.Now()-style wall
// clock reads belong at the boundary, not scattered through the call
// chain.
var nowUnix = func() int64 { return time.Now().Unix() }
