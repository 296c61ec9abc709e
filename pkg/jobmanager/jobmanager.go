// Package jobmanager drives the job state machine, registers outputs
// and lineage on success, and records failures (component C5).
package jobmanager

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"tagrun.dev/internal/magic"
	"tagrun.dev/pkg/blobstore"
	"tagrun.dev/pkg/repository"
)

// Manager owns the Submitted -> Running -> {Success, Failed} state
// machine. Finish operations copy runner outputs into the blob store
// and apply tags/lineage as one repository transaction.
type Manager struct {
	Repo  repository.Repository
	Blobs blobstore.Store
	Log   *log.Logger
}

// New returns a Manager backed by repo and blobs.
func New(repo repository.Repository, blobs blobstore.Store) *Manager {
	return &Manager{Repo: repo, Blobs: blobs, Log: log.New(os.Stderr, "jobmanager: ", log.LstdFlags)}
}

// Create inserts a Submitted job and returns immediately; the caller
// (pkg/engine) is responsible for handing the id to the Scheduler.
func (m *Manager) Create(ctx context.Context, uploadID, functionID string) (repository.Job, error) {
	return m.Repo.CreateJob(ctx, uploadID, functionID)
}

// Admit performs the CAS from Submitted to Running. Called by the
// Scheduler once a permit has been acquired.
func (m *Manager) Admit(ctx context.Context, jobID string) (repository.Job, error) {
	return m.Repo.AdmitJob(ctx, jobID)
}

// FinishOK copies each runner-reported output path into the blob store,
// applies the function's output_tags plus the extension tag of that
// output, writes a success lineage edge, and transitions the job to
// Success.
func (m *Manager) FinishOK(ctx context.Context, jobID string, outputPaths []string) (repository.Job, error) {
	job, err := m.Repo.GetJob(ctx, jobID)
	if err != nil {
		return repository.Job{}, err
	}
	fn, err := m.Repo.GetFunction(ctx, job.FunctionID)
	if err != nil {
		return repository.Job{}, err
	}

	outputs := make([]repository.NewOutputUpload, 0, len(outputPaths))
	for _, path := range outputPaths {
		spec, err := m.putOutputFile(ctx, path, fn.OutputTags)
		if err != nil {
			return repository.Job{}, err
		}
		outputs = append(outputs, spec)
	}

	job, _, err = m.Repo.FinishJobSuccess(ctx, jobID, outputs)
	if err != nil {
		return repository.Job{}, err
	}
	return job, nil
}

// FinishFail records stderrCapture as a single .log upload tagged only
// with the .log extension tag, writes a failure lineage edge, and
// transitions the job to Failed with errMessage.
func (m *Manager) FinishFail(ctx context.Context, jobID, errMessage, stderrCapture string) (repository.Job, error) {
	handle, err := m.Blobs.PutUpload(ctx, strings.NewReader(stderrCapture), ".log")
	if err != nil {
		return repository.Job{}, err
	}
	logUpload := repository.NewOutputUpload{
		StoredHandle:     handle,
		OriginalFilename: fmt.Sprintf("%s.log", jobID),
		Size:             int64(len(stderrCapture)),
		MIMEType:         "text/plain",
	}
	return m.Repo.FinishJobFailure(ctx, jobID, errMessage, logUpload)
}

// Reconcile transitions Running jobs whose started_at predates
// olderThanSeconds to Failed with message "interrupted", per the
// crash-recovery scan run once at process startup.
func (m *Manager) Reconcile(ctx context.Context, olderThanSeconds int64) (int, error) {
	n, err := m.Repo.ReconcileStaleRunning(ctx, olderThanSeconds)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.Log.Printf("reconciliation: marked %d stale Running job(s) as interrupted", n)
	}
	return n, nil
}

func (m *Manager) putOutputFile(ctx context.Context, path string, outputTags []string) (repository.NewOutputUpload, error) {
	f, err := os.Open(path)
	if err != nil {
		return repository.NewOutputUpload{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return repository.NewOutputUpload{}, err
	}

	mtype, reader := magic.MIMETypeFromReader(f)
	ext := filepath.Ext(path)
	handle, err := m.Blobs.PutUpload(ctx, reader, ext)
	if err != nil {
		return repository.NewOutputUpload{}, err
	}
	return repository.NewOutputUpload{
		StoredHandle:     handle,
		OriginalFilename: filepath.Base(path),
		Size:             fi.Size(),
		MIMEType:         mtype,
		ExtraTags:        outputTags,
	}, nil
}
