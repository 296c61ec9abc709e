package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tagrun.dev/pkg/blobstore/memstore"
	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/jobmanager"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/repository/memrepo"
)

// fakeRunner satisfies Runner without invoking a real subprocess.
type fakeRunner struct {
	writeFile string // relative name to create inside outputDir
	content   string
	err       error
}

func (f *fakeRunner) Run(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(outputDir, f.writeFile)
	if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
		return nil, err
	}
	return []string{path}, nil
}

func newFixture(t *testing.T, run Runner) (*Scheduler, *memrepo.Repository, repository.Function, repository.Upload) {
	t.Helper()
	repo := memrepo.New()
	blobs := memstore.New()
	ctx := context.Background()

	scriptHandle, err := blobs.PutScript(ctx, strings.NewReader("def main(p): return None"), "fn", 1, ".py")
	if err != nil {
		t.Fatal(err)
	}
	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", ScriptHandle: scriptHandle, InputTags: []string{".csv"}, OutputTags: []string{"processed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	uploadHandle, err := blobs.PutUpload(ctx, strings.NewReader("a,b\n1,2\n"), ".csv")
	if err != nil {
		t.Fatal(err)
	}
	up, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: uploadHandle, OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}

	mgr := jobmanager.New(repo, blobs)
	sched := New(repo, blobs, mgr, run, 2, t.TempDir(), time.Second)
	return sched, repo, fn, up
}

func TestSubmitRunsJobToSuccess(t *testing.T) {
	sched, repo, fn, up := newFixture(t, &fakeRunner{writeFile: "out.json", content: `{"ok":true}`})
	ctx := context.Background()

	job, err := sched.Jobs.Create(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	sched.Submit(ctx, job.ID)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != repository.StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if len(got.OutputUploadIDs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(got.OutputUploadIDs))
	}
	tags, err := repo.ListTagsOfUpload(ctx, got.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, tg := range tags {
		if tg.Name == "processed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected output tagged 'processed', got %+v", tags)
	}
}

func TestSubmitRunsJobToFailure(t *testing.T) {
	sched, repo, fn, up := newFixture(t, &fakeRunner{err: &engineerr.RunnerFailed{Kind: engineerr.NonZeroExit, Detail: "boom"}})
	ctx := context.Background()

	job, err := sched.Jobs.Create(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	sched.Submit(ctx, job.ID)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != repository.StatusFailed {
		t.Fatalf("expected Failed, got %s", got.Status)
	}
	if len(got.OutputUploadIDs) != 1 {
		t.Fatalf("expected 1 log output, got %d", len(got.OutputUploadIDs))
	}
	tags, err := repo.ListTagsOfUpload(ctx, got.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != ".log" {
		t.Fatalf("expected .log-only tags, got %+v", tags)
	}
}

func TestGateBoundsConcurrency(t *testing.T) {
	repo := memrepo.New()
	blobs := memstore.New()
	ctx := context.Background()
	scriptHandle, _ := blobs.PutScript(ctx, strings.NewReader("x"), "fn", 1, ".py")
	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{Name: "f1", ScriptHandle: scriptHandle, InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	mgr := jobmanager.New(repo, blobs)

	const maxConcurrent = 2
	block := make(chan struct{})
	running := make(chan struct{}, 10)
	run := runnerFunc(func(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error) {
		running <- struct{}{}
		<-block
		return nil, nil
	})
	sched := New(repo, blobs, mgr, run, maxConcurrent, t.TempDir(), time.Second)

	var jobIDs []string
	for i := 0; i < 5; i++ {
		h, _ := blobs.PutUpload(ctx, strings.NewReader("x"), ".csv")
		up, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: h, OriginalFilename: "a.csv"})
		if err != nil {
			t.Fatal(err)
		}
		job, err := mgr.Create(ctx, up.ID, fn.ID)
		if err != nil {
			t.Fatal(err)
		}
		jobIDs = append(jobIDs, job.ID)
		sched.Submit(ctx, job.ID)
	}

	time.Sleep(100 * time.Millisecond)
	if len(running) != maxConcurrent {
		t.Fatalf("expected exactly %d jobs admitted concurrently, got %d", maxConcurrent, len(running))
	}
	close(block)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type runnerFunc func(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error)

func (f runnerFunc) Run(ctx context.Context, scriptPath, inputPath, outputDir string, timeout time.Duration) ([]string, error) {
	return f(ctx, scriptPath, inputPath, outputDir, timeout)
}
