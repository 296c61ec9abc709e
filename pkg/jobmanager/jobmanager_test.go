package jobmanager

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tagrun.dev/pkg/blobstore/memstore"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/repository/memrepo"
)

func tagNames(tags []repository.Tag) []string {
	names := make([]string, len(tags))
	for i, tg := range tags {
		names[i] = tg.Name
	}
	sort.Strings(names)
	return names
}

func TestFinishOKAppliesTagsAndLineage(t *testing.T) {
	repo := memrepo.New()
	blobs := memstore.New()
	mgr := New(repo, blobs)
	ctx := context.Background()

	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", InputTags: []string{".csv"}, OutputTags: []string{"processed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	src, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := mgr.Create(ctx, src.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Admit(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	outPath := filepath.Join(dir, "a.json")
	if err := ioutil.WriteFile(outPath, []byte(`[{"x":1}]`), 0644); err != nil {
		t.Fatal(err)
	}

	job, err = mgr.FinishOK(ctx, job.ID, []string{outPath})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusSuccess {
		t.Fatalf("expected Success, got %s", job.Status)
	}
	if len(job.OutputUploadIDs) != 1 {
		t.Fatalf("expected 1 output upload, got %d", len(job.OutputUploadIDs))
	}

	tags, err := repo.ListTagsOfUpload(ctx, job.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{".json", "processed"}, tagNames(tags)); diff != "" {
		t.Fatalf("output tags mismatch (-want +got):\n%s", diff)
	}

	lineage, err := repo.ListLineageByOutput(ctx, job.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 1 || !lineage[0].Success || lineage[0].SourceUploadID != src.ID {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}
	if blobs.NumBlobs() != 1 {
		t.Fatalf("expected 1 blob stored (the output; the source was never PutUpload'd through this manager), got %d", blobs.NumBlobs())
	}
}

func TestFinishFailRecordsLogUpload(t *testing.T) {
	repo := memrepo.New()
	blobs := memstore.New()
	mgr := New(repo, blobs)
	ctx := context.Background()

	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	src, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := mgr.Create(ctx, src.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Admit(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job, err = mgr.FinishFail(ctx, job.ID, "boom: traceback", "Traceback (most recent call last):\nboom\n")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusFailed || job.ErrorMessage != "boom: traceback" {
		t.Fatalf("unexpected job: %+v", job)
	}
	tags, err := repo.ListTagsOfUpload(ctx, job.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != ".log" {
		t.Fatalf("expected .log-only tags, got %+v", tags)
	}
}

func TestReconcileMarksStaleRunningInterrupted(t *testing.T) {
	repo := memrepo.New()
	blobs := memstore.New()
	mgr := New(repo, blobs)
	ctx := context.Background()

	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	src, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := mgr.Create(ctx, src.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Admit(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, err := mgr.Reconcile(ctx, -1) // cutoff in the future: guaranteed to catch startedAt
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled job, got %d", n)
	}
	got, err := repo.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != repository.StatusFailed || got.ErrorMessage != "interrupted" {
		t.Fatalf("expected Failed/interrupted, got %+v", got)
	}
}
