package memrepo

import (
	"context"
	"testing"

	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/repository"
)

func mustTag(t *testing.T, r *Repository, name string) repository.Tag {
	t.Helper()
	tag, err := r.CreateTag(context.Background(), name, "blue")
	if err != nil {
		t.Fatalf("CreateTag(%q): %v", name, err)
	}
	return tag
}

func TestTagNameUniqueness(t *testing.T) {
	r := New()
	ctx := context.Background()
	mustTag(t, r, "raw")
	if _, err := r.CreateTag(ctx, "raw", "red"); err == nil {
		t.Fatal("expected Conflict creating duplicate tag name")
	} else if _, ok := err.(*engineerr.Conflict); !ok {
		t.Fatalf("expected *engineerr.Conflict, got %T: %v", err, err)
	}
}

func TestTagNameForbidsPlus(t *testing.T) {
	r := New()
	if _, err := r.CreateTag(context.Background(), "a+b", "red"); err == nil {
		t.Fatal("expected Invalid for tag name containing '+'")
	} else if _, ok := err.(*engineerr.Invalid); !ok {
		t.Fatalf("expected *engineerr.Invalid, got %T", err)
	}
}

func TestExtensionTagImmutableAndInUse(t *testing.T) {
	r := New()
	ctx := context.Background()
	ext, err := r.EnsureExtensionTag(ctx, ".csv")
	if err != nil {
		t.Fatal(err)
	}
	newName := "csv2"
	if _, err := r.UpdateTag(ctx, ext.ID, &newName, nil); err == nil {
		t.Fatal("expected Forbidden renaming extension tag")
	} else if _, ok := err.(*engineerr.Forbidden); !ok {
		t.Fatalf("expected *engineerr.Forbidden, got %T", err)
	}

	up, err := r.CreateUpload(ctx, repository.UploadInput{
		StoredHandle: "h1", OriginalFilename: "a.csv", Size: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	tags, err := r.ListTagsOfUpload(ctx, up.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != ".csv" {
		t.Fatalf("expected upload auto-tagged with .csv, got %+v", tags)
	}

	if err := r.DeleteTag(ctx, ext.ID); err == nil {
		t.Fatal("expected InUse deleting a referenced extension tag")
	} else if _, ok := err.(*engineerr.InUse); !ok {
		t.Fatalf("expected *engineerr.InUse, got %T", err)
	}

	if err := r.DeleteUpload(ctx, up.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteTag(ctx, ext.ID); err != nil {
		t.Fatalf("expected delete to succeed once unreferenced: %v", err)
	}
}

func TestJobStatusTransitions(t *testing.T) {
	r := New()
	ctx := context.Background()
	mustTag(t, r, "raw")
	up, err := r.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "a.csv", TagNames: []string{"raw"}})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := r.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{"raw", ".csv"}, OutputTags: []string{"processed"}})
	if err != nil {
		t.Fatal(err)
	}

	job, err := r.CreateJob(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusSubmitted {
		t.Fatalf("expected Submitted, got %s", job.Status)
	}

	if _, err := r.CreateJob(ctx, up.ID, fn.ID); err == nil {
		t.Fatal("expected Conflict creating a second active job for the same pair")
	}

	job, err = r.AdmitJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusRunning || job.StartedAt == nil {
		t.Fatalf("expected Running with started_at set, got %+v", job)
	}

	if _, err := r.AdmitJob(ctx, job.ID); err == nil {
		t.Fatal("expected Conflict re-admitting a Running job")
	}

	job, newUploads, err := r.FinishJobSuccess(ctx, job.ID, []repository.NewOutputUpload{
		{StoredHandle: "h2", OriginalFilename: "a.json", ExtraTags: []string{"processed"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusSuccess || job.CompletedAt == nil {
		t.Fatalf("expected Success with completed_at set, got %+v", job)
	}
	if len(newUploads) != 1 {
		t.Fatalf("expected 1 new upload, got %d", len(newUploads))
	}
	tags, err := r.ListTagsOfUpload(ctx, newUploads[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tg := range tags {
		names[tg.Name] = true
	}
	if !names["processed"] || !names[".json"] {
		t.Fatalf("expected output tagged {processed, .json}, got %+v", tags)
	}

	lineage, err := r.ListLineageByOutput(ctx, newUploads[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 1 || !lineage[0].Success || lineage[0].SourceUploadID != up.ID {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}
}

func TestFinishJobFailureRecordsLogUpload(t *testing.T) {
	r := New()
	ctx := context.Background()
	up, err := r.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "b.csv"})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := r.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	job, err := r.CreateJob(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.AdmitJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	job, err = r.FinishJobFailure(ctx, job.ID, "boom: traceback", repository.NewOutputUpload{
		StoredHandle: "hlog", OriginalFilename: "job.log",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusFailed || job.ErrorMessage != "boom: traceback" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.OutputUploadIDs) != 1 {
		t.Fatalf("expected exactly one output (the .log upload), got %d", len(job.OutputUploadIDs))
	}
	tags, err := r.ListTagsOfUpload(ctx, job.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].Name != ".log" {
		t.Fatalf("expected .log upload tagged only {.log}, got %+v", tags)
	}
	lineage, err := r.ListLineageByOutput(ctx, job.OutputUploadIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(lineage) != 1 || lineage[0].Success {
		t.Fatalf("expected one failure lineage row, got %+v", lineage)
	}
}

func TestCascadeDeleteUpload(t *testing.T) {
	r := New()
	ctx := context.Background()
	up, err := r.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "c.csv"})
	if err != nil {
		t.Fatal(err)
	}
	fn, err := r.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	job, err := r.CreateJob(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteUpload(ctx, up.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetUpload(ctx, up.ID); err == nil {
		t.Fatal("expected upload to be gone")
	}
	job, err = r.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != repository.StatusFailed || job.ErrorMessage != "cancelled" {
		t.Fatalf("expected non-terminal job to be cancelled, got %+v", job)
	}
}

func TestFunctionRequiresNonEmptyInputTags(t *testing.T) {
	r := New()
	if _, err := r.CreateFunction(context.Background(), repository.FunctionInput{Name: "f"}); err == nil {
		t.Fatal("expected Invalid for empty input_tags")
	} else if _, ok := err.(*engineerr.Invalid); !ok {
		t.Fatalf("expected *engineerr.Invalid, got %T", err)
	}
}
