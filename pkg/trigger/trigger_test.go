package trigger

import (
	"context"
	"testing"

	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/repository/memrepo"
)

func setup(t *testing.T) (*memrepo.Repository, *Resolver) {
	t.Helper()
	repo := memrepo.New()
	return repo, New(repo)
}

func enableFn(t *testing.T, repo *memrepo.Repository, id string) repository.Function {
	t.Helper()
	f, err := repo.SetFunctionEnabled(context.Background(), id, true)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestEligibleRequiresSubsetAndEnabled(t *testing.T) {
	repo, resolver := setup(t)
	ctx := context.Background()
	repo.CreateTag(ctx, "raw", "red")

	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", InputTags: []string{"raw", ".csv"}, OutputTags: []string{"processed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	up, err := repo.CreateUpload(ctx, repository.UploadInput{
		StoredHandle: "h", OriginalFilename: "a.csv", TagNames: []string{"raw"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Not enabled yet: no eligible functions.
	elig, err := resolver.Eligible(ctx, up.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(elig) != 0 {
		t.Fatalf("expected 0 eligible before enabling, got %d", len(elig))
	}

	enableFn(t, repo, fn.ID)
	elig, err = resolver.Eligible(ctx, up.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(elig) != 1 || elig[0].ID != fn.ID {
		t.Fatalf("expected [f1] eligible, got %+v", elig)
	}
}

func TestEligibleExcludesAncestorProducer(t *testing.T) {
	repo, resolver := setup(t)
	ctx := context.Background()

	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", InputTags: []string{".csv"}, OutputTags: []string{".json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	enableFn(t, repo, fn.ID)

	src, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h1", OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := repo.CreateJob(ctx, src.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AdmitJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	_, newUploads, err := repo.FinishJobSuccess(ctx, job.ID, []repository.NewOutputUpload{
		{StoredHandle: "h2", OriginalFilename: "a.json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	output := newUploads[0]

	// output is tagged .json, which doesn't match f1's input_tags (.csv),
	// so register a second function triggered by .json that f1 itself
	// could also match transitively were it not for the ancestor guard.
	fn2, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f2", InputTags: []string{".json"}, OutputTags: []string{".csv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	enableFn(t, repo, fn2.ID)

	elig, err := resolver.Eligible(ctx, output.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range elig {
		if f.ID == fn.ID {
			t.Fatalf("f1 should be excluded: it already produced an ancestor of this upload")
		}
	}
	found := false
	for _, f := range elig {
		if f.ID == fn2.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected f2 eligible, got %+v", elig)
	}
}

func TestEligibleDeduplicatesTerminalJobsUnlessManual(t *testing.T) {
	repo, resolver := setup(t)
	ctx := context.Background()
	fn, err := repo.CreateFunction(ctx, repository.FunctionInput{Name: "f1", InputTags: []string{".csv"}})
	if err != nil {
		t.Fatal(err)
	}
	enableFn(t, repo, fn.ID)
	up, err := repo.CreateUpload(ctx, repository.UploadInput{StoredHandle: "h", OriginalFilename: "a.csv"})
	if err != nil {
		t.Fatal(err)
	}
	job, err := repo.CreateJob(ctx, up.ID, fn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AdmitJob(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.FinishJobFailure(ctx, job.ID, "boom", repository.NewOutputUpload{
		StoredHandle: "hlog", OriginalFilename: "job.log",
	}); err != nil {
		t.Fatal(err)
	}

	elig, err := resolver.Eligible(ctx, up.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(elig) != 0 {
		t.Fatalf("expected 0 eligible after terminal job, got %d", len(elig))
	}

	elig, err = resolver.Eligible(ctx, up.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(elig) != 1 {
		t.Fatalf("expected 1 eligible with manual=true, got %d", len(elig))
	}
}

func TestWouldCycleSelfLoop(t *testing.T) {
	_, resolver := setup(t)
	cyclic, err := resolver.WouldCycle(context.Background(), "f1", []string{"x"}, []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if !cyclic {
		t.Fatal("expected self-loop to be detected as a cycle")
	}
}

func TestWouldCycleBackEdge(t *testing.T) {
	repo, resolver := setup(t)
	ctx := context.Background()
	if _, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", InputTags: []string{".csv"}, OutputTags: []string{"x"},
	}); err != nil {
		t.Fatal(err)
	}
	cyclic, err := resolver.WouldCycle(ctx, "f2", []string{"x"}, []string{".csv"})
	if err != nil {
		t.Fatal(err)
	}
	if !cyclic {
		t.Fatal("expected enabling f2 (x -> .csv) to be rejected: it closes a cycle with f1 (.csv -> x)")
	}
}

func TestWouldCycleFalseForAcyclicChain(t *testing.T) {
	repo, resolver := setup(t)
	ctx := context.Background()
	if _, err := repo.CreateFunction(ctx, repository.FunctionInput{
		Name: "f1", InputTags: []string{".csv"}, OutputTags: []string{".parquet", "staged"},
	}); err != nil {
		t.Fatal(err)
	}
	cyclic, err := resolver.WouldCycle(ctx, "f2", []string{"staged"}, []string{".json"})
	if err != nil {
		t.Fatal(err)
	}
	if cyclic {
		t.Fatal("chaining f1 -> f2 should not be flagged as a cycle")
	}
}
