// Package trigger computes, for a tagged upload, the set of functions
// eligible to run against it (component C4): enabled functions whose
// input tag predicate is satisfied, excluding any function that would
// re-trigger on output it already produced (directly or transitively),
// and deduplicating against existing jobs for the same pair.
package trigger

import (
	"context"

	"tagrun.dev/pkg/repository"
)

// Resolver computes eligible functions and checks whether enabling a
// function would introduce a cycle in the function-dependency graph.
type Resolver struct {
	Repo repository.Repository
}

// New returns a Resolver backed by repo.
func New(repo repository.Repository) *Resolver {
	return &Resolver{Repo: repo}
}

// Eligible returns the functions that should trigger against upload,
// given its current tag set. manual bypasses the terminal-job
// deduplication rule, allowing an explicit re-trigger request to run
// again against an (upload, function) pair that already has a
// completed job.
func (r *Resolver) Eligible(ctx context.Context, uploadID string, manual bool) ([]repository.Function, error) {
	tags, err := r.Repo.ListTagsOfUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	candidates, err := r.Repo.ListFunctionsEligibleForTagSet(ctx, tagNames)
	if err != nil {
		return nil, err
	}

	ancestorFns, err := r.ancestorFunctions(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	var out []repository.Function
	for _, f := range candidates {
		if ancestorFns[f.ID] {
			continue // f already produced an ancestor of this upload; would cycle
		}
		active, err := r.Repo.FindActiveJob(ctx, uploadID, f.ID)
		if err != nil {
			return nil, err
		}
		if active != nil {
			continue
		}
		if !manual {
			terminal, err := r.Repo.FindTerminalJob(ctx, uploadID, f.ID)
			if err != nil {
				return nil, err
			}
			if terminal != nil {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// ancestorFunctions walks lineage upward from uploadID and returns the
// set of function ids that produced any ancestor, directly or
// transitively.
func (r *Resolver) ancestorFunctions(ctx context.Context, uploadID string) (map[string]bool, error) {
	seenUploads := map[string]bool{uploadID: true}
	seenFns := map[string]bool{}
	queue := []string{uploadID}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		edges, err := r.Repo.ListLineageByOutput(ctx, u)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			seenFns[e.FunctionID] = true
			if !seenUploads[e.SourceUploadID] {
				seenUploads[e.SourceUploadID] = true
				queue = append(queue, e.SourceUploadID)
			}
		}
	}
	return seenFns, nil
}

// WouldCycle reports whether enabling candidate (with the given
// hypothetical input/output tag sets) would introduce a cycle in the
// function-dependency graph G, whose edge F1 -> F2 exists when
// output_tags(F1) and input_tags(F2) intersect. A self-loop (candidate's
// own input and output tags intersect) always counts as a cycle.
func (r *Resolver) WouldCycle(ctx context.Context, candidateID string, inputTags, outputTags []string) (bool, error) {
	if intersects(inputTags, outputTags) {
		return true, nil
	}

	all, err := r.Repo.ListFunctions(ctx)
	if err != nil {
		return false, err
	}
	type node struct {
		in, out []string
	}
	graph := make(map[string]node, len(all)+1)
	for _, f := range all {
		if f.ID == candidateID {
			continue
		}
		graph[f.ID] = node{in: f.InputTags, out: f.OutputTags}
	}
	graph[candidateID] = node{in: inputTags, out: outputTags}

	// DFS from candidateID along edges candidateID -> X -> ... ; a
	// cycle exists iff we can walk back to candidateID.
	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		for otherID, other := range graph {
			if otherID == id {
				continue
			}
			if intersects(graph[id].out, other.in) {
				if otherID == candidateID {
					return true
				}
				if visit(otherID) {
					return true
				}
			}
		}
		return false
	}
	return visit(candidateID), nil
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}
