// Package memrepo is an in-memory repository.Repository implementation,
// grounded in the same spirit as the teacher's memory-backed blob storage
// twin: a map guarded by a single mutex, with no persistence. It backs
// tests and single-process operation when no database DSN is configured.
package memrepo

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/types"
)

// Repository is an in-memory implementation of repository.Repository.
type Repository struct {
	mu sync.Mutex

	uploads    map[string]repository.Upload
	uploadTags map[string]map[string]bool // uploadID -> tagID set

	tags       map[string]repository.Tag
	tagsByName map[string]string // name -> id

	functions map[string]repository.Function

	jobs map[string]repository.Job

	lineage map[string]repository.LineageEdge
}

// New returns an empty in-memory repository.
func New() *Repository {
	return &Repository{
		uploads:    make(map[string]repository.Upload),
		uploadTags: make(map[string]map[string]bool),
		tags:       make(map[string]repository.Tag),
		tagsByName: make(map[string]string),
		functions:  make(map[string]repository.Function),
		jobs:       make(map[string]repository.Job),
		lineage:    make(map[string]repository.LineageEdge),
	}
}

func now() types.Time3339 { return types.Time3339(time.Now().UTC()) }

func newID() string { return uuid.NewString() }

// --- Tags ---

func validateTagName(name string) error {
	if name == "" {
		return &engineerr.Invalid{Reason: "tag name must not be empty"}
	}
	if strings.Contains(name, "+") {
		return &engineerr.Invalid{Reason: "tag name must not contain '+'"}
	}
	return nil
}

func (r *Repository) CreateTag(ctx context.Context, name, color string) (repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validateTagName(name); err != nil {
		return repository.Tag{}, err
	}
	if _, exists := r.tagsByName[name]; exists {
		return repository.Tag{}, &engineerr.Conflict{Reason: "tag name already exists: " + name}
	}
	t := repository.Tag{ID: newID(), Name: name, Color: color, CreatedAt: now()}
	r.tags[t.ID] = t
	r.tagsByName[t.Name] = t.ID
	return t, nil
}

func (r *Repository) GetTag(ctx context.Context, id string) (repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return repository.Tag{}, &engineerr.NotFound{Kind: "tag", ID: id}
	}
	return t, nil
}

func (r *Repository) GetTagByName(ctx context.Context, name string) (repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tagsByName[name]
	if !ok {
		return repository.Tag{}, &engineerr.NotFound{Kind: "tag", ID: name}
	}
	return r.tags[id], nil
}

func (r *Repository) ListTags(ctx context.Context) ([]repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.Tag, 0, len(r.tags))
	for _, t := range r.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) UpdateTag(ctx context.Context, id string, name, color *string) (repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return repository.Tag{}, &engineerr.NotFound{Kind: "tag", ID: id}
	}
	if name != nil && *name != t.Name {
		if t.IsExtension() {
			return repository.Tag{}, &engineerr.Forbidden{Reason: "extension tag names are immutable: " + t.Name}
		}
		if err := validateTagName(*name); err != nil {
			return repository.Tag{}, err
		}
		if _, exists := r.tagsByName[*name]; exists {
			return repository.Tag{}, &engineerr.Conflict{Reason: "tag name already exists: " + *name}
		}
		delete(r.tagsByName, t.Name)
		t.Name = *name
		r.tagsByName[t.Name] = t.ID
	}
	if color != nil {
		t.Color = *color
	}
	r.tags[id] = t
	return t, nil
}

func (r *Repository) tagInUseLocked(tagID string) bool {
	for _, set := range r.uploadTags {
		if set[tagID] {
			return true
		}
	}
	return false
}

func (r *Repository) DeleteTag(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return &engineerr.NotFound{Kind: "tag", ID: id}
	}
	if r.tagInUseLocked(id) {
		return &engineerr.InUse{Reason: "tag still applied to one or more uploads: " + t.Name}
	}
	delete(r.tags, id)
	delete(r.tagsByName, t.Name)
	return nil
}

func (r *Repository) AddTagToUpload(ctx context.Context, uploadID, tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[uploadID]; !ok {
		return &engineerr.NotFound{Kind: "upload", ID: uploadID}
	}
	if _, ok := r.tags[tagID]; !ok {
		return &engineerr.NotFound{Kind: "tag", ID: tagID}
	}
	if r.uploadTags[uploadID] == nil {
		r.uploadTags[uploadID] = make(map[string]bool)
	}
	r.uploadTags[uploadID][tagID] = true
	return nil
}

func (r *Repository) RemoveTagFromUpload(ctx context.Context, uploadID, tagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[uploadID]; !ok {
		return &engineerr.NotFound{Kind: "upload", ID: uploadID}
	}
	delete(r.uploadTags[uploadID], tagID)
	return nil
}

func (r *Repository) ListTagsOfUpload(ctx context.Context, uploadID string) ([]repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[uploadID]; !ok {
		return nil, &engineerr.NotFound{Kind: "upload", ID: uploadID}
	}
	out := make([]repository.Tag, 0, len(r.uploadTags[uploadID]))
	for tagID := range r.uploadTags[uploadID] {
		out = append(out, r.tags[tagID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// EnsureExtensionTag returns the extension tag for ext (e.g. ".csv"),
// creating it if absent. ext must already include the leading dot.
func (r *Repository) EnsureExtensionTag(ctx context.Context, ext string) (repository.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureExtensionTagLocked(ext)
}

func (r *Repository) ensureExtensionTagLocked(ext string) (repository.Tag, error) {
	if id, ok := r.tagsByName[ext]; ok {
		return r.tags[id], nil
	}
	t := repository.Tag{ID: newID(), Name: ext, Color: "", CreatedAt: now()}
	r.tags[t.ID] = t
	r.tagsByName[t.Name] = t.ID
	return t, nil
}

func extensionOf(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext)
}

// --- Uploads ---

func (r *Repository) CreateUpload(ctx context.Context, in repository.UploadInput) (repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tagIDs := make([]string, 0, len(in.TagNames)+1)
	for _, name := range in.TagNames {
		id, ok := r.tagsByName[name]
		if !ok {
			return repository.Upload{}, &engineerr.NotFound{Kind: "tag", ID: name}
		}
		tagIDs = append(tagIDs, id)
	}
	if ext := extensionOf(in.OriginalFilename); ext != "" {
		extTag, err := r.ensureExtensionTagLocked(ext)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs = append(tagIDs, extTag.ID)
	}

	u := repository.Upload{
		ID:               newID(),
		StoredHandle:     in.StoredHandle,
		OriginalFilename: in.OriginalFilename,
		Size:             in.Size,
		MIMEType:         in.MIMEType,
		CreatedAt:        now(),
	}
	r.uploads[u.ID] = u
	set := make(map[string]bool, len(tagIDs))
	for _, id := range tagIDs {
		set[id] = true
	}
	r.uploadTags[u.ID] = set
	return u, nil
}

func (r *Repository) GetUpload(ctx context.Context, id string) (repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.uploads[id]
	if !ok {
		return repository.Upload{}, &engineerr.NotFound{Kind: "upload", ID: id}
	}
	return u, nil
}

func (r *Repository) ListUploads(ctx context.Context) ([]repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.Upload, 0, len(r.uploads))
	for _, u := range r.uploads {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.String() < out[j].CreatedAt.String() })
	return out, nil
}

func (r *Repository) DeleteUpload(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[id]; !ok {
		return &engineerr.NotFound{Kind: "upload", ID: id}
	}
	delete(r.uploads, id)
	delete(r.uploadTags, id)
	for lid, edge := range r.lineage {
		if edge.OutputUploadID == id || edge.SourceUploadID == id {
			delete(r.lineage, lid)
		}
	}
	n := now()
	for jid, j := range r.jobs {
		if j.UploadID != id {
			continue
		}
		if j.Status == repository.StatusSubmitted || j.Status == repository.StatusRunning {
			j.Status = repository.StatusFailed
			j.ErrorMessage = "cancelled"
			j.CompletedAt = &n
			if j.StartedAt == nil {
				j.StartedAt = &n
			}
			r.jobs[jid] = j
		}
	}
	return nil
}

func (r *Repository) ListDerivedUploads(ctx context.Context, sourceUploadID string) ([]repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.Upload
	for _, edge := range r.lineage {
		if edge.SourceUploadID == sourceUploadID {
			if u, ok := r.uploads[edge.OutputUploadID]; ok {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) ListSourceUploads(ctx context.Context, outputUploadID string) ([]repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.Upload
	for _, edge := range r.lineage {
		if edge.OutputUploadID == outputUploadID {
			if u, ok := r.uploads[edge.SourceUploadID]; ok {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Functions ---

func (r *Repository) CreateFunction(ctx context.Context, in repository.FunctionInput) (repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.Name == "" {
		return repository.Function{}, &engineerr.Invalid{Reason: "function name must not be empty"}
	}
	if len(in.InputTags) == 0 {
		return repository.Function{}, &engineerr.Invalid{Reason: "function input_tags must be non-empty"}
	}
	for _, f := range r.functions {
		if f.Name == in.Name {
			return repository.Function{}, &engineerr.Conflict{Reason: "function name already exists: " + in.Name}
		}
	}
	f := repository.Function{
		ID:           newID(),
		Name:         in.Name,
		ScriptHandle: in.ScriptHandle,
		Enabled:      false,
		Kind:         in.Kind,
		InputTags:    append([]string(nil), in.InputTags...),
		OutputTags:   append([]string(nil), in.OutputTags...),
		CreatedAt:    now(),
	}
	r.functions[f.ID] = f
	return f, nil
}

func (r *Repository) GetFunction(ctx context.Context, id string) (repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.functions[id]
	if !ok {
		return repository.Function{}, &engineerr.NotFound{Kind: "function", ID: id}
	}
	return f, nil
}

func (r *Repository) ListFunctions(ctx context.Context) ([]repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.Function, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repository) UpdateFunction(ctx context.Context, id string, in repository.FunctionUpdate) (repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.functions[id]
	if !ok {
		return repository.Function{}, &engineerr.NotFound{Kind: "function", ID: id}
	}
	if in.ScriptHandle != nil {
		f.ScriptHandle = *in.ScriptHandle
	}
	if in.InputTags != nil {
		if len(in.InputTags) == 0 {
			return repository.Function{}, &engineerr.Invalid{Reason: "function input_tags must be non-empty"}
		}
		f.InputTags = append([]string(nil), in.InputTags...)
	}
	if in.OutputTags != nil {
		f.OutputTags = append([]string(nil), in.OutputTags...)
	}
	r.functions[id] = f
	return f, nil
}

func (r *Repository) DeleteFunction(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.functions[id]; !ok {
		return &engineerr.NotFound{Kind: "function", ID: id}
	}
	delete(r.functions, id)
	return nil
}

func (r *Repository) SetFunctionEnabled(ctx context.Context, id string, enabled bool) (repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.functions[id]
	if !ok {
		return repository.Function{}, &engineerr.NotFound{Kind: "function", ID: id}
	}
	f.Enabled = enabled
	r.functions[id] = f
	return f, nil
}

func tagSetContains(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

func subsetOf(subset, superset []string) bool {
	for _, s := range subset {
		if !tagSetContains(superset, s) {
			return false
		}
	}
	return true
}

func (r *Repository) ListFunctionsEligibleForTagSet(ctx context.Context, tagNames []string) ([]repository.Function, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.Function
	for _, f := range r.functions {
		if f.Enabled && subsetOf(f.InputTags, tagNames) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Jobs ---

func (r *Repository) findJobLocked(uploadID, functionID string, statuses map[repository.JobStatus]bool) *repository.Job {
	for _, j := range r.jobs {
		if j.UploadID == uploadID && j.FunctionID == functionID && statuses[j.Status] {
			jj := j
			return &jj
		}
	}
	return nil
}

func (r *Repository) CreateJob(ctx context.Context, uploadID, functionID string) (repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.uploads[uploadID]; !ok {
		return repository.Job{}, &engineerr.NotFound{Kind: "upload", ID: uploadID}
	}
	if _, ok := r.functions[functionID]; !ok {
		return repository.Job{}, &engineerr.NotFound{Kind: "function", ID: functionID}
	}
	if active := r.findJobLocked(uploadID, functionID, map[repository.JobStatus]bool{
		repository.StatusSubmitted: true, repository.StatusRunning: true,
	}); active != nil {
		return repository.Job{}, &engineerr.Conflict{Reason: "an active job already exists for this (upload, function) pair"}
	}
	j := repository.Job{
		ID:         newID(),
		UploadID:   uploadID,
		FunctionID: functionID,
		Status:     repository.StatusSubmitted,
		CreatedAt:  now(),
	}
	r.jobs[j.ID] = j
	return j, nil
}

func (r *Repository) AdmitJob(ctx context.Context, id string) (repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repository.Job{}, &engineerr.NotFound{Kind: "job", ID: id}
	}
	if j.Status != repository.StatusSubmitted {
		return repository.Job{}, &engineerr.Conflict{Reason: "job is not Submitted, cannot admit: " + id}
	}
	n := now()
	j.Status = repository.StatusRunning
	j.StartedAt = &n
	r.jobs[id] = j
	return j, nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repository.Job{}, &engineerr.NotFound{Kind: "job", ID: id}
	}
	return j, nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repository.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.String() < out[j].CreatedAt.String() })
	return out, nil
}

func (r *Repository) FindActiveJob(ctx context.Context, uploadID, functionID string) (*repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findJobLocked(uploadID, functionID, map[repository.JobStatus]bool{
		repository.StatusSubmitted: true, repository.StatusRunning: true,
	}), nil
}

func (r *Repository) FindTerminalJob(ctx context.Context, uploadID, functionID string) (*repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findJobLocked(uploadID, functionID, map[repository.JobStatus]bool{
		repository.StatusSuccess: true, repository.StatusFailed: true,
	}), nil
}

func (r *Repository) createOutputUploadLocked(out repository.NewOutputUpload) (repository.Upload, error) {
	tagIDs := make(map[string]bool)
	for _, name := range out.ExtraTags {
		t, err := r.ensureExtensionTagOrNamedLocked(name)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs[t.ID] = true
	}
	if ext := extensionOf(out.OriginalFilename); ext != "" {
		extTag, err := r.ensureExtensionTagLocked(ext)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs[extTag.ID] = true
	}
	u := repository.Upload{
		ID:               newID(),
		StoredHandle:     out.StoredHandle,
		OriginalFilename: out.OriginalFilename,
		Size:             out.Size,
		MIMEType:         out.MIMEType,
		CreatedAt:        now(),
	}
	r.uploads[u.ID] = u
	r.uploadTags[u.ID] = tagIDs
	return u, nil
}

// ensureExtensionTagOrNamedLocked resolves an output tag by name,
// creating it if it does not yet exist: a name starting with "." becomes
// an extension tag, any other name a plain tag. Function output_tags are
// free-form, so they get created on first use.
func (r *Repository) ensureExtensionTagOrNamedLocked(name string) (repository.Tag, error) {
	if id, ok := r.tagsByName[name]; ok {
		return r.tags[id], nil
	}
	if strings.HasPrefix(name, ".") {
		return r.ensureExtensionTagLocked(name)
	}
	if err := validateTagName(name); err != nil {
		return repository.Tag{}, err
	}
	t := repository.Tag{ID: newID(), Name: name, CreatedAt: now()}
	r.tags[t.ID] = t
	r.tagsByName[t.Name] = t.ID
	return t, nil
}

func (r *Repository) FinishJobSuccess(ctx context.Context, jobID string, outputs []repository.NewOutputUpload) (repository.Job, []repository.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return repository.Job{}, nil, &engineerr.NotFound{Kind: "job", ID: jobID}
	}
	if j.Status != repository.StatusRunning {
		return repository.Job{}, nil, &engineerr.Conflict{Reason: "job is not Running, cannot finish: " + jobID}
	}
	newUploads := make([]repository.Upload, 0, len(outputs))
	outputIDs := make([]string, 0, len(outputs))
	for _, spec := range outputs {
		u, err := r.createOutputUploadLocked(spec)
		if err != nil {
			return repository.Job{}, nil, err
		}
		newUploads = append(newUploads, u)
		outputIDs = append(outputIDs, u.ID)
		edge := repository.LineageEdge{
			ID:             newID(),
			OutputUploadID: u.ID,
			SourceUploadID: j.UploadID,
			FunctionID:     j.FunctionID,
			Success:        true,
			CreatedAt:      now(),
		}
		r.lineage[edge.ID] = edge
	}
	n := now()
	j.Status = repository.StatusSuccess
	j.OutputUploadIDs = outputIDs
	j.CompletedAt = &n
	r.jobs[jobID] = j
	return j, newUploads, nil
}

func (r *Repository) FinishJobFailure(ctx context.Context, jobID string, errMessage string, logUpload repository.NewOutputUpload) (repository.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return repository.Job{}, &engineerr.NotFound{Kind: "job", ID: jobID}
	}
	if j.Status != repository.StatusRunning {
		return repository.Job{}, &engineerr.Conflict{Reason: "job is not Running, cannot finish: " + jobID}
	}
	logUpload.ExtraTags = nil // failure uploads are tagged only with their .log extension tag
	u, err := r.createOutputUploadLocked(logUpload)
	if err != nil {
		return repository.Job{}, err
	}
	edge := repository.LineageEdge{
		ID:             newID(),
		OutputUploadID: u.ID,
		SourceUploadID: j.UploadID,
		FunctionID:     j.FunctionID,
		Success:        false,
		CreatedAt:      now(),
	}
	r.lineage[edge.ID] = edge

	n := now()
	j.Status = repository.StatusFailed
	j.ErrorMessage = errMessage
	j.OutputUploadIDs = []string{u.ID}
	j.CompletedAt = &n
	r.jobs[jobID] = j
	return j, nil
}

func (r *Repository) ReconcileStaleRunning(ctx context.Context, olderThanSeconds int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	n := 0
	nowV := now()
	for id, j := range r.jobs {
		if j.Status != repository.StatusRunning || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Time().After(cutoff) {
			continue
		}
		j.Status = repository.StatusFailed
		j.ErrorMessage = "interrupted"
		j.CompletedAt = &nowV
		r.jobs[id] = j
		n++
	}
	return n, nil
}

// --- Lineage ---

func (r *Repository) ListLineageByOutput(ctx context.Context, outputUploadID string) ([]repository.LineageEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.LineageEdge
	for _, e := range r.lineage {
		if e.OutputUploadID == outputUploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Repository) ListLineageBySource(ctx context.Context, sourceUploadID string) ([]repository.LineageEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.LineageEdge
	for _, e := range r.lineage {
		if e.SourceUploadID == sourceUploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ repository.Repository = (*Repository)(nil)
