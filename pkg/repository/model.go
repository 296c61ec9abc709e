// Package repository defines the transactional persistence surface for
// uploads, tags, functions, jobs, and lineage edges (component C1). The
// interface is implemented by pkg/repository/postgres for production use
// and by pkg/repository/memrepo for tests and single-process operation
// without a configured database.
package repository

import (
	"context"
	"strings"

	"tagrun.dev/pkg/types"
)

// Upload is a registered file. It owns its on-disk bytes in the blob
// store exclusively (one blob per upload).
type Upload struct {
	ID               string
	StoredHandle     string // blob-store handle; engine-chosen, globally unique
	OriginalFilename string // user-supplied, not unique
	Size             int64
	MIMEType         string // optional, empty if unknown
	CreatedAt        types.Time3339
}

// Tag is a named colored label. A Tag whose Name begins with "." is an
// extension tag: auto-created when a file with that extension is
// uploaded, immutable by name, and deletable only when unreferenced.
type Tag struct {
	ID        string
	Name      string
	Color     string
	CreatedAt types.Time3339
}

// IsExtension reports whether t is an auto-created extension tag.
func (t Tag) IsExtension() bool { return strings.HasPrefix(t.Name, ".") }

// FunctionKind is a semantic hint that does not affect execution.
type FunctionKind string

const (
	KindTransform FunctionKind = "transform"
	KindConvert   FunctionKind = "convert"
)

// Function is a user-registered automation: a script plus the tag
// predicate that triggers it and the tags applied to its outputs.
type Function struct {
	ID           string
	Name         string
	ScriptHandle string // blob-store handle to the current script version
	Enabled      bool
	Kind         FunctionKind
	InputTags    []string // tag names; predicate is non-empty
	OutputTags   []string // tag names applied to successful outputs
	CreatedAt    types.Time3339
}

// JobStatus is one of the four states of the job state machine.
type JobStatus string

const (
	StatusSubmitted JobStatus = "submitted"
	StatusRunning   JobStatus = "running"
	StatusSuccess   JobStatus = "success"
	StatusFailed    JobStatus = "failed"
)

// Job is a scheduled run of one function against one upload.
type Job struct {
	ID              string
	UploadID        string
	FunctionID      string
	Status          JobStatus
	ErrorMessage    string
	OutputUploadIDs []string
	CreatedAt       types.Time3339
	StartedAt       *types.Time3339
	CompletedAt     *types.Time3339
}

// LineageEdge is an immutable record that OutputUploadID was produced by
// FunctionID from SourceUploadID.
type LineageEdge struct {
	ID             string
	OutputUploadID string
	SourceUploadID string
	FunctionID     string
	Success        bool
	CreatedAt      types.Time3339
}

// UploadInput describes a new upload, including the tag set to apply
// atomically at creation time.
type UploadInput struct {
	StoredHandle     string
	OriginalFilename string
	Size             int64
	MIMEType         string
	TagNames         []string // existing tags, by name; the extension tag is derived from OriginalFilename
}

// FunctionInput describes a new function registration.
type FunctionInput struct {
	Name         string
	ScriptHandle string
	Kind         FunctionKind
	InputTags    []string
	OutputTags   []string
}

// FunctionUpdate describes a replacement of a function's mutable fields.
// Nil fields are left unchanged.
type FunctionUpdate struct {
	ScriptHandle *string
	InputTags    []string
	OutputTags   []string
}

// NewOutputUpload describes one output produced by a successful job run,
// already copied into the blob store under a fresh handle.
type NewOutputUpload struct {
	StoredHandle     string
	OriginalFilename string
	Size             int64
	MIMEType         string
	ExtraTags        []string // function's output_tags; extension tag is derived from OriginalFilename
}

// Repository is the transactional persistence surface consumed by the
// engine. Every method is expected to be atomic with respect to
// concurrent callers (serializable or snapshot isolation).
type Repository interface {
	// Upload operations.
	CreateUpload(ctx context.Context, in UploadInput) (Upload, error)
	GetUpload(ctx context.Context, id string) (Upload, error)
	DeleteUpload(ctx context.Context, id string) error
	ListUploads(ctx context.Context) ([]Upload, error)
	ListDerivedUploads(ctx context.Context, sourceUploadID string) ([]Upload, error)
	ListSourceUploads(ctx context.Context, outputUploadID string) ([]Upload, error)

	// Tag operations.
	CreateTag(ctx context.Context, name, color string) (Tag, error)
	GetTag(ctx context.Context, id string) (Tag, error)
	GetTagByName(ctx context.Context, name string) (Tag, error)
	ListTags(ctx context.Context) ([]Tag, error)
	UpdateTag(ctx context.Context, id string, name, color *string) (Tag, error)
	DeleteTag(ctx context.Context, id string) error
	AddTagToUpload(ctx context.Context, uploadID, tagID string) error
	RemoveTagFromUpload(ctx context.Context, uploadID, tagID string) error
	ListTagsOfUpload(ctx context.Context, uploadID string) ([]Tag, error)
	EnsureExtensionTag(ctx context.Context, ext string) (Tag, error)

	// Function operations.
	CreateFunction(ctx context.Context, in FunctionInput) (Function, error)
	GetFunction(ctx context.Context, id string) (Function, error)
	ListFunctions(ctx context.Context) ([]Function, error)
	UpdateFunction(ctx context.Context, id string, in FunctionUpdate) (Function, error)
	DeleteFunction(ctx context.Context, id string) error
	SetFunctionEnabled(ctx context.Context, id string, enabled bool) (Function, error)
	ListFunctionsEligibleForTagSet(ctx context.Context, tagNames []string) ([]Function, error)

	// Job operations.
	CreateJob(ctx context.Context, uploadID, functionID string) (Job, error)
	AdmitJob(ctx context.Context, id string) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	FindActiveJob(ctx context.Context, uploadID, functionID string) (*Job, error)
	FindTerminalJob(ctx context.Context, uploadID, functionID string) (*Job, error)
	FinishJobSuccess(ctx context.Context, jobID string, outputs []NewOutputUpload) (Job, []Upload, error)
	FinishJobFailure(ctx context.Context, jobID string, errMessage string, logUpload NewOutputUpload) (Job, error)
	ReconcileStaleRunning(ctx context.Context, olderThanSeconds int64) (int, error)

	// Lineage operations.
	ListLineageByOutput(ctx context.Context, outputUploadID string) ([]LineageEdge, error)
	ListLineageBySource(ctx context.Context, sourceUploadID string) ([]LineageEdge, error)
}
