// Package postgres implements repository.Repository on top of
// PostgreSQL via lib/pq, jmoiron/sqlx, and Masterminds/squirrel,
// grounded on posch-cc-backend's repository/job.go (sqlx.DB + squirrel
// query building, NamedExec/QueryRowx scanning) combined with the
// teacher's own pkg/sorted/postgres pattern of issuing raw bootstrap
// DDL through database/sql at construction time.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tagrun.dev/pkg/engineerr"
	"tagrun.dev/pkg/repository"
	"tagrun.dev/pkg/types"
)

// psql is squirrel configured for Postgres's $N placeholders, rather
// than the ?-style placeholders posch-cc-backend used against MySQL.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository implements repository.Repository against a Postgres
// database. It is safe for concurrent use; every multi-statement
// operation runs inside one *sqlx.Tx.
type Repository struct {
	DB *sqlx.DB
}

// New opens dsn, bootstraps the schema (idempotent CREATE TABLE/INDEX
// IF NOT EXISTS), and verifies connectivity.
func New(dsn string) (*Repository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "connect", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &engineerr.BackendIO{Op: "bootstrap schema", Err: err}
	}
	return &Repository{DB: db}, nil
}

func (r *Repository) Close() error { return r.DB.Close() }

var _ repository.Repository = (*Repository)(nil)

// -- row types --------------------------------------------------------

type uploadRow struct {
	ID               string    `db:"id"`
	StoredHandle     string    `db:"stored_handle"`
	OriginalFilename string    `db:"original_filename"`
	Size             int64     `db:"size"`
	MIMEType         string    `db:"mime_type"`
	CreatedAt        time.Time `db:"created_at"`
}

func (row uploadRow) toModel() repository.Upload {
	return repository.Upload{
		ID:               row.ID,
		StoredHandle:     row.StoredHandle,
		OriginalFilename: row.OriginalFilename,
		Size:             row.Size,
		MIMEType:         row.MIMEType,
		CreatedAt:        types.Time3339(row.CreatedAt),
	}
}

type tagRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Color     string    `db:"color"`
	CreatedAt time.Time `db:"created_at"`
}

func (row tagRow) toModel() repository.Tag {
	return repository.Tag{ID: row.ID, Name: row.Name, Color: row.Color, CreatedAt: types.Time3339(row.CreatedAt)}
}

type functionRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	ScriptHandle string    `db:"script_handle"`
	Enabled      bool      `db:"enabled"`
	Kind         string    `db:"kind"`
	CreatedAt    time.Time `db:"created_at"`
}

type jobRow struct {
	ID              string     `db:"id"`
	UploadID        string     `db:"upload_id"`
	FunctionID      string     `db:"function_id"`
	Status          string     `db:"status"`
	ErrorMessage    string     `db:"error_message"`
	OutputUploadIDs string     `db:"output_upload_ids"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func (row jobRow) toModel() repository.Job {
	j := repository.Job{
		ID:              row.ID,
		UploadID:        row.UploadID,
		FunctionID:      row.FunctionID,
		Status:          repository.JobStatus(row.Status),
		ErrorMessage:    row.ErrorMessage,
		OutputUploadIDs: splitIDs(row.OutputUploadIDs),
		CreatedAt:       types.Time3339(row.CreatedAt),
	}
	if row.StartedAt != nil {
		t := types.Time3339(*row.StartedAt)
		j.StartedAt = &t
	}
	if row.CompletedAt != nil {
		t := types.Time3339(*row.CompletedAt)
		j.CompletedAt = &t
	}
	return j
}

type lineageRow struct {
	ID             string    `db:"id"`
	OutputUploadID string    `db:"output_upload_id"`
	SourceUploadID string    `db:"source_upload_id"`
	FunctionID     string    `db:"function_id"`
	Success        bool      `db:"success"`
	CreatedAt      time.Time `db:"created_at"`
}

func (row lineageRow) toModel() repository.LineageEdge {
	return repository.LineageEdge{
		ID: row.ID, OutputUploadID: row.OutputUploadID, SourceUploadID: row.SourceUploadID,
		FunctionID: row.FunctionID, Success: row.Success, CreatedAt: types.Time3339(row.CreatedAt),
	}
}

func joinIDs(ids []string) string  { return strings.Join(ids, ",") }
func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func validateTagName(name string) error {
	if name == "" {
		return &engineerr.Invalid{Reason: "tag name must not be empty"}
	}
	if strings.Contains(name, "+") {
		return &engineerr.Invalid{Reason: "tag name must not contain '+'"}
	}
	return nil
}

func extensionOf(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i:])
}

// -- uploads ------------------------------------------------------------

func (r *Repository) CreateUpload(ctx context.Context, in repository.UploadInput) (repository.Upload, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	tagIDs := make(map[string]bool)
	for _, name := range in.TagNames {
		var row tagRow
		if err := tx.Get(&row, `SELECT * FROM tags WHERE name = $1`, name); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.Upload{}, &engineerr.NotFound{Kind: "tag", ID: name}
			}
			return repository.Upload{}, &engineerr.BackendIO{Op: "lookup tag", Err: err}
		}
		tagIDs[row.ID] = true
	}

	if ext := extensionOf(in.OriginalFilename); ext != "" {
		extTagID, err := ensureExtensionTagTx(ctx, tx, ext)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs[extTagID] = true
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO uploads (id, stored_handle, original_filename, size, mime_type) VALUES ($1,$2,$3,$4,$5)`,
		id, in.StoredHandle, in.OriginalFilename, in.Size, in.MIMEType); err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "insert upload", Err: err}
	}
	for tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO upload_tags (upload_id, tag_id) VALUES ($1,$2)`, id, tagID); err != nil {
			return repository.Upload{}, &engineerr.BackendIO{Op: "insert upload_tags", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return r.GetUpload(ctx, id)
}

func ensureExtensionTagTx(ctx context.Context, tx *sqlx.Tx, ext string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO tags (id, name, color) VALUES ($1, $2, '')
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, uuid.NewString(), ext)
	if err != nil {
		return "", &engineerr.BackendIO{Op: "ensure extension tag", Err: err}
	}
	return id, nil
}

func (r *Repository) GetUpload(ctx context.Context, id string) (repository.Upload, error) {
	var row uploadRow
	if err := r.DB.GetContext(ctx, &row, `SELECT * FROM uploads WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Upload{}, &engineerr.NotFound{Kind: "upload", ID: id}
		}
		return repository.Upload{}, &engineerr.BackendIO{Op: "get upload", Err: err}
	}
	return row.toModel(), nil
}

func (r *Repository) DeleteUpload(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = 'cancelled', completed_at = now()
		 WHERE (upload_id = $2 OR output_upload_ids LIKE '%' || $2 || '%') AND status IN ($3,$4)`,
		string(repository.StatusFailed), id, string(repository.StatusSubmitted), string(repository.StatusRunning)); err != nil {
		return &engineerr.BackendIO{Op: "cancel jobs", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_lineage WHERE source_upload_id = $1 OR output_upload_id = $1`, id); err != nil {
		return &engineerr.BackendIO{Op: "delete lineage", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_tags WHERE upload_id = $1`, id); err != nil {
		return &engineerr.BackendIO{Op: "delete upload_tags", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return &engineerr.BackendIO{Op: "delete upload", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engineerr.NotFound{Kind: "upload", ID: id}
	}
	if err := tx.Commit(); err != nil {
		return &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return nil
}

func (r *Repository) ListUploads(ctx context.Context) ([]repository.Upload, error) {
	var rows []uploadRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM uploads ORDER BY created_at`); err != nil {
		return nil, &engineerr.BackendIO{Op: "list uploads", Err: err}
	}
	out := make([]repository.Upload, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) ListDerivedUploads(ctx context.Context, sourceUploadID string) ([]repository.Upload, error) {
	var rows []uploadRow
	err := r.DB.SelectContext(ctx, &rows, `
		SELECT u.* FROM uploads u
		JOIN file_lineage l ON l.output_upload_id = u.id
		WHERE l.source_upload_id = $1 ORDER BY u.created_at`, sourceUploadID)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "list derived uploads", Err: err}
	}
	out := make([]repository.Upload, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) ListSourceUploads(ctx context.Context, outputUploadID string) ([]repository.Upload, error) {
	var rows []uploadRow
	err := r.DB.SelectContext(ctx, &rows, `
		SELECT u.* FROM uploads u
		JOIN file_lineage l ON l.source_upload_id = u.id
		WHERE l.output_upload_id = $1 ORDER BY u.created_at`, outputUploadID)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "list source uploads", Err: err}
	}
	out := make([]repository.Upload, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// -- tags -----------------------------------------------------------

func (r *Repository) CreateTag(ctx context.Context, name, color string) (repository.Tag, error) {
	if err := validateTagName(name); err != nil {
		return repository.Tag{}, err
	}
	id := uuid.NewString()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tags (id, name, color) VALUES ($1,$2,$3)`, id, name, color)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Tag{}, &engineerr.Conflict{Reason: fmt.Sprintf("tag name %q already exists", name)}
		}
		return repository.Tag{}, &engineerr.BackendIO{Op: "insert tag", Err: err}
	}
	return r.GetTag(ctx, id)
}

func (r *Repository) GetTag(ctx context.Context, id string) (repository.Tag, error) {
	var row tagRow
	if err := r.DB.GetContext(ctx, &row, `SELECT * FROM tags WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Tag{}, &engineerr.NotFound{Kind: "tag", ID: id}
		}
		return repository.Tag{}, &engineerr.BackendIO{Op: "get tag", Err: err}
	}
	return row.toModel(), nil
}

func (r *Repository) GetTagByName(ctx context.Context, name string) (repository.Tag, error) {
	var row tagRow
	if err := r.DB.GetContext(ctx, &row, `SELECT * FROM tags WHERE name = $1`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Tag{}, &engineerr.NotFound{Kind: "tag", ID: name}
		}
		return repository.Tag{}, &engineerr.BackendIO{Op: "get tag by name", Err: err}
	}
	return row.toModel(), nil
}

func (r *Repository) ListTags(ctx context.Context) ([]repository.Tag, error) {
	var rows []tagRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM tags ORDER BY name`); err != nil {
		return nil, &engineerr.BackendIO{Op: "list tags", Err: err}
	}
	out := make([]repository.Tag, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) UpdateTag(ctx context.Context, id string, name, color *string) (repository.Tag, error) {
	existing, err := r.GetTag(ctx, id)
	if err != nil {
		return repository.Tag{}, err
	}
	if name != nil && *name != existing.Name {
		if existing.IsExtension() {
			return repository.Tag{}, &engineerr.Forbidden{Reason: "extension tag name is immutable"}
		}
		if err := validateTagName(*name); err != nil {
			return repository.Tag{}, err
		}
	}
	update := psql.Update("tags").Where(sq.Eq{"id": id})
	if name != nil {
		update = update.Set("name", *name)
	}
	if color != nil {
		update = update.Set("color", *color)
	}
	sqlStr, args, err := update.ToSql()
	if err != nil {
		return repository.Tag{}, &engineerr.BackendIO{Op: "build update", Err: err}
	}
	if _, err := r.DB.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return repository.Tag{}, &engineerr.Conflict{Reason: fmt.Sprintf("tag name %q already exists", *name)}
		}
		return repository.Tag{}, &engineerr.BackendIO{Op: "update tag", Err: err}
	}
	return r.GetTag(ctx, id)
}

func (r *Repository) DeleteTag(ctx context.Context, id string) error {
	var n int
	if err := r.DB.GetContext(ctx, &n, `SELECT count(*) FROM upload_tags WHERE tag_id = $1`, id); err != nil {
		return &engineerr.BackendIO{Op: "check tag in use", Err: err}
	}
	if n > 0 {
		return &engineerr.InUse{Reason: "tag is still applied to one or more uploads"}
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tags WHERE id = $1`, id)
	if err != nil {
		return &engineerr.BackendIO{Op: "delete tag", Err: err}
	}
	if cnt, _ := res.RowsAffected(); cnt == 0 {
		return &engineerr.NotFound{Kind: "tag", ID: id}
	}
	return nil
}

func (r *Repository) AddTagToUpload(ctx context.Context, uploadID, tagID string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO upload_tags (upload_id, tag_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, uploadID, tagID)
	if err != nil {
		return &engineerr.BackendIO{Op: "add tag to upload", Err: err}
	}
	return nil
}

func (r *Repository) RemoveTagFromUpload(ctx context.Context, uploadID, tagID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM upload_tags WHERE upload_id = $1 AND tag_id = $2`, uploadID, tagID)
	if err != nil {
		return &engineerr.BackendIO{Op: "remove tag from upload", Err: err}
	}
	return nil
}

func (r *Repository) ListTagsOfUpload(ctx context.Context, uploadID string) ([]repository.Tag, error) {
	var rows []tagRow
	err := r.DB.SelectContext(ctx, &rows, `
		SELECT t.* FROM tags t JOIN upload_tags ut ON ut.tag_id = t.id
		WHERE ut.upload_id = $1 ORDER BY t.name`, uploadID)
	if err != nil {
		return nil, &engineerr.BackendIO{Op: "list tags of upload", Err: err}
	}
	out := make([]repository.Tag, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) EnsureExtensionTag(ctx context.Context, ext string) (repository.Tag, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Tag{}, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()
	id, err := ensureExtensionTagTx(ctx, tx, ext)
	if err != nil {
		return repository.Tag{}, err
	}
	if err := tx.Commit(); err != nil {
		return repository.Tag{}, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return r.GetTag(ctx, id)
}

// -- functions --------------------------------------------------------

func (r *Repository) functionFromRow(ctx context.Context, row functionRow) (repository.Function, error) {
	var inTags, outTags []string
	if err := r.DB.SelectContext(ctx, &inTags, `SELECT tag_name FROM function_input_tags WHERE function_id = $1 ORDER BY tag_name`, row.ID); err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "list function input tags", Err: err}
	}
	if err := r.DB.SelectContext(ctx, &outTags, `SELECT tag_name FROM function_output_tags WHERE function_id = $1 ORDER BY tag_name`, row.ID); err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "list function output tags", Err: err}
	}
	return repository.Function{
		ID: row.ID, Name: row.Name, ScriptHandle: row.ScriptHandle, Enabled: row.Enabled,
		Kind: repository.FunctionKind(row.Kind), InputTags: inTags, OutputTags: outTags,
		CreatedAt: types.Time3339(row.CreatedAt),
	}, nil
}

func (r *Repository) CreateFunction(ctx context.Context, in repository.FunctionInput) (repository.Function, error) {
	if in.Name == "" {
		return repository.Function{}, &engineerr.Invalid{Reason: "function name must not be empty"}
	}
	if len(in.InputTags) == 0 {
		return repository.Function{}, &engineerr.Invalid{Reason: "function must have at least one input tag"}
	}
	kind := in.Kind
	if kind == "" {
		kind = repository.KindTransform
	}

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO functions (id, name, script_handle, enabled, kind) VALUES ($1,$2,$3,false,$4)`,
		id, in.Name, in.ScriptHandle, string(kind))
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Function{}, &engineerr.Conflict{Reason: fmt.Sprintf("function name %q already exists", in.Name)}
		}
		return repository.Function{}, &engineerr.BackendIO{Op: "insert function", Err: err}
	}
	for _, t := range in.InputTags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO function_input_tags (function_id, tag_name) VALUES ($1,$2)`, id, t); err != nil {
			return repository.Function{}, &engineerr.BackendIO{Op: "insert function input tag", Err: err}
		}
	}
	for _, t := range in.OutputTags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO function_output_tags (function_id, tag_name) VALUES ($1,$2)`, id, t); err != nil {
			return repository.Function{}, &engineerr.BackendIO{Op: "insert function output tag", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return r.GetFunction(ctx, id)
}

func (r *Repository) GetFunction(ctx context.Context, id string) (repository.Function, error) {
	var row functionRow
	if err := r.DB.GetContext(ctx, &row, `SELECT * FROM functions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Function{}, &engineerr.NotFound{Kind: "function", ID: id}
		}
		return repository.Function{}, &engineerr.BackendIO{Op: "get function", Err: err}
	}
	return r.functionFromRow(ctx, row)
}

func (r *Repository) ListFunctions(ctx context.Context) ([]repository.Function, error) {
	var rows []functionRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM functions ORDER BY name`); err != nil {
		return nil, &engineerr.BackendIO{Op: "list functions", Err: err}
	}
	out := make([]repository.Function, len(rows))
	for i, row := range rows {
		fn, err := r.functionFromRow(ctx, row)
		if err != nil {
			return nil, err
		}
		out[i] = fn
	}
	return out, nil
}

func (r *Repository) UpdateFunction(ctx context.Context, id string, in repository.FunctionUpdate) (repository.Function, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	if in.ScriptHandle != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE functions SET script_handle = $1 WHERE id = $2`, *in.ScriptHandle, id); err != nil {
			return repository.Function{}, &engineerr.BackendIO{Op: "update script handle", Err: err}
		}
	}
	if in.InputTags != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM function_input_tags WHERE function_id = $1`, id); err != nil {
			return repository.Function{}, &engineerr.BackendIO{Op: "clear function input tags", Err: err}
		}
		for _, t := range in.InputTags {
			if _, err := tx.ExecContext(ctx, `INSERT INTO function_input_tags (function_id, tag_name) VALUES ($1,$2)`, id, t); err != nil {
				return repository.Function{}, &engineerr.BackendIO{Op: "insert function input tag", Err: err}
			}
		}
	}
	if in.OutputTags != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM function_output_tags WHERE function_id = $1`, id); err != nil {
			return repository.Function{}, &engineerr.BackendIO{Op: "clear function output tags", Err: err}
		}
		for _, t := range in.OutputTags {
			if _, err := tx.ExecContext(ctx, `INSERT INTO function_output_tags (function_id, tag_name) VALUES ($1,$2)`, id, t); err != nil {
				return repository.Function{}, &engineerr.BackendIO{Op: "insert function output tag", Err: err}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return r.GetFunction(ctx, id)
}

func (r *Repository) DeleteFunction(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return &engineerr.BackendIO{Op: "delete function", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engineerr.NotFound{Kind: "function", ID: id}
	}
	return nil
}

// SetFunctionEnabled is a plain flag flip: the cycle check
// (trigger.Resolver.WouldCycle) runs in the caller,
// engine.Engine.EnableFunction, before this is invoked.
func (r *Repository) SetFunctionEnabled(ctx context.Context, id string, enabled bool) (repository.Function, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE functions SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return repository.Function{}, &engineerr.BackendIO{Op: "set function enabled", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.Function{}, &engineerr.NotFound{Kind: "function", ID: id}
	}
	return r.GetFunction(ctx, id)
}

func (r *Repository) ListFunctionsEligibleForTagSet(ctx context.Context, tagNames []string) ([]repository.Function, error) {
	all, err := r.ListFunctions(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(tagNames))
	for _, t := range tagNames {
		have[t] = true
	}
	var out []repository.Function
	for _, f := range all {
		if !f.Enabled {
			continue
		}
		subset := true
		for _, need := range f.InputTags {
			if !have[need] {
				subset = false
				break
			}
		}
		if subset {
			out = append(out, f)
		}
	}
	return out, nil
}

// -- jobs -------------------------------------------------------------

func (r *Repository) CreateJob(ctx context.Context, uploadID, functionID string) (repository.Job, error) {
	if _, err := r.GetUpload(ctx, uploadID); err != nil {
		return repository.Job{}, err
	}
	if _, err := r.GetFunction(ctx, functionID); err != nil {
		return repository.Job{}, err
	}
	// This check is only a friendlier early error: two concurrent
	// CreateJob calls for the same pair can both pass it before either
	// commits. The partial unique index idx_jobs_active_unique is what
	// actually enforces "at most one active job per pair" against that
	// race; a violation of it is caught below and reported the same way.
	if active, err := r.FindActiveJob(ctx, uploadID, functionID); err != nil {
		return repository.Job{}, err
	} else if active != nil {
		return repository.Job{}, &engineerr.Conflict{Reason: "an active job already exists for this (upload, function) pair"}
	}

	id := uuid.NewString()
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO jobs (id, upload_id, function_id, status) VALUES ($1,$2,$3,$4)`,
		id, uploadID, functionID, string(repository.StatusSubmitted))
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Job{}, &engineerr.Conflict{Reason: "an active job already exists for this (upload, function) pair"}
		}
		return repository.Job{}, &engineerr.BackendIO{Op: "insert job", Err: err}
	}
	return r.GetJob(ctx, id)
}

func (r *Repository) AdmitJob(ctx context.Context, id string) (repository.Job, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status = $1, started_at = now() WHERE id = $2 AND status = $3`,
		string(repository.StatusRunning), id, string(repository.StatusSubmitted))
	if err != nil {
		return repository.Job{}, &engineerr.BackendIO{Op: "admit job", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetJob(ctx, id); err != nil {
			return repository.Job{}, err
		}
		return repository.Job{}, &engineerr.Conflict{Reason: "job is not in Submitted state"}
	}
	return r.GetJob(ctx, id)
}

func (r *Repository) GetJob(ctx context.Context, id string) (repository.Job, error) {
	var row jobRow
	if err := r.DB.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Job{}, &engineerr.NotFound{Kind: "job", ID: id}
		}
		return repository.Job{}, &engineerr.BackendIO{Op: "get job", Err: err}
	}
	return row.toModel(), nil
}

func (r *Repository) ListJobs(ctx context.Context) ([]repository.Job, error) {
	var rows []jobRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM jobs ORDER BY created_at`); err != nil {
		return nil, &engineerr.BackendIO{Op: "list jobs", Err: err}
	}
	out := make([]repository.Job, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) FindActiveJob(ctx context.Context, uploadID, functionID string) (*repository.Job, error) {
	return r.findJobByStatus(ctx, uploadID, functionID, string(repository.StatusSubmitted), string(repository.StatusRunning))
}

func (r *Repository) FindTerminalJob(ctx context.Context, uploadID, functionID string) (*repository.Job, error) {
	return r.findJobByStatus(ctx, uploadID, functionID, string(repository.StatusSuccess), string(repository.StatusFailed))
}

func (r *Repository) findJobByStatus(ctx context.Context, uploadID, functionID string, statuses ...string) (*repository.Job, error) {
	var row jobRow
	err := r.DB.GetContext(ctx, &row, `
		SELECT * FROM jobs WHERE upload_id = $1 AND function_id = $2 AND status = ANY($3)
		ORDER BY created_at DESC LIMIT 1`, uploadID, functionID, pq.Array(statuses))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &engineerr.BackendIO{Op: "find job by status", Err: err}
	}
	job := row.toModel()
	return &job, nil
}

func (r *Repository) FinishJobSuccess(ctx context.Context, jobID string, outputs []repository.NewOutputUpload) (repository.Job, []repository.Upload, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Job{}, nil, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	var row jobRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Job{}, nil, &engineerr.NotFound{Kind: "job", ID: jobID}
		}
		return repository.Job{}, nil, &engineerr.BackendIO{Op: "get job", Err: err}
	}
	if row.Status != string(repository.StatusRunning) {
		return repository.Job{}, nil, &engineerr.Conflict{Reason: "job is not Running"}
	}

	newUploads := make([]repository.Upload, 0, len(outputs))
	outputIDs := make([]string, 0, len(outputs))
	for _, out := range outputs {
		upload, err := r.createOutputUploadTx(ctx, tx, out)
		if err != nil {
			return repository.Job{}, nil, err
		}
		newUploads = append(newUploads, upload)
		outputIDs = append(outputIDs, upload.ID)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_lineage (id, output_upload_id, source_upload_id, function_id, success) VALUES ($1,$2,$3,$4,true)`,
			uuid.NewString(), upload.ID, row.UploadID, row.FunctionID); err != nil {
			return repository.Job{}, nil, &engineerr.BackendIO{Op: "insert lineage", Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, output_upload_ids = $2, completed_at = now() WHERE id = $3`,
		string(repository.StatusSuccess), joinIDs(outputIDs), jobID); err != nil {
		return repository.Job{}, nil, &engineerr.BackendIO{Op: "finish job success", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return repository.Job{}, nil, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	job, err := r.GetJob(ctx, jobID)
	return job, newUploads, err
}

func (r *Repository) createOutputUploadTx(ctx context.Context, tx *sqlx.Tx, out repository.NewOutputUpload) (repository.Upload, error) {
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO uploads (id, stored_handle, original_filename, size, mime_type) VALUES ($1,$2,$3,$4,$5)`,
		id, out.StoredHandle, out.OriginalFilename, out.Size, out.MIMEType); err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "insert output upload", Err: err}
	}
	tagIDs := make(map[string]bool)
	for _, name := range out.ExtraTags {
		tagID, err := ensureNamedTagTx(ctx, tx, name)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs[tagID] = true
	}
	if ext := extensionOf(out.OriginalFilename); ext != "" {
		extTagID, err := ensureExtensionTagTx(ctx, tx, ext)
		if err != nil {
			return repository.Upload{}, err
		}
		tagIDs[extTagID] = true
	}
	for tagID := range tagIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO upload_tags (upload_id, tag_id) VALUES ($1,$2)`, id, tagID); err != nil {
			return repository.Upload{}, &engineerr.BackendIO{Op: "insert output upload_tags", Err: err}
		}
	}
	var row uploadRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM uploads WHERE id = $1`, id); err != nil {
		return repository.Upload{}, &engineerr.BackendIO{Op: "reload output upload", Err: err}
	}
	return row.toModel(), nil
}

// ensureNamedTagTx creates a function output tag on first use when it
// does not already exist as a registered tag. As in memrepo, a name
// starting with "." becomes an extension tag; unlike memrepo, the name
// is not validated here.
func ensureNamedTagTx(ctx context.Context, tx *sqlx.Tx, name string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		INSERT INTO tags (id, name, color) VALUES ($1, $2, '')
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, uuid.NewString(), name)
	if err != nil {
		return "", &engineerr.BackendIO{Op: "ensure named tag", Err: err}
	}
	return id, nil
}

func (r *Repository) FinishJobFailure(ctx context.Context, jobID string, errMessage string, logUpload repository.NewOutputUpload) (repository.Job, error) {
	logUpload.ExtraTags = nil // property 6: the failure log is tagged only with its extension tag

	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return repository.Job{}, &engineerr.BackendIO{Op: "begin tx", Err: err}
	}
	defer tx.Rollback()

	var row jobRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.Job{}, &engineerr.NotFound{Kind: "job", ID: jobID}
		}
		return repository.Job{}, &engineerr.BackendIO{Op: "get job", Err: err}
	}
	if row.Status != string(repository.StatusRunning) {
		return repository.Job{}, &engineerr.Conflict{Reason: "job is not Running"}
	}

	logRow, err := r.createOutputUploadTx(ctx, tx, logUpload)
	if err != nil {
		return repository.Job{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO file_lineage (id, output_upload_id, source_upload_id, function_id, success) VALUES ($1,$2,$3,$4,false)`,
		uuid.NewString(), logRow.ID, row.UploadID, row.FunctionID); err != nil {
		return repository.Job{}, &engineerr.BackendIO{Op: "insert failure lineage", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = $2, output_upload_ids = $3, completed_at = now() WHERE id = $4`,
		string(repository.StatusFailed), errMessage, logRow.ID, jobID); err != nil {
		return repository.Job{}, &engineerr.BackendIO{Op: "finish job failure", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return repository.Job{}, &engineerr.BackendIO{Op: "commit", Err: err}
	}
	return r.GetJob(ctx, jobID)
}

func (r *Repository) ReconcileStaleRunning(ctx context.Context, olderThanSeconds int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error_message = 'interrupted', completed_at = now()
		 WHERE status = $2 AND started_at < $3`,
		string(repository.StatusFailed), string(repository.StatusRunning), cutoff)
	if err != nil {
		return 0, &engineerr.BackendIO{Op: "reconcile stale running", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- lineage ----------------------------------------------------------

func (r *Repository) ListLineageByOutput(ctx context.Context, outputUploadID string) ([]repository.LineageEdge, error) {
	var rows []lineageRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM file_lineage WHERE output_upload_id = $1 ORDER BY created_at`, outputUploadID); err != nil {
		return nil, &engineerr.BackendIO{Op: "list lineage by output", Err: err}
	}
	out := make([]repository.LineageEdge, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r *Repository) ListLineageBySource(ctx context.Context, sourceUploadID string) ([]repository.LineageEdge, error) {
	var rows []lineageRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT * FROM file_lineage WHERE source_upload_id = $1 ORDER BY created_at`, sourceUploadID); err != nil {
		return nil, &engineerr.BackendIO{Op: "list lineage by source", Err: err}
	}
	out := make([]repository.LineageEdge, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}
