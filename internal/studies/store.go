package studies

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voxelpipe/internal/config"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Store manages study and job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the study database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "studies.db"))
}

// OpenPath connects to a study database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates the tables on first open and refuses databases written
// by a different schema version.
func (s *Store) initSchema(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("database %s has schema version %d, this build expects %d", s.path, version, schemaVersion)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateStudy inserts a new study in the SUBMITTED state.
func (s *Store) CreateStudy(ctx context.Context, ownerScope, category, prompt string) (*Study, error) {
	if ownerScope == "" {
		return nil, errors.New("owner scope is required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO studies (id, owner_scope, category, prompt, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id,
		ownerScope,
		nullableString(category),
		nullableString(prompt),
		StatusSubmitted,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert study: %w", err)
	}
	return s.GetStudy(ctx, id)
}

// GetStudy fetches a study by identifier. Returns nil when absent.
func (s *Store) GetStudy(ctx context.Context, id string) (*Study, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+studyColumns+` FROM studies WHERE id = ?`, id)
	study, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get study: %w", err)
	}
	return study, nil
}

// ListStudies returns studies filtered by status set (or all studies when no
// status is provided), newest first.
func (s *Store) ListStudies(ctx context.Context, statuses ...Status) ([]*Study, error) {
	baseQuery := `SELECT ` + studyColumns + ` FROM studies`
	orderClause := ` ORDER BY created_at DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	var items []*Study
	for rows.Next() {
		study, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, study)
	}
	return items, rows.Err()
}

// SetStudySource records the uploaded canonical volume key.
func (s *Store) SetStudySource(ctx context.Context, id, sourceKey string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE studies SET source_key = ?, updated_at = ? WHERE id = ?`,
		nullableString(sourceKey),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set study source: %w", err)
	}
	return nil
}

// SetStudyArtifacts records the materialized image and mask keys.
func (s *Store) SetStudyArtifacts(ctx context.Context, id, imageKey, maskKey string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE studies SET image_key = ?, mask_key = ?, updated_at = ? WHERE id = ?`,
		nullableString(imageKey),
		nullableString(maskKey),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set study artifacts: %w", err)
	}
	return nil
}

// TransitionStudy attempts a guarded status transition and reports whether
// this caller performed it. The compare-and-set on the previous status makes
// completion side effects safe to trigger exactly once under concurrent
// reconciliation.
func (s *Store) TransitionStudy(ctx context.Context, id string, to Status) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		study, err := s.GetStudy(ctx, id)
		if err != nil {
			return false, err
		}
		if study == nil {
			return false, fmt.Errorf("study %s not found", id)
		}
		if !CanTransition(study.Status, to) {
			return false, nil
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		completedAt := any(nil)
		if to.IsTerminal() {
			completedAt = now
		}
		res, err := s.db.ExecContext(
			ctx,
			`UPDATE studies SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
             WHERE id = ? AND status = ?`,
			to,
			completedAt,
			now,
			id,
			study.Status,
		)
		if err != nil {
			return false, fmt.Errorf("transition study: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("rows affected: %w", err)
		}
		if affected > 0 {
			return true, nil
		}
		// Lost a race with a concurrent writer; re-read and re-check.
	}
	return false, nil
}

// MarkStudyFailed transitions a study to FAILED and records the error message.
// Terminal studies are left untouched.
func (s *Store) MarkStudyFailed(ctx context.Context, id, message string) error {
	moved, err := s.TransitionStudy(ctx, id, StatusFailed)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE studies SET error_message = ?, updated_at = ? WHERE id = ?`,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("record study error: %w", err)
	}
	return nil
}

// CreateJob inserts the job owned by a study. Each study has exactly one job.
func (s *Store) CreateJob(ctx context.Context, studyID, externalJobID string) (*Job, error) {
	if externalJobID == "" {
		return nil, errors.New("external job id is required")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, study_id, external_job_id, status, progress_percent, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id,
		studyID,
		externalJobID,
		StatusSubmitted,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier. Returns nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobByStudy fetches the job owned by a study. Returns nil when absent.
func (s *Store) GetJobByStudy(ctx context.Context, studyID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE study_id = ?`, studyID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by study: %w", err)
	}
	return job, nil
}

// UpdateJobStatus applies a canonical status (and optional progress) to a job.
// Illegal transitions are ignored so redeliveries and stale reconciliations
// cannot regress a terminal job; progress still updates for the current state.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status Status, progress *int) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	if status != job.Status && !CanTransition(job.Status, status) {
		if progress == nil || job.Status.IsTerminal() {
			return nil
		}
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE jobs SET progress_percent = ?, updated_at = ? WHERE id = ?`,
			*progress,
			timestamp,
			id,
		)
		if err != nil {
			return fmt.Errorf("update job progress: %w", err)
		}
		return nil
	}

	startedAt := any(nil)
	if status == StatusProcessing && job.StartedAt == nil {
		startedAt = timestamp
	}
	completedAt := any(nil)
	if status.IsTerminal() {
		completedAt = timestamp
	}
	progressValue := job.ProgressPercent
	if progress != nil {
		progressValue = *progress
	}
	if status == StatusCompleted {
		progressValue = 100
	}

	_, err = s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, progress_percent = ?,
             started_at = COALESCE(?, started_at),
             completed_at = COALESCE(?, completed_at),
             updated_at = ?
         WHERE id = ?`,
		status,
		progressValue,
		startedAt,
		completedAt,
		timestamp,
		id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

const studyColumns = "id, owner_scope, category, prompt, status, source_key, image_key, mask_key, error_message, created_at, updated_at, completed_at"

const jobColumns = "id, study_id, external_job_id, status, progress_percent, created_at, updated_at, started_at, completed_at"

func scanStudy(scanner interface{ Scan(dest ...any) error }) (*Study, error) {
	var (
		id           string
		ownerScope   string
		category     sql.NullString
		prompt       sql.NullString
		statusStr    string
		sourceKey    sql.NullString
		imageKey     sql.NullString
		maskKey      sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&ownerScope,
		&category,
		&prompt,
		&statusStr,
		&sourceKey,
		&imageKey,
		&maskKey,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	study := &Study{
		ID:           id,
		OwnerScope:   ownerScope,
		Category:     category.String,
		Prompt:       prompt.String,
		Status:       Status(statusStr),
		SourceKey:    sourceKey.String,
		ImageKey:     imageKey.String,
		MaskKey:      maskKey.String,
		ErrorMessage: errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		study.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		study.UpdatedAt = updated
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			study.CompletedAt = &completed
		}
	}
	return study, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           string
		studyID      string
		externalID   string
		statusStr    string
		progress     int
		createdRaw   string
		updatedRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&studyID,
		&externalID,
		&statusStr,
		&progress,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		StudyID:         studyID,
		ExternalJobID:   externalID,
		Status:          Status(statusStr),
		ProgressPercent: progress,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			job.CompletedAt = &completed
		}
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
