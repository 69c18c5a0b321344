package db

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"WelcomeSend/internal/models"
)

// MaxErrorLength bounds last_error so a verbose SMTP failure cannot
// bloat the row.
const MaxErrorLength = 2000

var ErrNotFound = errors.New("email job not found")

// Store wraps pgxpool for the email_jobs queue table.
type Store struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

// New creates a pooled connection and waits for the database to become
// reachable, retrying the initial ping with exponential backoff.
func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertEmail enqueues one PENDING job and returns the stored row.
func (s *Store) InsertEmail(ctx context.Context, email, template string) (models.EmailJob, error) {
	id := uuid.New().String()

	q := s.sb.
		Insert("email_jobs").
		Columns("id", "email", "template", "status", "attempts").
		Values(id, email, template, models.StatusPending, 0).
		Suffix("RETURNING created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("build email insert: %w", err)
	}

	var createdAt time.Time
	if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&createdAt); err != nil {
		return models.EmailJob{}, fmt.Errorf("insert email job: %w", err)
	}

	return models.EmailJob{
		ID:        id,
		Email:     email,
		Template:  template,
		Status:    models.StatusPending,
		Attempts:  0,
		CreatedAt: createdAt,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.EmailJob, error) {
	q := s.sb.
		Select("id", "email", "template", "status", "attempts", "last_error", "created_at", "sent_at").
		From("email_jobs").
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("build job select: %w", err)
	}

	job, err := scanJob(s.pool.QueryRow(ctx, sqlStr, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailJob{}, ErrNotFound
	}
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// DueWelcomeJobs returns up to limit PENDING WELCOME jobs created at or
// before cutoff, oldest first.
func (s *Store) DueWelcomeJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailJob, error) {
	q := s.sb.
		Select("id", "email", "template", "status", "attempts", "last_error", "created_at", "sent_at").
		From("email_jobs").
		Where(sq.Eq{"status": models.StatusPending}).
		Where(sq.Eq{"template": models.TemplateWelcome}).
		Where(sq.LtOrEq{"created_at": cutoff}).
		OrderBy("created_at ASC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build due select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.EmailJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob attempts the compare-and-swap claim: PENDING -> SENDING,
// attempts+1, last_error cleared. It reports false when a concurrent
// cycle already moved the job out of PENDING.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	q := s.sb.
		Update("email_jobs").
		Set("status", models.StatusSending).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", nil).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": models.StatusPending})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build claim update: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent finalizes a claimed job as delivered.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	q := s.sb.
		Update("email_jobs").
		Set("status", models.StatusSent).
		Set("sent_at", at).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build sent update: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed finalizes a claimed job as failed, recording the delivery
// error truncated to MaxErrorLength.
func (s *Store) MarkFailed(ctx context.Context, id, errorMsg string) error {
	q := s.sb.
		Update("email_jobs").
		Set("status", models.StatusFailed).
		Set("last_error", Truncate(errorMsg, MaxErrorLength)).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build failed update: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Truncate clips s to at most n bytes without splitting a multi-byte
// rune; Postgres rejects invalid UTF-8.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func scanJob(row pgx.Row) (models.EmailJob, error) {
	var (
		job       models.EmailJob
		lastError pgtype.Text
		sentAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&job.Email,
		&job.Template,
		&job.Status,
		&job.Attempts,
		&lastError,
		&job.CreatedAt,
		&sentAt,
	); err != nil {
		return models.EmailJob{}, err
	}
	if lastError.Valid {
		v := lastError.String
		job.LastError = &v
	}
	if sentAt.Valid {
		t := sentAt.Time
		job.SentAt = &t
	}
	return job, nil
}
