package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qualys/intelengine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	schedule    TEXT NOT NULL,
	job_type    TEXT NOT NULL,
	config      JSONB,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	last_run    TIMESTAMPTZ,
	next_run    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS job_executions (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES scheduled_jobs(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	error      TEXT NOT NULL DEFAULT '',
	output     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_executions_job_started ON job_executions (job_id, started_at DESC)`

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating scheduler tables: %w", err)
	}
	return nil
}

type jobRow struct {
	ID          string     `db:"id"`
	Name        string     `db:"name"`
	Description string     `db:"description"`
	Schedule    string     `db:"schedule"`
	JobType     string     `db:"job_type"`
	Config      []byte     `db:"config"`
	Enabled     bool       `db:"enabled"`
	LastRun     *time.Time `db:"last_run"`
	NextRun     *time.Time `db:"next_run"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (r *jobRow) toJob() (*Job, error) {
	var config map[string]string
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &config); err != nil {
			return nil, err
		}
	}

	return &Job{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Schedule:    r.Schedule,
		JobType:     JobType(r.JobType),
		Config:      config,
		Enabled:     r.Enabled,
		LastRun:     r.LastRun,
		NextRun:     r.NextRun,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

const jobColumns = `id, name, description, schedule, job_type, config, enabled, last_run, next_run, created_at, updated_at`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
		}
		return nil, err
	}
	return row.toJob()
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, len(rows))
	for i, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}
	return jobs, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, description, schedule, job_type, config, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Name, job.Description, job.Schedule, string(job.JobType), configJSON, job.Enabled, job.CreatedAt, job.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = $2, description = $3, schedule = $4, job_type = $5,
			config = $6, enabled = $7, next_run = $8, updated_at = $9
		WHERE id = $1
	`, job.ID, job.Name, job.Description, job.Schedule, string(job.JobType), configJSON, job.Enabled, job.NextRun, job.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, job.ID)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run = $2, updated_at = NOW()
		WHERE id = $1
	`, id, lastRun)
	return err
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, status, started_at, ended_at, error, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, exec.ID, exec.JobID, string(exec.Status), exec.StartedAt, exec.EndedAt, exec.Error, exec.Output)
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET status = $2, ended_at = $3, error = $4, output = $5
		WHERE id = $1
	`, exec.ID, string(exec.Status), exec.EndedAt, exec.Error, exec.Output)
	return err
}

// GetJobExecutions returns the most recent executions of a job.
func (s *PostgresStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	var execs []*JobExecution
	err := s.db.SelectContext(ctx, &execs, `
		SELECT id, job_id, status, started_at, ended_at, error, output
		FROM job_executions
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	return execs, err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	return nil
}

// MemoryStore keeps jobs and their history in process. It serves the
// embedded deployment and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	execs map[string][]*JobExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		execs: make(map[string][]*JobExecution),
	}
}

func copyJob(j *Job) *Job {
	c := *j
	if j.Config != nil {
		c.Config = make(map[string]string, len(j.Config))
		for k, v := range j.Config {
			c.Config[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", models.ErrNotFound, id)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s exists", models.ErrConflict, job.ID)
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: job %s", models.ErrNotFound, job.ID)
	}
	job.UpdatedAt = time.Now()
	next := copyJob(job)
	next.CreatedAt, next.LastRun = prev.CreatedAt, prev.LastRun
	m.jobs[job.ID] = next
	return nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.execs, id)
	return nil
}

func (m *MemoryStore) UpdateLastRun(ctx context.Context, id string, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.LastRun = &lastRun
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *exec
	m.execs[exec.JobID] = append(m.execs[exec.JobID], &c)
	return nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.execs[exec.JobID] {
		if e.ID == exec.ID {
			c := *exec
			m.execs[exec.JobID][i] = &c
			return nil
		}
	}
	return fmt.Errorf("%w: execution %s", models.ErrNotFound, exec.ID)
}

func (m *MemoryStore) GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.execs[jobID]
	out := make([]*JobExecution, 0, len(all))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}
