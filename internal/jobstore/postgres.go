package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BMS-GM/pick-point/db/migrations"
	"github.com/BMS-GM/pick-point/internal/types"
)

// Postgres stores jobs in PostgreSQL through the pgx database/sql driver
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn and applies pending migrations. The caller must
// link the driver with a blank import of github.com/jackc/pgx/v5/stdlib.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	slog.Info("job store ready", "backend", "postgres")
	return p, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
		slog.Info("migration applied", "version", file)
	}
	return nil
}

func (p *Postgres) applyMigration(ctx context.Context, file string) error {
	body, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// CreateJob inserts an Incomplete job and its items. An existing job of
// the same name is left untouched and ErrJobExists returned.
func (p *Postgres) CreateJob(ctx context.Context, name string, items []types.Item) error {
	if err := validJob(name, items); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO jobs (name, status) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, name, string(types.JobIncomplete))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}

	for i, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_items (job_name, position, item_type, placement) VALUES ($1, $2, $3, $4)`,
			name, i, it.Type, it.Placement,
		); err != nil {
			return fmt.Errorf("insert item %d of %s: %w", i, name, err)
		}
	}
	return tx.Commit()
}

// NextIncompleteJob returns the oldest Incomplete job, or nil
func (p *Postgres) NextIncompleteJob(ctx context.Context) (*types.Job, error) {
	var job types.Job
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT name, status FROM jobs WHERE status = $1 ORDER BY created_at, name LIMIT 1`,
		string(types.JobIncomplete),
	).Scan(&job.Name, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query incomplete job: %w", err)
	}
	job.Status = types.JobStatus(status)
	return &job, nil
}

// ObjectsFor returns the items of a job in order
func (p *Postgres) ObjectsFor(ctx context.Context, name string) ([]types.Item, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE name=$1)`, name).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query job %s: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT item_type, placement FROM job_items WHERE job_name = $1 ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("query items of %s: %w", name, err)
	}
	defer rows.Close()

	items := make([]types.Item, 0)
	for rows.Next() {
		var it types.Item
		if err := rows.Scan(&it.Type, &it.Placement); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkStatus updates a job's status
func (p *Postgres) MarkStatus(ctx context.Context, name string, status types.JobStatus) error {
	if err := validStatus(status); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE name = $3`,
		string(status), time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("update job %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return nil
}

// ResetStatuses marks every job Incomplete
func (p *Postgres) ResetStatuses(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2`,
		string(types.JobIncomplete), time.Now().UTC()); err != nil {
		return fmt.Errorf("reset job statuses: %w", err)
	}
	return nil
}

// ListJobs returns every job with its items, oldest first
func (p *Postgres) ListJobs(ctx context.Context) ([]types.Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT j.name, j.status, i.item_type, i.placement
		FROM jobs j LEFT JOIN job_items i ON i.job_name = j.name
		ORDER BY j.created_at, j.name, i.position`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]types.Job, 0)
	for rows.Next() {
		var name, status string
		var itemType, placement sql.NullString
		if err := rows.Scan(&name, &status, &itemType, &placement); err != nil {
			return nil, err
		}
		if len(jobs) == 0 || jobs[len(jobs)-1].Name != name {
			jobs = append(jobs, types.Job{Name: name, Status: types.JobStatus(status)})
		}
		if itemType.Valid {
			last := &jobs[len(jobs)-1]
			last.Items = append(last.Items, types.Item{Type: itemType.String, Placement: placement.String})
		}
	}
	return jobs, rows.Err()
}

// Close releases the connection pool
func (p *Postgres) Close() error {
	return p.db.Close()
}
