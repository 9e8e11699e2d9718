package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/tern-dl/tern/internal/data"
)

// PostgresRepo implements DownloadRepo backed by PostgreSQL. It expects a
// `downloads` table with a unique index on `fingerprint`.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo constructs a repository using the provided DSN.
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresRepoFromEnv constructs a DSN from component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (tern),
//	POSTGRES_USER (tern), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func NewPostgresRepoFromEnv() (*PostgresRepo, error) {
	host := getenv("POSTGRES_HOST", "postgres")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "tern")
	user := getenv("POSTGRES_USER", "tern")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return NewPostgresRepo(u.String())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS downloads (
    id UUID PRIMARY KEY,
    url TEXT NOT NULL,
    target_path TEXT NOT NULL,
    total_size BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    priority INT NOT NULL DEFAULT 1,
    engine_id TEXT NOT NULL DEFAULT '',
    expected_hash TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    split JSONB,
    fingerprint TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
`)
	return err
}

const downloadColumns = `id,url,target_path,total_size,status,priority,engine_id,expected_hash,error,split,fingerprint,created_at,started_at,completed_at`

func (r *PostgresRepo) List(ctx context.Context) (data.Downloads, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.Downloads
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListByStatus(ctx context.Context, status data.DownloadStatus) (data.Downloads, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE status=$1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.Downloads
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*data.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id=$1`, id)
	dl, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

func (r *PostgresRepo) GetByFingerprint(ctx context.Context, fprint string) (*data.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE fingerprint=$1`, fprint)
	dl, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

// Add inserts the download, deduplicating on fingerprint atomically.
func (r *PostgresRepo) Add(ctx context.Context, d *data.Download) (*data.Download, bool, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	splitJSON, _ := json.Marshal(d.Split)
	err := r.db.QueryRowContext(ctx, `
WITH ins AS (
    INSERT INTO downloads (`+downloadColumns+`)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    ON CONFLICT (fingerprint) DO NOTHING
    RETURNING id
)
SELECT id FROM ins
`, id, d.URL, d.TargetPath, d.TotalSize, string(d.Status), int(d.Priority), d.EngineID,
		d.ExpectedHash, d.Error, nullJSON(splitJSON), d.Fingerprint, d.CreatedAt,
		nullTime(d.StartedAt), nullTime(d.CompletedAt)).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if err == nil {
		dl, err := r.Get(ctx, id)
		return dl, true, err
	}
	dl, err := r.GetByFingerprint(ctx, d.Fingerprint)
	if err != nil {
		return nil, false, err
	}
	return dl, false, nil
}

// Update serializes per-row updates with SELECT ... FOR UPDATE, applies
// mutate to a copy, and writes the changed columns back.
func (r *PostgresRepo) Update(ctx context.Context, id string, mutate func(*data.Download) error) (*data.Download, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id=$1 FOR UPDATE`, id)
	cur, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}

	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}

	splitJSON, _ := json.Marshal(next.Split)
	if _, err := tx.ExecContext(ctx, `UPDATE downloads SET total_size=$1, status=$2, priority=$3, engine_id=$4, expected_hash=$5, error=$6, split=$7, started_at=$8, completed_at=$9 WHERE id=$10`,
		next.TotalSize, string(next.Status), int(next.Priority), next.EngineID,
		next.ExpectedHash, next.Error, nullJSON(splitJSON),
		nullTime(next.StartedAt), nullTime(next.CompletedAt), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return data.ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDownload(rs rowScanner) (*data.Download, error) {
	var (
		id, urlStr, target, status, engineID, expected, errMsg, fprint string
		totalSize                                                      int64
		priority                                                       int
		splitRaw                                                       sql.NullString
		created                                                        time.Time
		started, completed                                             sql.NullTime
	)
	if err := rs.Scan(&id, &urlStr, &target, &totalSize, &status, &priority, &engineID,
		&expected, &errMsg, &splitRaw, &fprint, &created, &started, &completed); err != nil {
		return nil, err
	}
	dl := &data.Download{
		ID:           id,
		URL:          urlStr,
		TargetPath:   target,
		TotalSize:    totalSize,
		Status:       data.DownloadStatus(status),
		Priority:     data.Priority(priority),
		EngineID:     engineID,
		ExpectedHash: expected,
		Error:        errMsg,
		Fingerprint:  fprint,
		CreatedAt:    created,
	}
	if started.Valid {
		dl.StartedAt = started.Time
	}
	if completed.Valid {
		dl.CompletedAt = completed.Time
	}
	if splitRaw.Valid && splitRaw.String != "" {
		_ = json.Unmarshal([]byte(splitRaw.String), &dl.Split)
	}
	return dl, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return string(b)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
