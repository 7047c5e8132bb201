package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Fixed width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		expires_at TEXT,
		max_requests INTEGER NOT NULL DEFAULT 0,
		response_status INTEGER NOT NULL DEFAULT 200,
		response_headers TEXT NOT NULL DEFAULT '{}',
		response_body TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS requests (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		endpoint_id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		sub_path TEXT NOT NULL,
		query_params TEXT NOT NULL,
		headers TEXT NOT NULL,
		body BLOB,
		body_encoding TEXT NOT NULL DEFAULT '',
		body_size INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		processing_time_ms INTEGER,
		FOREIGN KEY(endpoint_id) REFERENCES endpoints(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_requests_endpoint_id ON requests(endpoint_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	headers := string(e.ResponseHeaders)
	if headers == "" {
		headers = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, slug, owner_id, is_active, expires_at, max_requests, response_status, response_headers, response_body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Slug, e.OwnerID, e.IsActive, formatNullTime(e.ExpiresAt), e.MaxRequests,
		e.ResponseStatus, headers, e.ResponseBody, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

const endpointColumns = `id, slug, owner_id, is_active, expires_at, max_requests, response_status, response_headers, response_body, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var (
		e                  Endpoint
		expiresAt          sql.NullString
		headers            string
		createdAt, updated string
	)
	err := row.Scan(&e.ID, &e.Slug, &e.OwnerID, &e.IsActive, &expiresAt, &e.MaxRequests,
		&e.ResponseStatus, &headers, &e.ResponseBody, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.ResponseHeaders = json.RawMessage(headers)
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		e.ExpiresAt = &t
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+endpointColumns+" FROM endpoints WHERE id = ?", id)
	return scanEndpoint(row)
}

func (s *SQLiteStore) GetEndpointBySlug(ctx context.Context, slug string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+endpointColumns+" FROM endpoints WHERE slug = ?", slug)
	return scanEndpoint(row)
}

func (s *SQLiteStore) UpdateEndpointResponse(ctx context.Context, id string, u ResponseUpdate) (*Endpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := scanEndpoint(tx.QueryRowContext(ctx, "SELECT "+endpointColumns+" FROM endpoints WHERE id = ?", id))
	if err != nil {
		return nil, err
	}
	if !u.Apply(e) {
		return e, tx.Commit()
	}
	e.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE endpoints SET response_status = ?, response_headers = ?, response_body = ?, updated_at = ?
		WHERE id = ?
	`, e.ResponseStatus, string(e.ResponseHeaders), e.ResponseBody, formatTime(e.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update endpoint response: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *Request) error {
	query, err := json.Marshal(r.QueryParams)
	if err != nil {
		return fmt.Errorf("encode query params: %w", err)
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (id, endpoint_id, method, path, sub_path, query_params, headers, body, body_encoding, body_size, content_type, ip_address, user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.EndpointID, r.Method, r.Path, r.SubPath, string(query), string(headers), []byte(r.Body),
		r.BodyEncoding, r.BodySize, r.ContentType, r.IPAddress, r.UserAgent, formatTime(r.Timestamp))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinalizeRequest(ctx context.Context, id string, processingTimeMs int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE requests SET processing_time_ms = ? WHERE id = ? AND processing_time_ms IS NULL",
		processingTimeMs, id)
	if err != nil {
		return fmt.Errorf("finalize request: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM requests WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStore) ListRequests(ctx context.Context, endpointID string, limit int) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, method, path, sub_path, query_params, headers, body, body_encoding, body_size, content_type, ip_address, user_agent, timestamp, processing_time_ms
		FROM requests
		WHERE endpoint_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqs := []*Request{}
	for rows.Next() {
		var (
			r              Request
			query, headers string
			body           []byte
			ts             string
			processing     sql.NullInt64
		)
		err := rows.Scan(&r.ID, &r.EndpointID, &r.Method, &r.Path, &r.SubPath, &query, &headers, &body,
			&r.BodyEncoding, &r.BodySize, &r.ContentType, &r.IPAddress, &r.UserAgent, &ts, &processing)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(query), &r.QueryParams); err != nil {
			return nil, fmt.Errorf("decode query params for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", r.ID, err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		r.Body = string(body)
		r.ProcessingTimeMs = processing.Int64
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) CountRequests(ctx context.Context, endpointID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE endpoint_id = ?", endpointID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) DeleteRequests(ctx context.Context, endpointID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE endpoint_id = ?", endpointID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM requests WHERE endpoint_id IN (
			SELECT id FROM endpoints WHERE expires_at IS NOT NULL AND expires_at < ?
		)
	`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
