package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends.
// Statements are written with ? placeholders and rebound for Postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// DocumentStore implementation

type sqlDocumentStore struct{ sqlStore }

const documentColumns = `id, filename, title, format, size_bytes, sha256, path, status, error,
	page_count, chunk_count, ocr, created_at, updated_at`

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var status string
	err := row.Scan(&d.ID, &d.Filename, &d.Title, &d.Format, &d.SizeBytes, &d.SHA256, &d.Path,
		&status, &d.Error, &d.PageCount, &d.ChunkCount, &d.OCR, &d.CreatedAt, &d.UpdatedAt)
	d.Status = DocumentStatus(status)
	return d, err
}

func (s *sqlDocumentStore) Create(ctx context.Context, d Document) error {
	_, err := s.exec(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.Title, d.Format, d.SizeBytes, d.SHA256, d.Path, string(d.Status),
		d.Error, d.PageCount, d.ChunkCount, d.OCR, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueSHA256Violation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// isUniqueSHA256Violation reports whether err is the unique index on
// documents.sha256 rejecting an insert.
func isUniqueSHA256Violation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == "idx_documents_sha256_unique"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func (s *sqlDocumentStore) Update(ctx context.Context, d Document) error {
	res, err := s.exec(ctx, `
		UPDATE documents SET filename = ?, title = ?, format = ?, size_bytes = ?, sha256 = ?,
			path = ?, status = ?, error = ?, page_count = ?, chunk_count = ?, ocr = ?, updated_at = ?
		WHERE id = ?`,
		d.Filename, d.Title, d.Format, d.SizeBytes, d.SHA256, d.Path, string(d.Status), d.Error,
		d.PageCount, d.ChunkCount, d.OCR, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(res)
}

func (s *sqlDocumentStore) Get(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	return s.one(row)
}

func (s *sqlDocumentStore) GetBySHA256(ctx context.Context, sum string) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+documentColumns+` FROM documents WHERE sha256 = ?
		ORDER BY created_at LIMIT 1`), sum)
	return s.one(row)
}

func (s *sqlDocumentStore) one(row *sql.Row) (Document, error) {
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fmt.Errorf("query document: %w", err)
	}
	return d, nil
}

func (s *sqlDocumentStore) List(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *sqlDocumentStore) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res)
}

// QueryStore implementation

type sqlQueryStore struct{ sqlStore }

const queryColumns = `id, question, document_ids, timestamp, elapsed_ms, input_tokens, output_tokens,
	document_count, theme_count, status, result`

func scanQuery(row rowScanner) (QueryRecord, error) {
	var q QueryRecord
	var docIDs, result []byte
	err := row.Scan(&q.ID, &q.Question, &docIDs, &q.Timestamp, &q.ElapsedMs, &q.InputTokens,
		&q.OutputTokens, &q.DocumentCount, &q.ThemeCount, &q.Status, &result)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal(docIDs, &q.DocumentIDs); err != nil {
		return q, fmt.Errorf("unmarshal document ids: %w", err)
	}
	if len(result) > 0 {
		q.Result = json.RawMessage(result)
	}
	return q, nil
}

func (s *sqlQueryStore) Add(ctx context.Context, q QueryRecord) error {
	docIDs, err := json.Marshal(q.DocumentIDs)
	if err != nil {
		return fmt.Errorf("marshal document ids: %w", err)
	}
	result := string(q.Result)
	if result == "" {
		result = "null"
	}

	_, err = s.exec(ctx, `
		INSERT INTO queries (`+queryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			question = EXCLUDED.question,
			document_ids = EXCLUDED.document_ids,
			timestamp = EXCLUDED.timestamp,
			elapsed_ms = EXCLUDED.elapsed_ms,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			document_count = EXCLUDED.document_count,
			theme_count = EXCLUDED.theme_count,
			status = EXCLUDED.status,
			result = EXCLUDED.result`,
		q.ID, q.Question, string(docIDs), q.Timestamp, q.ElapsedMs, q.InputTokens, q.OutputTokens,
		q.DocumentCount, q.ThemeCount, q.Status, result,
	)
	if err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

func (s *sqlQueryStore) Get(ctx context.Context, id string) (QueryRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+queryColumns+` FROM queries WHERE id = ?`), id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	if err != nil {
		return q, fmt.Errorf("query history: %w", err)
	}
	return q, nil
}

func (s *sqlQueryStore) List(ctx context.Context, limit int) ([]QueryRecord, error) {
	query := `SELECT ` + queryColumns + ` FROM queries ORDER BY timestamp DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqlQueryStore) Delete(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete query: %w", err)
	}
	return requireRow(res)
}

func (s *sqlQueryStore) Summary(ctx context.Context) (MetricsSummary, error) {
	var m MetricsSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(AVG(elapsed_ms), 0),
			COALESCE(AVG(document_count), 0)
		FROM queries`).Scan(
		&m.TotalQueries, &m.TotalInputTokens, &m.TotalOutputTokens,
		&m.AvgLatencyMs, &m.AvgDocumentsPerQry,
	)
	if err != nil {
		return m, fmt.Errorf("query summary: %w", err)
	}
	return m, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
