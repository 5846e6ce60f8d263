package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

const uniqueViolation = "23505"

const scanColumns = `access_token, doc, findings`

// encodedScan is the row form of a scan. Findings live in their own nullable column so a
// scan that was never given findings stays distinguishable from one with none.
type encodedScan struct {
	doc      []byte
	findings any
}

func encodeScan(scan audit.Scan) (encodedScan, error) {
	findings := scan.Findings
	scan.Findings = nil
	doc, err := json.Marshal(scan)
	if err != nil {
		return encodedScan{}, fmt.Errorf("marshal scan: %w", err)
	}
	out := encodedScan{doc: doc}
	if findings != nil {
		data, err := json.Marshal(findings)
		if err != nil {
			return encodedScan{}, fmt.Errorf("marshal findings: %w", err)
		}
		out.findings = data
	}
	return out, nil
}

func decodeScan(row pgx.Row) (audit.Scan, error) {
	var (
		token    string
		doc      []byte
		findings []byte
	)
	if err := row.Scan(&token, &doc, &findings); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.Scan{}, audit.ErrScanNotFound
		}
		return audit.Scan{}, fmt.Errorf("scan row: %w", err)
	}
	var scan audit.Scan
	if err := json.Unmarshal(doc, &scan); err != nil {
		return audit.Scan{}, fmt.Errorf("unmarshal scan: %w", err)
	}
	scan.AccessToken = token
	if findings != nil {
		if err := json.Unmarshal(findings, &scan.Findings); err != nil {
			return audit.Scan{}, fmt.Errorf("unmarshal findings: %w", err)
		}
		if scan.Findings == nil {
			scan.Findings = []audit.Finding{}
		}
	}
	return scan, nil
}

func paidAt(scan audit.Scan) *time.Time {
	if !scan.Payment.IsPaid {
		return nil
	}
	return scan.Payment.PaidAt
}

// CreateScan inserts a new scan.
func (s *Store) CreateScan(ctx context.Context, scan audit.Scan) error {
	enc, err := encodeScan(scan)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scans (id, url, access_token, is_paid, paid_at, status, doc, findings, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		scan.ID,
		scan.URL,
		scan.AccessToken,
		scan.Payment.IsPaid,
		paidAt(scan),
		string(scan.Status),
		enc.doc,
		enc.findings,
		scan.CreatedAt,
		scan.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert scan %s: %w", scan.ID, audit.ErrScanExists)
	}
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan loads a scan by ID.
func (s *Store) GetScan(ctx context.Context, scanID string) (audit.Scan, error) {
	return getScan(ctx, s.pool, scanID, false)
}

func getScan(ctx context.Context, q querier, scanID string, forUpdate bool) (audit.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return decodeScan(q.QueryRow(ctx, query, scanID))
}

func writeScan(ctx context.Context, q querier, scan audit.Scan) error {
	enc, err := encodeScan(scan)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
UPDATE scans SET url = $2, access_token = $3, is_paid = $4, paid_at = $5, status = $6,
	doc = $7, findings = $8, updated_at = $9
WHERE id = $1`,
		scan.ID,
		scan.URL,
		scan.AccessToken,
		scan.Payment.IsPaid,
		paidAt(scan),
		string(scan.Status),
		enc.doc,
		enc.findings,
		scan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrScanNotFound
	}
	return nil
}

// UpdateScan locks the scan row, applies fn and writes the result back in one transaction.
func (s *Store) UpdateScan(ctx context.Context, scanID string, fn func(*audit.Scan) error) (audit.Scan, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return audit.Scan{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scan, err := getScan(ctx, tx, scanID, true)
	if err != nil {
		return audit.Scan{}, err
	}
	if err := fn(&scan); err != nil {
		return audit.Scan{}, err
	}
	scan.ID = scanID
	if err := writeScan(ctx, tx, scan); err != nil {
		return audit.Scan{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return audit.Scan{}, fmt.Errorf("commit scan update: %w", err)
	}
	return scan, nil
}

// LatestPaidScan returns the most recently paid scan of url other than excludeID.
func (s *Store) LatestPaidScan(ctx context.Context, url, excludeID string) (audit.Scan, error) {
	return decodeScan(s.pool.QueryRow(ctx, `
SELECT `+scanColumns+` FROM scans
WHERE url = $1 AND is_paid AND id <> $2
ORDER BY paid_at DESC NULLS LAST, updated_at DESC
LIMIT 1`, url, excludeID))
}

// ListStaleScans returns up to limit scans last updated before cutoff, oldest first.
func (s *Store) ListStaleScans(ctx context.Context, cutoff time.Time, limit int) ([]audit.Scan, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+scanColumns+` FROM scans
WHERE updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale scans: %w", err)
	}
	defer rows.Close()

	var out []audit.Scan
	for rows.Next() {
		scan, err := decodeScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale scans: %w", err)
	}
	return out, nil
}

// DeleteScan removes a scan. Its report snapshot goes with it through the foreign key.
func (s *Store) DeleteScan(ctx context.Context, scanID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, scanID)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrScanNotFound
	}
	return nil
}

// UpsertReport stores the report snapshot of a scan, replacing any previous one.
func (s *Store) UpsertReport(ctx context.Context, report audit.Report) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scan_reports (scan_id, doc, generated_at) VALUES ($1,$2,$3)
ON CONFLICT (scan_id) DO UPDATE SET doc = EXCLUDED.doc, generated_at = EXCLUDED.generated_at`,
		report.ScanID, doc, report.GeneratedAt)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport loads the report snapshot of a scan.
func (s *Store) GetReport(ctx context.Context, scanID string) (audit.Report, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM scan_reports WHERE scan_id = $1`, scanID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Report{}, fmt.Errorf("report %s: %w", scanID, audit.ErrNotFound)
	}
	if err != nil {
		return audit.Report{}, fmt.Errorf("get report: %w", err)
	}
	var report audit.Report
	if err := json.Unmarshal(doc, &report); err != nil {
		return audit.Report{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}
