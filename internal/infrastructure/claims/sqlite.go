package claims

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// SQLiteStore bundles the SQLite-backed repositories and event store over a
// single database handle. Claim documents are stored as JSON with the
// columns needed for indexing lifted out.
//
// The open-claim invariant is enforced by a partial unique index on
// issue_id over non-terminal statuses, which makes InsertIfUnclaimed a
// single conditional write.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	issue_id    TEXT NOT NULL,
	claimant_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	claimed_at  INTEGER NOT NULL,
	body        BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_open_issue ON claims(issue_id)
	WHERE status NOT IN ('completed','released','expired');
CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant_id);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);

CREATE TABLE IF NOT EXISTS issues (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	body       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS claimants (
	id   TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	body BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	aggregate_id TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	version      INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL,
	body         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id, version);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// OpenSQLiteStore opens (creating if needed) the claims database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent service calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Claims returns the claim repository view.
func (s *SQLiteStore) Claims() *SQLiteClaimRepository { return &SQLiteClaimRepository{db: s.db} }

// Issues returns the issue repository view.
func (s *SQLiteStore) Issues() *SQLiteIssueRepository { return &SQLiteIssueRepository{db: s.db} }

// Claimants returns the claimant repository view.
func (s *SQLiteStore) Claimants() *SQLiteClaimantRepository {
	return &SQLiteClaimantRepository{db: s.db}
}

// Events returns the event store view.
func (s *SQLiteStore) Events() *SQLiteEventStore { return &SQLiteEventStore{db: s.db} }

// SQLiteClaimRepository implements ClaimRepository on SQLite.
type SQLiteClaimRepository struct {
	db *sql.DB
}

const terminalStatusList = `('completed','released','expired')`

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertIfUnclaimed inserts the claim; the partial unique index rejects the
// write atomically when an open claim already holds the issue.
func (r *SQLiteClaimRepository) InsertIfUnclaimed(ctx context.Context, claim *domain.Claim) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claims (id, issue_id, claimant_id, status, version, claimed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, claim.IssueID, claim.Claimant.ID, string(claim.Status),
		claim.Version, claim.ClaimedAt.UnixMilli(), body)
	if isUniqueViolation(err) {
		return domain.NewErrorf(domain.CodeAlreadyClaimed, "issue %s is already claimed", claim.IssueID)
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// Save overwrites the stored claim.
func (r *SQLiteClaimRepository) Save(ctx context.Context, claim *domain.Claim) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claims (id, issue_id, claimant_id, status, version, claimed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			claimant_id = excluded.claimant_id,
			status      = excluded.status,
			version     = excluded.version,
			body        = excluded.body`,
		claim.ID, claim.IssueID, claim.Claimant.ID, string(claim.Status),
		claim.Version, claim.ClaimedAt.UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	return nil
}

// SaveVersioned is a compare-and-swap on the stored claim version.
func (r *SQLiteClaimRepository) SaveVersioned(ctx context.Context, claim *domain.Claim, expected int) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE claims SET claimant_id = ?, status = ?, version = ?, body = ?
		WHERE id = ? AND version = ?`,
		claim.Claimant.ID, string(claim.Status), claim.Version, body, claim.ID, expected)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	if n == 0 {
		var exists int
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM claims WHERE id = ?`, claim.ID).Scan(&exists); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func scanClaims(rows *sql.Rows) ([]*domain.Claim, error) {
	defer rows.Close()
	var out []*domain.Claim
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		var claim domain.Claim
		if err := json.Unmarshal(body, &claim); err != nil {
			return nil, fmt.Errorf("decode claim: %w", err)
		}
		out = append(out, &claim)
	}
	return out, rows.Err()
}

// FindByID loads one claim.
func (r *SQLiteClaimRepository) FindByID(ctx context.Context, id string) (*domain.Claim, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM claims WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find claim: %w", err)
	}
	var claim domain.Claim
	if err := json.Unmarshal(body, &claim); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return &claim, nil
}

// FindOpenByIssue returns the open claim for an issue, or (nil, nil).
func (r *SQLiteClaimRepository) FindOpenByIssue(ctx context.Context, issueID string) (*domain.Claim, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT body FROM claims
		WHERE issue_id = ? AND status NOT IN `+terminalStatusList, issueID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open claim: %w", err)
	}
	var claim domain.Claim
	if err := json.Unmarshal(body, &claim); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return &claim, nil
}

// FindByClaimant loads every claim a claimant has owned.
func (r *SQLiteClaimRepository) FindByClaimant(ctx context.Context, claimantID string) ([]*domain.Claim, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM claims WHERE claimant_id = ? ORDER BY claimed_at, id`, claimantID)
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	return scanClaims(rows)
}

// FindOpen loads all non-terminal claims.
func (r *SQLiteClaimRepository) FindOpen(ctx context.Context) ([]*domain.Claim, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM claims WHERE status NOT IN `+terminalStatusList+` ORDER BY claimed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	return scanClaims(rows)
}

// FindByStatus loads claims in one status.
func (r *SQLiteClaimRepository) FindByStatus(ctx context.Context, status domain.ClaimStatus) ([]*domain.Claim, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT body FROM claims WHERE status = ? ORDER BY claimed_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	return scanClaims(rows)
}

// CountOpenByClaimant counts a claimant's open claims.
func (r *SQLiteClaimRepository) CountOpenByClaimant(ctx context.Context, claimantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM claims
		WHERE claimant_id = ? AND status NOT IN `+terminalStatusList, claimantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// Count returns the total number of claims.
func (r *SQLiteClaimRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// CountByStatus counts claims in one status.
func (r *SQLiteClaimRepository) CountByStatus(ctx context.Context, status domain.ClaimStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM claims WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// SQLiteIssueRepository implements IssueRepository on SQLite.
type SQLiteIssueRepository struct {
	db *sql.DB
}

// Save upserts the issue document.
func (r *SQLiteIssueRepository) Save(ctx context.Context, issue *domain.Issue) error {
	saved := *issue
	saved.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO issues (id, created_at, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		issue.ID, issue.CreatedAt.UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("save issue: %w", err)
	}
	return nil
}

// FindByID loads one issue.
func (r *SQLiteIssueRepository) FindByID(ctx context.Context, id string) (*domain.Issue, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM issues WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find issue: %w", err)
	}
	var issue domain.Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &issue, nil
}

// FindAll loads every issue, oldest first.
func (r *SQLiteIssueRepository) FindAll(ctx context.Context) ([]*domain.Issue, error) {
	return r.FindByFilter(ctx, domain.IssueFilter{})
}

// FindByFilter loads issues matching the filter. Filtering happens on the
// decoded documents; pagination applies after filtering.
func (r *SQLiteIssueRepository) FindByFilter(ctx context.Context, filter domain.IssueFilter) ([]*domain.Issue, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT body FROM issues ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("find issues: %w", err)
	}
	defer rows.Close()
	var out []*domain.Issue
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		var issue domain.Issue
		if err := json.Unmarshal(body, &issue); err != nil {
			return nil, fmt.Errorf("decode issue: %w", err)
		}
		if filter.Matches(&issue) {
			out = append(out, &issue)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of issues.
func (r *SQLiteIssueRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM issues`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return n, nil
}

// SQLiteClaimantRepository implements ClaimantRepository on SQLite.
type SQLiteClaimantRepository struct {
	db *sql.DB
}

// Save upserts the claimant document.
func (r *SQLiteClaimantRepository) Save(ctx context.Context, claimant *domain.Claimant) error {
	body, err := json.Marshal(claimant)
	if err != nil {
		return fmt.Errorf("marshal claimant: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claimants (id, type, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type = excluded.type, body = excluded.body`,
		claimant.ID, string(claimant.Type), body)
	if err != nil {
		return fmt.Errorf("save claimant: %w", err)
	}
	return nil
}

// FindByID loads one claimant.
func (r *SQLiteClaimantRepository) FindByID(ctx context.Context, id string) (*domain.Claimant, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM claimants WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find claimant: %w", err)
	}
	var claimant domain.Claimant
	if err := json.Unmarshal(body, &claimant); err != nil {
		return nil, fmt.Errorf("decode claimant: %w", err)
	}
	return &claimant, nil
}

func (r *SQLiteClaimantRepository) query(ctx context.Context, where string, args ...any) ([]*domain.Claimant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT body FROM claimants `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("find claimants: %w", err)
	}
	defer rows.Close()
	var out []*domain.Claimant
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan claimant: %w", err)
		}
		var claimant domain.Claimant
		if err := json.Unmarshal(body, &claimant); err != nil {
			return nil, fmt.Errorf("decode claimant: %w", err)
		}
		out = append(out, &claimant)
	}
	return out, rows.Err()
}

// FindAll loads every claimant.
func (r *SQLiteClaimantRepository) FindAll(ctx context.Context) ([]*domain.Claimant, error) {
	return r.query(ctx, "")
}

// FindByType loads claimants of one type.
func (r *SQLiteClaimantRepository) FindByType(ctx context.Context, t domain.ClaimantType) ([]*domain.Claimant, error) {
	return r.query(ctx, `WHERE type = ?`, string(t))
}

// Count returns the number of claimants.
func (r *SQLiteClaimantRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claimants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimants: %w", err)
	}
	return n, nil
}

// SQLiteEventStore implements EventStore on SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Append records an event, rejecting versions that precede the aggregate's
// last appended version.
func (s *SQLiteEventStore) Append(ctx context.Context, event *domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_id = ?`, event.AggregateID).Scan(&last)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if last.Valid && event.Version < int(last.Int64) {
		return fmt.Errorf("event version %d precedes aggregate %s version %d",
			event.Version, event.AggregateID, last.Int64)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, aggregate_id, event_type, version, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.AggregateID, string(event.Type), event.Version,
		event.Timestamp.UnixMilli(), body)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()
	var out []*domain.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event domain.Event
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// ForAggregate loads an aggregate's events in version order.
func (s *SQLiteEventStore) ForAggregate(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM events WHERE aggregate_id = ? ORDER BY version, timestamp, id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return scanEvents(rows)
}

// Query loads events matching the filter in append order.
func (s *SQLiteEventStore) Query(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM events ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	all, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	var out []*domain.Event
	for _, e := range all {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Count returns the total number of events.
func (s *SQLiteEventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared handle is owned by SQLiteStore.
func (s *SQLiteEventStore) Close() error { return nil }
