package claims

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	domain "github.com/blackms/claimflow/internal/domain/claims"
)

// PostgresClaimRepository implements ClaimRepository on PostgreSQL. The
// conditional-insert contract is carried by a partial unique index on
// issue_id over non-terminal statuses, so InsertIfUnclaimed is a single
// statement and safe under any number of concurrent writers.
type PostgresClaimRepository struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	issue_id    TEXT NOT NULL,
	claimant_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	claimed_at  TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_open_issue ON claims(issue_id)
	WHERE status NOT IN ('completed','released','expired');
CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant_id);
CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);

CREATE TABLE IF NOT EXISTS issues (
	id   TEXT PRIMARY KEY,
	body JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS claimants (
	id   TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	body JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_events (
	id           TEXT PRIMARY KEY,
	aggregate_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	version      INTEGER NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON claim_events(aggregate_id, version);
`

// PostgresStore owns the connection pool and hands out repository views.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore connects with the lib/pq driver and ensures the schema
// exists.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Claims returns the claim repository view.
func (s *PostgresStore) Claims() *PostgresClaimRepository { return &PostgresClaimRepository{db: s.db} }

// Issues returns the issue repository view.
func (s *PostgresStore) Issues() *PostgresIssueRepository { return &PostgresIssueRepository{db: s.db} }

// Claimants returns the claimant repository view.
func (s *PostgresStore) Claimants() *PostgresClaimantRepository {
	return &PostgresClaimantRepository{db: s.db}
}

// Events returns the event store view.
func (s *PostgresStore) Events() *PostgresEventStore { return &PostgresEventStore{db: s.db} }

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// InsertIfUnclaimed inserts the claim; a unique violation on the partial
// index means another open claim holds the issue.
func (r *PostgresClaimRepository) InsertIfUnclaimed(ctx context.Context, claim *domain.Claim) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claims (id, issue_id, claimant_id, status, version, claimed_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		claim.ID, claim.IssueID, claim.Claimant.ID, string(claim.Status),
		claim.Version, claim.ClaimedAt, body)
	if isPgUniqueViolation(err) {
		return domain.NewErrorf(domain.CodeAlreadyClaimed, "issue %s is already claimed", claim.IssueID)
	}
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// Save overwrites the stored claim.
func (r *PostgresClaimRepository) Save(ctx context.Context, claim *domain.Claim) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claims (id, issue_id, claimant_id, status, version, claimed_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			claimant_id = EXCLUDED.claimant_id,
			status      = EXCLUDED.status,
			version     = EXCLUDED.version,
			body        = EXCLUDED.body`,
		claim.ID, claim.IssueID, claim.Claimant.ID, string(claim.Status),
		claim.Version, claim.ClaimedAt, body)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	return nil
}

// SaveVersioned is a compare-and-swap on the stored claim version.
func (r *PostgresClaimRepository) SaveVersioned(ctx context.Context, claim *domain.Claim, expected int) error {
	body, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE claims SET claimant_id = $1, status = $2, version = $3, body = $4
		WHERE id = $5 AND version = $6`,
		claim.Claimant.ID, string(claim.Status), claim.Version, body, claim.ID, expected)
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save claim: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, claim.ID).Scan(&exists); err != nil {
			return fmt.Errorf("save claim: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r *PostgresClaimRepository) queryClaims(ctx context.Context, query string, args ...any) ([]*domain.Claim, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find claims: %w", err)
	}
	return scanClaims(rows)
}

// FindByID loads one claim.
func (r *PostgresClaimRepository) FindByID(ctx context.Context, id string) (*domain.Claim, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM claims WHERE id = $1`, id).Scan(&body)
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
func (r *PostgresClaimRepository) FindOpenByIssue(ctx context.Context, issueID string) (*domain.Claim, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT body FROM claims
		WHERE issue_id = $1 AND status NOT IN `+terminalStatusList, issueID).Scan(&body)
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
func (r *PostgresClaimRepository) FindByClaimant(ctx context.Context, claimantID string) ([]*domain.Claim, error) {
	return r.queryClaims(ctx,
		`SELECT body FROM claims WHERE claimant_id = $1 ORDER BY claimed_at, id`, claimantID)
}

// FindOpen loads all non-terminal claims.
func (r *PostgresClaimRepository) FindOpen(ctx context.Context) ([]*domain.Claim, error) {
	return r.queryClaims(ctx,
		`SELECT body FROM claims WHERE status NOT IN `+terminalStatusList+` ORDER BY claimed_at, id`)
}

// FindByStatus loads claims in one status.
func (r *PostgresClaimRepository) FindByStatus(ctx context.Context, status domain.ClaimStatus) ([]*domain.Claim, error) {
	return r.queryClaims(ctx,
		`SELECT body FROM claims WHERE status = $1 ORDER BY claimed_at, id`, string(status))
}

// CountOpenByClaimant counts a claimant's open claims.
func (r *PostgresClaimRepository) CountOpenByClaimant(ctx context.Context, claimantID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM claims
		WHERE claimant_id = $1 AND status NOT IN `+terminalStatusList, claimantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// Count returns the total number of claims.
func (r *PostgresClaimRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// CountByStatus counts claims in one status.
func (r *PostgresClaimRepository) CountByStatus(ctx context.Context, status domain.ClaimStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM claims WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

// PostgresIssueRepository implements IssueRepository on PostgreSQL.
type PostgresIssueRepository struct {
	db *sql.DB
}

// Save upserts the issue document.
func (r *PostgresIssueRepository) Save(ctx context.Context, issue *domain.Issue) error {
	saved := *issue
	saved.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO issues (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`,
		issue.ID, body)
	if err != nil {
		return fmt.Errorf("save issue: %w", err)
	}
	return nil
}

// FindByID loads one issue.
func (r *PostgresIssueRepository) FindByID(ctx context.Context, id string) (*domain.Issue, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM issues WHERE id = $1`, id).Scan(&body)
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

// FindAll loads every issue.
func (r *PostgresIssueRepository) FindAll(ctx context.Context) ([]*domain.Issue, error) {
	return r.FindByFilter(ctx, domain.IssueFilter{})
}

// FindByFilter loads issues matching the filter. Filtering happens on the
// decoded documents; pagination applies after filtering.
func (r *PostgresIssueRepository) FindByFilter(ctx context.Context, filter domain.IssueFilter) ([]*domain.Issue, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT body FROM issues ORDER BY id`)
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
func (r *PostgresIssueRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM issues`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	return n, nil
}

// PostgresClaimantRepository implements ClaimantRepository on PostgreSQL.
type PostgresClaimantRepository struct {
	db *sql.DB
}

// Save upserts the claimant document.
func (r *PostgresClaimantRepository) Save(ctx context.Context, claimant *domain.Claimant) error {
	body, err := json.Marshal(claimant)
	if err != nil {
		return fmt.Errorf("marshal claimant: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO claimants (id, type, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, body = EXCLUDED.body`,
		claimant.ID, string(claimant.Type), body)
	if err != nil {
		return fmt.Errorf("save claimant: %w", err)
	}
	return nil
}

// FindByID loads one claimant.
func (r *PostgresClaimantRepository) FindByID(ctx context.Context, id string) (*domain.Claimant, error) {
	var body []byte
	err := r.db.QueryRowContext(ctx, `SELECT body FROM claimants WHERE id = $1`, id).Scan(&body)
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

func (r *PostgresClaimantRepository) query(ctx context.Context, where string, args ...any) ([]*domain.Claimant, error) {
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
func (r *PostgresClaimantRepository) FindAll(ctx context.Context) ([]*domain.Claimant, error) {
	return r.query(ctx, "")
}

// FindByType loads claimants of one type.
func (r *PostgresClaimantRepository) FindByType(ctx context.Context, t domain.ClaimantType) ([]*domain.Claimant, error) {
	return r.query(ctx, `WHERE type = $1`, string(t))
}

// Count returns the number of claimants.
func (r *PostgresClaimantRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claimants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimants: %w", err)
	}
	return n, nil
}

// PostgresEventStore implements EventStore on PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// Append records an event, rejecting versions that precede the aggregate's
// last appended version.
func (s *PostgresEventStore) Append(ctx context.Context, event *domain.Event) error {
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
		`SELECT MAX(version) FROM claim_events WHERE aggregate_id = $1`, event.AggregateID).Scan(&last)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if last.Valid && event.Version < int(last.Int64) {
		return fmt.Errorf("event version %d precedes aggregate %s version %d",
			event.Version, event.AggregateID, last.Int64)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO claim_events (id, aggregate_id, type, version, occurred_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.AggregateID, string(event.Type), event.Version, event.Timestamp, body)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// ForAggregate loads an aggregate's events in version order.
func (s *PostgresEventStore) ForAggregate(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM claim_events WHERE aggregate_id = $1 ORDER BY version, occurred_at, id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return scanEvents(rows)
}

// Query loads events matching the filter in append order.
func (s *PostgresEventStore) Query(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM claim_events ORDER BY occurred_at, id`)
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
func (s *PostgresEventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM claim_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared handle is owned by PostgresStore.
func (s *PostgresEventStore) Close() error { return nil }
