// Package postgres provides the Postgres-backed account store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fletling/trainervault/internal/account"
)

// Config controls the Postgres connection pool used for account rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AccountStore is the authoritative cross-process account record, backed by
// Postgres. Claim exclusivity rests on row locks (FOR UPDATE SKIP LOCKED),
// so two concurrent claimants can never be handed the same row.
type AccountStore struct {
	pool  pgxPool
	clock account.Clock
}

// NewAccountStore creates a Postgres-backed AccountStore using the provided config.
func NewAccountStore(ctx context.Context, cfg Config) (*AccountStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &AccountStore{pool: pool, clock: systemClock{}}, nil
}

// NewAccountStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewAccountStoreWithPool(pool pgxPool, clock account.Clock) (*AccountStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &AccountStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *AccountStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// unavailableError makes transient store failures both descriptive and
// matchable via errors.Is(err, account.ErrStoreUnavailable).
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{account.ErrStoreUnavailable, e.err}
}

func storeErr(op string, err error) error {
	return &unavailableError{op: op, err: err}
}

const accountColumns = `id, username, password, provider, level, model,
device_version, device_id, instance, hibernated_at, hibernation_reason,
captcha_at, created, updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var (
		acc    account.Account
		reason *string
	)
	err := row.Scan(
		&acc.ID,
		&acc.Username,
		&acc.Password,
		&acc.Provider,
		&acc.Level,
		&acc.Model,
		&acc.DeviceVersion,
		&acc.DeviceID,
		&acc.Instance,
		&acc.HibernatedAt,
		&reason,
		&acc.CaptchaAt,
		&acc.Created,
		&acc.Updated,
	)
	if err != nil {
		return account.Account{}, err
	}
	if reason != nil {
		r := account.HibernationReason(*reason)
		acc.HibernationReason = &r
	}
	return acc, nil
}

// Lookup returns the account for username or account.ErrNotFound.
func (s *AccountStore) Lookup(ctx context.Context, username string) (account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`
	acc, err := scanAccount(s.pool.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, storeErr("lookup account", err)
	}
	return acc, nil
}

// ClaimNext locks and claims one eligible account for instance, lowest id
// first. It returns (nil, nil) when no row matches; expected emptiness is
// not an error. SKIP LOCKED makes concurrent claims disjoint by
// construction, so a duplicate claim has no error path at all.
func (s *AccountStore) ClaimNext(ctx context.Context, instance string, minLevel, maxLevel int16) (*account.Account, error) {
	query := `SELECT ` + accountColumns + `
FROM accounts
WHERE instance IS NULL
  AND hibernated_at IS NULL
  AND captcha_at IS NULL
  AND level BETWEEN $1 AND $2
ORDER BY id
LIMIT 1
FOR UPDATE SKIP LOCKED`
	return s.claim(ctx, instance, query, minLevel, maxLevel)
}

// ClaimNextCaptcha claims one captcha-pending account for instance. Captcha
// resolution must not compete with ordinary scans, so the filter is the
// exact complement of ClaimNext's captcha predicate.
func (s *AccountStore) ClaimNextCaptcha(ctx context.Context, instance string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + `
FROM accounts
WHERE instance IS NULL
  AND hibernated_at IS NULL
  AND captcha_at IS NOT NULL
ORDER BY id
LIMIT 1
FOR UPDATE SKIP LOCKED`
	return s.claim(ctx, instance, query)
}

func (s *AccountStore) claim(ctx context.Context, instance, query string, args ...any) (*account.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin claim", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	acc, err := scanAccount(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("select claimable account", err)
	}

	now := s.clock.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET instance = $1, updated = $2 WHERE id = $3`,
		instance, now, acc.ID,
	); err != nil {
		return nil, storeErr("mark account claimed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit claim", err)
	}

	acc.Instance = &instance
	acc.Updated = now
	return &acc, nil
}

// Upsert merges the present fields of p into username's row, creating it if
// missing. Absent fields are untouched on conflict; the statement is the SQL
// twin of Patch.Apply.
func (s *AccountStore) Upsert(ctx context.Context, username string, p account.Patch) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	now := s.clock.Now()
	query := `
INSERT INTO accounts (
	username, password, provider, level, model, device_version, device_id,
	instance, hibernated_at, hibernation_reason, captcha_at, created, updated
) VALUES (
	$1,
	COALESCE($2, ''),
	COALESCE($3, 'ptc'),
	COALESCE($4, 1::smallint),
	COALESCE($5, ''),
	COALESCE($6, ''),
	COALESCE($7, ''),
	$8, $9, $10, $11, $12, $12
)
ON CONFLICT (username) DO UPDATE SET
	password           = COALESCE($2, accounts.password),
	provider           = COALESCE($3, accounts.provider),
	level              = COALESCE($4, accounts.level),
	model              = COALESCE($5, accounts.model),
	device_version     = COALESCE($6, accounts.device_version),
	device_id          = COALESCE($7, accounts.device_id),
	instance           = COALESCE($8, accounts.instance),
	hibernated_at      = COALESCE($9, accounts.hibernated_at),
	hibernation_reason = COALESCE($10, accounts.hibernation_reason),
	captcha_at         = COALESCE($11, accounts.captcha_at),
	updated            = $12`

	var reason *string
	if p.HibernationReason != nil {
		r := string(*p.HibernationReason)
		reason = &r
	}
	var provider *string
	if p.Provider != nil {
		pr := string(*p.Provider)
		provider = &pr
	}

	if _, err := s.pool.Exec(ctx, query,
		username,
		p.Password,
		provider,
		p.Level,
		p.Model,
		p.DeviceVersion,
		p.DeviceID,
		p.Instance,
		p.HibernatedAt,
		reason,
		p.CaptchaAt,
		now,
	); err != nil {
		return storeErr("upsert account", err)
	}
	return nil
}

// Release clears the instance claim on username.
func (s *AccountStore) Release(ctx context.Context, username string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE accounts SET instance = NULL, updated = $2 WHERE username = $1`,
		username, s.clock.Now(),
	); err != nil {
		return storeErr("release account", err)
	}
	return nil
}

// Hibernate pulls username from rotation under reason, releasing any claim.
func (s *AccountStore) Hibernate(ctx context.Context, username string, reason account.HibernationReason, at time.Time) error {
	if !reason.Valid() {
		return fmt.Errorf("invalid hibernation reason %q", reason)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE accounts
SET instance = NULL, hibernated_at = $2, hibernation_reason = $3, updated = $4
WHERE username = $1`,
		username, at, string(reason), s.clock.Now(),
	); err != nil {
		return storeErr("hibernate account", err)
	}
	return nil
}

// SetCaptcha flags username captcha-pending without touching hibernation.
func (s *AccountStore) SetCaptcha(ctx context.Context, username string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE accounts SET captcha_at = $2, updated = $3 WHERE username = $1`,
		username, at, s.clock.Now(),
	); err != nil {
		return storeErr("set captcha flag", err)
	}
	return nil
}

// ClearCaptcha removes the captcha-pending flag.
func (s *AccountStore) ClearCaptcha(ctx context.Context, username string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE accounts SET captcha_at = NULL, updated = $2 WHERE username = $1`,
		username, s.clock.Now(),
	); err != nil {
		return storeErr("clear captcha flag", err)
	}
	return nil
}

// SweepReactivate clears hibernation on every account of the given reason
// whose hibernation age exceeds cooldown, returning the count reactivated.
func (s *AccountStore) SweepReactivate(ctx context.Context, reason account.HibernationReason, cooldown time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-cooldown)
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
SET hibernated_at = NULL, hibernation_reason = NULL, updated = $3
WHERE hibernation_reason = $1 AND hibernated_at <= $2`,
		string(reason), cutoff, s.clock.Now(),
	)
	if err != nil {
		return 0, storeErr("sweep reactivate", err)
	}
	return tag.RowsAffected(), nil
}

// ListOwned returns every account currently claimed by instance.
func (s *AccountStore) ListOwned(ctx context.Context, instance string) ([]account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE instance = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, query, instance)
	if err != nil {
		return nil, storeErr("list owned accounts", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListByUsernames returns the stored rows for the named accounts, regardless
// of owner. Unknown usernames are simply absent from the result.
func (s *AccountStore) ListByUsernames(ctx context.Context, usernames []string) ([]account.Account, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = ANY($1) ORDER BY id`
	rows, err := s.pool.Query(ctx, query, usernames)
	if err != nil {
		return nil, storeErr("list accounts by username", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// CountByReason returns the number of hibernated accounts per reason.
func (s *AccountStore) CountByReason(ctx context.Context) (map[account.HibernationReason]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hibernation_reason, COUNT(*)
FROM accounts
WHERE hibernation_reason IS NOT NULL
GROUP BY hibernation_reason`,
	)
	if err != nil {
		return nil, storeErr("count hibernated accounts", err)
	}
	defer rows.Close()

	counts := make(map[account.HibernationReason]int64)
	for rows.Next() {
		var (
			reason string
			n      int64
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, storeErr("scan hibernation count", err)
		}
		counts[account.HibernationReason(reason)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate hibernation counts", err)
	}
	return counts, nil
}

func collectAccounts(rows pgx.Rows) ([]account.Account, error) {
	var accs []account.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storeErr("scan account row", err)
		}
		accs = append(accs, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate account rows", err)
	}
	return accs, nil
}
