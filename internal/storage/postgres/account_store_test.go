package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/fletling/trainervault/internal/account"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*AccountStore, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewAccountStoreWithPool(mock, fixedClock{now: now})
	require.NoError(t, err)
	return store, mock, now
}

func accountRow(id int64, username string) *pgxmock.Rows {
	created := time.Unix(1690000000, 0).UTC()
	return pgxmock.NewRows([]string{
		"id", "username", "password", "provider", "level", "model",
		"device_version", "device_id", "instance", "hibernated_at",
		"hibernation_reason", "captcha_at", "created", "updated",
	}).AddRow(
		id, username, "pw", account.ProviderPTC, int16(10), "iPhone9,1",
		"11.3.1", "aabbccdd", nil, nil, nil, nil, created, created,
	)
}

func TestClaimNextClaimsLowestEligibleRow(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(int16(0), int16(29)).
		WillReturnRows(accountRow(42, "trainer01"))
	mock.ExpectExec("UPDATE accounts SET instance").
		WithArgs("alpha", now, int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	acc, err := store.ClaimNext(context.Background(), "alpha", 0, 29)
	require.NoError(t, err)
	require.NotNil(t, acc)
	require.Equal(t, "trainer01", acc.Username)
	require.NotNil(t, acc.Instance)
	require.Equal(t, "alpha", *acc.Instance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyPoolIsNotAnError(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(int16(0), int16(29)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	acc, err := store.ClaimNext(context.Background(), "alpha", 0, 29)
	require.NoError(t, err)
	require.Nil(t, acc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextSurfacesStoreUnavailable(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.ClaimNext(context.Background(), "alpha", 0, 29)
	require.Error(t, err)
	require.ErrorIs(t, err, account.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextCaptchaUsesCaptchaFilter(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("captcha_at IS NOT NULL").
		WillReturnRows(accountRow(7, "trainer02"))
	mock.ExpectExec("UPDATE accounts SET instance").
		WithArgs("alpha", now, int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	acc, err := store.ClaimNextCaptcha(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, "trainer02", acc.Username)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPassesOnlyPresentFields(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	pw := "newpw"
	lvl := int16(14)
	mock.ExpectExec("ON CONFLICT \\(username\\) DO UPDATE").
		WithArgs("trainer01", &pw, (*string)(nil), &lvl, (*string)(nil),
			(*string)(nil), (*string)(nil), (*string)(nil), (*time.Time)(nil),
			(*string)(nil), (*time.Time)(nil), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Upsert(context.Background(), "trainer01", account.Patch{
		Password: &pw,
		Level:    &lvl,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresUsername(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	err := store.Upsert(context.Background(), "", account.Patch{})
	require.Error(t, err)
}

func TestReleaseIsIdempotentAtTheStore(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	for i := 0; i < 2; i++ {
		mock.ExpectExec("SET instance = NULL").
			WithArgs("trainer01", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}

	require.NoError(t, store.Release(context.Background(), "trainer01"))
	require.NoError(t, store.Release(context.Background(), "trainer01"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHibernateReleasesClaimAndSetsReason(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	at := now.Add(-time.Minute)
	mock.ExpectExec("hibernation_reason = \\$3").
		WithArgs("trainer01", at, "warn", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Hibernate(context.Background(), "trainer01", account.ReasonWarn, at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHibernateRejectsUnknownReason(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	err := store.Hibernate(context.Background(), "trainer01", "vacation", time.Now())
	require.Error(t, err)
}

func TestSweepReactivateUsesCooldownCutoff(t *testing.T) {
	t.Parallel()

	store, mock, now := newTestStore(t)

	cooldown := 45 * 24 * time.Hour
	mock.ExpectExec("SET hibernated_at = NULL").
		WithArgs("warn", now.Add(-cooldown), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.SweepReactivate(context.Background(), account.ReasonWarn, cooldown)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	mock.ExpectQuery("FROM accounts WHERE username").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Lookup(context.Background(), "ghost")
	require.ErrorIs(t, err, account.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUsernamesEmptyInputSkipsQuery(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	accs, err := store.ListByUsernames(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, accs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByReason(t *testing.T) {
	t.Parallel()

	store, mock, _ := newTestStore(t)

	rows := pgxmock.NewRows([]string{"hibernation_reason", "count"}).
		AddRow("warn", int64(2)).
		AddRow("sbanned", int64(1))
	mock.ExpectQuery("GROUP BY hibernation_reason").WillReturnRows(rows)

	counts, err := store.CountByReason(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[account.ReasonWarn])
	require.Equal(t, int64(1), counts[account.ReasonShadowBanned])
	require.NoError(t, mock.ExpectationsWereMet())
}
