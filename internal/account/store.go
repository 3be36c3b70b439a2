package account

import (
	"context"
	"time"
)

// Store is the authoritative, cross-process record of every known account.
// All ownership-change visibility flows through it; implementations must
// guarantee that two concurrent ClaimNext callers, even from different
// processes, never receive the same row.
type Store interface {
	// Lookup returns the account for username or ErrNotFound.
	Lookup(ctx context.Context, username string) (Account, error)

	// ClaimNext exclusively locks and claims one eligible account for the
	// given instance: unclaimed, not hibernated, not captcha-pending, level
	// within [minLevel, maxLevel], lowest id first. It returns (nil, nil)
	// when nothing matches; expected emptiness is not an error.
	ClaimNext(ctx context.Context, instance string, minLevel, maxLevel int16) (*Account, error)

	// ClaimNextCaptcha claims one captcha-pending account for the instance,
	// lowest id first. Same (nil, nil) contract as ClaimNext.
	ClaimNextCaptcha(ctx context.Context, instance string) (*Account, error)

	// Upsert merges the present fields of p into the stored record for
	// username, creating the row if missing. Absent fields are untouched.
	Upsert(ctx context.Context, username string, p Patch) error

	// Release clears the instance claim on username.
	Release(ctx context.Context, username string) error

	// Hibernate pulls username from rotation under the given reason,
	// releasing any instance claim at the same time.
	Hibernate(ctx context.Context, username string, reason HibernationReason, at time.Time) error

	// SetCaptcha flags username as captcha-pending. The flag is orthogonal
	// to hibernation and removes the account from the general pool only.
	SetCaptcha(ctx context.Context, username string, at time.Time) error

	// ClearCaptcha removes the captcha-pending flag, driven by the external
	// captcha-solved signal.
	ClearCaptcha(ctx context.Context, username string) error

	// SweepReactivate atomically clears hibernation on every account of the
	// given reason whose hibernation age exceeds cooldown, returning the
	// number of rows reactivated.
	SweepReactivate(ctx context.Context, reason HibernationReason, cooldown time.Duration) (int64, error)

	// ListOwned returns every account currently claimed by instance.
	ListOwned(ctx context.Context, instance string) ([]Account, error)

	// ListByUsernames returns the stored rows for the named accounts,
	// regardless of owner. Unknown usernames are simply absent.
	ListByUsernames(ctx context.Context, usernames []string) ([]Account, error)

	// CountByReason returns the number of hibernated accounts per reason.
	CountByReason(ctx context.Context) (map[HibernationReason]int64, error)
}
