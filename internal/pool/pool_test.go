package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
)

// fakeStore serializes claims the way the real store's row lock does.
type fakeStore struct {
	mu       sync.Mutex
	eligible []*account.Account
	upserts  map[string]int
	captcha  []*account.Account
	claimErr error
}

func newFakeStore(eligible ...*account.Account) *fakeStore {
	return &fakeStore{eligible: eligible, upserts: map[string]int{}}
}

func (f *fakeStore) ClaimNext(_ context.Context, instance string, minLevel, maxLevel int16) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	for i, acc := range f.eligible {
		if acc.Level >= minLevel && acc.Level <= maxLevel {
			f.eligible = append(f.eligible[:i], f.eligible[i+1:]...)
			claimed := *acc
			claimed.Instance = &instance
			return &claimed, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ClaimNextCaptcha(_ context.Context, instance string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captcha) == 0 {
		return nil, nil
	}
	acc := f.captcha[0]
	f.captcha = f.captcha[1:]
	claimed := *acc
	claimed.Instance = &instance
	return &claimed, nil
}

func (f *fakeStore) Upsert(_ context.Context, username string, _ account.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[username]++
	return nil
}

func (f *fakeStore) Lookup(context.Context, string) (account.Account, error) {
	return account.Account{}, account.ErrNotFound
}
func (f *fakeStore) Release(context.Context, string) error { return nil }
func (f *fakeStore) Hibernate(context.Context, string, account.HibernationReason, time.Time) error {
	return nil
}
func (f *fakeStore) SetCaptcha(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) ClearCaptcha(context.Context, string) error          { return nil }
func (f *fakeStore) SweepReactivate(context.Context, account.HibernationReason, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) ListOwned(context.Context, string) ([]account.Account, error) { return nil, nil }
func (f *fakeStore) ListByUsernames(context.Context, []string) ([]account.Account, error) {
	return nil, nil
}
func (f *fakeStore) CountByReason(context.Context) (map[account.HibernationReason]int64, error) {
	return nil, nil
}

func acct(username string, level int16) *account.Account {
	return &account.Account{Username: username, Password: "pw", Provider: account.ProviderPTC, Level: level}
}

func TestAcquirePrefersQueueThenStore(t *testing.T) {
	t.Parallel()

	store := newFakeStore(acct("store01", 5))
	p := NewGeneral(store, "alpha", 0, 29, zap.NewNop())
	p.Preload([]*account.Account{acct("queued01", 3)})

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "queued01", first.Username)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "store01", second.Username)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, account.ErrPoolExhausted)
}

func TestConcurrentAcquireNeverDuplicates(t *testing.T) {
	t.Parallel()

	const (
		n = 32
		k = 10
	)
	accs := make([]*account.Account, 0, k)
	for i := 0; i < k; i++ {
		accs = append(accs, acct(username(i), 5))
	}
	p := NewGeneral(newFakeStore(accs...), "alpha", 0, 29, zap.NewNop())

	var (
		mu        sync.Mutex
		got       = map[string]int{}
		exhausted int
		wg        sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := p.Acquire(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, account.ErrPoolExhausted) {
				exhausted++
				return
			}
			if err != nil {
				t.Errorf("unexpected acquire error: %v", err)
				return
			}
			got[acc.Username]++
		}()
	}
	wg.Wait()

	require.Equal(t, n-k, exhausted)
	require.Len(t, got, k)
	for username, count := range got {
		require.Equalf(t, 1, count, "account %s handed out %d times", username, count)
	}
}

func TestReleasePersistsBeforeVisibility(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := NewGeneral(store, "alpha", 0, 29, zap.NewNop())

	acc := acct("trainer01", 9)
	require.NoError(t, p.Release(context.Background(), acc))
	require.Equal(t, 1, store.upserts["trainer01"])
	require.Equal(t, 1, p.Len())

	// Releasing the same account again rewrites the store but must not
	// queue a second copy.
	require.NoError(t, p.Release(context.Background(), acc))
	require.Equal(t, 2, store.upserts["trainer01"])
	require.Equal(t, 1, p.Len())
}

func TestReleaseFailureKeepsAccountInvisible(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	p := NewGeneral(store, "alpha", 0, 29, zap.NewNop())

	boom := errors.New("disk on fire")
	failing := &failingStore{fakeStore: store, upsertErr: boom}
	p.store = failing

	err := p.Release(context.Background(), acct("trainer01", 9))
	require.ErrorIs(t, err, boom)
	require.Zero(t, p.Len())
}

type failingStore struct {
	*fakeStore
	upsertErr error
}

func (f *failingStore) Upsert(context.Context, string, account.Patch) error {
	return f.upsertErr
}

func TestAcquireSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.claimErr = account.ErrStoreUnavailable
	p := NewGeneral(store, "alpha", 0, 29, zap.NewNop())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, account.ErrStoreUnavailable)
	require.NotErrorIs(t, err, account.ErrPoolExhausted)
}

func TestCaptchaPoolIsSeparate(t *testing.T) {
	t.Parallel()

	store := newFakeStore(acct("general01", 5))
	store.captcha = []*account.Account{acct("captcha01", 5)}

	general := NewGeneral(store, "alpha", 0, 29, zap.NewNop())
	captcha := NewCaptcha(store, "alpha", zap.NewNop())

	acc, err := captcha.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "captcha01", acc.Username)

	acc, err = general.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "general01", acc.Username)

	_, err = captcha.Acquire(context.Background())
	require.ErrorIs(t, err, account.ErrPoolExhausted)
}

func TestRemoveDropsQueuedAccount(t *testing.T) {
	t.Parallel()

	p := NewGeneral(newFakeStore(), "alpha", 0, 29, zap.NewNop())
	p.Preload([]*account.Account{acct("trainer01", 5), acct("trainer02", 6)})

	require.True(t, p.Remove("trainer01"))
	require.False(t, p.Remove("trainer01"))
	require.Equal(t, 1, p.Len())

	acc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "trainer02", acc.Username)
}

func username(i int) string {
	return "trainer" + string(rune('a'+i))
}
