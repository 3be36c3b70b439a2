package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/hibernate"
	"github.com/fletling/trainervault/internal/pool"
)

type fakeStore struct {
	account.Store

	rows         map[string]account.Account
	captchaClear []string
	counts       map[account.HibernationReason]int64
	reactivated  map[account.HibernationReason]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:        map[string]account.Account{},
		counts:      map[account.HibernationReason]int64{},
		reactivated: map[account.HibernationReason]int64{},
	}
}

func (f *fakeStore) Lookup(_ context.Context, username string) (account.Account, error) {
	a, ok := f.rows[username]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ClearCaptcha(_ context.Context, username string) error {
	f.captchaClear = append(f.captchaClear, username)
	return nil
}

func (f *fakeStore) CountByReason(_ context.Context) (map[account.HibernationReason]int64, error) {
	return f.counts, nil
}

func (f *fakeStore) SweepReactivate(_ context.Context, reason account.HibernationReason, _ time.Duration) (int64, error) {
	return f.reactivated[reason], nil
}

func newTestServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	general := pool.NewGeneral(store, "worker-1", 0, 29, logger)
	captcha := pool.NewCaptcha(store, "worker-1", logger)
	lifecycle := hibernate.NewLifecycle(store, nil, nil, nil, 0, nil, logger)
	policy := hibernate.PolicyFromDays(map[string]float64{"banned": 45, "warn": 45})
	sweeper := hibernate.NewSweeper(store, policy, time.Minute, logger)

	srv := httptest.NewServer(NewServer(store, general, captcha, lifecycle, sweeper, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, newFakeStore())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAccountStats(t *testing.T) {
	store := newFakeStore()
	store.counts[account.ReasonBanned] = 4
	store.counts[account.ReasonShadowBanned] = 1
	srv := newTestServer(t, store)

	resp, err := http.Get(srv.URL + "/v1/accounts/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		GeneralIdle int              `json:"general_idle"`
		CaptchaIdle int              `json:"captcha_idle"`
		Hibernated  map[string]int64 `json:"hibernated"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 0, got.GeneralIdle)
	require.Equal(t, int64(4), got.Hibernated["banned"])
	require.Equal(t, int64(1), got.Hibernated["sbanned"])
}

func TestCaptchaSolved(t *testing.T) {
	store := newFakeStore()
	store.rows["ash"] = account.Account{ID: 1, Username: "ash"}
	srv := newTestServer(t, store)

	resp, err := http.Post(srv.URL+"/v1/accounts/ash/captcha-solved", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"ash"}, store.captchaClear)
}

func TestCaptchaSolvedUnknownAccount(t *testing.T) {
	srv := newTestServer(t, newFakeStore())

	resp, err := http.Post(srv.URL+"/v1/accounts/nobody/captcha-solved", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "account not found", got["error"])
}

func TestManualSweep(t *testing.T) {
	store := newFakeStore()
	store.reactivated[account.ReasonBanned] = 2
	srv := newTestServer(t, store)

	resp, err := http.Post(srv.URL+"/v1/sweep", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Reactivated map[string]int64 `json:"reactivated"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, int64(2), got.Reactivated["banned"])
	require.Equal(t, int64(0), got.Reactivated["warn"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, newFakeStore())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
