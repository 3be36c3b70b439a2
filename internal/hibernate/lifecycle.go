package hibernate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/metrics"
	"github.com/fletling/trainervault/internal/notify"
)

// Remover is how the lifecycle pulls an account out of local pool
// visibility; both pools satisfy it.
type Remover interface {
	Remove(username string) bool
}

// Forgetter clears any accumulated quarantine signal for an account.
type Forgetter interface {
	Forget(username string)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Lifecycle applies hibernation and captcha transitions: the store write
// comes first, then local visibility and quarantine state, then best-effort
// notification.
type Lifecycle struct {
	store          account.Store
	pools          []Remover
	monitor        Forgetter
	hook           *notify.Webhook
	clock          account.Clock
	logger         *zap.Logger
	captchaAllowed int

	mu       sync.Mutex
	captchas map[string]int
}

// NewLifecycle wires a Lifecycle. monitor and hook may be nil.
// captchaAllowed bounds how many captchas one account may collect in this
// process before it is hibernated instead of flagged; zero disables the
// bound.
func NewLifecycle(store account.Store, pools []Remover, monitor Forgetter, hook *notify.Webhook, captchaAllowed int, clock account.Clock, logger *zap.Logger) *Lifecycle {
	metrics.Init()
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		store:          store,
		pools:          pools,
		monitor:        monitor,
		hook:           hook,
		clock:          clock,
		logger:         logger,
		captchaAllowed: captchaAllowed,
		captchas:       make(map[string]int),
	}
}

// Hibernate pulls username from rotation under reason. The store write is
// the gate: if it fails nothing local changes and the account stays
// claimable. Webhook delivery is best effort and never fails the call.
func (l *Lifecycle) Hibernate(ctx context.Context, username string, reason account.HibernationReason) error {
	if !reason.Valid() {
		return fmt.Errorf("hibernate %s: unknown reason %q", username, reason)
	}
	now := l.clock.Now()
	if err := l.store.Hibernate(ctx, username, reason, now); err != nil {
		return fmt.Errorf("hibernate %s: %w", username, err)
	}

	for _, p := range l.pools {
		p.Remove(username)
	}
	if l.monitor != nil {
		l.monitor.Forget(username)
	}
	l.mu.Lock()
	delete(l.captchas, username)
	l.mu.Unlock()
	metrics.ObserveHibernation(string(reason))
	l.logger.Info("account hibernated",
		zap.String("username", username),
		zap.String("reason", string(reason)))

	if l.hook.Enabled() {
		_ = l.hook.Post(ctx, notify.Embed{
			Title:       "Account hibernated",
			Description: fmt.Sprintf("%s pulled from rotation: %s", username, reason),
			Color:       notify.ColorOrange,
		})
	}
	return nil
}

// FlagCaptcha marks username captcha-pending and drops it from the general
// pool. The captcha pool keeps it claimable for solving. An account that
// keeps collecting captchas past the allowed bound is hibernated instead,
// so it stops burning solver capacity.
func (l *Lifecycle) FlagCaptcha(ctx context.Context, username string, general Remover) error {
	l.mu.Lock()
	l.captchas[username]++
	n := l.captchas[username]
	l.mu.Unlock()

	if l.captchaAllowed > 0 && n > l.captchaAllowed {
		l.logger.Warn("captcha allowance exceeded",
			zap.String("username", username),
			zap.Int("count", n))
		return l.Hibernate(ctx, username, account.ReasonTempDisabled)
	}

	if err := l.store.SetCaptcha(ctx, username, l.clock.Now()); err != nil {
		return fmt.Errorf("flag captcha %s: %w", username, err)
	}
	if general != nil {
		general.Remove(username)
	}
	l.logger.Info("account captcha-flagged", zap.String("username", username))
	return nil
}

// ResolveCaptcha clears the captcha flag on the external solved signal.
func (l *Lifecycle) ResolveCaptcha(ctx context.Context, username string) error {
	if err := l.store.ClearCaptcha(ctx, username); err != nil {
		return fmt.Errorf("resolve captcha %s: %w", username, err)
	}
	l.logger.Info("account captcha cleared", zap.String("username", username))
	return nil
}
