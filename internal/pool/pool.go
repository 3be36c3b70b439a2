// Package pool implements the in-process FIFO account allocator.
package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/metrics"
)

// Pool hands accounts to scan tasks. The in-memory queue is served first;
// when it runs dry the shared store is asked for one claim. Acquire never
// retries internally: exhaustion surfaces immediately and the caller owns
// backoff. A released account becomes visible to other consumers only after
// its durable upsert succeeded, so state lost on crash is bounded to
// in-flight releases.
type Pool struct {
	name     string
	instance string
	store    account.Store
	claim    func(ctx context.Context) (*account.Account, error)
	logger   *zap.Logger

	mu     sync.Mutex
	queue  []*account.Account
	queued map[string]bool
}

// NewGeneral builds the ordinary scan pool over the given level range.
// Levels at or above the reserved threshold belong to the separately managed
// high-level pool and are excluded by the range the caller passes.
func NewGeneral(store account.Store, instance string, minLevel, maxLevel int16, logger *zap.Logger) *Pool {
	metrics.Init()
	return &Pool{
		name:     "general",
		instance: instance,
		store:    store,
		claim: func(ctx context.Context) (*account.Account, error) {
			return store.ClaimNext(ctx, instance, minLevel, maxLevel)
		},
		logger: logger.Named("pool.general"),
		queued: make(map[string]bool),
	}
}

// NewCaptcha builds the captcha-pending pool. It is a separate instance so
// captcha-resolution tasks never compete with ordinary scans for a slot.
func NewCaptcha(store account.Store, instance string, logger *zap.Logger) *Pool {
	metrics.Init()
	return &Pool{
		name:     "captcha",
		instance: instance,
		store:    store,
		claim: func(ctx context.Context) (*account.Account, error) {
			return store.ClaimNextCaptcha(ctx, instance)
		},
		logger: logger.Named("pool.captcha"),
		queued: make(map[string]bool),
	}
}

// Preload seeds the queue, typically from the reconciled cache at startup.
// Accounts that are not eligible or already queued are skipped.
func (p *Pool) Preload(accs []*account.Account) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for _, acc := range accs {
		if acc == nil || p.queued[acc.Username] {
			continue
		}
		if acc.HibernatedAt != nil || acc.CaptchaAt != nil {
			continue
		}
		if acc.Instance != nil && *acc.Instance != p.instance {
			continue
		}
		p.queue = append(p.queue, acc)
		p.queued[acc.Username] = true
		added++
	}
	metrics.SetPoolSize(p.name, len(p.queue))
	return added
}

// Acquire returns the next idle account, falling back to a store claim when
// the queue is empty. It fails with account.ErrPoolExhausted when neither
// has one; that is the expected empty signal, not a fault.
func (p *Pool) Acquire(ctx context.Context) (*account.Account, error) {
	p.mu.Lock()
	if len(p.queue) > 0 {
		acc := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, acc.Username)
		metrics.SetPoolSize(p.name, len(p.queue))
		p.mu.Unlock()
		metrics.ObserveClaim("queue")
		return acc, nil
	}
	p.mu.Unlock()

	acc, err := p.claim(ctx)
	if err != nil {
		p.logger.Error("store claim failed", zap.Error(err))
		return nil, fmt.Errorf("claim from store: %w", err)
	}
	if acc == nil {
		metrics.ObserveExhausted()
		return nil, account.ErrPoolExhausted
	}
	metrics.ObserveClaim("store")
	p.logger.Debug("claimed account from store",
		zap.String("username", acc.Username),
		zap.Int16("level", acc.Level),
	)
	return acc, nil
}

// Release durably upserts the account and then returns it to the queue.
// Releasing the same account twice is safe: the store write is idempotent
// and the queue refuses duplicates, so no account can be handed out twice.
func (p *Pool) Release(ctx context.Context, acc *account.Account) error {
	if acc == nil {
		return fmt.Errorf("cannot release nil account")
	}
	if err := p.store.Upsert(ctx, acc.Username, acc.AsPatch()); err != nil {
		p.logger.Error("release upsert failed",
			zap.String("username", acc.Username),
			zap.Error(err),
		)
		return fmt.Errorf("persist release: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[acc.Username] {
		return nil
	}
	p.queue = append(p.queue, acc)
	p.queued[acc.Username] = true
	metrics.SetPoolSize(p.name, len(p.queue))
	metrics.ObserveRelease()
	return nil
}

// Remove drops an account from the idle queue, used when it hibernates
// between release and the next acquire.
func (p *Pool) Remove(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queued[username] {
		return false
	}
	for i, acc := range p.queue {
		if acc.Username == username {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	delete(p.queued, username)
	metrics.SetPoolSize(p.name, len(p.queue))
	return true
}

// Len reports the current idle queue depth.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
