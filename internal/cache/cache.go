// Package cache maintains a local working set of accounts seeded from the
// credential source and reconciled against the authoritative store. The
// snapshot on disk lets an instance restart without repeating the full
// source/store merge when nothing changed.
package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/account"
	"github.com/fletling/trainervault/internal/device"
	"github.com/fletling/trainervault/internal/source"
)

// Config wires a Cache.
type Config struct {
	// Instance is this process's ownership identity.
	Instance string
	// Dir is where the snapshot file lives.
	Dir string
	// ReservedLevel marks accounts at or above it as hands-off during
	// reconciliation; their store rows are never touched from here.
	ReservedLevel int16
}

// Cache is the local replica of the accounts this instance works with.
// It is populated once at startup and mutated only through Reconcile and
// Save; pools read from it via Working.
type Cache struct {
	cfg      Config
	store    account.Store
	devices  *device.Generator
	clock    account.Clock
	logger   *zap.Logger
	accounts map[string]*account.Account
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds an empty cache. Call Load before anything else.
func New(cfg Config, store account.Store, devices *device.Generator, clock account.Clock, logger *zap.Logger) *Cache {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		store:    store,
		devices:  devices,
		clock:    clock,
		logger:   logger,
		accounts: map[string]*account.Account{},
	}
}

// Load builds the working set from the credential source and the prior
// snapshot. When the source names exactly the snapshot's usernames the
// snapshot is trusted as-is and Load reports trusted=true: the caller skips
// the store round-trip entirely on that path. Otherwise the set is rebuilt
// record by record with the source winning on credentials and the snapshot
// contributing everything it alone knows (id, level, device identity,
// lifecycle state), and the caller must Reconcile.
func (c *Cache) Load(recs []source.Record) (trusted bool, err error) {
	snap, err := loadSnapshot(c.cfg.Dir)
	if err != nil {
		return false, err
	}

	if sameUsernames(recs, snap) {
		c.accounts = snap
		c.logger.Info("account snapshot trusted",
			zap.Int("accounts", len(snap)))
		return true, nil
	}

	merged := make(map[string]*account.Account, len(recs))
	for _, rec := range recs {
		if rec.Username == "" {
			continue
		}
		prior := snap[rec.Username]
		a, err := c.merge(rec, prior)
		if err != nil {
			return false, err
		}
		merged[rec.Username] = a
	}

	dropped := 0
	for name := range snap {
		if _, ok := merged[name]; !ok {
			dropped++
			c.logger.Info("account removed from source", zap.String("username", name))
		}
	}

	c.accounts = merged
	c.logger.Info("account working set rebuilt",
		zap.Int("accounts", len(merged)),
		zap.Int("dropped", dropped))
	return false, nil
}

// merge combines one source record with its prior snapshot entry, minting a
// device identity when neither side carries one.
func (c *Cache) merge(rec source.Record, prior *account.Account) (*account.Account, error) {
	a := &account.Account{
		Username: rec.Username,
		Password: rec.Password,
		Provider: rec.Provider,
		Level:    rec.Level,
	}
	if prior != nil {
		a.ID = prior.ID
		a.Model = prior.Model
		a.DeviceVersion = prior.DeviceVersion
		a.DeviceID = prior.DeviceID
		a.Instance = prior.Instance
		a.HibernatedAt = prior.HibernatedAt
		a.HibernationReason = prior.HibernationReason
		a.CaptchaAt = prior.CaptchaAt
		a.Created = prior.Created
		a.Updated = prior.Updated
		if prior.Level > a.Level {
			a.Level = prior.Level
		}
	}
	if rec.Model != "" {
		a.Model = rec.Model
		a.DeviceVersion = rec.DeviceVersion
		a.DeviceID = rec.DeviceID
	}
	if a.DeviceID == "" {
		ident, err := c.devices.Next()
		if err != nil {
			return nil, fmt.Errorf("mint device identity for %s: %w", rec.Username, err)
		}
		a.Model = ident.Model
		a.DeviceVersion = ident.Version
		a.DeviceID = ident.ID
	}
	return a, nil
}

// Reconcile aligns the working set with the store. Store state wins for
// every account below the reserved level: a row owned elsewhere is dropped
// locally, a row this instance owns refreshes the local copy, and a record
// the store has never seen is upserted claiming ownership. Finishes by
// writing a fresh snapshot.
func (c *Cache) Reconcile(ctx context.Context) error {
	names := make([]string, 0, len(c.accounts))
	for name := range c.accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	stored, err := c.store.ListByUsernames(ctx, names)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	byName := make(map[string]account.Account, len(stored))
	for _, a := range stored {
		byName[a.Username] = a
	}

	lost := 0
	for _, name := range names {
		local := c.accounts[name]
		if local.Level >= c.cfg.ReservedLevel {
			continue
		}
		remote, ok := byName[name]
		if !ok {
			// Never persisted: claim it now so other instances skip it.
			if err := c.claimNew(ctx, local); err != nil {
				return err
			}
			continue
		}
		if remote.Instance != nil && *remote.Instance != c.cfg.Instance {
			delete(c.accounts, name)
			lost++
			c.logger.Warn("account owned by another instance",
				zap.String("username", name),
				zap.String("owner", *remote.Instance))
			continue
		}
		c.adopt(local, remote)
	}

	if lost > 0 {
		c.logger.Warn("accounts lost to other instances", zap.Int("lost", lost))
	}

	if err := c.releaseStrays(ctx); err != nil {
		return err
	}
	return c.Save()
}

// releaseStrays clears this instance's claim on store rows that dropped out
// of the working set (removed from the source list), so other instances can
// use them.
func (c *Cache) releaseStrays(ctx context.Context) error {
	owned, err := c.store.ListOwned(ctx, c.cfg.Instance)
	if err != nil {
		return fmt.Errorf("list owned accounts: %w", err)
	}
	for _, a := range owned {
		if _, ok := c.accounts[a.Username]; ok {
			continue
		}
		if a.Level >= c.cfg.ReservedLevel {
			continue
		}
		if err := c.store.Release(ctx, a.Username); err != nil {
			return fmt.Errorf("release stray account %s: %w", a.Username, err)
		}
		c.logger.Info("released account no longer in source",
			zap.String("username", a.Username))
	}
	return nil
}

// claimNew persists a record the store has never seen, claiming it for
// this instance in the same write.
func (c *Cache) claimNew(ctx context.Context, a *account.Account) error {
	inst := c.cfg.Instance
	a.Instance = &inst
	p := a.AsPatch()
	if err := c.store.Upsert(ctx, a.Username, p); err != nil {
		return fmt.Errorf("claim new account %s: %w", a.Username, err)
	}
	stored, err := c.store.Lookup(ctx, a.Username)
	if err != nil {
		return fmt.Errorf("read back account %s: %w", a.Username, err)
	}
	a.ID = stored.ID
	a.Created = stored.Created
	a.Updated = stored.Updated
	return nil
}

// adopt refreshes a local account from its store row: credentials, device
// identity, level, and lifecycle flags all follow the store, which other
// instances and operational tooling may have updated since the snapshot.
// Flags are copied wholesale: a flag absent in the store was cleared
// elsewhere (a sweep, a captcha-solved signal) and must not linger locally.
func (c *Cache) adopt(local *account.Account, remote account.Account) {
	local.ID = remote.ID
	if remote.Password != "" {
		local.Password = remote.Password
	}
	if remote.Model != "" {
		local.Model = remote.Model
		local.DeviceVersion = remote.DeviceVersion
		local.DeviceID = remote.DeviceID
	}
	if remote.Level > local.Level {
		local.Level = remote.Level
	}
	local.Instance = remote.Instance
	local.HibernatedAt = remote.HibernatedAt
	local.HibernationReason = remote.HibernationReason
	local.CaptchaAt = remote.CaptchaAt
	local.Created = remote.Created
	local.Updated = remote.Updated
}

// Save writes the current working set snapshot to disk.
func (c *Cache) Save() error {
	return saveSnapshot(c.cfg.Dir, c.accounts)
}

// Working returns the current working set, sorted by username for stable
// preload order. Entries are shared pointers; callers treat them as
// read-mostly and route mutation through the store.
func (c *Cache) Working() []*account.Account {
	out := make([]*account.Account, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Get returns the cached account for username, or nil.
func (c *Cache) Get(username string) *account.Account {
	return c.accounts[username]
}

// Len reports the working-set size.
func (c *Cache) Len() int { return len(c.accounts) }

func sameUsernames(recs []source.Record, snap map[string]*account.Account) bool {
	if len(snap) == 0 {
		return false
	}
	seen := map[string]bool{}
	for _, rec := range recs {
		if rec.Username == "" {
			continue
		}
		if _, ok := snap[rec.Username]; !ok {
			return false
		}
		seen[rec.Username] = true
	}
	return len(seen) == len(snap)
}
