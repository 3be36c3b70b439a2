// Package hibernate governs how accounts leave and rejoin rotation:
// reason-scoped cooldowns, the lifecycle operations that apply them, and
// the periodic sweep that reactivates accounts whose cooldown elapsed.
package hibernate

import (
	"time"

	"github.com/fletling/trainervault/internal/account"
)

// Policy maps each hibernation reason to its cooldown. A reason absent
// from the policy is permanent: the sweep never reactivates it.
type Policy map[account.HibernationReason]time.Duration

// PolicyFromDays builds a Policy from the configured day counts.
// Fractional days are allowed (tempdisabled defaults to about 30 minutes).
func PolicyFromDays(days map[string]float64) Policy {
	p := make(Policy, len(days))
	for reason, d := range days {
		r := account.HibernationReason(reason)
		if !r.Valid() || d < 0 {
			continue
		}
		p[r] = time.Duration(d * float64(24*time.Hour))
	}
	return p
}

// Cooldown returns the cooldown for reason and whether the reason is
// eligible for automatic reactivation at all.
func (p Policy) Cooldown(reason account.HibernationReason) (time.Duration, bool) {
	d, ok := p[reason]
	return d, ok
}

// Sweepable lists the reasons the sweep should visit, in stable order.
func (p Policy) Sweepable() []account.HibernationReason {
	var out []account.HibernationReason
	for _, r := range account.Reasons() {
		if _, ok := p[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
