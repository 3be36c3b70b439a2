// Package account defines core types shared across subsystems.
package account

import (
	"time"
)

// Provider identifies the login provider an account was created with.
type Provider string

// Supported login providers.
const (
	ProviderPTC    Provider = "ptc"
	ProviderGoogle Provider = "google"
)

// HibernationReason categorizes why an account was pulled from rotation.
type HibernationReason string

// Hibernation reasons persisted in accounts.hibernation_reason.
const (
	ReasonBanned       HibernationReason = "banned"       // perma banned, we'd never know
	ReasonWarn         HibernationReason = "warn"         // warning popup
	ReasonShadowBanned HibernationReason = "sbanned"      // silently penalized
	ReasonTempBanned   HibernationReason = "code3"        // temp banned
	ReasonTempDisabled HibernationReason = "tempdisabled" // login temporarily disabled
	ReasonCredentials  HibernationReason = "credentials"  // login rejected the password
)

// Reasons lists every hibernation reason in a stable order.
func Reasons() []HibernationReason {
	return []HibernationReason{
		ReasonBanned,
		ReasonWarn,
		ReasonShadowBanned,
		ReasonTempBanned,
		ReasonTempDisabled,
		ReasonCredentials,
	}
}

// Valid reports whether r is a known hibernation reason.
func (r HibernationReason) Valid() bool {
	switch r {
	case ReasonBanned, ReasonWarn, ReasonShadowBanned,
		ReasonTempBanned, ReasonTempDisabled, ReasonCredentials:
		return true
	}
	return false
}

// Account is the durable record for one worker credential.
// Username is the global unique key; ID is assigned by the store on first write.
type Account struct {
	ID                int64              `json:"id"`
	Username          string             `json:"username"`
	Password          string             `json:"password"`
	Provider          Provider           `json:"provider"`
	Level             int16              `json:"level"`
	Model             string             `json:"model,omitempty"`
	DeviceVersion     string             `json:"device_version,omitempty"`
	DeviceID          string             `json:"device_id,omitempty"`
	Instance          *string            `json:"instance,omitempty"`
	HibernatedAt      *time.Time         `json:"hibernated_at,omitempty"`
	HibernationReason *HibernationReason `json:"hibernation_reason,omitempty"`
	CaptchaAt         *time.Time         `json:"captcha_at,omitempty"`
	Created           time.Time          `json:"created"`
	Updated           time.Time          `json:"updated"`
}

// Eligible reports whether the account may be handed to the general pool:
// unclaimed, not hibernated, and not waiting on a captcha.
func (a *Account) Eligible() bool {
	return a.Instance == nil && a.HibernatedAt == nil && a.CaptchaAt == nil
}

// Persisted reports whether the store has ever assigned this record an id.
func (a *Account) Persisted() bool {
	return a.ID != 0
}

// OwnedBy reports whether the account is claimed by the given instance.
func (a *Account) OwnedBy(instance string) bool {
	return a.Instance != nil && *a.Instance == instance
}

// Clock abstracts time.Now so lifecycle logic is testable.
type Clock interface {
	Now() time.Time
}
