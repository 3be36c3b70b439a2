package account

import "time"

// Patch carries a partial account update. Nil fields are left untouched by
// Apply and by Store.Upsert; this is the single merge rule for every partial
// write in the system. Clearing a nullable column (instance, hibernation,
// captcha) is never expressed through a Patch; the store exposes dedicated
// operations for those transitions.
type Patch struct {
	Password          *string
	Provider          *Provider
	Level             *int16
	Model             *string
	DeviceVersion     *string
	DeviceID          *string
	Instance          *string
	HibernatedAt      *time.Time
	HibernationReason *HibernationReason
	CaptchaAt         *time.Time
}

// Apply copies every present field of p onto a.
func (p Patch) Apply(a *Account) {
	if p.Password != nil {
		a.Password = *p.Password
	}
	if p.Provider != nil {
		a.Provider = *p.Provider
	}
	if p.Level != nil {
		a.Level = *p.Level
	}
	if p.Model != nil {
		a.Model = *p.Model
	}
	if p.DeviceVersion != nil {
		a.DeviceVersion = *p.DeviceVersion
	}
	if p.DeviceID != nil {
		a.DeviceID = *p.DeviceID
	}
	if p.Instance != nil {
		a.Instance = p.Instance
	}
	if p.HibernatedAt != nil {
		a.HibernatedAt = p.HibernatedAt
	}
	if p.HibernationReason != nil {
		a.HibernationReason = p.HibernationReason
	}
	if p.CaptchaAt != nil {
		a.CaptchaAt = p.CaptchaAt
	}
}

// IsZero reports whether the patch carries no fields at all.
func (p Patch) IsZero() bool {
	return p.Password == nil && p.Provider == nil && p.Level == nil &&
		p.Model == nil && p.DeviceVersion == nil && p.DeviceID == nil &&
		p.Instance == nil && p.HibernatedAt == nil &&
		p.HibernationReason == nil && p.CaptchaAt == nil
}

// AsPatch converts a full account into the patch used for durable release
// writes: credentials, device identity, level, and current ownership.
func (a Account) AsPatch() Patch {
	pw := a.Password
	prov := a.Provider
	lvl := a.Level
	model := a.Model
	dv := a.DeviceVersion
	did := a.DeviceID
	p := Patch{
		Password:      &pw,
		Provider:      &prov,
		Level:         &lvl,
		Model:         &model,
		DeviceVersion: &dv,
		DeviceID:      &did,
	}
	if a.Instance != nil {
		inst := *a.Instance
		p.Instance = &inst
	}
	return p
}
