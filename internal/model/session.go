package model

import "time"

// Session binds an opaque id to a fetch/filter profile for a limited time.
// Sessions are never modified after creation.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Proxy     *UpstreamProxy `json:"-"`
	Filters   FilterSet      `json:"filters"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
