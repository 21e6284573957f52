package model

import (
	"time"
)

// Profile is a stored share link plus the fields needed to list it without
// re-parsing. The link itself stays the source of truth.
type Profile struct {
	ID string `gorm:"primaryKey"`
	// Identity hash; a link may appear once per subscription (or once among
	// manual imports, where SubscriptionID is empty).
	Hash           string `gorm:"uniqueIndex:idx_profile_identity"`
	SubscriptionID string `gorm:"uniqueIndex:idx_profile_identity;index"`
	Raw            string
	CreatedAt      time.Time

	Name     string
	Protocol string
	Address  string
	Port     string

	SubscriptionName string

	// Last probe result in ms, -1 unreachable, 0 never probed.
	Latency int64
}

// Subscription is a remote feed. Its profiles reference it by
// Profile.SubscriptionID.
type Subscription struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	URL        string `gorm:"uniqueIndex"`
	LastUpdate time.Time
	CreatedAt  time.Time

	// Traffic accounting as reported by the panel, 0 when not sent.
	Upload   int64
	Download int64
	Total    int64
	Expire   int64 // unix seconds
}
