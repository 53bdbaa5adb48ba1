// Package timeutil centralises the one UTC<->marketplace-timezone
// conversion the bot needs (spec section 6: "reaper and expiry
// calculations compute in UTC; display and rental_start persistence
// uses marketplace TZ (UTC+3)").
package timeutil

import "time"

// MarketplaceOffset is the marketplace's fixed, non-DST display offset.
const MarketplaceOffset = 3 * time.Hour

var marketplaceLocation = time.FixedZone("MSK", int(MarketplaceOffset.Seconds()))

// NowUTC returns the current instant in UTC. All internal comparisons
// (expiry, pause duration, reminders) use this.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToMarketplace converts a UTC instant to the marketplace's display
// timezone. Stored rental_start values are persisted in this zone so
// they read naturally next to marketplace-issued timestamps.
func ToMarketplace(t time.Time) time.Time {
	return t.In(marketplaceLocation)
}

// ToUTC converts a marketplace-zone instant back to UTC for internal
// comparisons.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// MarketplaceNow returns the current instant expressed in the
// marketplace's display timezone; used when setting rental_start on
// the first !код request (spec section 4.4).
func MarketplaceNow() time.Time {
	return ToMarketplace(NowUTC())
}
