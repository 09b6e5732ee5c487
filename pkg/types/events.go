package types

import (
	"time"
)

// RefreshEvent describes a completed refresh of the listings snapshot. It is
// the payload published to downstream subscribers.
type RefreshEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Origin names what triggered the refresh (read, forced or background).
	Origin string `json:"origin"`
	// ListingCount is the number of listings in the new snapshot.
	ListingCount int `json:"listingCount"`
	// FetchedAt is when the snapshot was stored.
	FetchedAt time.Time `json:"fetchedAt"`
}
