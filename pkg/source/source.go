// Package source fetches listings from the upstream data source.
package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/illmade-knight/go-listingcache/pkg/types"
)

// ListingSource retrieves listings from an upstream provider using the given
// search settings.
type ListingSource interface {
	FetchListings(ctx context.Context, settings types.Settings) ([]types.Listing, error)
}

// StatusError is returned when the upstream answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	text := strings.TrimSpace(e.Body)
	if text == "" {
		text = http.StatusText(e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, text)
}
