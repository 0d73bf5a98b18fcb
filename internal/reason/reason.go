// Package reason normalizes venue-specific error strings to the closed
// canonical reason taxonomy (C9, spec.md §4.1). The mapper is pure: no
// state, no I/O, safe to call from any goroutine.
package reason

import (
	"strings"

	"hlconnector/pkg/types"
)

// substringRules is checked in order; the first substring match wins.
// Venue error strings are free text, so this is necessarily a prefix/
// substring table rather than an exact-match map.
var substringRules = []struct {
	substr string
	reason types.Reason
}{
	{"BadAloPxRejected", types.ReasonPostOnlyViolation},
	{"post only", types.ReasonPostOnlyViolation},
	{"would have matched", types.ReasonPostOnlyViolation},
	{"Insufficient margin", types.ReasonInsufficientBalance},
	{"insufficient balance", types.ReasonInsufficientBalance},
	{"Insufficient balance", types.ReasonInsufficientBalance},
	{"MinTradeNtl", types.ReasonMinSize},
	{"order size", types.ReasonMinSize},
	{"below minimum", types.ReasonMinSize},
	{"Price out of bounds", types.ReasonPriceOutOfBounds},
	{"price out of range", types.ReasonPriceOutOfBounds},
	{"too aggressive", types.ReasonPriceOutOfBounds},
	{"rate limit", types.ReasonRateLimited},
	{"Rate limit", types.ReasonRateLimited},
	{"too many requests", types.ReasonRateLimited},
	{"order has expired", types.ReasonExpired},
	{"expired", types.ReasonExpired},
	{"risk check", types.ReasonRiskBlocked},
	{"would violate", types.ReasonRiskBlocked},
	{"invalid", types.ReasonInvalidParams},
}

// Map normalizes a venue-specific error string to a canonical reason
// code. Any string that matches no rule maps to ReasonVenueReject — the
// spec's explicit fallback, never an empty/unknown value.
func Map(venueError string) types.Reason {
	for _, rule := range substringRules {
		if strings.Contains(venueError, rule.substr) {
			return rule.reason
		}
	}
	return types.ReasonVenueReject
}
