package google

import "strings"

// Capabilities are the per-product access flags dashboard widgets key off.
// JSON field names match what the web clients already read.
type Capabilities struct {
	Analytics     bool `json:"hasGAAccess"`
	SearchConsole bool `json:"hasGSCAccess"`
	Ads           bool `json:"hasAdsAccess"`
}

// DeriveCapabilities computes the flags from a granted scope string by
// substring match. Recompute on every acquisition; never set these by hand.
func DeriveCapabilities(scope string) Capabilities {
	return Capabilities{
		Analytics:     strings.Contains(scope, "analytics"),
		SearchConsole: strings.Contains(scope, "webmasters"),
		Ads:           strings.Contains(scope, "adwords"),
	}
}

// Any reports whether at least one product was granted.
func (c Capabilities) Any() bool {
	return c.Analytics || c.SearchConsole || c.Ads
}
