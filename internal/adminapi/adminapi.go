// Package adminapi defines the Go interfaces an external HTTP service
// would drive to expose the admin surface from spec §6 (POST /pattern,
// GET /list-flights/{tenant}). No router lives here: the actual HTTP
// binding is out of scope (spec §1), this package only names the
// capability seams C6/C7 present to that boundary.
package adminapi

import "context"

// PatternRequest mirrors the POST /pattern request body.
type PatternRequest struct {
	Name     string
	Tenant   string
	FlightID string
	LogGroup string
	Pattern  []PatternRule
}

// PatternRule is one entry of PatternRequest.Pattern.
type PatternRule struct {
	Kind          string // "regex" or "grok"
	Field         string
	Pattern       string
	OverrideField string
}

// PatternOutcome reports the POST /pattern response shape: 200
// accepted, 400 invalid, 404 tenant unknown, 409 flight unknown for
// tenant (spec §6).
type PatternOutcome int

const (
	PatternAccepted PatternOutcome = iota
	PatternInvalid
	PatternTenantUnknown
	PatternFlightUnknown
)

// PatternService is the capability POST /pattern needs.
type PatternService interface {
	SubmitPattern(ctx context.Context, req PatternRequest) (PatternOutcome, error)
}

// FlightListing is the GET /list-flights/{tenant} response shape.
type FlightListing struct {
	Flights []string
}

// FlightListingService is the capability GET /list-flights/{tenant} needs.
type FlightListingService interface {
	ListFlights(ctx context.Context, tenant string) (FlightListing, bool, error)
}
