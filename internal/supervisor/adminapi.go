package supervisor

import (
	"context"

	"github.com/titanlog/titan/internal/adminapi"
	"github.com/titanlog/titan/internal/ierrors"
	"github.com/titanlog/titan/internal/parser"
)

var (
	_ adminapi.PatternService       = (*Supervisor)(nil)
	_ adminapi.FlightListingService = (*Supervisor)(nil)
)

// SubmitPattern adapts the admin surface's request/outcome shape onto
// the pipeline's existing flight check and pattern update operations.
func (s *Supervisor) SubmitPattern(ctx context.Context, req adminapi.PatternRequest) (adminapi.PatternOutcome, error) {
	exists, err := s.flights.CheckFlight(ctx, req.Tenant, req.FlightID)
	if err != nil {
		if kind, ok := ierrors.KindOf(err); ok && kind == ierrors.KindNotFound {
			return adminapi.PatternTenantUnknown, nil
		}
		return adminapi.PatternInvalid, err
	}
	if !exists {
		return adminapi.PatternFlightUnknown, nil
	}

	rules := make([]parser.Rule, len(req.Pattern))
	for i, r := range req.Pattern {
		kind := parser.KindRegex
		if r.Kind == "grok" {
			kind = parser.KindGrok
		}
		rules[i] = parser.Rule{Kind: kind, Field: r.Field, Pattern: r.Pattern, OverrideField: r.OverrideField}
	}

	if err := s.UpdatePatterns(ctx, req.Tenant, req.FlightID, rules); err != nil {
		if kind, ok := ierrors.KindOf(err); ok && kind == ierrors.KindValidation {
			return adminapi.PatternInvalid, nil
		}
		return adminapi.PatternInvalid, err
	}
	return adminapi.PatternAccepted, nil
}

// ListFlights adapts the flight registry's ([]string, error) return onto
// the admin surface's (FlightListing, found, error) shape, folding an
// unknown-tenant lookup into the bool rather than the error.
func (s *Supervisor) ListFlights(ctx context.Context, tenant string) (adminapi.FlightListing, bool, error) {
	names, err := s.flights.ListFlights(ctx, tenant)
	if err != nil {
		if kind, ok := ierrors.KindOf(err); ok && kind == ierrors.KindNotFound {
			return adminapi.FlightListing{}, false, nil
		}
		return adminapi.FlightListing{}, false, err
	}
	return adminapi.FlightListing{Flights: names}, true, nil
}
