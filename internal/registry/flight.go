// Package registry implements the flight registry (C6) and pattern
// registry (C7): small single-goroutine mailbox actors over nested
// maps, per spec §4.6/§4.7 and Design Notes §9 ("a bounded channel per
// component, one long-lived task draining it, and handles that are
// cheap clones of the sender").
package registry

import (
	"context"
	"reflect"

	"github.com/titanlog/titan/internal/ierrors"
)

// Field is one column's name/type as tracked by the flight registry.
type Field struct {
	Name     string
	DataType string
	Nullable bool
}

// FlightRecord is a frozen (tenant, flight) schema (spec §3).
type FlightRecord struct {
	Fields    []Field
	CreatedAt int64 // unix micros, stamped by the caller at registration time
}

// mailboxSize is smaller than the parser shard's 1024: registries see
// far less traffic (one message per distinct flight, not per batch) but
// share the same actor idiom.
const mailboxSize = 256

// FlightRegistry is the C6 actor: tenant → flight → fields.
type FlightRegistry struct {
	cmds  chan func(*flightState)
	state flightState
}

type flightState struct {
	tenants map[string]map[string]FlightRecord
}

// NewFlightRegistry constructs an empty registry and starts its
// draining goroutine under ctx.
func NewFlightRegistry(ctx context.Context) *FlightRegistry {
	r := &FlightRegistry{
		cmds:  make(chan func(*flightState), mailboxSize),
		state: flightState{tenants: make(map[string]map[string]FlightRecord)},
	}
	go r.run(ctx)
	return r
}

func (r *FlightRegistry) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmds:
			cmd(&r.state)
		}
	}
}

// RegisterFlight is idempotent if fields are identical to an existing
// record; it returns ierrors.Conflict if they differ, and never
// mutates state in that case (spec §8).
func (r *FlightRegistry) RegisterFlight(ctx context.Context, tenant, flight string, fields []Field, createdAt int64) error {
	result := make(chan error, 1)
	cmd := func(s *flightState) {
		flights, ok := s.tenants[tenant]
		if !ok {
			flights = make(map[string]FlightRecord)
			s.tenants[tenant] = flights
		}
		existing, exists := flights[flight]
		if exists {
			if reflect.DeepEqual(existing.Fields, fields) {
				result <- nil
				return
			}
			result <- ierrors.New(ierrors.KindConflict, "registry.RegisterFlight", nil)
			return
		}
		flights[flight] = FlightRecord{Fields: fields, CreatedAt: createdAt}
		result <- nil
	}
	return r.send(ctx, cmd, result)
}

// CheckFlight reports whether flight exists for tenant. Unknown tenant
// is reported as ierrors.NotFound, per spec §4.6.
func (r *FlightRegistry) CheckFlight(ctx context.Context, tenant, flight string) (bool, error) {
	type res struct {
		ok  bool
		err error
	}
	result := make(chan res, 1)
	cmd := func(s *flightState) {
		flights, ok := s.tenants[tenant]
		if !ok {
			result <- res{false, ierrors.New(ierrors.KindNotFound, "registry.CheckFlight", nil)}
			return
		}
		_, exists := flights[flight]
		result <- res{exists, nil}
	}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case out := <-result:
		return out.ok, out.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ListFlights returns every flight registered for tenant, or
// ierrors.NotFound if the tenant itself is unknown.
func (r *FlightRegistry) ListFlights(ctx context.Context, tenant string) ([]string, error) {
	type res struct {
		flights []string
		err     error
	}
	result := make(chan res, 1)
	cmd := func(s *flightState) {
		flights, ok := s.tenants[tenant]
		if !ok {
			result <- res{nil, ierrors.New(ierrors.KindNotFound, "registry.ListFlights", nil)}
			return
		}
		names := make([]string, 0, len(flights))
		for name := range flights {
			names = append(names, name)
		}
		result <- res{names, nil}
	}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-result:
		return out.flights, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SchemaFor returns the recorded fields for (tenant, flight); the bool
// is false when the tenant or the flight is unknown. The flight receiver
// does not call it: it relies on RegisterFlight succeeding before it
// dispatches any batch of the stream.
func (r *FlightRegistry) SchemaFor(ctx context.Context, tenant, flight string) (FlightRecord, bool, error) {
	type res struct {
		rec    FlightRecord
		exists bool
	}
	result := make(chan res, 1)
	cmd := func(s *flightState) {
		flights, ok := s.tenants[tenant]
		if !ok {
			result <- res{}
			return
		}
		rec, exists := flights[flight]
		result <- res{rec, exists}
	}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return FlightRecord{}, false, ctx.Err()
	}
	select {
	case out := <-result:
		return out.rec, out.exists, nil
	case <-ctx.Done():
		return FlightRecord{}, false, ctx.Err()
	}
}

func (r *FlightRegistry) send(ctx context.Context, cmd func(*flightState), result chan error) error {
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
