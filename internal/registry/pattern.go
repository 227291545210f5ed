package registry

import (
	"context"

	"github.com/titanlog/titan/internal/parser"
)

// ShardUpdater is the narrow capability the pattern registry needs
// from a parser shard: apply a compiled rule replacement for one
// flight. parser.Shard satisfies this.
type ShardUpdater interface {
	UpdatePatterns(flight string, rules []parser.Rule) error
}

// PatternRegistry is the C7 actor: admin-submitted rule bundles are
// validated, then broadcast to every parser shard (every shard holds
// a full copy, trading memory for uniform fan-out, per spec §4.7).
type PatternRegistry struct {
	cmds   chan func(*patternState)
	shards []ShardUpdater
}

type patternState struct {
	rules map[string][]parser.Rule // flight -> last-applied rule set, for inspection/ListFlights-style admin reads
}

// NewPatternRegistry constructs a registry broadcasting to shards and
// starts its draining goroutine under ctx.
func NewPatternRegistry(ctx context.Context, shards []ShardUpdater) *PatternRegistry {
	r := &PatternRegistry{
		cmds:   make(chan func(*patternState), mailboxSize),
		shards: shards,
	}
	r.stateLoop(ctx)
	return r
}

func (r *PatternRegistry) stateLoop(ctx context.Context) {
	state := &patternState{rules: make(map[string][]parser.Rule)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-r.cmds:
				cmd(state)
			}
		}
	}()
}

// UpdatePatterns validates rules (rejecting the whole bundle atomically
// on the first bad regex) and, on success, broadcasts the replacement
// to every parser shard before recording it locally. On ingestion, C4
// never consults this registry directly — shards already hold their
// own copy (spec §4.7).
func (r *PatternRegistry) UpdatePatterns(ctx context.Context, flight string, rules []parser.Rule) error {
	if _, err := parser.CompileRules(rules); err != nil {
		return err
	}

	result := make(chan error, 1)
	cmd := func(s *patternState) {
		for _, sh := range r.shards {
			if err := sh.UpdatePatterns(flight, rules); err != nil {
				result <- err
				return
			}
		}
		s.rules[flight] = rules
		result <- nil
	}
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

// RulesFor returns the last-applied rule set for flight, for admin
// inspection (GET-side of the out-of-scope admin HTTP surface, spec §6).
func (r *PatternRegistry) RulesFor(ctx context.Context, flight string) ([]parser.Rule, error) {
	result := make(chan []parser.Rule, 1)
	cmd := func(s *patternState) { result <- s.rules[flight] }
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rules := <-result:
		return rules, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
