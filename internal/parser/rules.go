// Package parser implements parser shards (spec §4.3): single-goroutine
// actors that apply compiled regex/grok rules to Arrow record batches
// column-wise, without row materialization, forwarding the (possibly
// enriched) batch onward to the WAL writer.
package parser

import (
	"strconv"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"

	"github.com/titanlog/titan/internal/ierrors"
)

// Kind tags a pattern rule, mirroring the source's RegexPattern/
// GrokPattern enum (spec §3's Pattern rule).
type Kind int

const (
	KindRegex Kind = iota
	KindGrok
)

// Rule is one tenant-configured extraction rule. Rule order within a
// set is significant: first match wins per row for the same target
// field (spec §3).
type Rule struct {
	Kind          Kind
	Field         string
	Pattern       string
	OverrideField string // empty means "attach a <field>_matched mask"
}

// CompiledRule caches a Rule's compiled matcher. Grok is a recognized,
// documented non-implementation (spec §9: "grok behavior is left as a
// documented TODO in this spec, not guessed") rather than a silently
// no-op match.
type CompiledRule struct {
	Rule
	Regex *regexp.Regexp
}

// ErrGrokUnsupported is returned by CompileRules for any KindGrok rule.
var ErrGrokUnsupported = errors.New("grok patterns are not implemented; only regex rules are supported")

// CompileRules compiles every rule in order, rejecting the whole batch
// atomically on the first bad regex (spec §8: "no partial update is
// applied"). Compiled regex patterns are cached on the returned slice.
func CompileRules(rules []Rule) ([]CompiledRule, error) {
	out := make([]CompiledRule, 0, len(rules))
	for i, r := range rules {
		switch r.Kind {
		case KindRegex:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, ierrors.Wrap(ierrors.KindValidation, "parser.CompileRules",
					"rule "+strconv.Itoa(i)+" has an invalid regex", err)
			}
			out = append(out, CompiledRule{Rule: r, Regex: re})
		case KindGrok:
			return nil, ierrors.New(ierrors.KindValidation, "parser.CompileRules", ErrGrokUnsupported)
		default:
			return nil, ierrors.New(ierrors.KindValidation, "parser.CompileRules", errors.Errorf("rule %d has unknown kind %v", i, r.Kind))
		}
	}
	return out, nil
}
