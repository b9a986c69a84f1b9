// Package config holds the immutable runtime configuration built once at
// startup and threaded through every component. There are no process-wide
// mutable flags; the only global left is the signal-driven shutdown context.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ja7ad/oomguard/pkg/types"
)

var (
	// ErrBadTuple indicates a TERM[,KILL] value that could not be accepted.
	ErrBadTuple = errors.New("config: bad threshold tuple")
)

// Thresholds are the two percent trip points of one pressure axis.
// Invariant: 0 < Kill <= Term <= 100.
type Thresholds struct {
	Term float64
	Kill float64
}

// MinKib converts a percent trip point back to KiB against a total, for the
// startup banner.
func (t Thresholds) MinKib(total types.Kib) types.Kib {
	return types.Kib(float64(total) * t.Term / 100)
}

// Policy steers victim selection. Built from CLI flags once.
type Policy struct {
	Avoid             *regexp.Regexp // nil when unset
	Prefer            *regexp.Regexp // nil when unset
	IgnoreRootUser    bool
	IgnorePositiveAdj bool
	SortByRSS         bool
}

// Config is the full daemon configuration.
type Config struct {
	Mem  Thresholds
	Swap Thresholds

	Policy Policy

	// ProcDir and MeminfoPath default to the real /proc locations and are
	// overridable so tests can run against a synthetic tree.
	ProcDir     string
	MeminfoPath string

	// ReportInterval is the period of the stdout status line; 0 disables it.
	ReportInterval time.Duration

	Debug  bool
	Notify bool
}

// ParseTermKillTuple parses a "TERM[,KILL]" flag value into two percentages.
//
// Accepted numbers are plain non-negative decimals: digits with at most one
// dot. Anything else in the string fails, as does more than one comma.
// A missing KILL defaults to TERM/2. Values above upperLimit fail. A TERM
// below KILL is raised to KILL, so arming SIGTERM at least as early as
// SIGKILL is an invariant. After that fixup both values must be positive.
//
// Postcondition: 0 < kill <= term <= upperLimit.
func ParseTermKillTuple(arg string, upperLimit float64) (term, kill float64, err error) {
	parts := strings.Split(arg, ",")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("%w: %q: more than one comma", ErrBadTuple, arg)
	}

	term, err = parseDecimal(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrBadTuple, arg, err)
	}
	if len(parts) == 2 {
		kill, err = parseDecimal(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %q: %v", ErrBadTuple, arg, err)
		}
	} else {
		kill = term / 2
	}

	if term > upperLimit {
		return 0, 0, fmt.Errorf("%w: SIGTERM value %g exceeds limit %g", ErrBadTuple, term, upperLimit)
	}
	if kill > upperLimit {
		return 0, 0, fmt.Errorf("%w: SIGKILL value %g exceeds limit %g", ErrBadTuple, kill, upperLimit)
	}
	if term < kill {
		term = kill
	}
	if kill <= 0 {
		return 0, 0, fmt.Errorf("%w: SIGKILL value must be above 0", ErrBadTuple)
	}
	return term, kill, nil
}

// ThresholdsFromTuple wraps ParseTermKillTuple into a Thresholds value.
func ThresholdsFromTuple(arg string, upperLimit float64) (Thresholds, error) {
	term, kill, err := ParseTermKillTuple(arg, upperLimit)
	if err != nil {
		return Thresholds{}, err
	}
	return Thresholds{Term: term, Kill: kill}, nil
}

// ThresholdsFromKib parses an absolute "TERM[,KILL]" tuple in KiB and
// recomputes it to percent against the observed total. On a host where total
// is zero (no swap) every absolute value is out of range.
func ThresholdsFromKib(arg string, total types.Kib) (Thresholds, error) {
	term, kill, err := ParseTermKillTuple(arg, float64(total))
	if err != nil {
		return Thresholds{}, err
	}
	return Thresholds{
		Term: 100 * term / float64(total),
		Kill: 100 * kill / float64(total),
	}, nil
}

// parseDecimal accepts digits with at most one dot; no signs, no exponents,
// no surrounding garbage.
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	dots := 0
	digits := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
			if dots > 1 {
				return 0, fmt.Errorf("more than one '.' in %q", s)
			}
		default:
			return 0, fmt.Errorf("unexpected character %q", c)
		}
	}
	if digits == 0 {
		return 0, fmt.Errorf("no digits in %q", s)
	}
	return strconv.ParseFloat(s, 64)
}
