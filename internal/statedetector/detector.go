// Package statedetector implements the State Detector (L6): deriving the
// current AssistantState from three input sources of decreasing
// authority — log-authoritative, terminal-heuristic, and timeout-fallback
// (spec.md §4.6).
//
// Grounded on the reference's internal/egg/idle_test.go, which exercises a
// sess.idleDuration()/lastInput/lastOutput contract that is not
// implemented anywhere in the reference's non-test source (verified by a
// repo-wide grep) — treated here as the grounding source for the
// timeout-fallback tier only: idle duration is the elapsed time since the
// more recent of the last input or output activity, or since start if
// neither has occurred yet. The log-authoritative and terminal-heuristic
// tiers have no reference implementation at all and are built from
// spec.md's contract directly; the heuristic pattern table is generalized
// from internal/egg/agents.go's per-agent profile concept.
package statedetector

import (
	"regexp"
	"sync"
	"time"
)

// State is spec.md §3's finite AssistantState set.
type State int

const (
	Unknown State = iota
	Idle
	Thinking
	ToolExecuting
	Responding
	Hung
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Thinking:
		return "thinking"
	case ToolExecuting:
		return "tool-executing"
	case Responding:
		return "responding"
	case Hung:
		return "hung"
	default:
		return "unknown"
	}
}

// authority ranks the three signal tiers; higher values shadow lower ones
// at the same instant, but elapsed wall-clock time is what lets
// timeout-fallback claim authority over a stale higher-authority signal
// (spec.md §4.6's edge cases).
type authority int

const (
	authorityNone authority = iota
	authorityTimeoutFallback
	authorityTerminalHeuristic
	authorityLogAuthoritative
)

// Transition is emitted exactly once per state change (never spuriously
// repeated) as the corresponding LifecycleEvent payload.
type Transition struct {
	From, To State
	At       time.Time
}

// HeuristicPattern maps a regular expression over recent screen content to
// the AssistantState it implies — the generalized form of the reference's
// per-agent profile table (prompt lines, spinner glyphs, tool-use
// markers).
type HeuristicPattern struct {
	Match *regexp.Regexp
	State State
}

// DefaultPatterns returns a baseline heuristic table covering the common
// spinner/tool-marker conventions shared by the CLI coding agents spec.md
// targets (braille spinner glyphs for "thinking," a "Running"/"Executing"
// tool-use line, and a bare shell-prompt line for idle), ordered most
// specific first since ObserveScreen takes the first match. Instances
// spawned without an explicit pattern table fall back to this one rather
// than leaving the heuristic tier permanently empty.
func DefaultPatterns() []HeuristicPattern {
	return []HeuristicPattern{
		{Match: regexp.MustCompile(`(?i)running|executing tool`), State: ToolExecuting},
		{Match: regexp.MustCompile(`[\x{2800}-\x{28FF}]`), State: Thinking},
		{Match: regexp.MustCompile(`(?i)^(thinking|generating)\.\.\.`), State: Thinking},
		{Match: regexp.MustCompile(`(?i)^(assistant|claude|codex):`), State: Responding},
		{Match: regexp.MustCompile(`\$\s*$`), State: Idle},
	}
}

// Detector tracks one instance's AssistantState.
type Detector struct {
	mu sync.Mutex

	hangTimeout time.Duration
	patterns    []HeuristicPattern

	state          State
	auth           authority
	lastSignalTime time.Time

	onTransition func(Transition)
}

// New creates a Detector with the given hang-timeout threshold
// (server.hang_timeout, spec.md §6) and heuristic pattern table.
func New(hangTimeout time.Duration, patterns []HeuristicPattern, onTransition func(Transition)) *Detector {
	return &Detector{
		hangTimeout:  hangTimeout,
		patterns:     patterns,
		state:        Unknown,
		onTransition: onTransition,
	}
}

// State returns the currently derived AssistantState.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ObserveLog applies a log-authoritative signal. Definitive: always takes
// effect and discards any heuristic-derived state.
func (d *Detector) ObserveLog(state State, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitionLocked(state, authorityLogAuthoritative, at)
}

// ObserveHeuristic applies a terminal-heuristic signal. It is rejected
// (has no effect) while a log-authoritative signal currently holds
// authority — a heuristic can never override a log signal. Heuristics take
// effect before the first log signal, and after a log signal only once a
// timeout-fallback Hung state has replaced it.
func (d *Detector) ObserveHeuristic(state State, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.auth == authorityLogAuthoritative {
		return
	}
	d.transitionLocked(state, authorityTerminalHeuristic, at)
}

// ObserveScreen runs the heuristic pattern table over recent screen text
// and applies the first match, if any.
func (d *Detector) ObserveScreen(text string, at time.Time) {
	for _, p := range d.patterns {
		if p.Match.MatchString(text) {
			d.ObserveHeuristic(p.State, at)
			return
		}
	}
}

// CheckTimeout evaluates the timeout-fallback tier at wall-clock time
// `now`. If the last signal of any authority is older than hangTimeout,
// the state transitions to Hung (authority timeout-fallback), which a
// subsequent heuristic or log signal can immediately clear.
func (d *Detector) CheckTimeout(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Unknown {
		return // no signal has arrived yet; nothing to time out.
	}
	if d.state == Hung {
		return
	}
	if now.Sub(d.lastSignalTime) >= d.hangTimeout {
		d.transitionLocked(Hung, authorityTimeoutFallback, now)
	}
}

// transitionLocked applies state under authority at time at, firing
// onTransition exactly once iff the state actually changes. Must be
// called with mu held.
func (d *Detector) transitionLocked(state State, auth authority, at time.Time) {
	d.lastSignalTime = at
	d.auth = auth
	if state == d.state {
		return
	}
	from := d.state
	d.state = state
	if d.onTransition != nil {
		d.onTransition(Transition{From: from, To: state, At: at})
	}
}
