package statedetector

import (
	"regexp"
	"testing"
	"time"
)

// TestStateDetectorPriority implements spec.md §8's end-to-end scenario 4
// and the "State Detector priority" universal property.
func TestStateDetectorPriority(t *testing.T) {
	var transitions []Transition
	hangTimeout := 2 * time.Second
	patterns := []HeuristicPattern{
		{Match: regexp.MustCompile(`thinking-glyph`), State: Thinking},
		{Match: regexp.MustCompile(`responding-glyph`), State: Responding},
	}
	d := New(hangTimeout, patterns, func(tr Transition) {
		transitions = append(transitions, tr)
	})

	t0 := time.Unix(1000, 0)
	d.ObserveLog(Idle, t0) // turn_complete{reason="end_turn"}
	if d.State() != Idle {
		t.Fatalf("expected Idle after log signal, got %v", d.State())
	}

	t1 := t0.Add(time.Second)
	d.ObserveScreen("thinking-glyph", t1)
	if d.State() != Idle {
		t.Fatalf("heuristic must not override log-authoritative state, got %v", d.State())
	}

	t2 := t0.Add(hangTimeout + time.Millisecond)
	d.CheckTimeout(t2)
	if d.State() != Hung {
		t.Fatalf("expected Hung after hang timeout elapsed with no further signal, got %v", d.State())
	}

	t3 := t2.Add(10 * time.Millisecond)
	d.ObserveScreen("responding-glyph", t3)
	if d.State() != Responding {
		t.Fatalf("expected heuristic to clear Hung once it has authority, got %v", d.State())
	}

	var hungCount int
	for _, tr := range transitions {
		if tr.To == Hung {
			hungCount++
		}
	}
	if hungCount != 1 {
		t.Fatalf("expected exactly one Hung transition to have been emitted, got %d", hungCount)
	}
}

func TestNoSpuriousRepeatedTransitions(t *testing.T) {
	var count int
	d := New(time.Minute, nil, func(Transition) { count++ })
	at := time.Unix(2000, 0)
	d.ObserveLog(Idle, at)
	d.ObserveLog(Idle, at.Add(time.Second))
	d.ObserveLog(Idle, at.Add(2*time.Second))
	if count != 1 {
		t.Fatalf("expected exactly one transition for repeated identical states, got %d", count)
	}
}

func TestUnknownUntilFirstSignal(t *testing.T) {
	d := New(time.Minute, nil, nil)
	if d.State() != Unknown {
		t.Fatalf("expected Unknown before any signal, got %v", d.State())
	}
	d.CheckTimeout(time.Now())
	if d.State() != Unknown {
		t.Fatal("timeout-fallback must not fire before any signal has arrived")
	}
}

func TestSameAgeHeuristicDoesNotOverwriteLog(t *testing.T) {
	d := New(time.Minute, nil, nil)
	at := time.Unix(3000, 0)
	d.ObserveLog(Idle, at)
	d.ObserveHeuristic(Responding, at)
	if d.State() != Idle {
		t.Fatalf("same-age heuristic must not overwrite log-authoritative state, got %v", d.State())
	}
}
