// Package registry implements the Registry (L7): the process-wide
// directory of live instances.
//
// Grounded on the reference's internal/relay/wing_map.go WingMap — a
// map+sync.RWMutex keyed directory with Register/Deregister/Locate/All —
// with its Fly.io multi-machine reconcile/edge-sync machinery
// (ReconcileFull, EdgeIDs) dropped, since spec.md's Registry is explicitly
// single-process (see DESIGN.md). Only the local map/RWMutex shape
// survives.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/anselm-vey/roost/internal/instance"
	"github.com/anselm-vey/roost/internal/ptysession"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/google/uuid"
)

// Registry is the process-wide instance directory.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance.Actor

	onLifecycle instance.LifecycleFunc
}

// New constructs an empty Registry. onLifecycle, if non-nil, is forwarded
// to every spawned instance.Actor and is also used to announce registry-
// level events (none currently defined beyond per-instance ones).
func New(onLifecycle instance.LifecycleFunc) *Registry {
	return &Registry{
		instances:   make(map[string]*instance.Actor),
		onLifecycle: onLifecycle,
	}
}

// Spawn creates, starts, and registers a new instance. If name is empty a
// deterministic three-word slug is derived from the generated id.
func (r *Registry) Spawn(ctx context.Context, name string, cfg instance.Config) (*instance.Actor, error) {
	id := uuid.NewString()
	if name == "" {
		name = Slug(id)
	}

	act := instance.New(id, name, cfg, r.onLifecycle)
	if err := act.Start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.instances[id] = act
	r.mu.Unlock()

	go r.reapOnExit(id, act)
	return act, nil
}

// reapOnExit removes a terminal instance from the directory once its
// caller-visible Done() fires, so List/Get stop surfacing dead entries
// without requiring an explicit Kill.
func (r *Registry) reapOnExit(id string, act *instance.Actor) {
	<-act.Done()
	// Leave a short grace window so a client racing to read the final
	// exit snapshot via Get still finds it.
	time.Sleep(5 * time.Second)
	r.mu.Lock()
	if cur, ok := r.instances[id]; ok && cur == act {
		delete(r.instances, id)
	}
	r.mu.Unlock()
}

// Get looks up an instance by id.
func (r *Registry) Get(id string) (*instance.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.instances[id]
	if !ok {
		return nil, rerr.New(rerr.KindNotFound, fmt.Sprintf("no instance %q", id))
	}
	return act, nil
}

// List returns metadata for every known instance, sorted by id for stable
// output.
func (r *Registry) List(ctx context.Context) []instance.Info {
	r.mu.RLock()
	acts := make([]*instance.Actor, 0, len(r.instances))
	for _, act := range r.instances {
		acts = append(acts, act)
	}
	r.mu.RUnlock()

	infos := make([]instance.Info, 0, len(acts))
	for _, act := range acts {
		info, err := act.Snapshot(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Kill stops one instance.
func (r *Registry) Kill(ctx context.Context, id string, mode ptysession.KillMode) error {
	act, err := r.Get(id)
	if err != nil {
		return err
	}
	return act.Stop(ctx, mode)
}

// Shutdown stops every instance, giving each up to grace before escalating
// to a forceful kill, and waits for all to exit or for ctx to be done.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) error {
	r.mu.RLock()
	acts := make([]*instance.Actor, 0, len(r.instances))
	for _, act := range r.instances {
		acts = append(acts, act)
	}
	r.mu.RUnlock()

	deadline := time.Now().Add(grace)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, act := range acts {
		wg.Add(1)
		go func(act *instance.Actor) {
			defer wg.Done()
			stopCtx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()
			if err := act.Stop(stopCtx, ptysession.Polite); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			select {
			case <-act.Done():
			case <-time.After(time.Until(deadline)):
				act.Stop(context.Background(), ptysession.Forceful)
				<-act.Done()
			}
		}(act)
	}
	wg.Wait()
	return firstErr
}

var errEmptyWordLists = errors.New("registry: word lists must be non-empty")

// wordListA/B/C are the fixed three word lists Slug indexes into — plain,
// pronounceable, never offensive words, matching the reference's general
// preference for human-legible identifiers over opaque hashes.
var wordListA = []string{"amber", "brisk", "cedar", "dusky", "ember", "fable", "glade", "hazel"}
var wordListB = []string{"quiet", "rapid", "solid", "tidal", "urban", "vivid", "windy", "xenon"}
var wordListC = []string{"finch", "otter", "raven", "stork", "lynx", "heron", "ibis", "crane"}

// Slug derives a deterministic three-word name from id (e.g. an instance
// id) by hashing it with FNV-1a and indexing three fixed word lists with
// the hash bits. The same id always yields the same slug.
func Slug(id string) string {
	if len(wordListA) == 0 || len(wordListB) == 0 || len(wordListC) == 0 {
		panic(errEmptyWordLists)
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	sum := h.Sum64()
	a := wordListA[sum%uint64(len(wordListA))]
	b := wordListB[(sum/uint64(len(wordListA)))%uint64(len(wordListB))]
	c := wordListC[(sum/uint64(len(wordListA)*uint64(len(wordListB))))%uint64(len(wordListC))]
	return a + "-" + b + "-" + c
}
