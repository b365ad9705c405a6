// Package tracker reconciles vision snapshots against the active job's queue.
//
// The tracker owns no snapshots: the caller passes the current and the
// previous snapshot on every cycle. Items are compared by type only.
package tracker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/BMS-GM/pick-point/internal/types"
)

// State is the tracker's per-job state
type State int

const (
	StateNoJob State = iota
	StateAwaitingRemoval
	StateJobComplete
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case StateNoJob:
		return "no_job"
	case StateAwaitingRemoval:
		return "awaiting_removal"
	case StateJobComplete:
		return "job_complete"
	default:
		return "unknown"
	}
}

// Event is one outcome of a Process cycle
type Event struct {
	Code types.Code
	Item types.Item
	Text string
}

// Tracker holds the ordered queue of the active job
type Tracker struct {
	mu         sync.RWMutex
	job        string
	queue      []types.Item
	state      State
	generation uint64
}

// New creates a tracker with no job loaded
func New() *Tracker {
	return &Tracker{state: StateNoJob}
}

// Load replaces the queue with the items of job
func (t *Tracker) Load(job string, items []types.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job = job
	t.queue = make([]types.Item, len(items))
	copy(t.queue, items)
	t.generation++

	if len(t.queue) == 0 {
		t.state = StateJobComplete
	} else {
		t.state = StateAwaitingRemoval
	}

	slog.Info("job loaded into tracker", "job", job, "items", len(items))
}

// Reset drops the active job
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.job = ""
	t.queue = nil
	t.state = StateNoJob
	t.generation++
}

// Process runs one matching cycle.
//
// Algorithm:
//  1. Empty queue: report JobQueueEmpty and stop.
//  2. Report the requested item; report ObjectNotFound when its type is
//     absent from current.
//  3. removed = items of last whose type is absent from current.
//  4. The first removed item of the requested type is a correct removal;
//     further ones of that type are WrongNumberMoved, other types
//     WrongObjectRemoved.
//  5. A correct removal pops the queue front, at most once per cycle. An
//     emptied queue reports JobQueueEmpty.
func (t *Tracker) Process(current, last types.FrameSnapshot) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateNoJob {
		return nil
	}

	if len(t.queue) == 0 {
		t.state = StateJobComplete
		return []Event{{Code: types.CodeJobQueueEmpty, Text: fmt.Sprintf("job %s has no items left", t.job)}}
	}

	requested := t.queue[0]
	events := []Event{{
		Code: types.CodeCurrentRequestedObject,
		Item: requested,
		Text: "requesting " + requested.Type,
	}}

	currentTypes := current.Types()

	if _, found := currentTypes[requested.Type]; !found {
		events = append(events, Event{
			Code: types.CodeObjectNotFound,
			Item: requested,
			Text: requested.Type + " not visible",
		})
	}

	correctRemoval := false
	for _, item := range last.Items {
		if _, stillThere := currentTypes[item.Type]; stillThere {
			continue
		}

		switch {
		case item.Type == requested.Type && !correctRemoval:
			correctRemoval = true
			events = append(events, Event{Code: types.CodeCorrectObjectMoved, Item: item, Text: item.Type + " removed"})
		case item.Type == requested.Type:
			events = append(events, Event{Code: types.CodeWrongNumberMoved, Item: item, Text: "more than one " + item.Type + " removed"})
		default:
			events = append(events, Event{Code: types.CodeWrongObjectRemoved, Item: item, Text: item.Type + " removed instead of " + requested.Type})
		}
	}

	if correctRemoval {
		t.queue = t.queue[1:]
		t.generation++

		slog.Info("job item completed",
			"job", t.job,
			"item", requested.Type,
			"remaining", len(t.queue),
		)

		if len(t.queue) == 0 {
			t.state = StateJobComplete
			events = append(events, Event{Code: types.CodeJobQueueEmpty, Text: fmt.Sprintf("job %s complete", t.job)})
		}
	}

	return events
}

// Requested returns the queue front
func (t *Tracker) Requested() (types.Item, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.queue) == 0 {
		return types.Item{}, false
	}
	return t.queue[0], true
}

// Remaining returns a copy of the queue
func (t *Tracker) Remaining() []types.Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Item, len(t.queue))
	copy(out, t.queue)
	return out
}

// Job returns the name of the loaded job
func (t *Tracker) Job() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job
}

// State returns the tracker state
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Generation changes every time the queue front changes
func (t *Tracker) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}
