// Package job owns share job records, their history and the FIFO admission queue.
package job

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sharepilot/internal/eventbus"
)

// TopicChanged is the bus topic for every history append; Data is Change.
const TopicChanged = "job.changed"

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Store) { s.bus = bus } }

func WithObserver(o Observer) Option { return func(s *Store) { s.obs = o } }

func WithIDFunc(f func() string) Option {
	return func(s *Store) {
		if f != nil {
			s.newID = f
		}
	}
}

// Store is the authoritative in-memory registry. It is unbounded; eviction is
// left to the caller.
//
// All methods are safe for concurrent use and never block on I/O.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string // creation order
	queue []string // admission queue (FIFO of ids)

	wake chan struct{}

	now   func() time.Time
	newID func() string
	bus   eventbus.Bus
	obs   Observer
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:  map[string]*Job{},
		wake:  make(chan struct{}, 1),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wake is signalled (coalesced) whenever an id is appended to the queue.
func (s *Store) Wake() <-chan struct{} { return s.wake }

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Create registers a queued job and appends it to the admission queue.
func (s *Store) Create(owner string, payload Payload, metadata map[string]any, correlationID string) *Job {
	s.mu.Lock()
	now := s.now()
	j := &Job{
		ID:            s.newID(),
		Owner:         owner,
		CorrelationID: correlationID,
		Payload:       payload,
		Metadata:      metadata,
		Status:        StatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j = j.clone() // detach caller-owned slices and maps
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	s.queue = append(s.queue, j.ID)
	s.transition(j, "", StatusQueued, Event{Kind: EventQueued, Data: map[string]any{"listingCount": len(payload.ListingIDs)}}, now)
	out := j.clone()
	s.mu.Unlock()

	s.signal()
	return out
}

// Next pops the first queued job, moves it to processing and returns it.
// Stale ids whose job is no longer queued are discarded.
func (s *Store) Next() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]

		j, ok := s.jobs[id]
		if !ok || j.Status != StatusQueued {
			continue
		}
		now := s.now()
		j.Attempts++
		j.StartedAt = &now
		j.FinishedAt = nil
		s.transition(j, StatusQueued, StatusProcessing, Event{Kind: EventDequeued, Data: map[string]any{"attempt": j.Attempts}}, now)
		return j.clone(), true
	}
	return nil, false
}

// MarkComplete moves a processing job to succeeded.
func (s *Store) MarkComplete(id string, attempt int, res Result) (*Job, bool) {
	return s.settle(id, attempt, func(j *Job, now time.Time) Event {
		r := res
		r.Failures = append([]ListingFailure(nil), res.Failures...)
		j.Result = &r
		j.FinishedAt = &now
		j.Status = StatusSucceeded
		return Event{Kind: EventCompleted, Data: map[string]any{
			"total": r.Total, "succeeded": r.Succeeded, "failed": r.Failed,
		}}
	})
}

// MarkFailed moves a processing job to failed.
func (s *Store) MarkFailed(id string, attempt int, f Failure) (*Job, bool) {
	return s.settle(id, attempt, func(j *Job, now time.Time) Event {
		ff := f
		j.Error = &ff
		j.FinishedAt = &now
		j.Status = StatusFailed
		return Event{Kind: EventFailed, Message: f.Message, Data: map[string]any{"code": f.Code}}
	})
}

// MarkRateLimited parks a processing job in rate_limited. It is not
// finished and is not requeued automatically.
func (s *Store) MarkRateLimited(id string, attempt int, d RateLimitDetail) (*Job, bool) {
	return s.settle(id, attempt, func(j *Job, now time.Time) Event {
		dd := d
		if dd.At.IsZero() {
			dd.At = now
		}
		j.RateLimit = &dd
		j.Status = StatusRateLimited
		return Event{Kind: EventRateLimited, Data: map[string]any{
			"scope": string(dd.Scope), "limit": dd.Limit, "remaining": dd.Remaining, "resetInMs": dd.ResetInMs,
		}}
	})
}

// settle applies an outcome only to the dispatch that produced it: the job
// must still be processing and on the same attempt. A run that outlived a
// requeue cannot settle the attempt that replaced it.
func (s *Store) settle(id string, attempt int, apply func(j *Job, now time.Time) Event) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusProcessing || j.Attempts != attempt {
		return nil, false
	}
	now := s.now()
	ev := apply(j, now)
	to := j.Status
	j.Status = StatusProcessing
	s.transition(j, StatusProcessing, to, ev, now)
	return j.clone(), true
}

// Requeue returns any job to queued and appends it to the queue tail.
func (s *Store) Requeue(id string) (*Job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	now := s.now()
	from := j.Status
	j.Result = nil
	j.Error = nil
	j.RateLimit = nil
	j.StartedAt = nil
	j.FinishedAt = nil
	s.queue = append(s.queue, j.ID)
	s.transition(j, from, StatusQueued, Event{Kind: EventRequeued, Data: map[string]any{"from": string(from)}}, now)
	out := j.clone()
	s.mu.Unlock()

	s.signal()
	return out, true
}

// Append adds a history entry without changing status.
func (s *Store) Append(id string, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	j.History = append(j.History, ev)
	j.UpdatedAt = ev.At
	s.publish(j, j.Status, ev)
	return true
}

func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// List returns matching jobs newest first, capped at f.Limit.
func (s *Store) List(f Filter) []*Job {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		j := s.jobs[s.order[i]]
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		out = append(out, j.clone())
	}
	// order is creation order; an injected clock may still tie or go backwards.
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

// FindStuck returns processing jobs whose StartedAt is more than threshold before now.
func (s *Store) FindStuck(threshold time.Duration, now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != StatusProcessing || j.StartedAt == nil {
			continue
		}
		if now.Sub(*j.StartedAt) > threshold {
			out = append(out, j.clone())
		}
	}
	return out
}

// Stats is a point-in-time count per status plus the queue length.
type Stats struct {
	Total    int            `json:"total"`
	QueueLen int            `json:"queue_len"`
	ByStatus map[Status]int `json:"by_status"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.jobs), QueueLen: len(s.queue), ByStatus: map[Status]int{}}
	for _, j := range s.jobs {
		st.ByStatus[j.Status]++
	}
	return st
}

// transition is called with s.mu held.
func (s *Store) transition(j *Job, from, to Status, ev Event, now time.Time) {
	j.Status = to
	j.UpdatedAt = now
	ev.At = now
	j.History = append(j.History, ev)
	if s.obs != nil {
		s.obs.Transition(j.clone(), from, to)
	}
	s.publish(j, from, ev)
}

func (s *Store) publish(j *Job, from Status, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: TopicChanged, Time: ev.At, Data: Change{Job: j.clone(), From: from, Event: ev}})
}
