package jobqueue

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend is the storage layer of a queue. The redis implementation is used
// in production, the in-memory one in tests.
type Backend interface {
	// Upsert stores the job definition and schedules it at runAt. When a job
	// with the same id already exists its schedule entry is left untouched.
	Upsert(job *Job, runAt time.Time) error

	// Remove deletes the job and any schedule/active entries.
	Remove(jobID string) error

	// Claim atomically moves up to limit due jobs from the scheduled set to
	// the active set with the given stall deadline, incrementing their
	// delivery count.
	Claim(now time.Time, limit int, stallDeadline time.Time) ([]*Job, error)

	// Done removes the job from the active set. Repeating jobs are
	// rescheduled at next with their attempt count reset, one-shot jobs are
	// deleted.
	Done(job *Job, next time.Time) error

	// Retry moves a failed job from the active set back to the scheduled set
	// at runAt, keeping its attempt count.
	Retry(job *Job, runAt time.Time) error

	// RequeueStalled returns active jobs whose stall deadline has passed to
	// the scheduled set, making them eligible for redelivery.
	RequeueStalled(now time.Time) (int, error)

	// JobIDs lists ids of scheduled and active jobs with the given prefix.
	JobIDs(prefix string) ([]string, error)
}

// InMemoryBackend is a Backend used in tests and single-process setups. Jobs
// do not survive restarts.
type InMemoryBackend struct {
	mu        sync.Mutex
	defs      map[string]*Job
	scheduled map[string]time.Time
	active    map[string]time.Time
}

var _ Backend = (*InMemoryBackend)(nil)

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		defs:      make(map[string]*Job),
		scheduled: make(map[string]time.Time),
		active:    make(map[string]time.Time),
	}
}

func (b *InMemoryBackend) Upsert(job *Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.defs[job.ID]; ok {
		// keep the delivery count and schedule of the existing job
		cop := *job
		cop.Attempts = existing.Attempts
		b.defs[job.ID] = &cop

		if _, scheduled := b.scheduled[job.ID]; scheduled {
			return nil
		}
		if _, running := b.active[job.ID]; running {
			return nil
		}
	} else {
		cop := *job
		b.defs[job.ID] = &cop
	}

	b.scheduled[job.ID] = runAt
	return nil
}

func (b *InMemoryBackend) Remove(jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.defs, jobID)
	delete(b.scheduled, jobID)
	delete(b.active, jobID)
	return nil
}

func (b *InMemoryBackend) Claim(now time.Time, limit int, stallDeadline time.Time) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []string
	for id, at := range b.scheduled {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, id := range due {
		def, ok := b.defs[id]
		if !ok {
			delete(b.scheduled, id)
			continue
		}

		delete(b.scheduled, id)
		b.active[id] = stallDeadline
		def.Attempts++

		cop := *def
		claimed = append(claimed, &cop)
	}

	return claimed, nil
}

func (b *InMemoryBackend) Done(job *Job, next time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, job.ID)

	if job.Repeat > 0 {
		if def, ok := b.defs[job.ID]; ok {
			def.Attempts = 0
			b.scheduled[job.ID] = next
		}
		return nil
	}

	delete(b.defs, job.ID)
	delete(b.scheduled, job.ID)
	return nil
}

func (b *InMemoryBackend) Retry(job *Job, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, job.ID)
	if def, ok := b.defs[job.ID]; ok {
		def.Attempts = job.Attempts
		b.scheduled[job.ID] = runAt
	}
	return nil
}

func (b *InMemoryBackend) RequeueStalled(now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, deadline := range b.active {
		if deadline.Before(now) {
			delete(b.active, id)
			b.scheduled[id] = now
			n++
		}
	}

	return n, nil
}

func (b *InMemoryBackend) JobIDs(prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for id := range b.defs {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)

	return out, nil
}
