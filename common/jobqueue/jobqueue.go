// Package jobqueue implements a small durable job queue on top of redis with
// at-least-once delivery, used for the recurring stream sweeps and the
// per-streamer vod checks.
//
// Jobs are upserted with stable ids, so re-registering the recurring job set
// never creates duplicate timers. Workers claim due jobs into an active set
// with a stall deadline; jobs whose deadline passes are handed out again.
package jobqueue

import (
	"time"

	"emperror.dev/errors"
	"github.com/heraldbot/herald/common"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var logger = common.GetFixedPrefixLogger("jobqueue")

// Job is a single unit of queued work. The same job may be delivered more
// than once, handlers have to tolerate replays.
type Job struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Payload []byte `json:"payload,omitempty"`

	// Repeat re-schedules the job this long after each completion, 0 means
	// the job runs once and is removed.
	Repeat time.Duration `json:"repeat"`

	MaxAttempts int `json:"max_attempts"`
	Attempts    int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
}

// AddOptions control how a job is scheduled.
type AddOptions struct {
	// JobID is the stable identifier, adding a job with an existing id is an
	// upsert and never creates a second schedule entry.
	JobID string

	// Repeat makes the job recurring with the given interval.
	Repeat time.Duration

	// MaxAttempts bounds redeliveries of failed one-shot jobs, 0 uses the
	// queue default.
	MaxAttempts int

	// Delay postpones the first run.
	Delay time.Duration
}

const DefaultMaxAttempts = 3

// Queue is the producer side handle, bound to a named queue.
type Queue struct {
	Name    string
	backend Backend
}

func NewQueue(name string, backend Backend) *Queue {
	return &Queue{
		Name:    name,
		backend: backend,
	}
}

// Add upserts a job keyed by opts.JobID (or the job name when no id is
// given). The payload is serialized with json.
func (q *Queue) Add(name string, payload interface{}, opts AddOptions) error {
	id := opts.JobID
	if id == "" {
		id = name
	}

	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = json.Marshal(payload)
		if err != nil {
			return errors.WithMessage(err, "marshal payload")
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &Job{
		ID:          id,
		Name:        name,
		Payload:     encoded,
		Repeat:      opts.Repeat,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}

	return q.backend.Upsert(job, time.Now().Add(opts.Delay))
}

// Retire removes a job and its schedule entirely.
func (q *Queue) Retire(jobID string) error {
	return q.backend.Remove(jobID)
}

// JobIDs lists the ids of all known jobs with the given prefix, used to
// retire per-streamer jobs whose subscription predicate no longer holds.
func (q *Queue) JobIDs(prefix string) ([]string, error) {
	return q.backend.JobIDs(prefix)
}
