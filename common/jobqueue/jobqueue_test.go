package jobqueue

import (
	"testing"
	"time"
)

func claimOne(t *testing.T, b Backend, now time.Time) *Job {
	t.Helper()

	jobs, err := b.Claim(now, 10, now.Add(time.Minute*5))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(jobs))
	}
	return jobs[0]
}

func TestQueueAddIsIdempotent(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	for i := 0; i < 5; i++ {
		err := q.Add("live_sweep", nil, AddOptions{Repeat: time.Minute})
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	ids, _ := q.JobIDs("")
	if len(ids) != 1 {
		t.Fatalf("expected 1 job after repeated adds, got %d: %v", len(ids), ids)
	}
}

func TestQueueAddKeepsScheduleOfRunningJob(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("live_sweep", nil, AddOptions{Repeat: time.Minute})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// claim time has to be at or after the schedule written by Add
	claimOne(t, backend, time.Now())

	// re-registering while the job is being executed must not schedule a
	// second concurrent run
	err = q.Add("live_sweep", nil, AddOptions{Repeat: time.Minute})
	if err != nil {
		t.Fatalf("re-add failed: %v", err)
	}

	later := time.Now().Add(time.Second)
	jobs, err := backend.Claim(later, 10, later.Add(time.Minute*5))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected nothing claimable while the job runs, got %d", len(jobs))
	}
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)
	now := time.Now()

	err := q.Add("later", nil, AddOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	jobs, err := backend.Claim(now, 10, now.Add(time.Minute*5))
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("claimed a job that is not due yet")
	}
}

func TestRepeatJobReschedulesAfterDone(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("live_sweep", nil, AddOptions{Repeat: time.Minute * 3})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	now := time.Now()
	job := claimOne(t, backend, now)

	err = backend.Done(job, now.Add(job.Repeat))
	if err != nil {
		t.Fatalf("done failed: %v", err)
	}

	// not due yet right after completion
	jobs, _ := backend.Claim(now, 10, now.Add(time.Minute*5))
	if len(jobs) != 0 {
		t.Fatalf("repeat job claimable immediately after done")
	}

	// due again one interval later, with a fresh attempt count
	next := claimOne(t, backend, now.Add(time.Minute*4))
	if next.Attempts != 1 {
		t.Errorf("expected attempts reset between runs, got %d", next.Attempts)
	}
}

func TestOneShotJobRemovedAfterDone(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("oneshot", nil, AddOptions{})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	now := time.Now()
	job := claimOne(t, backend, now)

	err = backend.Done(job, now)
	if err != nil {
		t.Fatalf("done failed: %v", err)
	}

	ids, _ := q.JobIDs("")
	if len(ids) != 0 {
		t.Errorf("expected the one-shot job gone, still have %v", ids)
	}
}

func TestRetryKeepsAttemptCount(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("flaky", nil, AddOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	now := time.Now()
	job := claimOne(t, backend, now)
	if job.Attempts != 1 {
		t.Fatalf("expected attempts 1 after first claim, got %d", job.Attempts)
	}

	err = backend.Retry(job, now)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	again := claimOne(t, backend, now)
	if again.Attempts != 2 {
		t.Errorf("expected attempts 2 after redelivery, got %d", again.Attempts)
	}
}

func TestRequeueStalled(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("crashy", nil, AddOptions{})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	now := time.Now()
	jobs, err := backend.Claim(now, 10, now.Add(time.Minute*5))
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim failed: %v (%d jobs)", err, len(jobs))
	}

	// before the deadline nothing is stalled
	n, err := backend.RequeueStalled(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d jobs before the deadline", n)
	}

	n, err = backend.RequeueStalled(now.Add(time.Minute * 6))
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled job requeued, got %d", n)
	}

	redelivered := claimOne(t, backend, now.Add(time.Minute*7))
	if redelivered.Attempts != 2 {
		t.Errorf("expected attempts 2 on redelivery, got %d", redelivered.Attempts)
	}
}

func TestRetireRemovesJob(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	err := q.Add("vod_check", nil, AddOptions{JobID: "vod_check:42", Repeat: time.Minute * 30})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	err = q.Retire("vod_check:42")
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}

	ids, _ := q.JobIDs("vod_check:")
	if len(ids) != 0 {
		t.Errorf("expected no vod jobs, got %v", ids)
	}
}

func TestJobIDsPrefixFilter(t *testing.T) {
	backend := NewInMemoryBackend()
	q := NewQueue("test", backend)

	_ = q.Add("live_sweep", nil, AddOptions{Repeat: time.Minute})
	_ = q.Add("vod_check", nil, AddOptions{JobID: "vod_check:1", Repeat: time.Minute})
	_ = q.Add("vod_check", nil, AddOptions{JobID: "vod_check:2", Repeat: time.Minute})

	ids, err := q.JobIDs("vod_check:")
	if err != nil {
		t.Fatalf("jobids failed: %v", err)
	}

	if len(ids) != 2 || ids[0] != "vod_check:1" || ids[1] != "vod_check:2" {
		t.Errorf("unexpected ids: %v", ids)
	}
}
