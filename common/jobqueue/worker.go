package jobqueue

import (
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/heraldbot/herald/common/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	confMaxConcurrentJobs = config.RegisterOption("herald.jobqueue.max_concurrent", "Max jobs a worker executes concurrently", 5)
	confStallTimeout      = config.RegisterOption("herald.jobqueue.stall_timeout", "Seconds after which a claimed job is considered stalled and redelivered", 300)
)

var (
	metricsJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_jobqueue_processed_total",
		Help: "Total jobs processed",
	}, []string{"queue", "job"})

	metricsJobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_jobqueue_failed_total",
		Help: "Total job executions that returned an error",
	}, []string{"queue", "job"})

	metricsJobsStalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_jobqueue_stalled_total",
		Help: "Total jobs redelivered after stalling",
	}, []string{"queue"})
)

// HandlerFunc executes one job delivery. Returning retry=true requeues the
// job with backoff until its max attempts are exhausted; handlers must be
// safe to run more than once for the same job.
type HandlerFunc func(job *Job, data interface{}) (retry bool, err error)

type registeredHandler struct {
	name       string
	dataFormat interface{}
	handler    HandlerFunc
}

// Worker is the long-running consumer side of a queue. It polls for due
// jobs, executes them with bounded concurrency and requeues stalled ones.
type Worker struct {
	queue *Queue

	pollInterval  time.Duration
	maxConcurrent int
	stallTimeout  time.Duration

	stop chan *sync.WaitGroup

	handlersMU sync.Mutex
	handlers   map[string]*registeredHandler
	running    bool

	activeMU sync.Mutex
	active   map[string]bool
}

func NewWorker(queue *Queue) *Worker {
	maxConcurrent := confMaxConcurrentJobs.GetInt()
	if maxConcurrent < 1 {
		maxConcurrent = 5
	}

	stallTimeout := time.Second * time.Duration(confStallTimeout.GetInt())
	if stallTimeout <= 0 {
		stallTimeout = time.Minute * 5
	}

	return &Worker{
		queue:         queue,
		pollInterval:  time.Second,
		maxConcurrent: maxConcurrent,
		stallTimeout:  stallTimeout,
		stop:          make(chan *sync.WaitGroup),
		handlers:      make(map[string]*registeredHandler),
		active:        make(map[string]bool),
	}
}

// RegisterHandler registers the handler for the given job name. dataFormat
// is optional and should not be a pointer, it has to match the type passed
// into Queue.Add.
func (w *Worker) RegisterHandler(name string, dataFormat interface{}, handler HandlerFunc) {
	w.handlersMU.Lock()
	defer w.handlersMU.Unlock()

	if w.running {
		panic("tried adding a jobqueue handler to a running worker")
	}

	w.handlers[name] = &registeredHandler{
		name:       name,
		dataFormat: dataFormat,
		handler:    handler,
	}
}

func (w *Worker) Run() {
	w.handlersMU.Lock()
	w.running = true
	w.handlersMU.Unlock()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case wg := <-w.stop:
			w.drain()
			wg.Done()
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop asks the worker to drain and exit. The caller must already hold one
// count on wg, the worker releases it once the drain is finished.
func (w *Worker) Stop(wg *sync.WaitGroup) {
	w.stop <- wg
}

// drain waits up to 10 seconds for in-flight jobs, anything still running
// after that is redelivered later by the stall detector.
func (w *Worker) drain() {
	for i := 0; i < 10; i++ {
		w.activeMU.Lock()
		num := len(w.active)
		w.activeMU.Unlock()
		if num < 1 {
			return
		}
		time.Sleep(time.Second)
	}
}

func (w *Worker) check() {
	now := time.Now()

	stalled, err := w.queue.backend.RequeueStalled(now)
	if err != nil {
		logger.WithError(err).Error("failed requeueing stalled jobs")
	} else if stalled > 0 {
		metricsJobsStalled.With(prometheus.Labels{"queue": w.queue.Name}).Add(float64(stalled))
		logger.Warn("requeued ", stalled, " stalled jobs")
	}

	w.activeMU.Lock()
	free := w.maxConcurrent - len(w.active)
	w.activeMU.Unlock()

	if free < 1 {
		return
	}

	stallDeadline := now.Add(w.stallTimeout)
	jobs, err := w.queue.backend.Claim(now, free, stallDeadline)
	if err != nil {
		logger.WithError(err).Error("failed claiming due jobs")
		return
	}

	for _, job := range jobs {
		w.activeMU.Lock()
		if w.active[job.ID] {
			w.activeMU.Unlock()
			continue
		}
		w.active[job.ID] = true
		w.activeMU.Unlock()

		go w.runJob(job)
	}
}

func (w *Worker) runJob(job *Job) {
	l := logger.WithField("job", job.ID)

	defer func() {
		w.activeMU.Lock()
		delete(w.active, job.ID)
		w.activeMU.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			l.Errorf("recovered from panic in job handler\n%v\n%v", r, stack)
			w.finishJob(job, false, nil)
		}
	}()

	w.handlersMU.Lock()
	handler, ok := w.handlers[job.Name]
	w.handlersMU.Unlock()

	if !ok {
		l.Error("no handler registered for job: ", job.Name)
		w.finishJob(job, false, nil)
		return
	}

	var decodedData interface{}
	if handler.dataFormat != nil {
		typ := reflect.TypeOf(handler.dataFormat)
		decodedData = reflect.New(typ).Interface()

		err := json.Unmarshal(job.Payload, decodedData)
		if err != nil {
			l.WithError(err).Error("failed decoding job payload")
			w.finishJob(job, false, err)
			return
		}
	}

	retry, err := handler.handler(job, decodedData)
	if err != nil {
		l.WithError(err).Error("job handler returned an error")
		metricsJobsFailed.With(prometheus.Labels{"queue": w.queue.Name, "job": job.Name}).Inc()
	}

	w.finishJob(job, retry, err)
}

func (w *Worker) finishJob(job *Job, retry bool, runErr error) {
	metricsJobsProcessed.With(prometheus.Labels{"queue": w.queue.Name, "job": job.Name}).Inc()

	if retry && job.Attempts < job.MaxAttempts {
		err := w.queue.backend.Retry(job, time.Now().Add(retryDelay(job.Attempts)))
		if err != nil {
			logger.WithError(err).WithField("job", job.ID).Error("failed requeueing job for retry")
		}
		return
	}

	err := w.queue.backend.Done(job, time.Now().Add(job.Repeat))
	if err != nil {
		logger.WithError(err).WithField("job", job.ID).Error("failed marking job as done")
	}
}

// retryDelay computes the redelivery delay for the n-th failed attempt.
func retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second * 30
	bo.Multiplier = 2
	bo.MaxInterval = time.Minute * 30
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = bo.NextBackOff()
	}

	return d
}
