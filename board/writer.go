package board

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"crm-activities/domain"
)

var (
	ErrWriterSaturated = errors.New("status writer is saturated")
	ErrWriterClosed    = errors.New("status writer is shut down")
)

// WriterConfig tunes the status write-back pool.
type WriterConfig struct {
	Workers        int
	Buffer         int
	HandoffTimeout time.Duration
	WriteTimeout   time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
	// Retryable classifies store errors. Nil retries errors that report
	// themselves as temporary.
	Retryable func(error) bool
}

// writeJob is one status write for one activity version.
type writeJob struct {
	leadID     string
	activityID string
	status     domain.Status
	version    uint64
	attempt    int
	done       func(writeResult)
}

type writeResult struct {
	activityID string
	status     domain.Status
	version    uint64
	activity   domain.Activity
	attempts   int
	err        error
}

// Writer runs status writes on a bounded pool of workers, retrying
// temporary failures with exponential backoff.
type Writer struct {
	cfg    WriterConfig
	store  Store
	logger *log.Logger

	jobs   chan *writeJob
	stopCh chan struct{}

	mu       sync.RWMutex
	closing  bool
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	// pending counts accepted jobs that have not completed. idle is closed
	// whenever pending is zero.
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

// NewWriter starts a writer with cfg. Zero fields take defaults.
func NewWriter(cfg WriterConfig, store Store, logger *log.Logger) (*Writer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Retryable == nil {
		cfg.Retryable = isTemporary
	}

	w := &Writer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		jobs:   make(chan *writeJob, cfg.Buffer),
		stopCh: make(chan struct{}),
		idle:   make(chan struct{}),
	}
	close(w.idle)
	for i := 0; i < cfg.Workers; i++ {
		w.workerWG.Add(1)
		go w.worker(i)
	}
	logger.Infof("status writer started, workers: %d, buffer: %d, handoff: %v, attempts: %d", cfg.Workers, cfg.Buffer, cfg.HandoffTimeout, cfg.MaxAttempts)
	return w, nil
}

// Submit hands job to the pool. It fails fast when the pool stays full past
// the hand-off timeout. job.done is called exactly once if Submit succeeds.
func (w *Writer) Submit(job *writeJob) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closing {
		return ErrWriterClosed
	}

	w.acquire()
	select {
	case w.jobs <- job:
		return nil
	default:
	}
	if w.cfg.HandoffTimeout <= 0 {
		w.release()
		return ErrWriterSaturated
	}

	timer := time.NewTimer(w.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case w.jobs <- job:
		return nil
	case <-timer.C:
		w.release()
		return ErrWriterSaturated
	case <-w.stopCh:
		w.release()
		return ErrWriterClosed
	}
}

// Drain waits until every job accepted so far has completed or ctx is done.
// Submit may keep running concurrently.
func (w *Writer) Drain(ctx context.Context) error {
	w.pendingMu.Lock()
	idle := w.idle
	w.pendingMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the workers. Jobs still queued or waiting for a retry
// complete with ErrWriterClosed.
func (w *Writer) Shutdown() {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	close(w.stopCh)
	w.mu.Unlock()

	w.workerWG.Wait()
	w.retryWG.Wait()
	for {
		select {
		case job := <-w.jobs:
			w.finish(job, domain.Activity{}, ErrWriterClosed)
		default:
			return
		}
	}
}

func (w *Writer) acquire() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
}

func (w *Writer) release() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending--
	if w.pending == 0 {
		close(w.idle)
	}
}

// Pending returns the number of accepted jobs not yet completed.
func (w *Writer) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.pending
}

func (w *Writer) worker(id int) {
	defer w.workerWG.Done()
	for {
		select {
		case job := <-w.jobs:
			w.process(id, job)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Writer) process(workerID int, job *writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	act, err := w.store.UpdateStatus(ctx, job.activityID, job.status)
	cancel()
	job.attempt++

	if err == nil {
		w.finish(job, act, nil)
		return
	}

	entry := w.logger.WithError(err).WithFields(log.Fields{
		"worker":   workerID,
		"lead":     job.leadID,
		"activity": job.activityID,
		"status":   job.status,
		"attempt":  job.attempt,
	})
	if job.attempt < w.cfg.MaxAttempts && w.cfg.Retryable(err) {
		entry.Warn("status write failed, retrying")
		w.scheduleRetry(job)
		return
	}
	entry.Error("status write failed")
	w.finish(job, domain.Activity{}, err)
}

func (w *Writer) scheduleRetry(job *writeJob) {
	delay := exponentialBackoff(job.attempt, w.cfg.RetryInitial, w.cfg.RetryMax)
	w.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer w.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case w.jobs <- job:
			case <-w.stopCh:
				w.finish(job, domain.Activity{}, ErrWriterClosed)
			}
		case <-w.stopCh:
			w.finish(job, domain.Activity{}, ErrWriterClosed)
		}
	}()
}

func (w *Writer) finish(job *writeJob, act domain.Activity, err error) {
	defer w.release()
	if job.done != nil {
		job.done(writeResult{
			activityID: job.activityID,
			status:     job.status,
			version:    job.version,
			activity:   act,
			attempts:   job.attempt,
			err:        err,
		})
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func isTemporary(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}
