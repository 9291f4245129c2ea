package store

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Write modes for the request-row recorder.
const (
	WriteModeSync  = "sync"
	WriteModeAsync = "async"
)

const (
	recorderQueueSize   = 1024
	recorderWriteBudget = 10 * time.Second
)

// Recorder funnels request-row writes through the configured mode. Sync
// writes run inline and surface their error; async writes are queued to a
// single worker and only logged on failure, keeping SQL latency out of the
// request path.
type Recorder struct {
	repo *MessageRequestRepository
	mode string

	queue chan recorderOp
	once  sync.Once
	wg    sync.WaitGroup
}

type recorderOp struct {
	update bool
	row    *MessageRequest
}

// NewRecorder builds a recorder; any mode other than "async" means sync.
func NewRecorder(repo *MessageRequestRepository, mode string) *Recorder {
	r := &Recorder{repo: repo, mode: mode}
	if mode == WriteModeAsync {
		r.queue = make(chan recorderOp, recorderQueueSize)
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Insert persists a new row per the write mode.
func (r *Recorder) Insert(ctx context.Context, row *MessageRequest) error {
	if r.queue == nil {
		return r.repo.Insert(ctx, row)
	}
	r.enqueue(recorderOp{row: row})
	return nil
}

// Update finalizes a row per the write mode.
func (r *Recorder) Update(ctx context.Context, row *MessageRequest) error {
	if r.queue == nil {
		return r.repo.UpdateFinal(ctx, row)
	}
	r.enqueue(recorderOp{update: true, row: row})
	return nil
}

// enqueue never blocks the request path; an overflowing queue drops the
// write with a warning.
func (r *Recorder) enqueue(op recorderOp) {
	select {
	case r.queue <- op:
	default:
		log.Warnf("request recorder queue full, dropping %s for request %s", opName(op), op.row.ID)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteBudget)
		var err error
		if op.update {
			err = r.repo.UpdateFinal(ctx, op.row)
		} else {
			err = r.repo.Insert(ctx, op.row)
		}
		cancel()
		if err != nil {
			log.Errorf("request recorder: %s for request %s: %v", opName(op), op.row.ID, err)
		}
	}
}

// Close stops accepting async writes and drains the queue.
func (r *Recorder) Close() {
	if r.queue == nil {
		return
	}
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func opName(op recorderOp) string {
	if op.update {
		return "update"
	}
	return "insert"
}
