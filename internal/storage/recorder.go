package storage

import (
	"context"
	"time"

	logx "dosealert/pkg/logx"
)

// Recorder queues audit events and writes them from a single loop so callers
// holding locks never wait on disk. A nil *Recorder discards everything.
type Recorder struct {
	st  Store
	log logx.Logger
	ch  chan Event
}

func NewRecorder(st Store, log logx.Logger, buffer int) *Recorder {
	if st == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, log: log, ch: make(chan Event, buffer)}
}

// Record enqueues e. It never blocks; events are dropped when the queue is full.
func (r *Recorder) Record(e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case r.ch <- e:
	default:
		r.log.Debug("audit queue full, event dropped", logx.String("type", e.Type))
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case e := <-r.ch:
			r.write(context.Background(), e)
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.ch:
			r.write(context.Background(), e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Event) {
	cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := r.st.AppendEvent(cctx, e); err != nil {
		r.log.Debug("audit write failed", logx.String("type", e.Type), logx.Err(err))
	}
}

// Store returns the underlying store (nil for a nil Recorder).
func (r *Recorder) Store() Store {
	if r == nil {
		return nil
	}
	return r.st
}
