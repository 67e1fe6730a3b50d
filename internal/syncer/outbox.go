// Package syncer moves progression between the local engine and the remote
// store: an outbox for pushes and a puller for reconciliation.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomo-app/backend/internal/remote"
)

const (
	retryBaseDelay     = 1 * time.Second
	retryMaxDelay      = 30 * time.Second
	DefaultMaxAttempts = 8
)

type JobKind string

const (
	JobProgress JobKind = "progress"
	JobSession  JobKind = "session"
)

// Job is one pending delivery. Progress jobs use XP and Level; session jobs
// use Minutes and XPGained.
type Job struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	XP        int       `json:"xp,omitempty"`
	Level     int       `json:"level,omitempty"`
	Minutes   float64   `json:"minutes,omitempty"`
	XPGained  int       `json:"xpGained,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}

// Result reports the outcome of one delivery attempt. Dropped is set when
// the job was abandoned after its last attempt.
type Result struct {
	Job     Job
	Err     error
	Dropped bool
}

// Remote is the delivery side of the remote store.
type Remote interface {
	PushSnapshot(ctx context.Context, xp, level int) error
	RecordSession(ctx context.Context, rec remote.SessionRecord) error
}

// Outbox queues progress for the remote store and delivers it in order
// with exponential backoff. Enqueueing never touches the network.
type Outbox struct {
	remote      Remote
	journal     Journal
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	queue    []Job
	onResult func(Result)

	wake chan struct{}
}

// NewOutbox creates an outbox delivering to r. A nil journal keeps pending
// jobs in memory only. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewOutbox(r Remote, journal Journal, maxAttempts int) *Outbox {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Outbox{
		remote:      r,
		journal:     journal,
		maxAttempts: maxAttempts,
		baseDelay:   retryBaseDelay,
		maxDelay:    retryMaxDelay,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
}

// OnResult registers a callback invoked after every delivery attempt.
func (o *Outbox) OnResult(fn func(Result)) {
	o.mu.Lock()
	o.onResult = fn
	o.mu.Unlock()
}

// PushProgress queues a progress push, replacing any queued push that has
// not been delivered yet.
func (o *Outbox) PushProgress(xp, level int) {
	o.enqueue(Job{Kind: JobProgress, XP: xp, Level: level})
}

// RecordSession queues a session record.
func (o *Outbox) RecordSession(minutes float64, xpGained int) {
	o.enqueue(Job{Kind: JobSession, Minutes: minutes, XPGained: xpGained})
}

func (o *Outbox) enqueue(job Job) {
	job.ID = uuid.NewString()
	job.CreatedAt = o.now().UTC()

	o.mu.Lock()
	var superseded []string
	if job.Kind == JobProgress {
		superseded = o.dropProgressLocked()
	}
	o.queue = append(o.queue, job)
	o.mu.Unlock()

	ctx := context.Background()
	for _, id := range superseded {
		if err := o.journal.Remove(ctx, id); err != nil {
			log.Printf("syncer: journal remove %s: %v", id, err)
		}
	}
	if err := o.journal.Append(ctx, job); err != nil {
		log.Printf("syncer: journal append %s: %v", job.ID, err)
	}
	o.signal()
}

// dropProgressLocked removes queued progress jobs and returns their IDs.
func (o *Outbox) dropProgressLocked() []string {
	var ids []string
	kept := o.queue[:0]
	for _, j := range o.queue {
		if j.Kind == JobProgress {
			ids = append(ids, j.ID)
			continue
		}
		kept = append(kept, j)
	}
	o.queue = kept
	return ids
}

func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Pending returns a copy of the undelivered jobs in delivery order.
func (o *Outbox) Pending() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Job(nil), o.queue...)
}

// Run replays the journal and delivers jobs until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	if err := o.replay(ctx); err != nil {
		log.Printf("syncer: journal replay failed: %v", err)
	}

	delay := o.baseDelay
	for {
		job, ok := o.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-o.wake:
				continue
			}
		}

		err := o.deliver(ctx, job)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			o.finish(job, Result{Job: job})
			delay = o.baseDelay
			continue
		}

		job.Attempts++
		if job.Attempts >= o.maxAttempts {
			log.Printf("syncer: dropping %s job %s after %d attempts: %v", job.Kind, job.ID, job.Attempts, err)
			o.finish(job, Result{Job: job, Err: err, Dropped: true})
			delay = o.baseDelay
			continue
		}
		o.setAttempts(job.ID, job.Attempts)
		o.report(Result{Job: job, Err: err})
		log.Printf("syncer: %s job %s failed (attempt %d, retry in %v): %v", job.Kind, job.ID, job.Attempts, delay, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, o.maxDelay)
	}
}

// replay loads journaled jobs ahead of anything queued since startup.
func (o *Outbox) replay(ctx context.Context) error {
	jobs, err := o.journal.Pending(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	o.mu.Lock()
	queued := make(map[string]bool, len(o.queue))
	for _, j := range o.queue {
		queued[j.ID] = true
	}
	var restored []Job
	for _, j := range jobs {
		if !queued[j.ID] {
			restored = append(restored, j)
		}
	}
	o.queue = append(restored, o.queue...)
	superseded := o.coalesceLocked()
	o.mu.Unlock()

	for _, id := range superseded {
		if err := o.journal.Remove(ctx, id); err != nil {
			log.Printf("syncer: journal remove %s: %v", id, err)
		}
	}
	log.Printf("syncer: replayed %d pending jobs", len(restored))
	return nil
}

// coalesceLocked keeps only the last progress job in the queue.
func (o *Outbox) coalesceLocked() []string {
	last := -1
	for i, j := range o.queue {
		if j.Kind == JobProgress {
			last = i
		}
	}
	var ids []string
	kept := o.queue[:0]
	for i, j := range o.queue {
		if j.Kind == JobProgress && i != last {
			ids = append(ids, j.ID)
			continue
		}
		kept = append(kept, j)
	}
	o.queue = kept
	return ids
}

func (o *Outbox) head() (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return Job{}, false
	}
	return o.queue[0], true
}

func (o *Outbox) deliver(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobProgress:
		return o.remote.PushSnapshot(ctx, job.XP, job.Level)
	case JobSession:
		return o.remote.RecordSession(ctx, remote.SessionRecord{
			ID:         job.ID,
			Minutes:    job.Minutes,
			XPGained:   job.XPGained,
			RecordedAt: job.CreatedAt,
		})
	}
	return nil
}

func (o *Outbox) setAttempts(id string, attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.queue {
		if o.queue[i].ID == id {
			o.queue[i].Attempts = attempts
			return
		}
	}
}

// finish removes job from the queue and journal and reports res.
func (o *Outbox) finish(job Job, res Result) {
	o.mu.Lock()
	for i, j := range o.queue {
		if j.ID == job.ID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	if err := o.journal.Remove(context.Background(), job.ID); err != nil {
		log.Printf("syncer: journal remove %s: %v", job.ID, err)
	}
	o.report(res)
}

func (o *Outbox) report(res Result) {
	o.mu.Lock()
	fn := o.onResult
	o.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}
