// Package orchestrator ties the job store, the delivery backlog and the
// execution pool together. It accepts job submissions, runs them in the
// background and answers status queries for the polling loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/dkorolev/jobrelay/app/conditions"
	"github.com/dkorolev/jobrelay/app/store"
)

//go:generate moq -out mocks/queue.go -pkg mocks -skip-ensure -fmt goimports . Queue
//go:generate moq -out mocks/storage.go -pkg mocks -skip-ensure -fmt goimports . Storage
//go:generate moq -out mocks/deliverer.go -pkg mocks -skip-ensure -fmt goimports . Deliverer
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier
//go:generate moq -out mocks/condition_checker.go -pkg mocks -skip-ensure -fmt goimports . ConditionChecker

// ErrQueueEmpty returned by PollNext when there is nothing to poll
var ErrQueueEmpty = errors.New("nothing queued for delivery")

// Queue defines the delivery backlog, FIFO of tokens waiting for a poll cycle
type Queue interface {
	Enqueue(token string)
	Dequeue() (string, error)
	Len() int
	Snapshot() []string
}

// Storage defines the job record table operations used by the orchestrator
type Storage interface {
	AssignBucket(service string) int
	Upsert(service, token string, rec store.Record) error
	Get(service, token string) (store.Record, bool, error)
	Delete(service, token string) (bool, error)
	Status(service, token string) (store.Status, store.Record, error)
	UpdateStatus(service, token string, status store.Status) (bool, error)
	Dump() map[string][]store.Record
}

// Deliverer pushes a finished record to its callback destination
type Deliverer interface {
	Send(ctx context.Context, rec store.Record) error
}

// Notifier sends out-of-band alerts about failed jobs, optional
type Notifier interface {
	Send(ctx context.Context, subject, text string) error
}

// ConditionChecker verifies if the host is fit to run a job right now, optional
type ConditionChecker interface {
	Check(cfg conditions.Config) (ok bool, reason string)
}

// Outcome of a single poll step
type Outcome int

// poll outcomes
const (
	OutcomePending Outcome = iota
	OutcomeDelivered
	OutcomeNotFound
)

// Orchestrator runs submitted jobs on a bounded pool and drives records
// through the created -> processing -> complete/failed lifecycle. All fields
// should be set before the first Register call.
type Orchestrator struct {
	Queue            Queue
	Storage          Storage
	Deliverer        Deliverer
	Notifier         Notifier
	ConditionChecker ConditionChecker
	Funcs            *Registry
	Workers          int
	Conditions       conditions.Config
	NotifyTimeout    time.Duration

	once     sync.Once
	pool     *syncs.SizedGroup
	mu       sync.RWMutex
	services map[string]string // token to service, poll cycle works on bare tokens
}

const defaultWorkers = 8

// Activate binds the execution pool to the application context. Jobs
// dispatched after ctx cancellation won't run, postponed jobs get released.
// Optional, without it the pool runs detached.
func (o *Orchestrator) Activate(ctx context.Context) {
	o.once.Do(func() {
		workers := o.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		o.pool = syncs.NewSizedGroup(workers, syncs.Context(ctx))
		o.services = map[string]string{}
	})
}

func (o *Orchestrator) init() { o.Activate(context.Background()) }

// Register creates a job record, queues its token for delivery polling and
// dispatches execution in the background. Returns the assigned token.
// The execution is detached from the caller's context, a submitted job
// survives the submit request.
func (o *Orchestrator) Register(ctx context.Context, service, jobName string, params map[string]any, callback store.Callback) (string, error) {
	o.init()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("registration rejected: %w", err)
	}

	token, err := store.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("failed to make token: %w", err)
	}

	bucketID := o.Storage.AssignBucket(service)
	rec := store.Record{
		Token:    token,
		Service:  service,
		Status:   store.StatusCreated,
		Payload:  params,
		Callback: callback,
	}
	if err := o.Storage.Upsert(service, token, rec); err != nil {
		return "", fmt.Errorf("failed to register job for %s: %w", service, err)
	}

	o.mu.Lock()
	o.services[token] = service
	o.mu.Unlock()

	o.Queue.Enqueue(token)
	log.Printf("[INFO] registered job %s for %s (bucket %d)", token, service, bucketID)

	// each worker is bound to the token it was created with, execution runs
	// on the pool's context and survives the submit request
	o.pool.Go(func(gctx context.Context) {
		o.execute(gctx, service, token, jobName)
	})
	return token, nil
}

// execute resolves and runs the job function, moving the record to a terminal
// status. An unknown job name counts as an execution failure.
func (o *Orchestrator) execute(ctx context.Context, service, token, jobName string) {
	fn, err := o.Funcs.Get(jobName)
	if err != nil {
		o.fail(ctx, service, token, err)
		return
	}

	if !o.waitForConditions(ctx, token) {
		o.fail(ctx, service, token, errors.New("execution conditions not met"))
		return
	}

	if _, err := o.Storage.UpdateStatus(service, token, store.StatusProcessing); err != nil {
		log.Printf("[WARN] failed to mark %s processing, %v", token, err)
	}

	rec, ok, err := o.Storage.Get(service, token)
	if err != nil || !ok {
		log.Printf("[WARN] job %s vanished before execution", token)
		return
	}

	result, err := fn(ctx, rec.Payload)
	if err != nil {
		o.fail(ctx, service, token, err)
		return
	}

	rec.Status, rec.Result = store.StatusComplete, result
	if err := o.Storage.Upsert(service, token, rec); err != nil {
		log.Printf("[WARN] failed to complete %s, %v", token, err)
		return
	}
	log.Printf("[INFO] job %s for %s completed", token, service)
}

// fail moves the record to failed, the failed record stays queued and gets
// delivered to the callback like a completed one
func (o *Orchestrator) fail(ctx context.Context, service, token string, jobErr error) {
	log.Printf("[WARN] job %s for %s failed, %v", token, service, jobErr)

	rec, ok, err := o.Storage.Get(service, token)
	if err != nil || !ok {
		log.Printf("[WARN] failed job %s not found in store", token)
		return
	}
	rec.Status = store.StatusFailed
	rec.Result = map[string]any{"error": jobErr.Error()}
	if err := o.Storage.Upsert(service, token, rec); err != nil {
		log.Printf("[WARN] failed to store failure for %s, %v", token, err)
	}

	if o.Notifier == nil {
		return
	}
	notifyTimeout := o.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	subject := fmt.Sprintf("job failed: %s", service)
	if err := o.Notifier.Send(nctx, subject, fmt.Sprintf("job %s for %s failed: %v", token, service, jobErr)); err != nil {
		log.Printf("[WARN] failed to notify about %s, %v", token, err)
	}
}

// waitForConditions postpones execution while the host is over the configured
// thresholds. Returns true if the job should run.
func (o *Orchestrator) waitForConditions(ctx context.Context, token string) bool {
	if o.ConditionChecker == nil || o.Conditions.Empty() {
		return true
	}

	met, reason := o.ConditionChecker.Check(o.Conditions)
	if met {
		return true
	}

	if o.Conditions.MaxPostpone == nil {
		log.Printf("[INFO] job %s skipped, reason: %s", token, reason)
		return false
	}

	deadline := time.Now().Add(*o.Conditions.MaxPostpone)
	log.Printf("[INFO] job %s postponed, reason: %s, deadline: %s", token, reason, deadline.Format(time.RFC3339))

	checkInterval := 30 * time.Second
	if o.Conditions.CheckInterval != nil {
		checkInterval = *o.Conditions.CheckInterval
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(*o.Conditions.MaxPostpone)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ticker.C:
			met, reason = o.ConditionChecker.Check(o.Conditions)
			if met {
				log.Printf("[INFO] conditions met, executing postponed job %s", token)
				return true
			}
			log.Printf("[DEBUG] conditions not met yet for %s, reason: %s", token, reason)
		case <-deadlineTimer.C:
			log.Printf("[WARN] max postpone reached, executing %s anyway", token)
			return true
		case <-ctx.Done():
			log.Printf("[INFO] postponed job %s canceled", token)
			return false
		}
	}
}

// StatusQuery returns the record status for the service and token pair.
// A missing record reports store.StatusNotExist, not an error.
func (o *Orchestrator) StatusQuery(service, token string) (store.Status, store.Record, error) {
	return o.Storage.Status(service, token)
}

// ListPending returns tokens currently queued for delivery, in queue order
func (o *Orchestrator) ListPending() []string {
	return o.Queue.Snapshot()
}

// PendingCount returns the number of tokens queued for delivery
func (o *Orchestrator) PendingCount() int {
	return o.Queue.Len()
}

// DumpStore returns the full store contents keyed by service
func (o *Orchestrator) DumpStore() map[string][]store.Record {
	return o.Storage.Dump()
}

// ResolveService maps a queued token back to its service name
func (o *Orchestrator) ResolveService(token string) (string, bool) {
	o.init()
	o.mu.RLock()
	defer o.mu.RUnlock()
	service, ok := o.services[token]
	return service, ok
}

// Forget drops the token from the service index, called after the token
// leaves the system for good
func (o *Orchestrator) Forget(token string) {
	o.init()
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.services, token)
}

// PollOne checks a single job and attempts delivery if it reached a terminal
// status. On acknowledged delivery the record is removed from the store, this
// is the only deletion path and makes redelivery idempotent.
func (o *Orchestrator) PollOne(ctx context.Context, service, token string) (Outcome, error) {
	o.init()

	status, rec, err := o.Storage.Status(service, token)
	if err != nil {
		return OutcomePending, fmt.Errorf("status check for %s failed: %w", token, err)
	}

	switch {
	case status == store.StatusNotExist:
		o.Forget(token)
		return OutcomeNotFound, nil

	case status.Terminal():
		if err := o.Deliverer.Send(ctx, rec); err != nil {
			// record kept untouched, retried on the next cycle
			return OutcomePending, fmt.Errorf("delivery of %s failed: %w", token, err)
		}
		if _, err := o.Storage.Delete(service, token); err != nil {
			log.Printf("[WARN] failed to drop delivered %s, %v", token, err)
		}
		o.Forget(token)
		log.Printf("[INFO] delivered %s for %s (%s)", token, service, status)
		return OutcomeDelivered, nil

	default: // created or processing, not ready yet
		return OutcomePending, nil
	}
}

// PollNext takes the oldest queued token and runs the poll step on it.
// Undelivered tokens go back to the end of the queue, so a full pass over
// the queue length visits every token exactly once.
func (o *Orchestrator) PollNext(ctx context.Context) (Outcome, string, error) {
	o.init()

	token, err := o.Queue.Dequeue()
	if err != nil {
		return OutcomePending, "", ErrQueueEmpty
	}

	service, ok := o.ResolveService(token)
	if !ok {
		log.Printf("[WARN] token %s has no service mapping, dropped", token)
		return OutcomeNotFound, token, nil
	}

	outcome, err := o.PollOne(ctx, service, token)
	if outcome == OutcomePending {
		o.Queue.Enqueue(token)
	}
	return outcome, token, err
}

// Wait blocks until all dispatched jobs finished
func (o *Orchestrator) Wait() {
	o.init()
	o.pool.Wait()
}
