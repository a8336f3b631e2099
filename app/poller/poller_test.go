package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkorolev/jobrelay/app/orchestrator"
)

// scripted relay, returns pre-canned outcomes in order and counts calls
type relayStub struct {
	mu       sync.Mutex
	outcomes []orchestrator.Outcome
	errs     []error
	calls    int
	queued   int
}

func (r *relayStub) PollNext(context.Context) (orchestrator.Outcome, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls >= len(r.outcomes) {
		return orchestrator.OutcomePending, "", orchestrator.ErrQueueEmpty
	}
	outcome, err := r.outcomes[r.calls], r.errs[r.calls]
	r.calls++
	if outcome == orchestrator.OutcomePending && err == nil {
		return outcome, "tok", nil // re-queued, queue length unchanged
	}
	r.queued--
	return outcome, "tok", err
}

func (r *relayStub) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

func (r *relayStub) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestCycleVisitsEachTokenOnce(t *testing.T) {
	relay := &relayStub{
		queued:   3,
		outcomes: []orchestrator.Outcome{orchestrator.OutcomeDelivered, orchestrator.OutcomePending, orchestrator.OutcomeNotFound},
		errs:     []error{nil, nil, nil},
	}
	p := Poller{Relay: relay}

	delivered, pending, dropped := p.cycle(context.Background())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 3, relay.callCount(), "pass length fixed at cycle start")
}

func TestCycleStopsOnEmptyQueue(t *testing.T) {
	relay := &relayStub{queued: 5, outcomes: []orchestrator.Outcome{orchestrator.OutcomeDelivered}, errs: []error{nil}}
	p := Poller{Relay: relay}

	// stub reports 5 queued but runs dry after one call
	delivered, pending, dropped := p.cycle(context.Background())
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, dropped)
}

func TestCycleCountsErrorsAsPending(t *testing.T) {
	relay := &relayStub{
		queued:   1,
		outcomes: []orchestrator.Outcome{orchestrator.OutcomePending},
		errs:     []error{errors.New("delivery of tok failed: connection refused")},
	}
	p := Poller{Relay: relay}

	delivered, pending, dropped := p.cycle(context.Background())
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, dropped)
}

func TestCycleRespectsCancellation(t *testing.T) {
	relay := &relayStub{queued: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Poller{Relay: relay}
	delivered, pending, dropped := p.cycle(ctx)
	assert.Zero(t, delivered+pending+dropped)
	assert.Equal(t, 0, relay.callCount(), "canceled cycle must not touch the queue")
}

func TestRunTicksAndStops(t *testing.T) {
	relay := &relayStub{
		queued:   2,
		outcomes: []orchestrator.Outcome{orchestrator.OutcomeDelivered, orchestrator.OutcomeDelivered},
		errs:     []error{nil, nil},
	}
	p := Poller{Relay: relay, Interval: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return relay.callCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on cancellation")
	}
}
