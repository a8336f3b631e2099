// Package poller drives periodic delivery of queued jobs. Each cycle walks
// the backlog once, finished jobs get pushed to their callbacks and the rest
// stay queued for the next cycle.
package poller

import (
	"context"
	"errors"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/dkorolev/jobrelay/app/orchestrator"
)

//go:generate moq -out mocks/relay.go -pkg mocks -skip-ensure -fmt goimports . Relay

// Relay defines the single-step poll operations the loop is built on
type Relay interface {
	PollNext(ctx context.Context) (orchestrator.Outcome, string, error)
	PendingCount() int
}

const defaultInterval = 15 * time.Second

// Poller runs the delivery loop on a fixed interval
type Poller struct {
	Relay    Relay
	Interval time.Duration
}

// Run blocks until ctx is canceled, executing one delivery cycle per tick.
// Tokens not processed when the context fires remain queued, nothing is lost
// on shutdown.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	log.Printf("[INFO] poller started, interval %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			delivered, pending, dropped := p.cycle(ctx)
			if delivered+pending+dropped > 0 {
				log.Printf("[DEBUG] poll cycle done: delivered %d, pending %d, dropped %d", delivered, pending, dropped)
			}
		case <-ctx.Done():
			log.Printf("[INFO] poller terminated, %v", ctx.Err())
			return ctx.Err()
		}
	}
}

// cycle visits each queued token at most once. The pass length is fixed at
// the start, tokens re-queued mid-cycle are left for the next one.
func (p *Poller) cycle(ctx context.Context) (delivered, pending, dropped int) {
	for n := p.Relay.PendingCount(); n > 0; n-- {
		if ctx.Err() != nil {
			return delivered, pending, dropped
		}

		outcome, token, err := p.Relay.PollNext(ctx)
		if errors.Is(err, orchestrator.ErrQueueEmpty) {
			return delivered, pending, dropped
		}
		if err != nil {
			log.Printf("[WARN] poll failed for %s, %v", token, err)
		}

		switch outcome {
		case orchestrator.OutcomeDelivered:
			delivered++
		case orchestrator.OutcomeNotFound:
			dropped++
			log.Printf("[WARN] queued token %s has no record, dropped", token)
		default:
			pending++
		}
	}
	return delivered, pending, dropped
}
