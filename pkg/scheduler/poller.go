package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
)

const defaultPollInterval = 10 * time.Second

// PollState is the bookkeeping of one poll loop.
type PollState struct {
	Attempt int
	Elapsed time.Duration
	Last    *adapter.BatchJob
}

// Poller waits for a batch job to reach a terminal status. It polls once
// immediately, then every Interval, and gives up after MaxWait.
type Poller struct {
	Client   adapter.BatchClient
	Clock    Clock
	Interval time.Duration
	MaxWait  time.Duration
	Logger   *zap.Logger
}

// Wait blocks until the job is terminal, the max wait passes, ctx is done, or
// a status call fails with a non-transient error. Transient status errors are
// retried on the next tick.
func (p *Poller) Wait(ctx context.Context, batchID string) (*adapter.BatchJob, error) {
	clock := p.Clock
	if clock == nil {
		clock = defaultClock()
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	start := clock.Now()
	state := PollState{}
	for {
		state.Attempt++
		job, err := p.Client.BatchStatus(ctx, batchID)
		switch {
		case err == nil:
			state.Last = job
			if job.Status.Terminal() {
				return job, nil
			}
		case adapter.IsTransient(err):
			logger.Warn("batch status poll failed, will retry",
				zap.String("batch_id", batchID),
				zap.Int("attempt", state.Attempt),
				zap.Error(err),
			)
		default:
			return nil, &BatchError{Op: "poll", BatchID: batchID, Err: err}
		}

		state.Elapsed = clock.Now().Sub(start)
		if state.Elapsed >= p.MaxWait {
			return state.Last, &BatchError{
				Op:      "poll",
				BatchID: batchID,
				Status:  adapter.BatchInProgress,
				Err:     fmt.Errorf("%w after %s (%d attempts)", ErrPollTimeout, state.Elapsed, state.Attempt),
			}
		}

		wait := p.Interval
		if wait <= 0 {
			wait = defaultPollInterval
		}
		if remaining := p.MaxWait - state.Elapsed; wait > remaining {
			wait = remaining
		}
		if err := sleepWithContext(ctx, clock, wait); err != nil {
			return state.Last, &BatchError{Op: "poll", BatchID: batchID, Err: err}
		}
	}
}
