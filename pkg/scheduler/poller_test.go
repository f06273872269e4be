package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/careflow/pkg/adapter"
)

func submitOne(t *testing.T, client *adapter.MockBatchClient) string {
	t.Helper()
	job, err := client.SubmitBatch(context.Background(), []adapter.BatchRequest{{CustomID: "a", Request: &adapter.Request{}}})
	require.NoError(t, err)
	return job.ID
}

func runWait(p *Poller, id string) <-chan outcomeJob {
	ch := make(chan outcomeJob, 1)
	go func() {
		job, err := p.Wait(context.Background(), id)
		ch <- outcomeJob{job: job, err: err}
	}()
	return ch
}

type outcomeJob struct {
	job *adapter.BatchJob
	err error
}

func TestPollerCompletesAfterPendingPolls(t *testing.T) {
	client := adapter.NewMockBatchClient(adapter.NewMockAdapter())
	client.PendingPolls = 2
	clock := newSignalClock()
	p := &Poller{Client: client, Clock: clock, Interval: 10 * time.Second, MaxWait: time.Hour}

	done := runWait(p, submitOne(t, client))
	for i := 0; i < 2; i++ {
		d := clock.nextAfter(t)
		assert.Equal(t, 10*time.Second, d)
		clock.Advance(d)
	}

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, adapter.BatchCompleted, out.job.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not finish")
	}
}

func TestPollerTimesOut(t *testing.T) {
	client := adapter.NewMockBatchClient(adapter.NewMockAdapter())
	client.PendingPolls = 1000
	clock := newSignalClock()
	p := &Poller{Client: client, Clock: clock, Interval: 10 * time.Second, MaxWait: 25 * time.Second}

	done := runWait(p, submitOne(t, client))
	// Sleeps are 10s, 10s, then the remaining 5s.
	for _, want := range []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second} {
		d := clock.nextAfter(t)
		assert.Equal(t, want, d)
		clock.Advance(d)
	}

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, ErrPollTimeout)
		var berr *BatchError
		require.True(t, errors.As(out.err, &berr))
		assert.Equal(t, "poll", berr.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not time out")
	}
}

func TestPollerStopsOnPermanentError(t *testing.T) {
	client := adapter.NewMockBatchClient(adapter.NewMockAdapter())
	client.StatusErr = &adapter.AdapterError{Provider: "mock", Status: 404}
	p := &Poller{Client: client, Clock: newSignalClock(), Interval: time.Second, MaxWait: time.Minute}

	_, err := p.Wait(context.Background(), "missing")
	var berr *BatchError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, "missing", berr.BatchID)
}

func TestPollerHonoursContext(t *testing.T) {
	client := adapter.NewMockBatchClient(adapter.NewMockAdapter())
	client.PendingPolls = 1000
	p := &Poller{Client: client, Clock: newSignalClock(), Interval: time.Second, MaxWait: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Wait(ctx, submitOne(t, client))
	assert.ErrorIs(t, err, context.Canceled)
}
