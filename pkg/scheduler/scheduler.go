// Package scheduler executes stage inference calls, either directly or by
// grouping low-priority calls into asynchronous batch jobs.
//
// All scheduling state lives in memory. The pending map is owned by a single
// Scheduler; running several instances against one logical queue needs
// external coordination.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"go.uber.org/zap"

	"github.com/zen-systems/careflow/pkg/adapter"
	"github.com/zen-systems/careflow/pkg/config"
	"github.com/zen-systems/careflow/pkg/events"
	"github.com/zen-systems/careflow/pkg/schema"
)

// Settings are the batching parameters. They can be changed at runtime with
// Reconfigure.
type Settings struct {
	Enabled           bool
	BatchSize         int
	BatchingThreshold int
	MaxWait           time.Duration
	PollInterval      time.Duration
	MaxPollWait       time.Duration
}

// SettingsFromConfig converts the batch config section.
func SettingsFromConfig(cfg config.BatchConfig) Settings {
	return Settings{
		Enabled:           cfg.Enabled,
		BatchSize:         cfg.BatchSize,
		BatchingThreshold: cfg.BatchingThreshold,
		MaxWait:           time.Duration(cfg.MaxWaitMs) * time.Millisecond,
		PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		MaxPollWait:       time.Duration(cfg.MaxPollWaitMs) * time.Millisecond,
	}
}

func (s Settings) validate() error {
	if s.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", s.BatchSize)
	}
	if s.BatchingThreshold < 1 || s.BatchingThreshold > s.BatchSize {
		return fmt.Errorf("batching threshold must be within [1, %d], got %d", s.BatchSize, s.BatchingThreshold)
	}
	if s.MaxWait <= 0 {
		return errors.New("max wait must be positive")
	}
	if s.MaxPollWait <= 0 {
		return errors.New("max poll wait must be positive")
	}
	return nil
}

// Call is one stage inference call.
type Call struct {
	Stage    string
	Adapter  string
	Request  *adapter.Request
	Priority schema.Priority
}

// Callback receives the single outcome of a submitted call.
type Callback func(*adapter.Response, error)

type pendingRequest struct {
	id       string
	call     Call
	callback Callback
	once     sync.Once
}

func (p *pendingRequest) deliver(resp *adapter.Response, err error) {
	p.once.Do(func() {
		p.callback(resp, err)
	})
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Enabled          bool `json:"enabled"`
	Pending          int  `json:"pending"`
	BatchesSubmitted int  `json:"batches_submitted"`
	BatchesCompleted int  `json:"batches_completed"`
	BatchesFailed    int  `json:"batches_failed"`
	RequestsBatched  int  `json:"requests_batched"`
	RequestsDirect   int  `json:"requests_direct"`
	// LastBatchError is cleared by the next completed batch.
	LastBatchError string `json:"last_batch_error,omitempty"`
}

// Scheduler routes calls to the direct executor or the batch queue.
type Scheduler struct {
	direct *DirectExecutor
	batch  adapter.BatchClient
	clock  Clock
	logger *zap.Logger

	// ctx scopes background batch work; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup

	mu        sync.Mutex
	settings  Settings
	pending   map[string]*pendingRequest
	order     []string
	timerGen  uint64
	timerStop chan struct{}
	closed    bool
	stats     Stats
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBatchClient enables the batch path through client.
func WithBatchClient(client adapter.BatchClient) Option {
	return func(s *Scheduler) {
		s.batch = client
	}
}

// WithClock injects the clock used by the flush timer and poll loop.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler. Batching stays off unless settings enable it and
// a batch client is configured.
func New(direct *DirectExecutor, settings Settings, opts ...Option) (*Scheduler, error) {
	if direct == nil {
		return nil, errors.New("direct executor is required")
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		direct:   direct,
		clock:    defaultClock(),
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		settings: settings,
		pending:  make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Admits reports whether call would be queued for batching. Immediate and
// urgent calls never are.
func (s *Scheduler) Admits(call Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitsLocked(call)
}

func (s *Scheduler) admitsLocked(call Call) bool {
	if s.closed || !s.settings.Enabled || s.batch == nil {
		return false
	}
	if call.Adapter != s.batch.Adapter() {
		return false
	}
	return call.Priority == schema.PriorityRoutine || call.Priority == schema.PriorityBatch
}

// Execute runs call and blocks for its outcome. Admitted calls wait for their
// batch; the rest go straight to the direct executor. A done ctx stops the
// wait but not the batch the call belongs to.
func (s *Scheduler) Execute(ctx context.Context, call Call) (*adapter.Response, error) {
	if call.Request == nil {
		return nil, errors.New("call has no request")
	}
	if !s.Admits(call) {
		return s.executeDirect(ctx, call)
	}

	type outcome struct {
		resp *adapter.Response
		err  error
	}
	done := make(chan outcome, 1)
	if _, err := s.Submit(call, func(resp *adapter.Response, err error) {
		done <- outcome{resp: resp, err: err}
	}); err != nil {
		return s.executeDirect(ctx, call)
	}

	select {
	case out := <-done:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit queues an admitted call and returns its correlation id. The callback
// is invoked exactly once with the call's outcome.
func (s *Scheduler) Submit(call Call, callback Callback) (string, error) {
	if callback == nil {
		return "", errors.New("callback is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if !s.admitsLocked(call) {
		s.mu.Unlock()
		return "", ErrNotAdmitted
	}
	id := uuid.NewString()
	s.pending[id] = &pendingRequest{id: id, call: call, callback: callback}
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.CheckSchedule()
	return id, nil
}

// CheckSchedule makes a scheduling decision. When the pending count reaches
// the batch size, the pending map is drained and submitted; otherwise the
// wait timer is reset. It reports whether a flush was triggered.
func (s *Scheduler) CheckSchedule() bool {
	s.mu.Lock()
	n := len(s.pending)
	if n == 0 {
		s.stopTimerLocked()
		s.mu.Unlock()
		return false
	}
	if n >= s.settings.BatchSize {
		items := s.drainLocked()
		size := s.settings.BatchSize
		s.mu.Unlock()
		s.dispatchBatches(items, size)
		return true
	}
	s.resetTimerLocked()
	s.mu.Unlock()
	return false
}

// Flush drains whatever is pending and processes it as batches before
// returning. Outcomes still go to callbacks; the returned error joins any
// batch-level failures.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	items := s.drainLocked()
	size := s.settings.BatchSize
	s.mu.Unlock()

	var errs []error
	for _, chunk := range chunk(items, size) {
		if err := s.processBatch(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reconfigure replaces the batching settings and re-evaluates the queue.
func (s *Scheduler) Reconfigure(settings Settings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.CheckSchedule()
	return nil
}

// Settings returns the current batching settings.
func (s *Scheduler) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.pending)
	st.Enabled = s.settings.Enabled && s.batch != nil && !s.closed
	return st
}

// Close stops admissions, flushes pending work and waits for in-flight
// batches. If ctx ends first, background batches are cancelled and their
// callers receive batch errors.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	err := s.Flush(ctx)

	done := make(chan struct{})
	go func() {
		s.work.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
	s.cancel()
	return err
}

// drainLocked empties the pending map before any awaited work starts, so a
// concurrent trigger finds nothing to resubmit.
func (s *Scheduler) drainLocked() []*pendingRequest {
	s.stopTimerLocked()
	if len(s.pending) == 0 {
		return nil
	}
	items := make([]*pendingRequest, 0, len(s.pending))
	for _, id := range s.order {
		if p, ok := s.pending[id]; ok {
			items = append(items, p)
		}
	}
	s.pending = make(map[string]*pendingRequest)
	s.order = nil
	return items
}

func (s *Scheduler) stopTimerLocked() {
	if s.timerStop != nil {
		close(s.timerStop)
		s.timerStop = nil
	}
	s.timerGen++
}

func (s *Scheduler) resetTimerLocked() {
	s.stopTimerLocked()
	stop := make(chan struct{})
	s.timerStop = stop
	gen := s.timerGen
	fire := s.clock.After(s.settings.MaxWait)

	s.work.Add(1)
	go func() {
		defer s.work.Done()
		select {
		case <-fire:
			s.onTimer(gen)
		case <-stop:
		}
	}()
}

// onTimer handles wait-timer expiry. At or above the batching threshold the
// pending calls become a batch; below it batching is not worth the latency and
// they run directly.
func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.timerStop == nil {
		s.mu.Unlock()
		return
	}
	s.timerStop = nil
	n := len(s.pending)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	toBatch := n >= s.settings.BatchingThreshold
	size := s.settings.BatchSize
	items := s.drainLocked()
	s.mu.Unlock()

	if toBatch {
		s.dispatchBatches(items, size)
		return
	}
	s.logger.Debug("wait timer expired below batching threshold, executing directly",
		zap.Int("pending", n),
	)
	for _, item := range items {
		item := item
		s.work.Add(1)
		go func() {
			defer s.work.Done()
			resp, err := s.executeDirect(s.ctx, item.call)
			item.deliver(resp, err)
		}()
	}
}

func (s *Scheduler) dispatchBatches(items []*pendingRequest, size int) {
	for _, c := range chunk(items, size) {
		c := c
		s.work.Add(1)
		go func() {
			defer s.work.Done()
			_ = s.processBatch(s.ctx, c)
		}()
	}
}

// processBatch submits one batch, polls it to completion and dispatches each
// result by correlation id. Every item is delivered exactly once.
func (s *Scheduler) processBatch(ctx context.Context, items []*pendingRequest) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	requests := make([]adapter.BatchRequest, len(items))
	byID := make(map[string]*pendingRequest, len(items))
	for i, item := range items {
		requests[i] = adapter.BatchRequest{CustomID: item.id, Request: item.call.Request}
		byID[item.id] = item
	}

	job, err := s.batch.SubmitBatch(ctx, requests)
	if err != nil {
		return s.failBatch(ctx, items, &BatchError{Op: "submit", Err: err})
	}

	s.mu.Lock()
	s.stats.BatchesSubmitted++
	s.stats.RequestsBatched += len(items)
	s.mu.Unlock()
	s.logger.Info("batch submitted", zap.String("batch_id", job.ID), zap.Int("size", len(items)))
	capitan.Emit(ctx, events.BatchSubmitted,
		events.BatchIDKey.Field(job.ID),
		events.BatchSizeKey.Field(len(items)),
	)

	poller := &Poller{
		Client:   s.batch,
		Clock:    s.clock,
		Interval: settings.PollInterval,
		MaxWait:  settings.MaxPollWait,
		Logger:   s.logger,
	}
	final, err := poller.Wait(ctx, job.ID)
	if err != nil {
		return s.failBatch(ctx, items, err)
	}
	if final.Status != adapter.BatchCompleted {
		return s.failBatch(ctx, items, &BatchError{
			Op:      "poll",
			BatchID: job.ID,
			Status:  final.Status,
			Err:     fmt.Errorf("job ended with status %s", final.Status),
		})
	}

	results, err := s.batch.FetchResults(ctx, final)
	if err != nil && len(results) == 0 {
		return s.failBatch(ctx, items, &BatchError{Op: "results", BatchID: job.ID, Status: final.Status, Err: err})
	}
	missingErr := ErrMissingResult
	if err != nil {
		s.logger.Warn("batch results read partially",
			zap.String("batch_id", job.ID),
			zap.Int("read", len(results)),
			zap.Error(err),
		)
		missingErr = fmt.Errorf("%w: %w", ErrMissingResult, err)
	}

	var rerun []*pendingRequest
	succeeded, errored := 0, 0
	for _, r := range results {
		item, ok := byID[r.CustomID]
		if !ok {
			s.logger.Warn("batch result with unknown custom id", zap.String("batch_id", job.ID), zap.String("custom_id", r.CustomID))
			continue
		}
		delete(byID, r.CustomID)
		switch {
		case r.Err != nil && adapter.IsTransient(r.Err):
			rerun = append(rerun, item)
		case r.Err != nil:
			errored++
			item.deliver(nil, r.Err)
		case r.Response == nil:
			errored++
			item.deliver(nil, &BatchError{Op: "results", BatchID: job.ID, Err: fmt.Errorf("empty response for %s", r.CustomID)})
		default:
			succeeded++
			s.stampBatched(item.call, r.Response)
			item.deliver(r.Response, nil)
		}
	}
	for _, item := range items {
		if _, missing := byID[item.id]; missing {
			errored++
			item.deliver(nil, &BatchError{Op: "results", BatchID: job.ID, Err: missingErr})
		}
	}
	s.rerunDirect(ctx, job.ID, rerun)

	s.mu.Lock()
	s.stats.BatchesCompleted++
	s.stats.LastBatchError = ""
	s.mu.Unlock()
	capitan.Emit(ctx, events.BatchCompleted,
		events.BatchIDKey.Field(job.ID),
		events.BatchStateKey.Field(string(final.Status)),
		events.SucceededKey.Field(succeeded),
		events.ErroredKey.Field(errored),
		events.RerunKey.Field(len(rerun)),
	)
	return nil
}

// rerunDirect sends expired or canceled batch entries through the direct
// executor. They never reached the model, so the retry cannot repeat a
// rejection.
func (s *Scheduler) rerunDirect(ctx context.Context, batchID string, items []*pendingRequest) {
	if len(items) == 0 {
		return
	}
	s.logger.Info("rerunning unfinished batch entries directly",
		zap.String("batch_id", batchID),
		zap.Int("count", len(items)),
	)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *pendingRequest) {
			defer wg.Done()
			item.deliver(s.executeDirect(ctx, item.call))
		}(item)
	}
	wg.Wait()
}

func (s *Scheduler) failBatch(ctx context.Context, items []*pendingRequest, err error) error {
	s.mu.Lock()
	s.stats.BatchesFailed++
	s.stats.LastBatchError = err.Error()
	s.mu.Unlock()

	var batchID, state string
	var berr *BatchError
	if errors.As(err, &berr) {
		batchID = berr.BatchID
		state = string(berr.Status)
	}
	s.logger.Error("batch failed, failing every request in it",
		zap.String("batch_id", batchID),
		zap.Int("size", len(items)),
		zap.Error(err),
	)
	capitan.Emit(ctx, events.BatchFailed,
		events.BatchIDKey.Field(batchID),
		events.BatchStateKey.Field(state),
		events.BatchSizeKey.Field(len(items)),
		events.ErrorKey.Field(err.Error()),
	)
	for _, item := range items {
		item.deliver(nil, err)
	}
	return err
}

func (s *Scheduler) stampBatched(call Call, resp *adapter.Response) {
	usage := normalizeUsage(resp.Usage)
	cost, _ := EstimateCost(s.direct.pricing(), call.Adapter, call.Request.Model, usage, true)
	resp.Reports = []adapter.CallReport{{
		Stage:   call.Stage,
		Adapter: call.Adapter,
		Model:   call.Request.Model,
		Usage:   usage,
		Cost:    cost,
		Batched: true,
	}}
}

func (s *Scheduler) executeDirect(ctx context.Context, call Call) (*adapter.Response, error) {
	s.mu.Lock()
	s.stats.RequestsDirect++
	s.mu.Unlock()

	resp, reports, err := s.direct.Execute(ctx, call.Adapter, call.Request)
	for i := range reports {
		reports[i].Stage = call.Stage
	}
	if resp != nil {
		resp.Reports = reports
	}
	return resp, err
}

func chunk(items []*pendingRequest, size int) [][]*pendingRequest {
	if len(items) == 0 {
		return nil
	}
	if size < 1 {
		size = len(items)
	}
	var out [][]*pendingRequest
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
