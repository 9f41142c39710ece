package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/processor"
	"github.com/withobsrvr/searchsync/internal/sink"
	"github.com/withobsrvr/searchsync/internal/source"
	"github.com/withobsrvr/searchsync/internal/storage"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

// State is the phase of the sync engine
type State string

const (
	StateIdle        State = "idle"
	StateBackfilling State = "backfilling"
	StateStreaming   State = "streaming"
	StateStopped     State = "stopped"
	StateFaulted     State = "faulted"
)

const (
	defaultQueueSize     = 256
	defaultApplyTimeout  = 30 * time.Second
	defaultProgressEvery = 100
	releaseTimeout       = 10 * time.Second
)

// ErrStopped is returned by Start and Backfill when Stop interrupts them
var ErrStopped = errors.New("engine stopped")

// Option configures an Engine
type Option func(*Engine)

// WithCheckpointStore records the position of every applied event under stream
func WithCheckpointStore(store storage.CheckpointStore, stream string) Option {
	return func(e *Engine) {
		e.store = store
		e.stream = stream
	}
}

// WithQueueSize bounds the number of received events waiting to be applied
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithApplyTimeout bounds a single index write
func WithApplyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.applyTimeout = d
		}
	}
}

// WithProgressEvery logs backfill progress every n documents; 0 disables it
func WithProgressEvery(n int) Option {
	return func(e *Engine) {
		e.progressEvery = n
	}
}

// WithBackfillRate limits backfill writes per second; 0 means unlimited
func WithBackfillRate(perSecond float64) Option {
	return func(e *Engine) {
		if perSecond > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
		}
	}
}

// WithSkipBackfill resumes from the stored checkpoint instead of backfilling when one exists
func WithSkipBackfill(skip bool) Option {
	return func(e *Engine) {
		e.skipBackfill = skip
	}
}

// WithStateObserver registers fn to be called on every state transition
func WithStateObserver(fn func(State)) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, fn)
	}
}

// WithProjector replaces the projection applied to source documents
func WithProjector(p processor.Projector) Option {
	return func(e *Engine) {
		e.project = p
	}
}

// BackfillReport summarizes one backfill run
type BackfillReport struct {
	Total     int
	Synced    int
	Failed    int
	FailedIDs []string
	Duration  time.Duration
}

// Stats is a point in time view of the engine counters
type Stats struct {
	RunID          string `json:"run_id" yaml:"run_id"`
	State          State  `json:"state" yaml:"state"`
	BackfillTotal  int64  `json:"backfill_total" yaml:"backfill_total"`
	BackfillSynced int64  `json:"backfill_synced" yaml:"backfill_synced"`
	BackfillFailed int64  `json:"backfill_failed" yaml:"backfill_failed"`
	EventsApplied  int64  `json:"events_applied" yaml:"events_applied"`
	EventsFailed   int64  `json:"events_failed" yaml:"events_failed"`
	EventsSkipped  int64  `json:"events_skipped" yaml:"events_skipped"`
	QueueDepth     int    `json:"queue_depth" yaml:"queue_depth"`
}

type counters struct {
	backfillTotal, backfillSynced, backfillFailed atomic.Int64
	applied, failed, skipped                      atomic.Int64
}

// Engine replicates a source collection into a search index: a backfill of
// the current documents followed by ordered application of change events.
type Engine struct {
	src     source.Source
	idx     sink.Index
	project processor.Projector
	store   storage.CheckpointStore
	stream  string
	runID   string

	queueSize     int
	applyTimeout  time.Duration
	progressEvery int
	limiter       *rate.Limiter
	skipBackfill  bool
	observers     []func(State)

	mu        sync.Mutex
	state     State
	connected bool
	stopped   bool
	err       error

	ctx       context.Context
	cancel    context.CancelFunc
	sub       source.Subscription
	queue     chan model.ChangeEvent
	queueOnce sync.Once
	drained   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	counters counters
}

// NewEngine creates an engine over a source and an index
func NewEngine(src source.Source, idx sink.Index, opts ...Option) *Engine {
	e := &Engine{
		src:           src,
		idx:           idx,
		project:       processor.Project,
		runID:         uuid.NewString(),
		queueSize:     defaultQueueSize,
		applyTimeout:  defaultApplyTimeout,
		progressEvery: defaultProgressEvery,
		state:         StateIdle,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID identifies this engine instance in logs and checkpoints
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start connects both gateways, backfills and subscribes to the change feed.
// It returns once events are being received. Connection and schema faults
// leave the engine Faulted and are returned. A Stop during Start makes it
// return ErrStopped without subscribing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle || e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine cannot start from state %s", e.state)
	}
	e.mu.Unlock()

	logger.Info("Starting sync engine", zap.String("run_id", e.runID))

	// Stop cancels e.ctx, which aborts whatever startup step is running
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	if err := e.connect(ctx); err != nil {
		return e.abort(err)
	}

	from, resumed, err := e.resumePosition(ctx)
	if err != nil {
		return e.abort(err)
	}

	if !resumed {
		mark, err := e.src.Mark(ctx)
		if err != nil {
			return e.abort(fmt.Errorf("%w: read source position: %v", model.ErrConnection, err))
		}
		from = source.Position{StartAt: mark}

		e.setState(StateBackfilling)
		if _, err := e.backfill(ctx); err != nil {
			return e.abort(err)
		}
	}
	if e.isStopped() {
		return ErrStopped
	}

	// events wait in the queue until the drain starts, after the
	// subscription is published where Stop can see it
	e.queue = make(chan model.ChangeEvent, e.queueSize)
	sub, err := e.src.Subscribe(e.ctx, from, e.enqueue)
	if err != nil {
		return e.abort(fmt.Errorf("%w: %v", model.ErrSubscriptionBroken, err))
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		_ = sub.Close()
		return ErrStopped
	}
	e.sub = sub
	e.drained = make(chan struct{})
	e.mu.Unlock()

	go e.drain()
	e.setState(StateStreaming)
	go e.monitor(sub)

	logger.Success("Listening for change events", zap.String("run_id", e.runID))
	return nil
}

// Backfill connects both gateways if needed and copies every current source
// document into the index. Per-document failures are counted, not returned;
// a failed listing faults the engine.
func (e *Engine) Backfill(ctx context.Context) (BackfillReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	if err := e.connect(ctx); err != nil {
		return BackfillReport{}, e.abort(err)
	}
	e.setState(StateBackfilling)
	report, err := e.backfill(ctx)
	if err != nil {
		return report, e.abort(err)
	}
	e.setState(StateIdle)
	return report, nil
}

// Stop closes the subscription, applies the events already received and
// releases both gateways. It is safe to call more than once, and from any
// goroutine while Start is still running.
func (e *Engine) Stop() error {
	var errs []error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		sub, drained := e.sub, e.drained
		e.mu.Unlock()
		close(e.stopCh)

		if sub != nil {
			if err := sub.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close subscription: %w", err))
			}
			e.closeQueue()
			<-drained
		}
		e.cancel()

		errs = append(errs, e.release())
		e.finish(StateStopped, nil)
		logger.Info("Sync engine stopped", zap.String("run_id", e.runID))
	})
	return errors.Join(errs...)
}

// Wait blocks until the engine is stopped or faulted. It returns the fault,
// model.ErrSubscriptionBroken when the change feed ended on its own.
func (e *Engine) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done is closed once the engine is stopped or faulted
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stats returns the current counters
func (e *Engine) Stats() Stats {
	s := Stats{
		RunID:          e.runID,
		State:          e.State(),
		BackfillTotal:  e.counters.backfillTotal.Load(),
		BackfillSynced: e.counters.backfillSynced.Load(),
		BackfillFailed: e.counters.backfillFailed.Load(),
		EventsApplied:  e.counters.applied.Load(),
		EventsFailed:   e.counters.failed.Load(),
		EventsSkipped:  e.counters.skipped.Load(),
	}
	e.mu.Lock()
	if e.sub != nil {
		s.QueueDepth = len(e.queue)
	}
	e.mu.Unlock()
	return s
}

func (e *Engine) connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.connected {
		return nil
	}

	if err := e.src.Open(ctx); err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	if err := e.idx.Connect(ctx); err != nil {
		_ = e.src.Close(ctx)
		return fmt.Errorf("failed to connect index: %w", err)
	}
	if err := e.idx.EnsureSchema(ctx); err != nil {
		_ = e.src.Close(ctx)
		_ = e.idx.Close()
		return fmt.Errorf("failed to ensure index schema: %w", err)
	}
	e.connected = true
	return nil
}

func (e *Engine) release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil
	}
	e.connected = false

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return errors.Join(e.src.Close(ctx), e.idx.Close())
}

// resumePosition returns the stored checkpoint position when backfill is skipped
func (e *Engine) resumePosition(ctx context.Context) (source.Position, bool, error) {
	if !e.skipBackfill {
		return source.Position{}, false, nil
	}
	if e.store == nil {
		logger.Warn("Backfill skip requested without a checkpoint store, running backfill")
		return source.Position{}, false, nil
	}

	cp, err := e.store.Load(ctx, e.stream)
	if storage.IsNotFound(err) {
		logger.Warn("No checkpoint stored, running backfill", zap.String("stream", e.stream))
		return source.Position{}, false, nil
	}
	if err != nil {
		return source.Position{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(cp.ResumeToken) == 0 {
		logger.Warn("Stored checkpoint has no resume token, running backfill", zap.String("stream", e.stream))
		return source.Position{}, false, nil
	}

	logger.Notice("Resuming from checkpoint",
		zap.String("stream", e.stream),
		zap.String("previous_run_id", cp.RunID),
		zap.String("last_document_id", cp.LastDocumentID),
		zap.Time("updated_at", cp.UpdatedAt))
	return source.Position{ResumeToken: cp.ResumeToken, StartAt: cp.ClusterTime}, true, nil
}

func (e *Engine) backfill(ctx context.Context) (BackfillReport, error) {
	started := time.Now()
	var report BackfillReport

	logger.Info("Starting backfill", zap.String("run_id", e.runID))

	for doc, err := range e.src.ListAll(ctx) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, fmt.Errorf("backfill interrupted: %w", ctxErr)
		}
		if errors.Is(err, model.ErrSnapshot) {
			logger.Failure("Backfill aborted", err,
				zap.Int("processed", report.Total),
				zap.Int("synced", report.Synced),
				zap.String("run_id", e.runID))
			return report, fmt.Errorf("%w: backfill aborted after %d documents: %w", model.ErrConnection, report.Total, err)
		}

		report.Total++
		e.counters.backfillTotal.Add(1)

		if err == nil {
			if e.limiter != nil {
				if werr := e.limiter.Wait(ctx); werr != nil {
					return report, fmt.Errorf("backfill interrupted: %w", werr)
				}
			}
			err = e.upsert(ctx, doc.ID, doc)
		}

		if err != nil {
			report.Failed++
			if doc.ID != "" {
				report.FailedIDs = append(report.FailedIDs, doc.ID)
			}
			e.counters.backfillFailed.Add(1)
			logger.Failure("Failed to sync document", &model.DocumentError{ID: doc.ID, Err: err},
				zap.String("id", doc.ID))
		} else {
			report.Synced++
			e.counters.backfillSynced.Add(1)
		}

		if e.progressEvery > 0 && report.Total%e.progressEvery == 0 {
			logger.Info("Backfill progress",
				zap.Int("processed", report.Total),
				zap.Int("synced", report.Synced),
				zap.Int("failed", report.Failed))
		}
	}

	report.Duration = time.Since(started)
	logger.Success(fmt.Sprintf("Backfill complete: %d/%d documents synced", report.Synced, report.Total),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
		zap.String("run_id", e.runID))
	return report, nil
}

func (e *Engine) upsert(ctx context.Context, id string, doc model.SourceDocument) error {
	if id == "" {
		return fmt.Errorf("%w: document without id", model.ErrMalformedEvent)
	}
	return e.idx.Upsert(ctx, id, e.project(doc))
}

// enqueue is the subscription handler. It only blocks while the queue is full.
func (e *Engine) enqueue(ctx context.Context, event model.ChangeEvent) error {
	select {
	case e.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) closeQueue() {
	e.queueOnce.Do(func() { close(e.queue) })
}

// drain applies queued events one at a time, in the order received
func (e *Engine) drain() {
	defer close(e.drained)
	for event := range e.queue {
		e.apply(event)
		e.checkpoint(event)
	}
}

// apply writes one event to the index. Writes are detached from shutdown
// cancellation so an in-flight write always completes or times out.
func (e *Engine) apply(event model.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.applyTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("id", event.DocumentID),
		zap.String("operation", string(event.Operation)),
	}

	switch {
	case !event.Operation.Known():
		e.counters.skipped.Add(1)
		logger.Notice("Ignoring change event with unknown operation", fields...)
		return
	case event.DocumentID == "":
		e.counters.skipped.Add(1)
		logger.Failure("Skipping change event", fmt.Errorf("%w: missing document id", model.ErrMalformedEvent), fields...)
		return
	case event.Operation.Upserts() && event.FullDocument == nil:
		e.counters.skipped.Add(1)
		logger.Notice("Skipping change event without full document", fields...)
		return
	}

	logger.Info("Change detected", fields...)

	var err error
	if event.Operation == model.OpDelete {
		err = e.idx.Delete(ctx, event.DocumentID)
		if model.IsNotFound(err) {
			logger.Notice("Document already absent from index", fields...)
			err = nil
		}
	} else {
		err = e.upsert(ctx, event.DocumentID, *event.FullDocument)
	}

	if err != nil {
		e.counters.failed.Add(1)
		logger.Failure("Failed to apply change event",
			&model.DocumentError{ID: event.DocumentID, Op: event.Operation, Err: err}, fields...)
		return
	}
	e.counters.applied.Add(1)
	logger.Success("Applied change event", fields...)
}

func (e *Engine) checkpoint(event model.ChangeEvent) {
	if e.store == nil || len(event.ResumeToken) == 0 {
		return
	}

	cp := &storage.Checkpoint{
		Stream:         e.stream,
		RunID:          e.runID,
		ResumeToken:    event.ResumeToken,
		ClusterTime:    event.ClusterTime,
		LastDocumentID: event.DocumentID,
		EventsApplied:  e.counters.applied.Load(),
		UpdatedAt:      time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.applyTimeout)
	defer cancel()
	if err := e.store.Save(ctx, cp); err != nil {
		logger.Warn("Failed to save checkpoint", zap.Error(err), zap.String("stream", e.stream))
	}
}

// monitor turns an unexpected end of the subscription into a fault
func (e *Engine) monitor(sub source.Subscription) {
	select {
	case <-sub.Done():
	case <-e.stopCh:
		return
	}

	err := sub.Err()
	if err == nil {
		return
	}
	if !errors.Is(err, model.ErrSubscriptionBroken) {
		err = fmt.Errorf("%w: %v", model.ErrSubscriptionBroken, err)
	}

	// the subscription no longer calls enqueue, so what was received can still be applied
	e.closeQueue()
	<-e.drained
	logger.Failure("Change subscription ended unexpectedly", err, zap.String("run_id", e.runID))
	_ = e.release()
	e.finish(StateFaulted, err)
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// abort faults the engine with err, unless Stop caused the failure
func (e *Engine) abort(err error) error {
	if e.isStopped() {
		return ErrStopped
	}
	return e.fault(err)
}

func (e *Engine) fault(err error) error {
	logger.Failure("Sync engine faulted", err, zap.String("run_id", e.runID))
	_ = e.release()
	e.finish(StateFaulted, err)
	return err
}

// finish moves to a terminal state once; later calls are ignored
func (e *Engine) finish(state State, err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.setState(state)
		close(e.done)
	})
}

// setState records a transition. Stopped and Faulted are final.
func (e *Engine) setState(state State) {
	e.mu.Lock()
	if e.state == state || e.state == StateStopped || e.state == StateFaulted {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = state
	observers := e.observers
	e.mu.Unlock()

	logger.Debug("Engine state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(state)))
	for _, fn := range observers {
		fn(state)
	}
}
