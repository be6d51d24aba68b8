package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the engine's drain state machine position.
//
// Transitions are driven by connectivity edges and drain lifecycle:
//
//	Offline --(online edge)--> Settling --(settle delay)--> Draining --> Idle
//	any state --(offline edge)--> Offline
type State string

const (
	StateOffline  State = "offline"
	StateSettling State = "settling"
	StateDraining State = "draining"
	StateIdle     State = "idle"
)

// ErrOffline is returned by TriggerSync while the device is offline.
var ErrOffline = errors.New("sync engine is offline")

// ErrHalted is returned after a persisted-state error stopped the
// engine. Auto-sync stays halted until the operator intervenes.
var ErrHalted = errors.New("sync engine halted")

// EngineConfig holds tunables for the sync engine.
type EngineConfig struct {
	// BatchSize is the maximum number of items pushed per transport call.
	BatchSize int

	// SettleDelay is how long to wait after an online transition before
	// draining, to avoid racing a still-initializing network stack.
	SettleDelay time.Duration

	// AcceleratedRetry is the shortened interval used to re-drain after
	// a drain that had failures, instead of waiting for the next full
	// auto-sync tick.
	AcceleratedRetry time.Duration

	// PushRetryInitial is the initial backoff interval when retrying a
	// whole push request that failed with a transport error.
	PushRetryInitial time.Duration

	// PushRetryMax bounds the number of whole-request retries per batch.
	PushRetryMax uint64

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultEngineConfig returns sensible defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		BatchSize:        25,
		SettleDelay:      3 * time.Second,
		AcceleratedRetry: 30 * time.Second,
		PushRetryInitial: 500 * time.Millisecond,
		PushRetryMax:     2,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Progress is a snapshot of sync state for UI surfaces. Consumers
// receive it through Subscribe rather than reaching into the engine.
type Progress struct {
	State         State      `json:"state"`
	Online        bool       `json:"online"`
	Syncing       bool       `json:"syncing"`
	Percent       int        `json:"percent"`
	Queue         QueueStats `json:"queue"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
}

// DrainSummary reports the outcome of one drain.
type DrainSummary struct {
	Processed int
	Synced    int
	Failed    int
	Conflicts int
	Err       error
}

// Result is the shared handle for an in-flight drain. Concurrent
// TriggerSync calls receive the same handle.
type Result struct {
	done    chan struct{}
	summary DrainSummary
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Done is closed when the drain finishes.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the drain finishes or ctx expires.
func (r *Result) Wait(ctx context.Context) (DrainSummary, error) {
	select {
	case <-ctx.Done():
		return DrainSummary{}, ctx.Err()
	case <-r.done:
		return r.summary, nil
	}
}

func (r *Result) complete(s DrainSummary) {
	r.summary = s
	close(r.done)
}

// MetaStore persists small engine state (the pull cursor) across
// restarts. Implemented by *store.DB.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

const pullCursorKey = "pull_cursor"

// Engine orchestrates queue draining against the transport. It
// enforces the single global in-flight drain, manages retry cadence,
// and reports progress to subscribers.
type Engine struct {
	queue     *Queue
	transport Transport
	conflicts ConflictHandler
	net       Connectivity
	meta      MetaStore
	config    *EngineConfig

	mu            stdsync.Mutex
	state         State
	online        bool
	inFlight      *Result
	percent       int
	lastAttemptAt *time.Time
	lastSuccessAt *time.Time
	haltErr       error
	subscribers   []chan Progress
	settleTimer   *time.Timer
	retryTimer    *time.Timer
	autoStop      chan struct{}

	wg stdsync.WaitGroup
}

// NewEngine creates a sync engine.
//
// The queue and transport are required. conflicts handles version
// conflicts reported by the transport; net supplies connectivity
// transitions; meta persists the pull cursor. Passing a nil config
// uses DefaultEngineConfig.
func NewEngine(queue *Queue, transport Transport, conflicts ConflictHandler, net Connectivity, meta MetaStore, config *EngineConfig) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	e := &Engine{
		queue:     queue,
		transport: transport,
		conflicts: conflicts,
		net:       net,
		meta:      meta,
		config:    config,
		state:     StateOffline,
	}
	if net != nil && net.Online() {
		e.online = true
		e.state = StateIdle
	}
	return e
}

// Run consumes connectivity transitions until ctx is cancelled. On an
// online edge the engine waits SettleDelay and then drains; on an
// offline edge it stops scheduling new batches but leaves in-flight
// pushes to fail naturally.
func (e *Engine) Run(ctx context.Context) error {
	if e.net == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	events := e.net.Subscribe()
	for {
		select {
		case <-ctx.Done():
			e.goOffline()
			e.StopAutoSync()
			e.wg.Wait()
			return ctx.Err()

		case online, ok := <-events:
			if !ok {
				return nil
			}
			if online {
				e.goOnline()
			} else {
				e.goOffline()
			}
		}
	}
}

// goOnline handles an offline->online edge: Settling, then a drain.
func (e *Engine) goOnline() {
	e.mu.Lock()
	e.online = true
	e.state = StateSettling
	if e.settleTimer != nil {
		e.settleTimer.Stop()
	}
	e.settleTimer = time.AfterFunc(e.config.SettleDelay, func() {
		if _, err := e.TriggerSync(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			e.config.Logger.Printf("reconnect drain failed to start: %v", err)
		}
	})
	e.mu.Unlock()

	e.config.Logger.Printf("online, draining in %v", e.config.SettleDelay)
	e.publish()
}

// goOffline handles an online->offline edge: stop scheduling drains.
func (e *Engine) goOffline() {
	e.mu.Lock()
	wasOnline := e.online
	e.online = false
	e.state = StateOffline
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	if wasOnline {
		e.config.Logger.Printf("offline, drains halted")
	}
	e.publish()
}

// TriggerSync begins draining pending items, or returns the handle of
// the drain already in progress (the single global in-flight
// invariant: concurrent calls collapse into one run).
func (e *Engine) TriggerSync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.haltErr != nil {
		err := e.haltErr
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHalted, err)
	}
	if e.inFlight != nil {
		r := e.inFlight
		e.mu.Unlock()
		return r, nil
	}
	if !e.online {
		e.mu.Unlock()
		return nil, ErrOffline
	}

	r := newResult()
	e.inFlight = r
	e.state = StateDraining
	e.percent = 0
	e.mu.Unlock()

	e.publish()
	e.wg.Add(1)
	go e.drain(r)
	return r, nil
}

// drain processes eligible batches until the queue is empty, the
// device drops offline, or a persisted-state error halts the engine.
func (e *Engine) drain(r *Result) {
	defer e.wg.Done()

	// Drains are owned by the engine, not the triggering caller.
	ctx := context.Background()

	var summary DrainSummary

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		e.finishDrain(r, e.haltWith(summary, err))
		return
	}
	total := stats.Pending + stats.Failed
	if total == 0 {
		total = 1
	}

	for {
		if !e.isOnline() {
			break
		}

		batch, err := e.queue.DequeueBatch(ctx, e.config.BatchSize)
		if err != nil {
			summary = e.haltWith(summary, err)
			break
		}
		if len(batch) == 0 {
			break
		}

		now := time.Now().UTC()
		e.mu.Lock()
		e.lastAttemptAt = &now
		e.mu.Unlock()

		results, err := e.pushWithRetry(ctx, batch)
		if err != nil {
			// Whole-request failure: transient by definition. Every item
			// in the batch goes to the retry path and the drain stops.
			e.config.Logger.Printf("push failed: %v", err)
			for _, item := range batch {
				if qerr := e.queue.MarkFailed(ctx, item.ID, err, false); qerr != nil {
					summary = e.haltWith(summary, qerr)
					break
				}
			}
			summary.Processed += len(batch)
			summary.Failed += len(batch)
			break
		}

		byUUID := make(map[string]PushResult, len(results))
		for _, res := range results {
			byUUID[res.EntityUUID] = res
		}

		for _, item := range batch {
			res, ok := byUUID[item.EntityUUID]
			if !ok {
				res = PushResult{
					EntityUUID: item.EntityUUID,
					Status:     PushError,
					Error:      "transport returned no result for item",
				}
			}
			if err := e.routeResult(ctx, item, res, &summary); err != nil {
				summary = e.haltWith(summary, err)
				break
			}
			summary.Processed++
		}

		e.mu.Lock()
		e.percent = summary.Processed * 100 / total
		if e.percent > 100 {
			e.percent = 100
		}
		e.mu.Unlock()
		e.publish()

		if summary.Err != nil {
			break
		}
	}

	e.finishDrain(r, summary)
}

// routeResult converts one per-item transport outcome into a queue
// status transition. One item's failure never blocks the others.
func (e *Engine) routeResult(ctx context.Context, item *QueueItem, res PushResult, summary *DrainSummary) error {
	switch res.Status {
	case PushOK:
		if err := e.queue.MarkSynced(ctx, item.ID); err != nil {
			return err
		}
		summary.Synced++

	case PushConflict:
		conflictID, err := e.conflicts.ResolveConflict(ctx, *item, res)
		if err != nil {
			// Resolution failure is retried like a transient push failure;
			// the conflict is never silently dropped.
			e.config.Logger.Printf("conflict resolution failed for %s: %v", item.EntityUUID, err)
			if qerr := e.queue.MarkFailed(ctx, item.ID, err, false); qerr != nil {
				return qerr
			}
			summary.Failed++
			return nil
		}
		if err := e.queue.MarkConflict(ctx, item.ID, conflictID); err != nil {
			return err
		}
		summary.Conflicts++

	case PushError:
		// 4xx other than conflict is a validation failure: fatal for
		// this item, never silently retried. Everything else retries.
		permanent := res.HTTPStatus >= 400 && res.HTTPStatus < 500 && res.HTTPStatus != 409
		if err := e.queue.MarkFailed(ctx, item.ID, errors.New(res.Error), permanent); err != nil {
			return err
		}
		summary.Failed++

	default:
		if err := e.queue.MarkFailed(ctx, item.ID,
			fmt.Errorf("unknown push status %q", res.Status), false); err != nil {
			return err
		}
		summary.Failed++
	}
	return nil
}

// pushWithRetry retries a whole push request on transport errors with
// exponential backoff, bounded by PushRetryMax.
func (e *Engine) pushWithRetry(ctx context.Context, batch []*QueueItem) ([]PushResult, error) {
	items := make([]PushItem, len(batch))
	for i, item := range batch {
		items[i] = PushItem{
			EntityType:      item.EntityType,
			Action:          item.Action,
			EntityUUID:      item.EntityUUID,
			Payload:         item.Payload,
			LocalVersion:    item.LocalVersion,
			LocalModifiedAt: item.LocalModifiedAt,
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.config.PushRetryInitial

	var results []PushResult
	op := func() error {
		var err error
		results, err = e.transport.Push(ctx, items)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, e.config.PushRetryMax), ctx))
	if err != nil {
		return nil, err
	}
	return results, nil
}

// finishDrain releases the in-flight slot, updates progress, and
// schedules the accelerated retry when the drain had failures.
func (e *Engine) finishDrain(r *Result, summary DrainSummary) {
	e.mu.Lock()
	e.inFlight = nil
	e.percent = 100
	if summary.Err == nil && summary.Failed == 0 {
		now := time.Now().UTC()
		e.lastSuccessAt = &now
	}
	if e.haltErr != nil {
		e.state = StateIdle
	} else if e.online {
		e.state = StateIdle
	} else {
		e.state = StateOffline
	}
	online := e.online
	halted := e.haltErr != nil
	e.mu.Unlock()

	if summary.Failed > 0 && online && !halted {
		e.scheduleAcceleratedRetry()
	}

	e.config.Logger.Printf("drain complete: processed=%d synced=%d failed=%d conflicts=%d",
		summary.Processed, summary.Synced, summary.Failed, summary.Conflicts)

	e.publish()
	r.complete(summary)
}

// scheduleAcceleratedRetry arms a one-shot re-drain at the shortened
// interval. A retry already scheduled is left in place.
func (e *Engine) scheduleAcceleratedRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		return
	}
	e.retryTimer = time.AfterFunc(e.config.AcceleratedRetry, func() {
		e.mu.Lock()
		e.retryTimer = nil
		e.mu.Unlock()
		if _, err := e.TriggerSync(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			e.config.Logger.Printf("accelerated retry failed to start: %v", err)
		}
	})
	e.config.Logger.Printf("failures in drain, retrying in %v", e.config.AcceleratedRetry)
}

// haltWith records a persisted-state error. The engine stops draining
// and refuses new syncs until the operator intervenes.
func (e *Engine) haltWith(summary DrainSummary, err error) DrainSummary {
	e.mu.Lock()
	if e.haltErr == nil {
		e.haltErr = err
	}
	e.mu.Unlock()
	e.config.Logger.Printf("ERROR: engine halted: %v", err)
	summary.Err = err
	return summary
}

// ClearHalt re-arms the engine after operator intervention.
func (e *Engine) ClearHalt() {
	e.mu.Lock()
	e.haltErr = nil
	e.mu.Unlock()
}

// StartAutoSync schedules periodic drains at the given interval while
// online. No-op if auto-sync is already running.
func (e *Engine) StartAutoSync(interval time.Duration) {
	e.mu.Lock()
	if e.autoStop != nil {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.autoStop = stop
	e.mu.Unlock()

	e.config.Logger.Printf("auto-sync every %v", interval)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !e.isOnline() {
					continue
				}
				if _, err := e.TriggerSync(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
					e.config.Logger.Printf("auto-sync drain failed to start: %v", err)
				}
			}
		}
	}()
}

// StopAutoSync cancels the periodic drain timer.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	if e.autoStop != nil {
		close(e.autoStop)
		e.autoStop = nil
	}
	e.mu.Unlock()
}

// RetryFailedItems forces all failed items back to pending regardless
// of backoff window, then triggers a drain if online.
func (e *Engine) RetryFailedItems(ctx context.Context) (int, error) {
	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 && e.isOnline() {
		if _, err := e.TriggerSync(ctx); err != nil && !errors.Is(err, ErrOffline) {
			return n, err
		}
	}
	return n, nil
}

// ClearFailedItems discards failed items without retry.
func (e *Engine) ClearFailedItems(ctx context.Context) (int, error) {
	return e.queue.ClearFailed(ctx)
}

// PullChanges fetches entity changes since the persisted cursor and
// advances it. Callers apply the changes to their domain tables and
// use the versions to seed future edits.
func (e *Engine) PullChanges(ctx context.Context) ([]PullChange, error) {
	since := ""
	if e.meta != nil {
		var err error
		since, err = e.meta.GetMeta(ctx, pullCursorKey)
		if err != nil {
			return nil, err
		}
	}

	changes, next, err := e.transport.Pull(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to pull changes: %w", err)
	}

	if next != "" && e.meta != nil {
		if err := e.meta.SetMeta(ctx, pullCursorKey, next); err != nil {
			return nil, err
		}
	}
	return changes, nil
}

// Progress returns a point-in-time snapshot for UI surfaces.
func (e *Engine) Progress(ctx context.Context) (Progress, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Progress{}, err
	}
	return e.snapshot(stats), nil
}

func (e *Engine) snapshot(stats QueueStats) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Progress{
		State:         e.state,
		Online:        e.online,
		Syncing:       e.inFlight != nil,
		Percent:       e.percent,
		Queue:         stats,
		LastAttemptAt: e.lastAttemptAt,
		LastSuccessAt: e.lastSuccessAt,
	}
}

// Subscribe returns a channel of progress snapshots. Slow consumers
// miss updates rather than blocking the engine.
func (e *Engine) Subscribe() <-chan Progress {
	ch := make(chan Progress, 8)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// publish sends the current snapshot to all subscribers, best effort.
func (e *Engine) publish() {
	stats, err := e.queue.Stats(context.Background())
	if err != nil {
		e.config.Logger.Printf("failed to read queue stats: %v", err)
	}
	p := e.snapshot(stats)

	e.mu.Lock()
	subs := make([]chan Progress, len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// State returns the current state machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline overrides connectivity directly. Used when running without
// a network monitor (one-shot CLI drains) and by tests.
func (e *Engine) SetOnline(online bool) {
	if online {
		e.mu.Lock()
		e.online = true
		if e.state == StateOffline {
			e.state = StateIdle
		}
		e.mu.Unlock()
		e.publish()
	} else {
		e.goOffline()
	}
}
