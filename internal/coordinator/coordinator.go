// Package coordinator owns the polling schedule and the shared vehicle
// record for a single registration.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/metrics"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the poll interval when none is configured
const DefaultInterval = 21600 * time.Second

// Reconciler makes sure a reminder exists on a calendar
type Reconciler interface {
	EnsureEvent(ctx context.Context, calendarID string, date time.Time, summary, description string) (calendar.Result, error)
}

// Coordinator fetches a vehicle record on a schedule or on demand and fans
// out change notifications. At most one lookup is in flight at a time.
type Coordinator struct {
	req        dvla.LookupRequest
	fetcher    dvla.Fetcher
	reconciler Reconciler
	clock      clock.Clock
	logger     *zap.Logger

	group  singleflight.Group
	status *fsm.FSM

	mu          sync.RWMutex
	data        dvla.Record
	lastErr     error
	lastSuccess time.Time

	listenersMu  sync.Mutex
	listeners    map[int]func()
	nextListener int

	pollMu  sync.Mutex
	running bool
	timer   clock.Timer
	baseCtx context.Context
}

// New creates a coordinator. A nil reconciler disables calendar mirroring.
func New(req dvla.LookupRequest, fetcher dvla.Fetcher, reconciler Reconciler, clk clock.Clock, logger *zap.Logger) *Coordinator {
	req.Registration = dvla.NormalizeRegistration(req.Registration)
	if req.Interval <= 0 {
		req.Interval = DefaultInterval
	}
	logger = logger.Named("coordinator").With(zap.String("registration", req.Registration))

	return &Coordinator{
		req:        req,
		fetcher:    fetcher,
		reconciler: reconciler,
		clock:      clk,
		logger:     logger,
		status:     newStatusMachine(logger),
		listeners:  make(map[int]func()),
	}
}

// Request returns the immutable lookup request
func (c *Coordinator) Request() dvla.LookupRequest {
	return c.req
}

// Refresh fetches the vehicle record. Concurrent callers share the result
// of a single in-flight lookup. The lookup outlives any one caller: ctx only
// bounds how long this caller waits for it.
func (c *Coordinator) Refresh(ctx context.Context) (dvla.Record, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.req.Registration, func() (interface{}, error) {
		return c.refresh(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(dvla.Record), nil
	case <-ctx.Done():
		c.logger.Debug("Stopped waiting for in-flight refresh", zap.Error(ctx.Err()))
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (dvla.Record, error) {
	started := time.Now()
	record, err := c.fetcher.Lookup(ctx, c.req.Registration, c.req.APIKey)
	metrics.RefreshLatency.WithLabelValues(c.req.Registration).Observe(time.Since(started).Seconds())

	if err != nil {
		c.recordFailure(ctx, err)
		return nil, err
	}

	c.reconcile(ctx, record)

	now := c.clock.Now()
	c.mu.Lock()
	c.data = record
	c.lastErr = nil
	c.lastSuccess = now
	c.mu.Unlock()

	c.fire(ctx, eventSucceed)
	metrics.RefreshTotal.WithLabelValues(c.req.Registration, "success").Inc()
	metrics.LastSuccess.WithLabelValues(c.req.Registration).Set(float64(now.Unix()))
	c.logger.Info("Vehicle record refreshed", zap.Int("fields", len(record)))

	c.pollMu.Lock()
	c.scheduleLocked()
	c.pollMu.Unlock()

	c.notify()
	return record, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, err error) {
	kind := dvla.KindOf(err)

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	switch kind {
	case dvla.KindAuthFailure:
		c.fire(ctx, eventAuthFail)
		c.logger.Error("API key rejected, polling paused until credentials are updated", zap.Error(err))
	case dvla.KindRateLimited:
		c.fire(ctx, eventFail)
		c.logger.Warn("Rate limited, will retry next cycle", zap.Error(err))
	default:
		c.fire(ctx, eventFail)
		c.logger.Error("Refresh failed, will retry next cycle", zap.Error(err))
	}
	metrics.RefreshTotal.WithLabelValues(c.req.Registration, kind.String()).Inc()

	c.notify()
}

// reconcile mirrors reminder dates into every configured calendar.
// Calendars and kinds are processed one at a time so a query never races a create.
func (c *Coordinator) reconcile(ctx context.Context, record dvla.Record) {
	if c.reconciler == nil {
		return
	}

	for _, calendarID := range c.req.Calendars {
		if calendarID == calendar.NoneSentinel {
			continue
		}
		for _, kind := range calendar.ReminderKinds {
			if ctx.Err() != nil {
				return
			}

			date, ok, err := record.Date(kind.Field())
			if err != nil {
				c.logger.Warn("Ignoring unparsable reminder date",
					zap.String("reminder", kind.String()),
					zap.Error(err))
				continue
			}
			if !ok {
				continue
			}

			result, err := c.reconciler.EnsureEvent(ctx, calendarID, date,
				kind.Summary(c.req.Registration), kind.Description(c.req.Registration))
			switch {
			case err != nil:
				metrics.CalendarOperationsFailed.WithLabelValues(calendarID, kind.String(), "error").Inc()
				c.logger.Error("Calendar reconciliation failed, will retry next cycle",
					zap.String("calendar", calendarID),
					zap.String("reminder", kind.String()),
					zap.Error(err))
			case result == calendar.ResultCreated:
				metrics.CalendarEventsCreated.WithLabelValues(calendarID, kind.String()).Inc()
			case result == calendar.ResultSkipped:
				metrics.CalendarOperationsFailed.WithLabelValues(calendarID, kind.String(), "skipped").Inc()
			}
		}
	}
}

// Data returns the last good record, or nil before the first success
func (c *Coordinator) Data() dvla.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// Available reports whether any refresh has ever succeeded
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastSuccess.IsZero()
}

// LastError returns the error of the most recent refresh, or nil if it succeeded
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// LastSuccess returns when the last successful refresh completed
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Status returns the current status
func (c *Coordinator) Status() Status {
	return Status(c.status.Current())
}

// AddListener registers f to be called after every refresh attempt.
// The returned function removes it.
func (c *Coordinator) AddListener(f func()) (remove func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = f

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	listeners := make([]func(), 0, len(c.listeners))
	for _, f := range c.listeners {
		listeners = append(listeners, f)
	}
	c.listenersMu.Unlock()

	for _, f := range listeners {
		f()
	}
}

// Start begins polling every interval. The first poll happens one interval
// from now; callers perform the initial refresh themselves.
func (c *Coordinator) Start(ctx context.Context) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.baseCtx = ctx
	c.scheduleLocked()

	c.logger.Info("Polling started", zap.Duration("interval", c.req.Interval))
}

// Stop cancels polling. An in-flight refresh is not interrupted.
func (c *Coordinator) Stop() {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.logger.Info("Polling stopped")
}

// Polling reports whether a scheduled refresh is pending
func (c *Coordinator) Polling() bool {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	return c.running && c.timer != nil
}

// scheduleLocked arms the next poll unless one is armed, polling is stopped
// or the credentials were rejected. Callers hold pollMu.
func (c *Coordinator) scheduleLocked() {
	if !c.running || c.timer != nil {
		return
	}
	if c.Status() == StatusAuthFailed {
		c.logger.Warn("Polling paused after authentication failure")
		return
	}
	c.timer = c.clock.AfterFunc(c.req.Interval, c.poll)
}

func (c *Coordinator) poll() {
	c.pollMu.Lock()
	if !c.running {
		c.pollMu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.baseCtx
	c.pollMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("Scheduled refresh failed", zap.Error(err))
	}

	c.pollMu.Lock()
	c.scheduleLocked()
	c.pollMu.Unlock()
}
