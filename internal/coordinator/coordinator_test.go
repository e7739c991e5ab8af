package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFetcher returns queued responses in order, repeating the last one
type fakeFetcher struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int32
	entered   chan struct{}
	release   chan struct{}
}

type fakeResponse struct {
	record dvla.Record
	err    error
}

func (f *fakeFetcher) Lookup(ctx context.Context, registration, apiKey string) (dvla.Record, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp.record, resp.err
}

func (f *fakeFetcher) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type ensureCall struct {
	CalendarID  string
	Date        string
	Summary     string
	Description string
}

// recordingReconciler records EnsureEvent calls and answers with result/err
type recordingReconciler struct {
	mu     sync.Mutex
	calls  []ensureCall
	result calendar.Result
	err    error
}

func (r *recordingReconciler) EnsureEvent(ctx context.Context, calendarID string, date time.Time, summary, description string) (calendar.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ensureCall{calendarID, date.Format("2006-01-02"), summary, description})
	return r.result, r.err
}

func (r *recordingReconciler) Calls() []ensureCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ensureCall(nil), r.calls...)
}

func vehicleRecord() dvla.Record {
	return dvla.Record{
		"registrationNumber": "AB12CDE",
		"taxStatus":          "Taxed",
		"taxDueDate":         "2025-03-01",
		"motStatus":          "Valid",
		"motExpiryDate":      "2025-06-15",
		"make":               "FORD",
	}
}

func authError() error {
	return &dvla.LookupError{Kind: dvla.KindAuthFailure, Registration: "AB12CDE", Detail: "Invalid authentication credentials"}
}

func newTestCoordinator(t *testing.T, fetcher dvla.Fetcher, reconciler Reconciler, calendars ...string) (*Coordinator, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	req := dvla.LookupRequest{
		Registration: "ab12cde",
		APIKey:       "key",
		Calendars:    calendars,
	}
	return New(req, fetcher, reconciler, clk, logger), clk
}

func TestCoordinator_DefaultsAndNormalization(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeFetcher{}, nil)

	assert.Equal(t, "AB12CDE", c.Request().Registration)
	assert.Equal(t, 21600*time.Second, c.Request().Interval)
	assert.Equal(t, StatusPending, c.Status())
	assert.False(t, c.Available())
	assert.Nil(t, c.Data())
}

func TestCoordinator_RefreshSuccess(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	c, clk := newTestCoordinator(t, fetcher, nil)

	notified := 0
	c.AddListener(func() { notified++ })

	record, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FORD", record["make"])
	assert.Equal(t, record, c.Data())
	assert.True(t, c.Available())
	assert.Equal(t, StatusReady, c.Status())
	assert.Equal(t, clk.Now(), c.LastSuccess())
	assert.NoError(t, c.LastError())
	assert.Equal(t, 1, notified)
}

func TestCoordinator_ConcurrentRefreshSharesFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		responses: []fakeResponse{{record: vehicleRecord()}},
		entered:   make(chan struct{}, 10),
		release:   make(chan struct{}),
	}
	c, _ := newTestCoordinator(t, fetcher, nil)

	var wg sync.WaitGroup
	results := make([]dvla.Record, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Refresh(context.Background())
	}()
	<-fetcher.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = c.Refresh(context.Background())
	}()

	// give the second caller time to join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, 1, fetcher.Calls())
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
}

func TestCoordinator_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		responses: []fakeResponse{{record: vehicleRecord()}},
		entered:   make(chan struct{}, 10),
		release:   make(chan struct{}),
	}
	reconciler := &recordingReconciler{result: calendar.ResultCreated}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.personal")

	notified := 0
	c.AddListener(func() { notified++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		firstErr <- err
	}()
	<-fetcher.entered

	type result struct {
		record dvla.Record
		err    error
	}
	second := make(chan result, 1)
	go func() {
		record, err := c.Refresh(context.Background())
		second <- result{record, err}
	}()

	// give the second caller time to join the in-flight lookup
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared lookup")
	}
	assert.Equal(t, StatusPending, c.Status())
	assert.NoError(t, c.LastError())

	close(fetcher.release)

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "FORD", res.record["make"])
	case <-time.After(time.Second):
		t.Fatal("second caller never received the shared record")
	}

	assert.Equal(t, 1, fetcher.Calls())
	assert.Equal(t, StatusReady, c.Status())
	assert.NoError(t, c.LastError())
	assert.True(t, c.Available())
	assert.Len(t, reconciler.Calls(), 2)
	assert.Equal(t, 1, notified)
}

func TestCoordinator_ReconcilesEachCalendarAndKind(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	reconciler := &recordingReconciler{result: calendar.ResultCreated}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.family", calendar.NoneSentinel, "calendar.work")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []ensureCall{
		{"calendar.family", "2025-03-01", "Tax - Due - AB12CDE", "DVLA Reminder - Tax Due - AB12CDE"},
		{"calendar.family", "2025-06-15", "MOT - Expiry - AB12CDE", "DVLA Reminder - Mot Expires - AB12CDE"},
		{"calendar.work", "2025-03-01", "Tax - Due - AB12CDE", "DVLA Reminder - Tax Due - AB12CDE"},
		{"calendar.work", "2025-06-15", "MOT - Expiry - AB12CDE", "DVLA Reminder - Mot Expires - AB12CDE"},
	}, reconciler.Calls())
}

func TestCoordinator_AtMostTwoEnsureCallsPerCalendar(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	reconciler := &recordingReconciler{result: calendar.ResultExists}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.family")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, reconciler.Calls(), 2)
}

func TestCoordinator_MissingMotDateSkipsMotReminder(t *testing.T) {
	record := vehicleRecord()
	delete(record, "motExpiryDate")
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: record}}}
	reconciler := &recordingReconciler{result: calendar.ResultCreated}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.family", "calendar.work")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	calls := reconciler.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "Tax - Due - AB12CDE", call.Summary)
	}
}

func TestCoordinator_UnparsableDateIsSkipped(t *testing.T) {
	record := vehicleRecord()
	record["taxDueDate"] = "SORN"
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: record}}}
	reconciler := &recordingReconciler{result: calendar.ResultCreated}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.family")

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	calls := reconciler.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "MOT - Expiry - AB12CDE", calls[0].Summary)
}

func TestCoordinator_CalendarFailureDoesNotFailRefresh(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	reconciler := &recordingReconciler{err: &calendar.OperationError{Op: "create", CalendarID: "calendar.flaky", Err: errors.New("boom")}}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.flaky")

	before := testutil.ToFloat64(metrics.CalendarOperationsFailed.WithLabelValues("calendar.flaky", "tax_due", "error"))

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, c.Status())
	assert.Len(t, reconciler.Calls(), 2)

	after := testutil.ToFloat64(metrics.CalendarOperationsFailed.WithLabelValues("calendar.flaky", "tax_due", "error"))
	assert.Equal(t, before+1, after)
}

func TestCoordinator_FailureBeforeSuccessStaysUnavailable(t *testing.T) {
	lookupErr := &dvla.LookupError{Kind: dvla.KindUnknown, Registration: "AB12CDE", Message: "Internal server error"}
	fetcher := &fakeFetcher{responses: []fakeResponse{{err: lookupErr}}}
	reconciler := &recordingReconciler{}
	c, _ := newTestCoordinator(t, fetcher, reconciler, "calendar.family")

	notified := 0
	c.AddListener(func() { notified++ })

	_, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, dvla.KindUnknown, dvla.KindOf(err))
	assert.False(t, c.Available())
	assert.Nil(t, c.Data())
	assert.Equal(t, StatusPending, c.Status())
	assert.Equal(t, lookupErr, c.LastError())
	assert.Empty(t, reconciler.Calls())
	assert.Equal(t, 1, notified)
}

func TestCoordinator_FailureAfterSuccessKeepsData(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{record: vehicleRecord()},
		{err: &dvla.LookupError{Kind: dvla.KindRateLimited, Registration: "AB12CDE", StatusCode: 429}},
	}}
	c, _ := newTestCoordinator(t, fetcher, nil)

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	_, err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, dvla.KindRateLimited, dvla.KindOf(err))

	assert.True(t, c.Available())
	assert.Equal(t, "FORD", c.Data()["make"])
	assert.Equal(t, StatusStale, c.Status())
}

func TestCoordinator_PollsEveryInterval(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	c, clk := newTestCoordinator(t, fetcher, nil)

	c.Start(context.Background())
	defer c.Stop()
	assert.True(t, c.Polling())

	clk.Advance(6*time.Hour - time.Second)
	assert.Equal(t, 0, fetcher.Calls())

	clk.Advance(time.Second)
	assert.Equal(t, 1, fetcher.Calls())

	clk.Advance(6 * time.Hour)
	assert.Equal(t, 2, fetcher.Calls())
	assert.Equal(t, 1, clk.Pending())
}

func TestCoordinator_TransientFailureKeepsPolling(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{err: &dvla.LookupError{Kind: dvla.KindRateLimited, Registration: "AB12CDE"}},
		{record: vehicleRecord()},
	}}
	c, clk := newTestCoordinator(t, fetcher, nil)

	c.Start(context.Background())
	defer c.Stop()

	clk.Advance(6 * time.Hour)
	assert.Equal(t, StatusPending, c.Status())
	assert.True(t, c.Polling())

	clk.Advance(6 * time.Hour)
	assert.Equal(t, StatusReady, c.Status())
	assert.Equal(t, 2, fetcher.Calls())
}

func TestCoordinator_AuthFailurePausesPolling(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{record: vehicleRecord()},
		{err: authError()},
	}}
	c, clk := newTestCoordinator(t, fetcher, nil)

	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	c.Start(context.Background())
	defer c.Stop()

	clk.Advance(6 * time.Hour)
	assert.Equal(t, StatusAuthFailed, c.Status())
	assert.Equal(t, dvla.KindAuthFailure, dvla.KindOf(c.LastError()))
	assert.False(t, c.Polling())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(24 * time.Hour)
	assert.Equal(t, 2, fetcher.Calls())

	// stale data is still served
	assert.True(t, c.Available())
	assert.Equal(t, "FORD", c.Data()["make"])
}

func TestCoordinator_StopCancelsTimer(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	c, clk := newTestCoordinator(t, fetcher, nil)

	c.Start(context.Background())
	c.Stop()
	assert.False(t, c.Polling())

	clk.Advance(12 * time.Hour)
	assert.Equal(t, 0, fetcher.Calls())
}

func TestCoordinator_RemoveListener(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{{record: vehicleRecord()}}}
	c, _ := newTestCoordinator(t, fetcher, nil)

	calls := 0
	remove := c.AddListener(func() { calls++ })

	_, _ = c.Refresh(context.Background())
	remove()
	_, _ = c.Refresh(context.Background())

	assert.Equal(t, 1, calls)
}

func TestCoordinator_RefreshMetrics(t *testing.T) {
	fetcher := &fakeFetcher{responses: []fakeResponse{
		{record: vehicleRecord()},
		{err: authError()},
	}}
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	c := New(dvla.LookupRequest{Registration: "MET1"}, fetcher, nil, clk, logger)

	_, _ = c.Refresh(context.Background())
	_, _ = c.Refresh(context.Background())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues("MET1", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RefreshTotal.WithLabelValues("MET1", "auth_failure")))
	assert.Equal(t, float64(clk.Now().Unix()), testutil.ToFloat64(metrics.LastSuccess.WithLabelValues("MET1")))
}
