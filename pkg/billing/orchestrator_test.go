package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/recur/pkg/observability"
)

// memoryRepo is an in-memory Repository.
type memoryRepo struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	order   []string
	prices  map[string]decimal.Decimal
	updates []SubscriptionUpdate
	orders  []OrderRequest

	listErr   error
	updateErr error
	orderErr  error
	userErrs  []UserError
}

func newMemoryRepo(subs ...Subscription) *memoryRepo {
	r := &memoryRepo{subs: make(map[string]*Subscription)}
	for i := range subs {
		s := subs[i]
		r.subs[s.ID] = &s
		r.order = append(r.order, s.ID)
	}
	return r
}

func (r *memoryRepo) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.subs[id])
	}
	return out, nil
}

func (r *memoryRepo) UpdateSubscription(ctx context.Context, id string, upd SubscriptionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updates = append(r.updates, upd)
	s := r.subs[id]
	if upd.NextBillingDate != nil {
		s.NextBillingDate = *upd.NextBillingDate
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.LastBilledOrderID != nil {
		s.LastBilledOrderID = *upd.LastBilledOrderID
	}
	return nil
}

func (r *memoryRepo) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.orderErr != nil {
		return nil, r.orderErr
	}
	if len(r.userErrs) > 0 {
		return &OrderResult{UserErrors: r.userErrs}, nil
	}
	r.orders = append(r.orders, req)
	return &OrderResult{OrderID: "gid://shopify/Order/1001", Name: "#1001"}, nil
}

func (r *memoryRepo) FetchVariantPrices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prices, nil
}

func (r *memoryRepo) get(id string) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.subs[id]
}

type chargeFunc func(ctx context.Context, req ChargeRequest) ChargeResult

func (f chargeFunc) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	return f(ctx, req)
}

// recordingCharger approves every charge and remembers the requests.
type recordingCharger struct {
	mu       sync.Mutex
	requests []ChargeRequest
	result   func(req ChargeRequest) ChargeResult
}

func (c *recordingCharger) Charge(ctx context.Context, req ChargeRequest) ChargeResult {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.result != nil {
		return c.result(req)
	}
	return ChargeResult{OrderID: req.OrderID, Amount: req.Amount, Success: true, Reference: "660-0_10"}
}

func (c *recordingCharger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type memoryRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
	runs     []*RunReport
}

func (m *memoryRecorder) RecordAttempt(ctx context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memoryRecorder) RecordRun(ctx context.Context, r *RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

type sinkFunc func(ctx context.Context, r *RunReport) error

func (f sinkFunc) Publish(ctx context.Context, r *RunReport) error { return f(ctx, r) }

type stubLocker struct {
	err      error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, owner string) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

type stubCards map[string]string

func (s stubCards) ResolveCardToken(ctx context.Context, customerID, ref string) (string, error) {
	tok, ok := s[ref]
	if !ok {
		return "", errors.New("unknown card reference")
	}
	return tok, nil
}

var billingDay = time.Date(2024, time.May, 10, 14, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return billingDay }
}

func dueSubscription(id string) Subscription {
	return Subscription{
		ID:              id,
		CustomerID:      "gid://shopify/Customer/7",
		CardRef:         "data-key-" + id,
		LineItemsRaw:    `{"currency":"CAD","items":[{"variant_id":"gid://shopify/ProductVariant/1","quantity":3,"price":"10.00"},{"variant_id":"gid://shopify/ProductVariant/2","quantity":1,"price":"0.33"}]}`,
		Frequency:       Frequency{Number: 1, Unit: "month"},
		NextBillingDate: DateOf(billingDay),
		Status:          StatusActive,
		Email:           "buyer@example.com",
		ShippingAddress: &Address{Address1: "1 Main St", City: "Toronto", CountryCode: "CA"},
	}
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestOrchestrator(repo Repository, charger Charger, opts ...Option) *Orchestrator {
	base := []Option{WithClock(fixedClock()), WithLogger(quietLogger())}
	return NewOrchestrator(repo, charger, append(base, opts...)...)
}

func TestRun_SuccessAdvancesSchedule(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("gid://shopify/Metaobject/42"))
	charger := &recordingCharger{}
	recorder := &memoryRecorder{}
	var published *RunReport

	orch := newTestOrchestrator(repo, charger,
		WithRecorder(recorder),
		WithReportSink(sinkFunc(func(ctx context.Context, r *RunReport) error {
			published = r
			return nil
		})),
	)

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.CardFailures)
	assert.Zero(t, report.SystemFailures)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "2024-05-10", report.Date.String())

	require.Equal(t, 1, charger.count())
	req := charger.requests[0]
	assert.Equal(t, "30.33", FormatAmount(req.Amount))
	assert.Equal(t, "data-key-gid://shopify/Metaobject/42", req.CardToken)
	assert.Equal(t, "42-"+itoa(billingDay.UnixMilli()), req.OrderID)
	assert.Equal(t, "gid://shopify/Customer/7", req.CustomerID)

	require.Len(t, repo.orders, 1)
	order := repo.orders[0]
	assert.Equal(t, "CAD", order.Currency)
	assert.Equal(t, []string{"subscription", "recurring"}, order.Tags)
	assert.Equal(t, "moneris", order.PaymentGateway)
	assert.Equal(t, "660-0_10", order.PaymentRef)
	assert.True(t, order.AmountPaid.Equal(decimal.RequireFromString("30.33")))
	assert.Len(t, order.Lines, 2)
	assert.Equal(t, "buyer@example.com", order.Email)
	assert.Contains(t, order.Note, "gid://shopify/Metaobject/42")

	require.Len(t, repo.updates, 1)
	updated := repo.get("gid://shopify/Metaobject/42")
	assert.Equal(t, "2024-06-10", updated.NextBillingDate.String())
	assert.Equal(t, StatusActive, updated.Status)
	assert.Equal(t, "gid://shopify/Order/1001", updated.LastBilledOrderID)

	require.Len(t, recorder.attempts, 1)
	assert.Equal(t, OutcomeSucceeded, recorder.attempts[0].Outcome)
	assert.Equal(t, report.RunID, recorder.attempts[0].RunID)
	assert.Equal(t, "gid://shopify/Order/1001", recorder.attempts[0].CommerceOrderID)
	assert.False(t, recorder.attempts[0].NeedsReconciliation)
	require.Len(t, recorder.runs, 1)
	assert.Same(t, report, published)
}

func TestRun_SecondRunSameDayIsNoop(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{}
	orch := newTestOrchestrator(repo, charger)

	first, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Succeeded)

	second, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.Equal(t, 1, charger.count())
	assert.Len(t, repo.orders, 1)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_DryRunDoesNotChargeOrMutate(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{}
	recorder := &memoryRecorder{}
	orch := newTestOrchestrator(repo, charger, WithRecorder(recorder))

	report, err := orch.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.WouldCharge)
	assert.Zero(t, report.Succeeded)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, OutcomeWouldCharge, report.Outcomes[0].Outcome)
	assert.Equal(t, "30.33", report.Outcomes[0].Amount)

	assert.Zero(t, charger.count())
	assert.Empty(t, repo.updates)
	assert.Empty(t, repo.orders)
	assert.Empty(t, recorder.attempts)
	assert.Len(t, recorder.runs, 1)
	assert.Equal(t, "2024-05-10", repo.get("sub-1").NextBillingDate.String())
}

func TestRun_CardDeclinePausesSubscription(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{result: func(req ChargeRequest) ChargeResult {
		return ChargeResult{OrderID: req.OrderID, FailureType: FailureCard, Message: "DECLINED * =", Raw: "RESPONSECODE = 476"}
	}}
	recorder := &memoryRecorder{}
	orch := newTestOrchestrator(repo, charger, WithRecorder(recorder))

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.CardFailures)
	assert.Zero(t, report.Succeeded)

	updated := repo.get("sub-1")
	assert.Equal(t, StatusCardFailed, updated.Status)
	assert.Equal(t, "2024-05-10", updated.NextBillingDate.String(), "a declined card keeps the billing date")
	require.Len(t, repo.updates, 1)
	assert.Nil(t, repo.updates[0].NextBillingDate)
	assert.Empty(t, repo.orders)

	require.Len(t, recorder.attempts, 1)
	assert.Equal(t, OutcomeCardFailed, recorder.attempts[0].Outcome)
	assert.Equal(t, FailureCard, recorder.attempts[0].FailureType)
}

func TestRun_CardFailedSubscriptionIsNotRetried(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{result: func(req ChargeRequest) ChargeResult {
		return ChargeResult{FailureType: FailureCard, Message: "EXPIRED CARD"}
	}}
	orch := newTestOrchestrator(repo, charger)

	_, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Zero(t, report.Processed)
	assert.Equal(t, 1, charger.count())
}

func TestRun_SystemFailureLeavesRecordUntouched(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{result: func(req ChargeRequest) ChargeResult {
		return ChargeResult{FailureType: FailureSystem, Message: "exit status 1"}
	}}
	orch := newTestOrchestrator(repo, charger)

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.SystemFailures)
	require.Len(t, report.Outcomes, 1)
	assert.Contains(t, report.Outcomes[0].Error, "exit status 1")
	assert.Equal(t, FailureSystem, report.Outcomes[0].FailureType)
	assert.Empty(t, repo.updates)
	assert.Empty(t, repo.orders)
	assert.Equal(t, StatusActive, repo.get("sub-1").Status)
}

func TestRun_OrderRejectedNeedsReconciliation(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	repo.userErrs = []UserError{{Field: []string{"order", "lineItems"}, Message: "variant is unavailable"}}
	recorder := &memoryRecorder{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	orch := newTestOrchestrator(repo, &recordingCharger{}, WithRecorder(recorder), WithMetrics(metrics))

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.SystemFailures)
	assert.Contains(t, report.Outcomes[0].Error, "order.lineItems: variant is unavailable")
	assert.Empty(t, repo.updates, "schedule is not advanced without an order")

	require.Len(t, recorder.attempts, 1)
	assert.True(t, recorder.attempts[0].NeedsReconciliation)
	assert.Equal(t, OutcomeSystemFailure, recorder.attempts[0].Outcome)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReconciliationRequired))
}

func TestRun_ScheduleUpdateFailureNeedsReconciliation(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"))
	repo.updateErr = errors.New("throttled")
	recorder := &memoryRecorder{}
	orch := newTestOrchestrator(repo, &recordingCharger{}, WithRecorder(recorder))

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.SystemFailures)
	assert.Equal(t, "gid://shopify/Order/1001", report.Outcomes[0].OrderID)
	require.Len(t, recorder.attempts, 1)
	assert.True(t, recorder.attempts[0].NeedsReconciliation)
}

func TestRun_InvalidSubscriptionsAreSkipped(t *testing.T) {
	noCustomer := dueSubscription("no-customer")
	noCustomer.CustomerID = ""
	noCard := dueSubscription("no-card")
	noCard.CardRef = " "
	noItems := dueSubscription("no-items")
	noItems.LineItemsRaw = `{"items":[]}`
	badItems := dueSubscription("bad-items")
	badItems.LineItemsRaw = `{"items":`
	zero := dueSubscription("zero")
	zero.LineItemsRaw = `{"items":[{"variant_id":"1","quantity":1,"price":"0"}]}`
	fractional := dueSubscription("fractional")
	fractional.LineItemsRaw = `{"items":[{"variant_id":"1","quantity":"0.5","price":"20.00"}]}`

	repo := newMemoryRepo(noCustomer, noCard, noItems, badItems, zero, fractional, dueSubscription("good"))
	charger := &recordingCharger{}
	orch := newTestOrchestrator(repo, charger)

	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 7, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 6, report.SystemFailures)
	assert.Equal(t, 1, charger.count())

	byID := make(map[string]SubscriptionOutcome)
	for _, o := range report.Outcomes {
		byID[o.SubscriptionID] = o
	}
	assert.Equal(t, ErrMissingCustomer.Error(), byID["no-customer"].Error)
	assert.Equal(t, ErrMissingCard.Error(), byID["no-card"].Error)
	assert.Equal(t, ErrNoLineItems.Error(), byID["no-items"].Error)
	assert.Equal(t, ErrNonPositiveAmount.Error(), byID["zero"].Error)
	assert.Contains(t, byID["bad-items"].Error, "failed to parse line items")
	assert.Contains(t, byID["fractional"].Error, "fractional quantity")
}

func TestRun_CatalogPricesForUnpricedItems(t *testing.T) {
	sub := dueSubscription("sub-1")
	sub.LineItemsRaw = `[{"variant_id":"gid://shopify/ProductVariant/9","quantity":2}]`
	repo := newMemoryRepo(sub)
	repo.prices = map[string]decimal.Decimal{"gid://shopify/ProductVariant/9": decimal.RequireFromString("19.95")}
	charger := &recordingCharger{}

	report, err := newTestOrchestrator(repo, charger).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, charger.count())
	assert.Equal(t, "39.90", FormatAmount(charger.requests[0].Amount))
}

func TestRun_PanicIsIsolated(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("explodes"), dueSubscription("fine"))
	charger := chargeFunc(func(ctx context.Context, req ChargeRequest) ChargeResult {
		if req.CardToken == "data-key-explodes" {
			panic("gateway client bug")
		}
		return ChargeResult{OrderID: req.OrderID, Success: true}
	})

	report, err := newTestOrchestrator(repo, charger).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.SystemFailures)
	assert.Contains(t, report.Outcomes[0].Error, "gateway client bug")
}

func TestRun_ListFailureAborts(t *testing.T) {
	repo := newMemoryRepo()
	repo.listErr = errors.New("401 unauthorized")
	recorder := &memoryRecorder{}

	report, err := newTestOrchestrator(repo, &recordingCharger{}, WithRecorder(recorder)).Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "401 unauthorized")
	assert.Empty(t, recorder.runs)
}

func TestRun_LockHeld(t *testing.T) {
	held := errors.New("lock held by another run")
	locker := &stubLocker{err: held}
	repo := newMemoryRepo(dueSubscription("sub-1"))
	charger := &recordingCharger{}

	_, err := newTestOrchestrator(repo, charger, WithLocker(locker)).Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, held)
	assert.Zero(t, charger.count())
}

func TestRun_LockReleased(t *testing.T) {
	locker := &stubLocker{}
	repo := newMemoryRepo(dueSubscription("sub-1"))

	_, err := newTestOrchestrator(repo, &recordingCharger{}, WithLocker(locker)).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestRun_BusinessTimezoneDecidesToday(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	sub := dueSubscription("sub-1")
	sub.NextBillingDate = MustParseDate("2024-05-09")
	repo := newMemoryRepo(sub)
	// 02:00 UTC on the 10th is the 9th in New York.
	clock := func() time.Time { return time.Date(2024, time.May, 10, 2, 0, 0, 0, time.UTC) }

	report, err := newTestOrchestrator(repo, &recordingCharger{}, WithLocation(ny), WithClock(clock)).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-09", report.Date.String())
	assert.Equal(t, 1, report.Succeeded)
}

func TestRun_CardResolver(t *testing.T) {
	sub := dueSubscription("sub-1")
	sub.CardRef = "gid://shopify/Metaobject/card-1"
	other := dueSubscription("sub-2")
	other.CardRef = "gid://shopify/Metaobject/missing"
	repo := newMemoryRepo(sub, other)
	charger := &recordingCharger{}

	orch := newTestOrchestrator(repo, charger, WithCardResolver(stubCards{"gid://shopify/Metaobject/card-1": "resolved-key"}))
	report, err := orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.SystemFailures)
	require.Equal(t, 1, charger.count())
	assert.Equal(t, "resolved-key", charger.requests[0].CardToken)
}

func TestRun_Concurrent(t *testing.T) {
	subs := make([]Subscription, 0, 20)
	for i := 0; i < 20; i++ {
		subs = append(subs, dueSubscription("sub-"+itoa(int64(i))))
	}
	repo := newMemoryRepo(subs...)

	var inFlight, peak int32
	charger := chargeFunc(func(ctx context.Context, req ChargeRequest) ChargeResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return ChargeResult{OrderID: req.OrderID, Success: true}
	})

	report, err := newTestOrchestrator(repo, charger, WithConcurrency(4)).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 20, report.Processed)
	assert.Equal(t, 20, report.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	for _, s := range subs {
		assert.Equal(t, "2024-06-10", repo.get(s.ID).NextBillingDate.String())
	}
}

func TestRun_CancelledContextStopsRun(t *testing.T) {
	repo := newMemoryRepo(dueSubscription("sub-1"), dueSubscription("sub-2"))
	ctx, cancel := context.WithCancel(context.Background())
	var chargeCtxErr error
	charger := chargeFunc(func(chargeCtx context.Context, req ChargeRequest) ChargeResult {
		cancel()
		chargeCtxErr = chargeCtx.Err()
		return ChargeResult{OrderID: req.OrderID, Success: true}
	})

	report, err := newTestOrchestrator(repo, charger).Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.NoError(t, chargeCtxErr, "a started charge is not cancelled with the run")
	assert.Equal(t, "2024-06-10", repo.get("sub-1").NextBillingDate.String())
	assert.Equal(t, "2024-05-10", repo.get("sub-2").NextBillingDate.String())
}

func TestRun_Metrics(t *testing.T) {
	decline := dueSubscription("declined")
	decline.CardRef = "bad"
	repo := newMemoryRepo(dueSubscription("ok"), decline)
	charger := &recordingCharger{result: func(req ChargeRequest) ChargeResult {
		if req.CardToken == "bad" {
			return ChargeResult{FailureType: FailureCard, Message: "DECLINED"}
		}
		return ChargeResult{OrderID: req.OrderID, Success: true}
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	_, err := newTestOrchestrator(repo, charger, WithMetrics(metrics)).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SubscriptionsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SubscriptionsTotal.WithLabelValues("card_failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DueSubscriptions))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("live", "ok")))
}

func TestRun_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	repo := newMemoryRepo(dueSubscription("sub-1"))
	_, err := newTestOrchestrator(repo, &recordingCharger{}).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	names := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	assert.Equal(t, 1, names["billing.run"])
	assert.Equal(t, 1, names["billing.subscription"])
}

func TestRun_OrderNoteIncludesSubscriptionNote(t *testing.T) {
	sub := dueSubscription("sub-1")
	sub.Note = "  Leave at the side door  "
	repo := newMemoryRepo(sub, dueSubscription("sub-2"))

	_, err := newTestOrchestrator(repo, &recordingCharger{}).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	require.Len(t, repo.orders, 2)
	notes := make(map[string]string)
	for _, o := range repo.orders {
		notes[o.SubscriptionID] = o.Note
	}
	assert.True(t, strings.HasPrefix(notes["sub-1"], "Recurring order for subscription sub-1"))
	assert.True(t, strings.HasSuffix(notes["sub-1"], "\nLeave at the side door"), notes["sub-1"])
	assert.NotContains(t, notes["sub-2"], "\n")
}

func TestRun_LogsCarryTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	logger, hook := test.NewNullLogger()
	repo := newMemoryRepo(dueSubscription("sub-1"))
	_, err := newTestOrchestrator(repo, &recordingCharger{}, WithLogger(logger)).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	var runEntry, chargeEntry *logrus.Entry
	for _, e := range hook.AllEntries() {
		switch e.Message {
		case "Billing run complete":
			runEntry = e
		case "Charge approved":
			chargeEntry = e
		}
	}
	require.NotNil(t, runEntry)
	require.NotNil(t, chargeEntry)

	assert.NotEmpty(t, runEntry.Data["trace_id"])
	assert.Equal(t, runEntry.Data["trace_id"], chargeEntry.Data["trace_id"])
	assert.NotEqual(t, runEntry.Data["span_id"], chargeEntry.Data["span_id"])
	assert.Equal(t, "sub-1", chargeEntry.Data["subscription_id"])
}

func TestNewOrchestrator_DefaultsToBusinessTimezone(t *testing.T) {
	// 02:00 UTC is still the previous day in New York.
	clock := func() time.Time { return time.Date(2024, time.May, 11, 2, 0, 0, 0, time.UTC) }
	repo := newMemoryRepo(dueSubscription("sub-1"))

	report, err := NewOrchestrator(repo, &recordingCharger{}, WithClock(clock), WithLogger(quietLogger())).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "2024-05-10", report.Date.String())
	assert.Equal(t, 1, report.Succeeded)
}

func TestNewOrchestrator_PanicsOnNilDependencies(t *testing.T) {
	assert.Panics(t, func() { NewOrchestrator(nil, &recordingCharger{}) })
	assert.Panics(t, func() { NewOrchestrator(newMemoryRepo(), nil) })
}

func itoa(n int64) string {
	return decimal.NewFromInt(n).String()
}
