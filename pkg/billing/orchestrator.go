package billing

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/recur/pkg/async"
	"github.com/platinummonkey/recur/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/billing")

// DefaultLocation is the business timezone used to decide what "today" is.
const DefaultLocation = "America/New_York"

// defaultLocation loads DefaultLocation, or UTC if it cannot be loaded.
func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultLocation)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultOrderTags are attached to every order created by a run.
var DefaultOrderTags = []string{"subscription", "recurring"}

// RunOptions controls a single invocation.
type RunOptions struct {
	// DryRun evaluates due subscriptions without charging or mutating them.
	DryRun bool
}

// Orchestrator drives one billing run over all due subscriptions.
type Orchestrator struct {
	repo       Repository
	charger    Charger
	calculator *Calculator

	cards    CardResolver
	locker   Locker
	recorder Recorder
	sink     ReportSink

	location            *time.Location
	concurrency         int
	subscriptionTimeout time.Duration
	orderTags           []string
	gatewayName         string
	now                 func() time.Time
	logger              logrus.FieldLogger
	metrics             *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocation sets the business timezone. The default is DefaultLocation.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithPriceLookup overrides the catalog used for unpriced items. By
// default the Repository itself is used.
func WithPriceLookup(prices PriceLookup) Option {
	return func(o *Orchestrator) {
		if prices != nil {
			o.calculator = NewCalculator(prices)
		}
	}
}

// WithCardResolver resolves credential references before charging.
func WithCardResolver(r CardResolver) Option {
	return func(o *Orchestrator) { o.cards = r }
}

// WithLocker prevents overlapping runs.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithRecorder persists attempts and run reports.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithReportSink publishes every finished report.
func WithReportSink(s ReportSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithConcurrency processes up to n subscriptions at once. n <= 1 is sequential.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithSubscriptionTimeout bounds the work done for a single subscription.
func WithSubscriptionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.subscriptionTimeout = d }
}

// WithOrderTags replaces DefaultOrderTags.
func WithOrderTags(tags ...string) Option {
	return func(o *Orchestrator) { o.orderTags = tags }
}

// WithGatewayName sets the gateway name recorded on created orders.
func WithGatewayName(name string) Option {
	return func(o *Orchestrator) { o.gatewayName = name }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records run and outcome metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator. It panics on a nil Repository or
// Charger, since neither can be defaulted.
func NewOrchestrator(repo Repository, charger Charger, opts ...Option) *Orchestrator {
	if repo == nil {
		panic("billing: nil Repository")
	}
	if charger == nil {
		panic("billing: nil Charger")
	}

	o := &Orchestrator{
		repo:                repo,
		charger:             charger,
		calculator:          NewCalculator(repo),
		location:            defaultLocation(),
		concurrency:         1,
		subscriptionTimeout: 2 * time.Minute,
		orderTags:           DefaultOrderTags,
		gatewayName:         "moneris",
		now:                 time.Now,
		logger:              logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run bills every subscription due today. It returns an error only when the
// run cannot start: the run lock is held or the subscriptions cannot be
// listed. Per-subscription failures are reported in the RunReport.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (report *RunReport, err error) {
	start := o.now()
	report = &RunReport{
		RunID:     uuid.NewString(),
		Date:      Today(start, o.location),
		DryRun:    opts.DryRun,
		StartedAt: start,
	}

	ctx, span := tracer.Start(ctx, "billing.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("run.date", report.Date.String()),
		attribute.Bool("run.dry_run", opts.DryRun),
	))
	defer span.End()

	log := observability.WithTraceFields(ctx, o.logger.WithFields(logrus.Fields{
		"run_id":  report.RunID,
		"date":    report.Date.String(),
		"dry_run": opts.DryRun,
	}))

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.metrics.RecordRun(opts.DryRun, result, o.now().Sub(start))
	}()

	if o.locker != nil {
		release, lockErr := o.locker.Acquire(ctx, report.RunID)
		if lockErr != nil {
			return nil, fmt.Errorf("failed to acquire run lock: %w", lockErr)
		}
		defer func() {
			// The run context may already be cancelled; release on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				log.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	subs, err := o.repo.ListSubscriptions(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list subscriptions")
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	due := SelectDue(subs, report.Date)
	o.metrics.SetDueSubscriptions(len(due))
	span.SetAttributes(attribute.Int("run.due", len(due)))
	log.Infof("Found %d subscriptions due for billing out of %d", len(due), len(subs))

	o.processAll(ctx, log, report, due, opts)

	report.FinishedAt = o.now()
	log.WithFields(logrus.Fields{
		"processed":       report.Processed,
		"succeeded":       report.Succeeded,
		"card_failures":   report.CardFailures,
		"system_failures": report.SystemFailures,
		"would_charge":    report.WouldCharge,
	}).Info("Billing run complete")

	o.finish(ctx, log, report)
	return report, nil
}

func (o *Orchestrator) processAll(ctx context.Context, log logrus.FieldLogger, report *RunReport, due []Subscription, opts RunOptions) {
	var mu sync.Mutex
	collect := func(out SubscriptionOutcome) {
		mu.Lock()
		defer mu.Unlock()
		report.add(out)
		o.metrics.RecordOutcome(string(out.Outcome))
	}

	if o.concurrency <= 1 || len(due) <= 1 {
		for _, sub := range due {
			if ctx.Err() != nil {
				log.WithError(ctx.Err()).Warnf("Run cancelled with %d subscriptions left", len(due)-report.Processed)
				return
			}
			collect(o.processOne(ctx, log, report.RunID, sub, opts))
		}
		return
	}

	errs := async.Batch(ctx, due, o.concurrency, "billing subscription", 0, func(ctx context.Context, sub Subscription) error {
		collect(o.processOne(ctx, log, report.RunID, sub, opts))
		return nil
	})
	for _, err := range errs {
		log.WithError(err).Error("Subscription worker failed")
	}
}

// processOne bills a single subscription and never panics.
func (o *Orchestrator) processOne(ctx context.Context, runLog logrus.FieldLogger, runID string, sub Subscription, opts RunOptions) (out SubscriptionOutcome) {
	var log logrus.FieldLogger = runLog.WithField("subscription_id", sub.ID)

	if o.subscriptionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.subscriptionTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "billing.subscription", trace.WithAttributes(
		attribute.String("subscription.id", sub.ID),
	))
	defer span.End()
	log = observability.WithTraceFields(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Panic while billing subscription: %v", r)
			out = systemFailure(sub.ID, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(attribute.String("subscription.outcome", string(out.Outcome)))
		if out.Outcome == OutcomeSystemFailure {
			span.SetStatus(codes.Error, out.Error)
		}
	}()

	return o.bill(ctx, log, runID, sub, opts)
}

func (o *Orchestrator) bill(ctx context.Context, log logrus.FieldLogger, runID string, sub Subscription, opts RunOptions) SubscriptionOutcome {
	if strings.TrimSpace(sub.CustomerID) == "" {
		log.Warn("Skipping subscription without customer reference")
		return systemFailure(sub.ID, ErrMissingCustomer)
	}
	if strings.TrimSpace(sub.CardRef) == "" {
		log.Warn("Skipping subscription without payment credential")
		return systemFailure(sub.ID, ErrMissingCard)
	}

	items, err := ParseLineItems(sub.LineItemsRaw)
	if err != nil {
		log.WithError(err).Warn("Skipping subscription with unreadable line items")
		return systemFailure(sub.ID, err)
	}
	if len(items.Items) == 0 {
		log.Warn("Skipping subscription without line items")
		return systemFailure(sub.ID, ErrNoLineItems)
	}

	amount, err := o.calculator.Total(ctx, items.Items)
	if err != nil {
		log.WithError(err).Warn("Skipping subscription without a billable amount")
		return systemFailure(sub.ID, err)
	}
	formatted := FormatAmount(amount)
	log = log.WithField("amount", formatted)

	if opts.DryRun {
		log.WithField("next_billing_date", Advance(sub.NextBillingDate, sub.Frequency.Number, sub.Frequency.Unit).String()).
			Info("Dry run: would charge subscription")
		return SubscriptionOutcome{SubscriptionID: sub.ID, Outcome: OutcomeWouldCharge, Amount: formatted}
	}

	token := sub.CardRef
	if o.cards != nil {
		token, err = o.cards.ResolveCardToken(ctx, sub.CustomerID, sub.CardRef)
		if err != nil {
			log.WithError(err).Error("Failed to resolve payment credential")
			return systemFailure(sub.ID, fmt.Errorf("failed to resolve payment credential: %w", err))
		}
		if token == "" {
			return systemFailure(sub.ID, ErrMissingCard)
		}
	}

	orderID := ChargeOrderID(sub.ID, o.now())
	log = log.WithField("order_id", orderID)

	// Once a charge starts, cancellation must not strand it without an
	// order or schedule update. The gateway and backend apply their own
	// timeouts.
	ctx = context.WithoutCancel(ctx)

	chargeStart := time.Now()
	result := o.charger.Charge(ctx, ChargeRequest{
		OrderID:    orderID,
		CardToken:  token,
		Amount:     amount,
		CustomerID: sub.CustomerID,
	})
	o.metrics.RecordCharge(chargeResultLabel(result), time.Since(chargeStart))

	attempt := Attempt{
		RunID:          runID,
		SubscriptionID: sub.ID,
		ChargeOrderID:  orderID,
		Amount:         amount,
		Currency:       items.Currency,
		FailureType:    result.FailureType,
		Message:        result.Message,
		AttemptedAt:    o.now(),
	}

	out := o.settle(ctx, log, sub, items, result, &attempt)
	out.Amount = formatted
	out.ChargeOrderID = orderID

	attempt.Outcome = out.Outcome
	o.record(ctx, log, attempt)
	return out
}

// settle applies the charge result to the subscription record.
func (o *Orchestrator) settle(ctx context.Context, log logrus.FieldLogger, sub Subscription, items LineItems, result ChargeResult, attempt *Attempt) SubscriptionOutcome {
	if !result.Success {
		if result.FailureType == FailureCard {
			log.WithField("gateway_message", result.Message).Warn("Card declined, pausing subscription")
			status := StatusCardFailed
			if err := o.repo.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{Status: &status}); err != nil {
				log.WithError(err).Error("Failed to mark subscription card_failed")
				return systemFailure(sub.ID, fmt.Errorf("failed to mark subscription card_failed: %w", err))
			}
			return SubscriptionOutcome{
				SubscriptionID: sub.ID,
				Outcome:        OutcomeCardFailed,
				FailureType:    FailureCard,
				Error:          result.Message,
			}
		}

		log.WithField("gateway_message", result.Message).Error("Charge failed with a system error")
		return systemFailure(sub.ID, fmt.Errorf("%w: %s", ErrChargeFailed, result.Message))
	}

	log.Info("Charge approved")

	order, err := o.repo.CreateOrder(ctx, o.orderRequest(sub, items, result, attempt.Amount))
	if err == nil && len(order.UserErrors) > 0 {
		err = fmt.Errorf("%w: %s", ErrOrderRejected, userErrorsString(order.UserErrors))
	}
	if err != nil {
		attempt.NeedsReconciliation = true
		o.metrics.RecordReconciliation()
		log.WithError(err).Error("Charged card but failed to create order; needs reconciliation")
		return systemFailure(sub.ID, err)
	}
	attempt.CommerceOrderID = order.OrderID
	log = log.WithField("commerce_order_id", order.OrderID)

	next := Advance(sub.NextBillingDate, sub.Frequency.Number, sub.Frequency.Unit)
	if next == sub.NextBillingDate {
		log.WithField("frequency", sub.Frequency.String()).Warn("Frequency did not advance next billing date")
	}

	status := StatusActive
	orderRef := order.OrderID
	if err := o.repo.UpdateSubscription(ctx, sub.ID, SubscriptionUpdate{
		NextBillingDate:   &next,
		Status:            &status,
		LastBilledOrderID: &orderRef,
	}); err != nil {
		attempt.NeedsReconciliation = true
		o.metrics.RecordReconciliation()
		log.WithError(err).Error("Order created but failed to advance schedule; needs reconciliation")
		out := systemFailure(sub.ID, fmt.Errorf("failed to advance schedule: %w", err))
		out.OrderID = order.OrderID
		return out
	}

	log.WithField("next_billing_date", next.String()).Info("Subscription billed")
	return SubscriptionOutcome{SubscriptionID: sub.ID, Outcome: OutcomeSucceeded, OrderID: order.OrderID}
}

func (o *Orchestrator) orderRequest(sub Subscription, items LineItems, result ChargeResult, amount decimal.Decimal) OrderRequest {
	lines := make([]OrderLine, 0, len(items.Items))
	for _, item := range items.Items {
		lines = append(lines, OrderLine{VariantID: item.VariantID, Quantity: item.Quantity, Price: item.Price})
	}

	note := fmt.Sprintf("Recurring order for subscription %s (charge %s)", sub.ID, result.OrderID)
	if extra := strings.TrimSpace(sub.Note); extra != "" {
		note += "\n" + extra
	}

	return OrderRequest{
		SubscriptionID:  sub.ID,
		CustomerID:      sub.CustomerID,
		Email:           sub.Email,
		Currency:        items.Currency,
		Lines:           lines,
		ShippingAddress: sub.ShippingAddress,
		BillingAddress:  sub.BillingAddress,
		Tags:            o.orderTags,
		Note:            note,
		AmountPaid:      amount,
		PaymentGateway:  o.gatewayName,
		PaymentRef:      result.Reference,
	}
}

func (o *Orchestrator) record(ctx context.Context, log logrus.FieldLogger, attempt Attempt) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		log.WithError(err).Error("Failed to record charge attempt")
	}
}

func (o *Orchestrator) finish(ctx context.Context, log logrus.FieldLogger, report *RunReport) {
	ctx = context.WithoutCancel(ctx)
	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, report); err != nil {
			log.WithError(err).Error("Failed to record run report")
		}
	}
	if o.sink != nil {
		if err := o.sink.Publish(ctx, report); err != nil {
			log.WithError(err).Error("Failed to publish run report")
		}
	}
}

// ChargeOrderID derives the gateway order id as {subscription}-{unix millis}.
// Only the last path segment of a GID-style subscription id is used.
func ChargeOrderID(subscriptionID string, at time.Time) string {
	id := subscriptionID
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return fmt.Sprintf("%s-%d", id, at.UnixMilli())
}

func systemFailure(subscriptionID string, err error) SubscriptionOutcome {
	return SubscriptionOutcome{
		SubscriptionID: subscriptionID,
		Outcome:        OutcomeSystemFailure,
		FailureType:    FailureSystem,
		Error:          err.Error(),
	}
}

func chargeResultLabel(r ChargeResult) string {
	if r.Success {
		return "approved"
	}
	if r.FailureType == FailureCard {
		return string(FailureCard)
	}
	return string(FailureSystem)
}

func userErrorsString(errs []UserError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if len(e.Field) > 0 {
			parts = append(parts, strings.Join(e.Field, ".")+": "+e.Message)
		} else {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}
