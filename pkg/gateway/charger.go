package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/recur/pkg/billing"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/gateway")

const (
	// DefaultCommand runs the vault purchase program.
	DefaultCommand = "java"
	// DefaultMainClass is the purchase program's entry point.
	DefaultMainClass = "ProdCanadaResPurchaseCC"
	// DefaultTimeout bounds a single charge.
	DefaultTimeout = 60 * time.Second
)

// ProcessConfig configures the purchase program invocation.
type ProcessConfig struct {
	// Command is the executable, "java" by default.
	Command string
	// Args come before the charge arguments, e.g. "-cp", "lib/*:.", "ProdCanadaResPurchaseCC".
	Args []string
	// WorkDir is the child's working directory. Empty means the current one.
	WorkDir string

	StoreID  string
	APIToken string

	Timeout time.Duration
}

// Executor runs a program and returns its output. Tests swap in a fake.
type Executor interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecExecutor runs programs with os/exec.
type ExecExecutor struct{}

// Run implements Executor.
func (ExecExecutor) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // command comes from operator config
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ProcessCharger implements billing.Charger by running the purchase program
// once per charge. It never retries.
type ProcessCharger struct {
	config     ProcessConfig
	executor   Executor
	classifier Classifier
	logger     logrus.FieldLogger
}

// ChargerOption configures a ProcessCharger.
type ChargerOption func(*ProcessCharger)

// WithExecutor replaces ExecExecutor.
func WithExecutor(e Executor) ChargerOption {
	return func(c *ProcessCharger) { c.executor = e }
}

// WithClassifier replaces the default LegacyClassifier.
func WithClassifier(cl Classifier) ChargerOption {
	return func(c *ProcessCharger) { c.classifier = cl }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) ChargerOption {
	return func(c *ProcessCharger) { c.logger = logger }
}

// NewProcessCharger creates a ProcessCharger.
func NewProcessCharger(cfg ProcessConfig, opts ...ChargerOption) *ProcessCharger {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if len(cfg.Args) == 0 && cfg.Command == DefaultCommand {
		cfg.Args = []string{DefaultMainClass}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &ProcessCharger{
		config:     cfg,
		executor:   ExecExecutor{},
		classifier: LegacyClassifier{},
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Charge implements billing.Charger.
func (c *ProcessCharger) Charge(ctx context.Context, req billing.ChargeRequest) billing.ChargeResult {
	amount := billing.FormatAmount(req.Amount)
	result := billing.ChargeResult{OrderID: req.OrderID, Amount: req.Amount}

	ctx, span := tracer.Start(ctx, "gateway.charge", trace.WithAttributes(
		attribute.String("charge.order_id", req.OrderID),
		attribute.String("charge.amount", amount),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{
		"order_id": req.OrderID,
		"amount":   amount,
	})

	args := append(append([]string{}, c.config.Args...), req.OrderID, req.CardToken, amount, req.CustomerID)

	start := time.Now()
	stdout, stderr, err := c.executor.Run(ctx, c.config.WorkDir, c.env(), c.config.Command, args...)
	log = log.WithField("duration", time.Since(start).String())

	output := string(stdout)
	if err != nil {
		result.FailureType = billing.FailureSystem
		result.Message = processError(ctx, err, stderr)
		result.Raw = output
		span.SetStatus(codes.Error, result.Message)
		log.WithError(err).Error("Gateway process failed")
		return result
	}
	if strings.TrimSpace(output) == "" {
		result.FailureType = billing.FailureSystem
		result.Message = processError(ctx, errors.New("gateway returned no output"), stderr)
		span.SetStatus(codes.Error, result.Message)
		log.Error("Gateway process returned no output")
		return result
	}

	cl := c.classifier.Classify(output)
	result.Success = cl.Success
	result.FailureType = cl.FailureType
	result.Message = cl.Message
	result.Raw = output
	if cl.Receipt != nil {
		result.Reference = cl.Receipt.Reference()
		span.SetAttributes(attribute.String("charge.response_code", cl.Receipt.ResponseCode))
	}

	span.SetAttributes(attribute.Bool("charge.approved", cl.Success))
	if cl.Success {
		log.WithField("reference", result.Reference).Debug("Gateway approved charge")
	} else {
		span.SetStatus(codes.Error, string(cl.FailureType))
		log.WithFields(logrus.Fields{
			"failure_type": cl.FailureType,
			"message":      cl.Message,
		}).Debug("Gateway did not approve charge")
	}
	return result
}

func (c *ProcessCharger) env() []string {
	env := os.Environ()
	if c.config.StoreID != "" {
		env = append(env, "MONERIS_STORE_ID="+c.config.StoreID)
	}
	if c.config.APIToken != "" {
		env = append(env, "MONERIS_API_TOKEN="+c.config.APIToken)
	}
	return env
}

func processError(ctx context.Context, err error, stderr []byte) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "gateway process timed out"
	}
	if ctx.Err() != nil {
		return fmt.Sprintf("gateway process cancelled: %v", ctx.Err())
	}
	msg := err.Error()
	if detail := strings.TrimSpace(string(stderr)); detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(detail, maxMessageLen))
	}
	return msg
}
