package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/recur/pkg/shopify")

const (
	// DefaultAPIVersion is the first version with the orderCreate mutation.
	DefaultAPIVersion = "2024-10"
	// DefaultPageSize is the number of metaobjects fetched per page.
	DefaultPageSize = 100
	// DefaultMetaobjectType is the metaobject definition holding subscriptions.
	DefaultMetaobjectType = "subscription_order"
	// DefaultCurrency is used when a subscription does not name one.
	DefaultCurrency = "CAD"

	// DefaultThrottleTries bounds the attempts of a throttled request.
	DefaultThrottleTries = 4
	// DefaultThrottleInterval is the first wait after a throttled request.
	DefaultThrottleInterval = time.Second

	maxNodesPerQuery = 250
	maxErrorBody     = 1024
)

// Config configures a Client.
type Config struct {
	// Store is the shop domain, e.g. "acme.myshopify.com". A bare shop
	// name gets ".myshopify.com" appended.
	Store       string
	AccessToken string
	APIVersion  string
	// Endpoint overrides the URL derived from Store and APIVersion.
	Endpoint string

	PageSize       int
	MetaobjectType string
	Currency       string

	// Timeout applies when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Admin GraphQL API.
type Client struct {
	endpoint       string
	accessToken    string
	pageSize       int
	metaobjectType string
	currency       string

	http    *http.Client
	logger  logrus.FieldLogger
	metrics *observability.Metrics

	throttleTries    uint
	throttleInterval time.Duration
}

var _ billing.Repository = (*Client)(nil)
var _ billing.CardResolver = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics records request counts and latencies.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithThrottleRetry sets how often and how soon a request rejected as
// THROTTLED is sent again. tries <= 1 disables retrying.
func WithThrottleRetry(tries uint, interval time.Duration) Option {
	return func(c *Client) {
		c.throttleTries = tries
		if interval > 0 {
			c.throttleInterval = interval
		}
	}
}

// NewClient creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("shopify access token is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Store == "" {
			return nil, errors.New("shopify store is required")
		}
		version := cfg.APIVersion
		if version == "" {
			version = DefaultAPIVersion
		}
		endpoint = fmt.Sprintf("https://%s/admin/api/%s/graphql.json", storeDomain(cfg.Store), version)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	c := &Client{
		endpoint:       endpoint,
		accessToken:    cfg.AccessToken,
		pageSize:       orDefault(cfg.PageSize, DefaultPageSize),
		metaobjectType: cfg.MetaobjectType,
		currency:       cfg.Currency,
		http:           httpClient,
		logger:         logrus.StandardLogger(),

		throttleTries:    DefaultThrottleTries,
		throttleInterval: DefaultThrottleInterval,
	}
	if c.metaobjectType == "" {
		c.metaobjectType = DefaultMetaobjectType
	}
	if c.currency == "" {
		c.currency = DefaultCurrency
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage      `json:"data"`
	Errors []GraphQLErrorDetail `json:"errors"`
}

// do runs one GraphQL operation and decodes "data" into out. Requests
// rejected as THROTTLED were not executed and are sent again with
// exponential backoff; every other error is returned as is.
func (c *Client) do(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	if c.throttleTries <= 1 {
		return c.doOnce(ctx, operation, query, variables, out)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.throttleInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.doOnce(ctx, operation, query, variables, out)
		var gqlErr *GraphQLError
		if err != nil && (!errors.As(err, &gqlErr) || !gqlErr.Throttled()) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.throttleTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.WithField("operation", operation).WithField("wait", wait.String()).Warn("Shopify throttled request, retrying")
		}),
	)
	// The last attempt's error comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, operation, query string, variables map[string]any, out any) (err error) {
	ctx, span := tracer.Start(ctx, "shopify.graphql", trace.WithAttributes(
		attribute.String("graphql.operation", operation),
	))
	defer span.End()

	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.RecordGraphQL(operation, status, time.Since(start))
	}()

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		status = "encode_error"
		return fmt.Errorf("failed to encode %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		status = "encode_error"
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		status = "transport_error"
		return fmt.Errorf("shopify %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status = "http_error"
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var gql graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		status = "decode_error"
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	if len(gql.Errors) > 0 {
		gqlErr := &GraphQLError{Operation: operation, Errors: gql.Errors}
		status = "graphql_error"
		if gqlErr.Throttled() {
			status = "throttled"
		}
		return gqlErr
	}
	if out == nil {
		return nil
	}
	if len(gql.Data) == 0 || string(gql.Data) == "null" {
		status = "decode_error"
		return fmt.Errorf("shopify %s: response has no data", operation)
	}
	if err := json.Unmarshal(gql.Data, out); err != nil {
		status = "decode_error"
		return fmt.Errorf("failed to decode %s data: %w", operation, err)
	}
	return nil
}

func storeDomain(store string) string {
	store = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(store, "https://"), "http://"), "/")
	if !strings.Contains(store, ".") {
		store += ".myshopify.com"
	}
	return store
}

// GID returns the global id of a resource, leaving ids that already are
// global ids alone.
func GID(resource, id string) string {
	if id == "" || strings.HasPrefix(id, "gid://") {
		return id
	}
	return "gid://shopify/" + resource + "/" + id
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
