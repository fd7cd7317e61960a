package shopify

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/recur/pkg/billing"
)

// StatusError is returned when the Admin API answers with a non-2xx status.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shopify %s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// GraphQLErrorDetail is one entry of a GraphQL "errors" array.
type GraphQLErrorDetail struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLError is returned when the response carries top-level errors.
type GraphQLError struct {
	Operation string
	Errors    []GraphQLErrorDetail
}

func (e *GraphQLError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		msgs = append(msgs, d.Message)
	}
	return fmt.Sprintf("shopify %s: %s", e.Operation, strings.Join(msgs, "; "))
}

// Throttled reports whether the API rejected the request for exceeding
// the query cost budget.
func (e *GraphQLError) Throttled() bool {
	for _, d := range e.Errors {
		if code, _ := d.Extensions["code"].(string); code == "THROTTLED" {
			return true
		}
	}
	return false
}

// UserErrors is returned when a mutation reports validation errors.
type UserErrors struct {
	Operation string
	Errors    []billing.UserError
}

func (e *UserErrors) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, u := range e.Errors {
		if len(u.Field) > 0 {
			parts = append(parts, strings.Join(u.Field, ".")+": "+u.Message)
			continue
		}
		parts = append(parts, u.Message)
	}
	return fmt.Sprintf("shopify %s: %s", e.Operation, strings.Join(parts, "; "))
}
