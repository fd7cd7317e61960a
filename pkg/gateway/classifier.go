package gateway

import (
	"strings"

	"github.com/platinummonkey/recur/pkg/billing"
)

const maxMessageLen = 500

// Classification is the outcome a Classifier reads from gateway output.
type Classification struct {
	Success     bool
	FailureType billing.FailureType
	Message     string
	// Receipt is set when the output could be parsed as a receipt.
	Receipt *Receipt
}

// Classifier decides whether gateway output is an approval.
type Classifier interface {
	Classify(output string) Classification
}

var (
	legacyApprovalPatterns = []string{"RESSUCCESS = TRUE", "COMPLETE = TRUE", "RESPONSECODE = 0", "RESPONSECODE = 00"}
	legacyCardPatterns     = []string{"EXPIRED", "DECLINED", "INVALID", "CARD"}
)

// LegacyClassifier matches substrings of the uppercased output. Any
// approval pattern wins; otherwise a card pattern makes it a card failure
// and anything else is a system failure.
//
// The rules are loose: "RESPONSECODE = 0" also matches codes such as 027,
// and "CARD" matches the CardType line of every receipt.
type LegacyClassifier struct{}

// Classify implements Classifier.
func (LegacyClassifier) Classify(output string) Classification {
	receipt, ok := ParseReceipt(output)
	if !ok {
		receipt = nil
	}

	upper := strings.ToUpper(output)
	if containsAny(upper, legacyApprovalPatterns) {
		return Classification{Success: true, Message: "approved", Receipt: receipt}
	}

	failure := billing.FailureSystem
	if containsAny(upper, legacyCardPatterns) {
		failure = billing.FailureCard
	}
	return Classification{FailureType: failure, Message: failureMessage(receipt, output), Receipt: receipt}
}

// ReceiptClassifier classifies by the receipt's response code: below 50
// on a complete transaction is an approval, 50 through 999 is a decline,
// and a missing code or a timeout is a system failure. Output without a
// receipt is handed to Fallback.
type ReceiptClassifier struct {
	// Fallback defaults to LegacyClassifier.
	Fallback Classifier
}

// Classify implements Classifier.
func (c ReceiptClassifier) Classify(output string) Classification {
	receipt, ok := ParseReceipt(output)
	if !ok {
		fallback := c.Fallback
		if fallback == nil {
			fallback = LegacyClassifier{}
		}
		return fallback.Classify(output)
	}

	if receipt.IsTimedOut() {
		return Classification{FailureType: billing.FailureSystem, Message: "gateway request timed out", Receipt: receipt}
	}

	code, ok := receipt.Code()
	if !ok {
		return Classification{FailureType: billing.FailureSystem, Message: failureMessage(receipt, "gateway returned no response code"), Receipt: receipt}
	}

	switch {
	case code < 50 && receipt.IsComplete():
		return Classification{Success: true, Message: failureMessage(receipt, "approved"), Receipt: receipt}
	case code >= 50 && code <= 999:
		return Classification{FailureType: billing.FailureCard, Message: failureMessage(receipt, output), Receipt: receipt}
	default:
		return Classification{FailureType: billing.FailureSystem, Message: failureMessage(receipt, output), Receipt: receipt}
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// failureMessage prefers the gateway's own message over raw output.
func failureMessage(receipt *Receipt, fallback string) string {
	msg := fallback
	if receipt != nil && receipt.Message != "" {
		msg = receipt.Message
	}
	return truncate(strings.TrimSpace(msg), maxMessageLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
