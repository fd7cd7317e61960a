package gateway

import (
	"bufio"
	"strconv"
	"strings"
)

// Receipt is the structured form of the purchase program's output.
// Values the gateway reports as "null" are stored as empty strings.
type Receipt struct {
	DataKey      string
	ReceiptID    string
	ReferenceNum string
	ResponseCode string
	AuthCode     string
	Message      string
	Complete     string
	TimedOut     string
	ResSuccess   string
	TransAmount  string
	TxnNumber    string

	// Fields holds every key seen, including the ones above.
	Fields map[string]string
}

var receiptKeys = map[string]func(*Receipt, string){
	"DataKey":      func(r *Receipt, v string) { r.DataKey = v },
	"ReceiptId":    func(r *Receipt, v string) { r.ReceiptID = v },
	"ReferenceNum": func(r *Receipt, v string) { r.ReferenceNum = v },
	"ResponseCode": func(r *Receipt, v string) { r.ResponseCode = v },
	"AuthCode":     func(r *Receipt, v string) { r.AuthCode = v },
	"Message":      func(r *Receipt, v string) { r.Message = v },
	"Complete":     func(r *Receipt, v string) { r.Complete = v },
	"TimedOut":     func(r *Receipt, v string) { r.TimedOut = v },
	"ResSuccess":   func(r *Receipt, v string) { r.ResSuccess = v },
	"TransAmount":  func(r *Receipt, v string) { r.TransAmount = v },
	"TxnNumber":    func(r *Receipt, v string) { r.TxnNumber = v },
}

// ParseReceipt reads "Key = Value" lines. It reports false when none of
// the known receipt keys is present, e.g. when the program printed only a
// stack trace.
func ParseReceipt(output string) (*Receipt, bool) {
	r := &Receipt{Fields: make(map[string]string)}
	known := 0

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if strings.EqualFold(value, "null") {
			value = ""
		}

		r.Fields[key] = value
		if set, ok := receiptKeys[key]; ok {
			set(r, value)
			known++
		}
	}

	return r, known > 0
}

// Code returns the numeric response code. It reports false when the
// gateway returned no code, which happens when the transaction never
// reached the card issuer.
func (r *Receipt) Code() (int, bool) {
	code, err := strconv.Atoi(r.ResponseCode)
	if err != nil {
		return 0, false
	}
	return code, true
}

// IsComplete reports whether the gateway marked the transaction complete.
func (r *Receipt) IsComplete() bool {
	return parseFlag(r.Complete)
}

// IsTimedOut reports whether the gateway request timed out.
func (r *Receipt) IsTimedOut() bool {
	return parseFlag(r.TimedOut)
}

// Reference returns the best identifier for the transaction.
func (r *Receipt) Reference() string {
	if r.ReferenceNum != "" {
		return r.ReferenceNum
	}
	if r.TxnNumber != "" {
		return r.TxnNumber
	}
	return r.ReceiptID
}

func parseFlag(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}
