package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errWebhookPayload = errors.New("webhook: malformed payload")

// webhookNotification is the normalised view of a gateway delivery. Gateways disagree on field
// names and nesting, so every field is looked up along several candidate paths.
type webhookNotification struct {
	CorrelationID string
	Status        string
	Mode          string
	Amount        string
	TransactionID string
	PaidAt        time.Time
}

var (
	correlationPaths = [][]string{
		{"order", "order_id"},
		{"order", "orderId"},
		{"data", "order", "order_id"},
		{"data", "order", "orderId"},
		{"order_id"},
		{"orderId"},
	}
	paymentObjectPaths = [][]string{
		{"payment"},
		{"data", "payment"},
		{"order", "payment"},
		{"data"},
		{},
	}
	statusKeys      = []string{"payment_status", "paymentStatus", "transaction_status", "status"}
	modeKeys        = []string{"payment_group", "payment_mode", "paymentMode", "payment_type", "mode"}
	amountKeys      = []string{"payment_amount", "paymentAmount", "gross_amount", "amount"}
	transactionKeys = []string{"cf_payment_id", "gateway_transaction_id", "gatewayTransactionId", "transaction_id", "transactionId"}
	timeKeys        = []string{"payment_time", "paymentTime", "settlement_time", "transaction_time", "time"}
)

var successStatuses = map[string]struct{}{
	"SUCCESS":    {},
	"PAID":       {},
	"SETTLEMENT": {},
	"CAPTURE":    {},
	"SUCCEEDED":  {},
}

var pendingStatuses = map[string]struct{}{
	"PENDING":   {},
	"AUTHORIZE": {},
}

// Succeeded reports whether the gateway reported money as moved.
func (n webhookNotification) Succeeded() bool {
	_, ok := successStatuses[strings.ToUpper(n.Status)]
	return ok
}

// Pending reports an interim notification that carries no outcome yet.
func (n webhookNotification) Pending() bool {
	_, ok := pendingStatuses[strings.ToUpper(n.Status)]
	return ok
}

// parseWebhookNotification decodes the raw body. The correlation id comes from the query parameter
// first, then the nested order object, then the top-level field.
func parseWebhookNotification(body []byte, queryOrderID string) (webhookNotification, error) {
	root, err := decodeObject(body)
	if err != nil {
		return webhookNotification{}, err
	}

	n := webhookNotification{CorrelationID: strings.TrimSpace(queryOrderID)}
	if n.CorrelationID == "" {
		for _, path := range correlationPaths {
			if v := stringAt(root, path...); v != "" {
				n.CorrelationID = v
				break
			}
		}
	}
	if n.CorrelationID == "" {
		return webhookNotification{}, fmt.Errorf("%w: order id missing", errWebhookPayload)
	}

	payment := paymentObject(root)
	n.Status = firstString(payment, root, statusKeys)
	n.Mode = firstString(payment, root, modeKeys)
	n.Amount = firstString(payment, root, amountKeys)
	n.TransactionID = firstString(payment, root, transactionKeys)
	if raw := firstString(payment, root, timeKeys); raw != "" {
		n.PaidAt = parseGatewayTime(raw)
	}
	if n.Status == "" {
		return webhookNotification{}, fmt.Errorf("%w: payment status missing", errWebhookPayload)
	}
	return n, nil
}

// peekTransactionID extracts the gateway transaction id without validating the rest of the body.
func peekTransactionID(body []byte) string {
	root, err := decodeObject(body)
	if err != nil {
		return ""
	}
	return firstString(paymentObject(root), root, transactionKeys)
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", errWebhookPayload, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: empty body", errWebhookPayload)
	}
	return root, nil
}

func paymentObject(root map[string]any) map[string]any {
	for _, path := range paymentObjectPaths {
		obj := objectAt(root, path...)
		if obj == nil {
			continue
		}
		for _, key := range statusKeys {
			if scalar(obj[key]) != "" {
				return obj
			}
		}
	}
	return root
}

func firstString(primary, fallback map[string]any, keys []string) string {
	for _, obj := range []map[string]any{primary, fallback} {
		for _, key := range keys {
			if v := scalar(obj[key]); v != "" {
				return v
			}
		}
	}
	return ""
}

func objectAt(root map[string]any, path ...string) map[string]any {
	current := root
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func stringAt(root map[string]any, path ...string) string {
	if len(path) == 0 {
		return ""
	}
	obj := objectAt(root, path[:len(path)-1]...)
	if obj == nil {
		return ""
	}
	return scalar(obj[path[len(path)-1]])
}

func scalar(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	case bool:
		return strconv.FormatBool(value)
	default:
		return ""
	}
}

var gatewayTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-07:00",
	"2006-01-02 15:04:05",
}

func parseGatewayTime(raw string) time.Time {
	for _, layout := range gatewayTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
