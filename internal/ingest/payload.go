package ingest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Event payloads arrive in partial shapes: every field is optional and
// numeric fields may be JSON strings or numbers. flexAmount and flexID carry
// the single coercion rule for both, so the refund fallback tiers stay
// order-independent regardless of which fields a given delivery includes.

// flexAmount decodes a string-or-number monetary amount. Null, absent, and
// unparseable values decode as zero rather than failing the whole payload.
type flexAmount struct {
	value decimal.Decimal
}

func (amount *flexAmount) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		amount.value = decimal.Zero
		return nil
	}
	raw := string(trimmed)
	if trimmed[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(trimmed, &unquoted); err != nil {
			return err
		}
		raw = strings.TrimSpace(unquoted)
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		amount.value = decimal.Zero
		return nil
	}
	amount.value = parsed
	return nil
}

// Decimal returns the coerced amount.
func (amount flexAmount) Decimal() decimal.Decimal {
	return amount.value
}

// flexID decodes a string-or-number identifier into its textual form.
type flexID struct {
	value string
}

func (id *flexID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		id.value = ""
		return nil
	}
	if trimmed[0] == '"' {
		var unquoted string
		if err := json.Unmarshal(trimmed, &unquoted); err != nil {
			return err
		}
		id.value = strings.TrimSpace(unquoted)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		id.value = ""
		return nil
	}
	id.value = number.String()
	return nil
}

// String returns the textual identifier, empty when absent.
func (id flexID) String() string {
	return id.value
}

type customerRef struct {
	Email string `json:"email"`
}

// orderEvent is the partial shape of an order lifecycle payload.
type orderEvent struct {
	ID              flexID          `json:"id"`
	Email           string          `json:"email"`
	Customer        *customerRef    `json:"customer"`
	FinancialStatus string          `json:"financial_status"`
	CancelledAt     json.RawMessage `json:"cancelled_at"`
	TotalPrice      flexAmount      `json:"total_price"`
}

// email resolves the crediting address, preferring the top-level field.
func (event orderEvent) email() string {
	if strings.TrimSpace(event.Email) != "" {
		return event.Email
	}
	if event.Customer != nil {
		return event.Customer.Email
	}
	return ""
}

// finalPaid reports whether the order is fully paid and not cancelled.
func (event orderEvent) finalPaid() bool {
	if strings.ToLower(event.FinancialStatus) != financialStatusPaid {
		return false
	}
	cancelled := strings.TrimSpace(string(event.CancelledAt))
	return cancelled == "" || cancelled == "null"
}

type refundMoney struct {
	Amount flexAmount `json:"amount"`
}

type refundMoneySet struct {
	ShopMoney *refundMoney `json:"shop_money"`
}

type refundTransaction struct {
	Kind   string     `json:"kind"`
	Amount flexAmount `json:"amount"`
}

type refundedLineItem struct {
	Price flexAmount `json:"price"`
}

type refundLineItem struct {
	Quantity flexAmount        `json:"quantity"`
	LineItem *refundedLineItem `json:"line_item"`
}

// refundEvent is the partial shape of a refunds/create payload.
type refundEvent struct {
	ID              flexID              `json:"id"`
	OrderID         flexID              `json:"order_id"`
	TotalRefund     *flexAmount         `json:"total_refund"`
	TotalRefundSet  *refundMoneySet     `json:"total_refund_set"`
	Transactions    []refundTransaction `json:"transactions"`
	RefundLineItems []refundLineItem    `json:"refund_line_items"`
}

// amount computes the refund magnitude with the three-tier fallback:
// explicit total, then refund-kind transaction sums, then refunded line
// items. Each tier is consulted only when every earlier tier yields zero.
func (event refundEvent) amount() decimal.Decimal {
	if explicit := event.explicitTotal(); explicit.IsPositive() {
		return explicit
	}
	transactionSum := decimal.Zero
	for _, transaction := range event.Transactions {
		if strings.ToLower(transaction.Kind) != transactionKindRefund {
			continue
		}
		transactionSum = transactionSum.Add(transaction.Amount.Decimal().Abs())
	}
	if transactionSum.IsPositive() {
		return transactionSum
	}
	lineItemSum := decimal.Zero
	for _, item := range event.RefundLineItems {
		if item.LineItem == nil {
			continue
		}
		lineItemSum = lineItemSum.Add(item.Quantity.Decimal().Mul(item.LineItem.Price.Decimal()))
	}
	return lineItemSum.Abs()
}

func (event refundEvent) explicitTotal() decimal.Decimal {
	if event.TotalRefundSet != nil && event.TotalRefundSet.ShopMoney != nil {
		if amount := event.TotalRefundSet.ShopMoney.Amount.Decimal().Abs(); amount.IsPositive() {
			return amount
		}
	}
	if event.TotalRefund != nil {
		return event.TotalRefund.Decimal().Abs()
	}
	return decimal.Zero
}
