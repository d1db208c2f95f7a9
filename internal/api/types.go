package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ID is an identifier the services render either as a JSON string (UUIDs)
// or as a number (legacy numeric user ids).
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*id = ID(data)
	return nil
}

// OrderResponse from GET /orders/user/{userId} and POST /orders.
type OrderResponse struct {
	OrderID           ID                  `json:"orderId"`
	UserID            ID                  `json:"userId"`
	Symbol            string              `json:"symbol"`
	Side              string              `json:"side"`
	Type              string              `json:"type"`
	Price             decimal.NullDecimal `json:"price"`
	Quantity          decimal.Decimal     `json:"quantity"`
	FilledQuantity    decimal.Decimal     `json:"filledQuantity"`
	RemainingQuantity decimal.NullDecimal `json:"remainingQuantity"`
	AvgFillPrice      decimal.NullDecimal `json:"avgFillPrice"`
	Status            string              `json:"status"`
	ClientOrderID     string              `json:"clientOrderId,omitempty"`
	RejectReason      string              `json:"rejectReason,omitempty"`
	CreatedAt         json.RawMessage     `json:"createdAt"`
	UpdatedAt         json.RawMessage     `json:"updatedAt"`
}

// CreateOrderRequest is the body of POST /orders. Price is omitted for
// MARKET orders.
type CreateOrderRequest struct {
	UserID        string           `json:"userId"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
}

// BalanceResponse from GET /wallet/{userId}/balance. The wallet service
// names the amounts availableBalance/reservedBalance/totalBalance; older
// deployments use the short names.
type BalanceResponse struct {
	Currency         string              `json:"currency"`
	Available        decimal.NullDecimal `json:"available"`
	Reserved         decimal.NullDecimal `json:"reserved"`
	Total            decimal.NullDecimal `json:"total"`
	AvailableBalance decimal.NullDecimal `json:"availableBalance"`
	ReservedBalance  decimal.NullDecimal `json:"reservedBalance"`
	TotalBalance     decimal.NullDecimal `json:"totalBalance"`
}
