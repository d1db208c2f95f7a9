package api

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// ToModel converts an order response to the local record.
func (o OrderResponse) ToModel() (model.OrderRecord, error) {
	if o.OrderID == "" {
		return model.OrderRecord{}, fmt.Errorf("order without orderId")
	}

	rec := model.OrderRecord{
		OrderID:        string(o.OrderID),
		UserID:         string(o.UserID),
		Symbol:         strings.ToUpper(o.Symbol),
		Side:           model.Side(strings.ToUpper(o.Side)),
		Type:           model.OrderType(strings.ToUpper(o.Type)),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Status:         model.OrderStatus(strings.ToUpper(o.Status)),
	}
	if o.Price.Valid {
		p := o.Price.Decimal
		rec.Price = &p
	}
	// Timestamps are informational; a missing one leaves the zero time.
	if t, err := model.ParseTimestamp(o.CreatedAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := model.ParseTimestamp(o.UpdatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

// ToModel converts a balance response, preferring the long field names.
func (b BalanceResponse) ToModel() model.WalletBalance {
	available := pick(b.AvailableBalance, b.Available)
	reserved := pick(b.ReservedBalance, b.Reserved)
	total := pick(b.TotalBalance, b.Total)
	if !b.TotalBalance.Valid && !b.Total.Valid {
		total = available.Add(reserved)
	}
	return model.WalletBalance{
		Currency:  strings.ToUpper(b.Currency),
		Available: available,
		Reserved:  reserved,
		Total:     total,
	}
}

func pick(vals ...decimal.NullDecimal) decimal.Decimal {
	for _, v := range vals {
		if v.Valid {
			return v.Decimal
		}
	}
	return decimal.Zero
}
