package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// ErrInvalidOrder is returned before sending an order the order service
// would reject outright.
var ErrInvalidOrder = errors.New("invalid order")

// GetUserOrders fetches the authoritative order list for a user.
// Orders that cannot be converted are skipped and logged.
func (c *Client) GetUserOrders(ctx context.Context, userID string) ([]model.OrderRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("get user orders: empty user id")
	}

	var resp []OrderResponse
	if err := c.get(ctx, "/orders/user/"+url.PathEscape(userID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get user orders: %w", err)
	}

	orders := make([]model.OrderRecord, 0, len(resp))
	for _, o := range resp {
		rec, err := o.ToModel()
		if err != nil {
			c.logger.Warn("skipping malformed order", "error", err)
			continue
		}
		orders = append(orders, rec)
	}
	return orders, nil
}

// CreateOrder places an order and returns the service's view of it.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.OrderRecord, error) {
	if err := validateOrder(&req); err != nil {
		return model.OrderRecord{}, err
	}
	if req.UserID == "" {
		req.UserID = c.userID
	}

	var resp OrderResponse
	if err := c.post(ctx, "/orders", req, &resp); err != nil {
		return model.OrderRecord{}, fmt.Errorf("create order: %w", err)
	}

	rec, err := resp.ToModel()
	if err != nil {
		return model.OrderRecord{}, fmt.Errorf("create order: %w", err)
	}
	return rec, nil
}

// CancelOrder cancels an order. The service answers with the updated order
// or an empty body; the latter yields ok=false.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (rec model.OrderRecord, ok bool, err error) {
	if orderID == "" {
		return model.OrderRecord{}, false, fmt.Errorf("cancel order: empty order id")
	}

	var resp OrderResponse
	if err := c.del(ctx, "/orders/"+url.PathEscape(orderID), &resp); err != nil {
		return model.OrderRecord{}, false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.OrderID == "" {
		return model.OrderRecord{}, false, nil
	}

	rec, err = resp.ToModel()
	if err != nil {
		return model.OrderRecord{}, false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return rec, true, nil
}

// validateOrder normalizes enum casing and checks the fields the order
// service requires.
func validateOrder(req *CreateOrderRequest) error {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = strings.ToUpper(req.Side)
	req.Type = strings.ToUpper(req.Type)

	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	switch model.Side(req.Side) {
	case model.SideBuy, model.SideSell:
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	switch model.OrderType(req.Type) {
	case model.OrderTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit order needs a positive price", ErrInvalidOrder)
		}
	case model.OrderTypeMarket:
		req.Price = nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	}
	return nil
}
