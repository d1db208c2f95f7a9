package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rickgao/tradeflow-stream/internal/model"
)

// GetBalances fetches the wallet balances for a user.
func (c *Client) GetBalances(ctx context.Context, userID string) ([]model.WalletBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("get balances: empty user id")
	}

	var resp []BalanceResponse
	if err := c.get(ctx, "/wallet/"+url.PathEscape(userID)+"/balance", nil, &resp); err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	balances := make([]model.WalletBalance, len(resp))
	for i, b := range resp {
		balances[i] = b.ToModel()
	}
	return balances, nil
}
