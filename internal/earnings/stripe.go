package earnings

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/balance"
)

// StripeClient reads the driver's connected-account balance so the stats
// dashboard can show accrued earnings.
type StripeClient struct {
	accountID string
}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey, accountID string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{accountID: accountID}
}

// AvailableBalance returns the available balance in major currency units.
func (c *StripeClient) AvailableBalance(ctx context.Context) (float64, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if c.accountID != "" {
		params.SetStripeAccount(c.accountID)
	}
	bal, err := balance.Get(params)
	if err != nil {
		return 0, err
	}
	var cents int64
	for _, a := range bal.Available {
		cents += a.Amount
	}
	return float64(cents) / 100, nil
}
