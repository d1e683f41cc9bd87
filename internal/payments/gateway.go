package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimulatedGateway stands in for the external payment processor: cards
// ending in 0000 are declined, everything else succeeds.
type SimulatedGateway struct{}

func (SimulatedGateway) Charge(_ context.Context, _ string, _ decimal.Decimal, cardNumber string) (GatewayResult, error) {
	if len(cardNumber) >= 4 && cardNumber[len(cardNumber)-4:] == "0000" {
		return GatewayResult{
			TransactionID: uuid.NewString(),
			Succeeded:     false,
			Message:       "insufficient funds",
		}, nil
	}

	return GatewayResult{
		TransactionID: uuid.NewString(),
		Succeeded:     true,
		Message:       "payment processed successfully",
	}, nil
}
