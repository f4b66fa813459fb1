package adapter

import "context"

type Party string

const (
	PartyOwner   Party = "owner"
	PartyNewUser Party = "referee"
)

// CreditRequest asks the loyalty service to add points to a user.
// IdempotencyKey is stable per (redemption, party) so retries never double-credit.
type CreditRequest struct {
	IdempotencyKey string
	UserID         string
	Points         int64
	Reason         string
	RedemptionID   string
	Party          Party
}

// LoyaltyClient is the hex port for the external loyalty/points service.
type LoyaltyClient interface {
	Name() string
	Credit(ctx context.Context, req CreditRequest) error
}
