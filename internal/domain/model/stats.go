package model

// UserReferralStats summarises a user's performance as a referrer.
type UserReferralStats struct {
	UserID                string
	CodeGenerated         bool
	ActiveCode            string
	TotalRedemptions      int
	SuccessfulConversions int   // redemptions whose rewards have been credited
	TotalPointsEarned     int64 // owner points over credited redemptions
}

type TopReferrer struct {
	UserID      string
	Redemptions int
	Points      int64
}

type GlobalReferralStats struct {
	TotalCodes       int
	TotalRedemptions int
	TopReferrers     []TopReferrer
	ConversionRate   float64
}

// ConversionRate returns redemptions/codes, 0 when there are no codes.
func ConversionRate(totalRedemptions, totalCodes int) float64 {
	if totalCodes <= 0 {
		return 0
	}
	return float64(totalRedemptions) / float64(totalCodes)
}
