package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// BuiltinRules returns the reason rules seeded into an empty database.
// Operators can replace them through POST /rules.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:          "amount-deviation",
			TenantID:    GlobalTenantID,
			Name:        "Unusual Amount For Customer",
			Description: "Amount far above the customer's usual spend",
			Version:     "1.0.0",
			Expression:  "amount_deviation > 2.0",
			Enabled:     true,
		},
		{
			ID:          "high-amount",
			TenantID:    GlobalTenantID,
			Name:        "High Amount",
			Description: "Transaction amount exceeds 20,000",
			Version:     "1.0.0",
			Expression:  "amount >= 20000.0",
			Enabled:     true,
		},
		{
			ID:          "night-activity",
			TenantID:    GlobalTenantID,
			Name:        "Night Activity",
			Description: "Transaction between 22:00 and 06:59",
			Version:     "1.0.0",
			Expression:  "is_night",
			Enabled:     true,
		},
		{
			ID:          "unknown-location",
			TenantID:    GlobalTenantID,
			Name:        "Unknown Location",
			Description: "Transaction location could not be resolved",
			Version:     "1.0.0",
			Expression:  `location == "Unknown" || location == ""`,
			Enabled:     true,
		},
		{
			ID:          "online-transfer",
			TenantID:    GlobalTenantID,
			Name:        "Online Transfer From Desktop",
			Description: "Online transfer initiated from a desktop device",
			Version:     "1.0.0",
			Expression:  `transaction_type == "Transfer" && merchant_category == "Online" && device_type == "Desktop"`,
			Enabled:     true,
		},
	}
}
