package order

import (
	"github.com/shopspring/decimal"

	"order-core/pkg/config"
	"order-core/pkg/exchanges/common"
)

// Scorer computes priority scores from the configured constants.
type Scorer struct {
	cfg config.PriorityConfig
}

// NewScorer creates a Scorer.
func NewScorer(cfg config.PriorityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score fills every component of PriorityInfo except Lane and EnvironmentRule.
func (s *Scorer) Score(op *Operation) PriorityInfo {
	info := PriorityInfo{Environment: op.Environment}

	switch op.Environment {
	case common.EnvManagement:
		info.Base = s.cfg.BaseManagement * s.cfg.ManagementMultiplier
	case common.EnvMainnet:
		info.Base = s.cfg.BaseMainnet
	default:
		info.Base = s.cfg.BaseTestnet
	}

	switch op.AccountTier {
	case "VIP":
		info.TierBonus = s.cfg.VIPBonus
	case "PREMIUM":
		info.TierBonus = s.cfg.PremiumBonus
	}

	notional := Notional(op.Amount, op.Quantity, op.Price)
	info.Notional = notional.String()
	if notional.GreaterThan(decimal.NewFromFloat(s.cfg.LargeOrderThreshold)) {
		info.LargeOrderBonus = s.cfg.LargeOrderBonus
	}

	if op.Urgent {
		info.UrgencyBonus = s.cfg.UrgencyBonus
	}

	info.Score = info.Base + info.TierBonus + info.LargeOrderBonus + info.UrgencyBonus
	return info
}

// Notional is the quote value of an order: amount when given, otherwise
// quantity × price. Market orders without either yield zero.
func Notional(amount, quantity, price float64) decimal.Decimal {
	if amount > 0 {
		return decimal.NewFromFloat(amount)
	}
	if quantity <= 0 || price <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(price))
}
