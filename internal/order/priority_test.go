package order

import (
	"testing"

	"order-core/pkg/config"
	"order-core/pkg/exchanges/common"
)

func TestScoreComponents(t *testing.T) {
	s := NewScorer(config.Default().Priority)

	tests := []struct {
		name string
		op   Operation
		want float64
	}{
		{"testnet plain", Operation{Environment: common.EnvTestnet, Quantity: 1}, 10},
		{"mainnet premium", Operation{Environment: common.EnvMainnet, AccountTier: "PREMIUM", Quantity: 1}, 125},
		{"management vip large", Operation{Environment: common.EnvManagement, AccountTier: "VIP", Amount: 2000}, 280},
		{"notional from qty and price", Operation{Environment: common.EnvMainnet, Quantity: 0.5, Price: 2500}, 130},
		{"threshold is exclusive", Operation{Environment: common.EnvMainnet, Amount: 1000}, 100},
		{"urgent testnet", Operation{Environment: common.EnvTestnet, Urgent: true, Quantity: 1}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := s.Score(&tt.op)
			if info.Score != tt.want {
				t.Fatalf("score = %v, want %v (%+v)", info.Score, tt.want, info)
			}
		})
	}
}

func TestNotionalUsesExactDecimal(t *testing.T) {
	// 0.1 × 3 is 0.30000000000000004 in float64.
	if got := Notional(0, 0.1, 3).String(); got != "0.3" {
		t.Fatalf("Notional = %s", got)
	}
	if got := Notional(250, 1, 1).String(); got != "250" {
		t.Fatalf("amount should win: %s", got)
	}
	if !Notional(0, 1, 0).IsZero() {
		t.Fatalf("market order without price has zero notional")
	}
}
