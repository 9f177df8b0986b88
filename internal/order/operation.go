package order

import (
	"strings"
	"time"

	"order-core/pkg/exchanges/common"
)

// newOperation validates o and builds an operation without environment or
// score. Validation failures are never enqueued.
func newOperation(id string, o Order, now time.Time) (*Operation, *common.Error) {
	if strings.TrimSpace(o.UserID) == "" {
		return nil, common.Errorf(common.KindValidation, "user_id is required")
	}
	exchange := canonicalExchange(o.Exchange)
	if exchange == "" {
		return nil, common.Errorf(common.KindValidation, "exchange is required")
	}
	symbol := strings.ToUpper(strings.TrimSpace(o.Symbol))
	if symbol == "" {
		return nil, common.Errorf(common.KindValidation, "symbol is required")
	}
	side, ok := common.ParseSide(o.Side)
	if !ok {
		return nil, common.Errorf(common.KindValidation, "invalid side %q", o.Side)
	}
	if o.Quantity <= 0 {
		return nil, common.Errorf(common.KindValidation, "quantity must be positive")
	}
	if o.Price < 0 || o.Amount < 0 {
		return nil, common.Errorf(common.KindValidation, "price and amount must not be negative")
	}

	orderType := common.OrderType(strings.ToUpper(strings.TrimSpace(o.OrderType)))
	switch orderType {
	case "":
		orderType = common.OrderTypeMarket
	case common.OrderTypeMarket:
	case common.OrderTypeLimit:
		if o.Price <= 0 {
			return nil, common.Errorf(common.KindValidation, "limit orders require a price")
		}
	default:
		return nil, common.Errorf(common.KindValidation, "unsupported order type %q", o.OrderType)
	}

	intent := Intent(strings.ToUpper(strings.TrimSpace(string(o.Intent))))
	switch intent {
	case "":
		intent = IntentOpen
	case IntentOpen, IntentClose:
	default:
		return nil, common.Errorf(common.KindValidation, "invalid intent %q", o.Intent)
	}

	if env := parseEnvironment(o.Environment); env != "" && !env.Valid() {
		return nil, common.Errorf(common.KindValidation, "invalid environment %q", o.Environment)
	}

	return &Operation{
		ID:           id,
		UserID:       strings.TrimSpace(o.UserID),
		Exchange:     exchange,
		ExchangeHint: strings.ToLower(strings.TrimSpace(o.Exchange)),
		Symbol:       symbol,
		Side:         side,
		Quantity:     o.Quantity,
		Price:        o.Price,
		Amount:       o.Amount,
		OrderType:    orderType,
		AccountTier:  normalizeTier(o.AccountTier),
		Urgent:       o.Urgent,
		Intent:       intent,
		SubmittedAt:  now,
		State:        StateQueued,
	}, nil
}

// canonicalExchange strips environment hints such as "binance-testnet" down
// to the venue name.
func canonicalExchange(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, suffix := range []string{"testnet", "mainnet", "demo"} {
		name = strings.TrimSuffix(name, suffix)
	}
	return strings.TrimRight(name, "-_. ")
}

// parseEnvironment normalizes a caller-supplied environment name.
func parseEnvironment(raw string) common.Environment {
	return common.Environment(strings.ToLower(strings.TrimSpace(raw)))
}
