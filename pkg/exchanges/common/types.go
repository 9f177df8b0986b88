package common

import (
	"net/url"
	"strings"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes venue spellings (Buy, long, SHORT...) into BUY/SELL.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, true
	case "SELL", "SHORT":
		return SideSell, true
	default:
		return "", false
	}
}

// OrderType denotes the order types the core routes.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Environment is the execution environment of an account.
type Environment string

const (
	EnvManagement Environment = "management"
	EnvMainnet    Environment = "mainnet"
	EnvTestnet    Environment = "testnet"
)

// Valid reports whether e is one of the closed set of environments.
func (e Environment) Valid() bool {
	switch e {
	case EnvManagement, EnvMainnet, EnvTestnet:
		return true
	}
	return false
}

// Live reports whether orders in e reach real funds.
func (e Environment) Live() bool {
	return e == EnvManagement || e == EnvMainnet
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// MapStatus folds the common exchange status strings into OrderStatus.
func MapStatus(s string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW", "CREATED", "LIVE", "UNTRIGGERED":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIALLYFILLED", "PARTIAL_FILL":
		return StatusPartial
	case "FILLED", "FULL_FILL":
		return StatusFilled
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// Credential is a borrowed per-user, per-exchange, per-environment API key set.
// Holders must not retain it past the call it was passed to.
type Credential struct {
	APIKey     string
	APISecret  string
	Passphrase string   // Bitget only
	BaseURLs   []string // overrides the venue defaults when non-empty
}

// Complete reports whether the key material needed for signing is present.
func (c Credential) Complete() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// EndpointSpec describes one REST endpoint of a venue.
type EndpointSpec struct {
	Method string
	Path   string
	Signed bool
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // LIMIT only
	ClientID   string
	ReduceOnly bool
}

// OrderAck is the exchange acknowledgement of a placed order.
type OrderAck struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	AvgPrice        float64
}

// LivePosition is the exchange's current truth for one (symbol, side) of an account.
type LivePosition struct {
	Exchange   string
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
}

// Key returns the natural reconciliation key.
func (p LivePosition) Key() PositionKey {
	return PositionKey{Exchange: p.Exchange, Symbol: p.Symbol, Side: p.Side}
}

// PositionKey is the (exchange, symbol, side) tuple positions are matched on.
type PositionKey struct {
	Exchange string
	Symbol   string
	Side     Side
}

// PreparedRequest is a signed request ready to be sent against any base URL.
type PreparedRequest struct {
	Query   string
	Body    string
	Headers map[string]string
}

// SignInput carries everything a venue needs to sign one request.
type SignInput struct {
	Endpoint    EndpointSpec
	Params      url.Values
	Credential  Credential
	Environment Environment
	Timestamp   int64 // unix ms
	RecvWindow  int64 // ms
}
