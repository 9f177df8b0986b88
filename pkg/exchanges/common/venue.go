package common

import "net/url"

// Venue captures everything exchange-specific: endpoint layout, signing and
// response parsing. Implementations are stateless and safe for concurrent use.
type Venue interface {
	Name() string
	// BaseURLs returns the ordered failover list for env.
	BaseURLs(env Environment) []string
	// Prepare signs the request. It is called once per attempt so every
	// attempt carries a fresh timestamp.
	Prepare(in SignInput) (PreparedRequest, error)
	// CheckResponse classifies a completed HTTP exchange; nil means success.
	CheckResponse(status int, body []byte) *Error

	PlaceOrder(req OrderRequest) (EndpointSpec, url.Values)
	ParseOrderAck(body []byte) (OrderAck, error)
	Positions() (EndpointSpec, url.Values)
	ParsePositions(body []byte) ([]LivePosition, error)
}

// WeightReporter is implemented by venues that report request weight usage in
// a response header.
type WeightReporter interface {
	WeightHeader() (name string, limit int)
}
