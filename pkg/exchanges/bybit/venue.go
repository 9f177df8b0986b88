// Package bybit implements the Bybit v5 linear (USDT perpetual) venue.
package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"order-core/pkg/exchanges/common"
)

const (
	Name = "bybit"

	category   = "linear"
	settleCoin = "USDT"
)

var (
	mainnetURLs = []string{"https://api.bybit.com", "https://api.bytick.com"}
	testnetURLs = []string{"https://api-testnet.bybit.com"}
)

var authCodes = map[int]bool{
	10002: true, // request timestamp expired
	10003: true, // invalid api key
	10004: true, // signature error
	10005: true, // permission denied
	10007: true, // user authentication failed
	33004: true, // api key expired
}

// Venue is the Bybit v5 venue.
type Venue struct{}

func New() *Venue { return &Venue{} }

func (*Venue) Name() string { return Name }

func (*Venue) BaseURLs(env common.Environment) []string {
	if env == common.EnvTestnet {
		return append([]string(nil), testnetURLs...)
	}
	return append([]string(nil), mainnetURLs...)
}

// Prepare signs timestamp+apiKey+recvWindow+payload where payload is the
// query string for GET and the JSON body otherwise.
func (*Venue) Prepare(in common.SignInput) (common.PreparedRequest, error) {
	if !in.Credential.Complete() {
		return common.PreparedRequest{}, fmt.Errorf("bybit: API key/secret required")
	}
	recv := in.RecvWindow
	if recv <= 0 {
		recv = 5000
	}
	ts := strconv.FormatInt(in.Timestamp, 10)
	rw := strconv.FormatInt(recv, 10)

	var out common.PreparedRequest
	var payload string
	if in.Endpoint.Method == http.MethodGet || in.Endpoint.Method == http.MethodDelete {
		out.Query = in.Params.Encode()
		payload = out.Query
	} else {
		body, err := jsonBody(in.Params)
		if err != nil {
			return common.PreparedRequest{}, err
		}
		out.Body = body
		payload = body
	}

	out.Headers = map[string]string{
		"X-BAPI-API-KEY":     in.Credential.APIKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": rw,
		"X-BAPI-SIGN-TYPE":   "2",
		"Content-Type":       "application/json",
	}
	if in.Endpoint.Signed {
		out.Headers["X-BAPI-SIGN"] = sign(ts+in.Credential.APIKey+rw+payload, in.Credential.APISecret)
	}
	return out, nil
}

// jsonBody renders params as a flat JSON object (encoding/json sorts map keys). Booleans
// are sent as JSON booleans, everything else as strings.
func jsonBody(params url.Values) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	obj := make(map[string]any, len(params))
	for k := range params {
		v := params.Get(k)
		switch v {
		case "true":
			obj[k] = true
		case "false":
			obj[k] = false
		default:
			obj[k] = v
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode bybit body: %w", err)
	}
	return string(b), nil
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// CheckResponse treats HTTP 200 with a non-zero retCode as a failure.
func (*Venue) CheckResponse(status int, body []byte) *common.Error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &common.Error{Kind: common.KindTransport, Code: strconv.Itoa(status), Message: string(body), Exchange: Name}
	case http.StatusUnauthorized:
		return &common.Error{Kind: common.KindAuth, Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body)), Exchange: Name}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &common.Error{Kind: common.KindRejected, Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body)), Exchange: Name}
	}
	if env.RetCode == 0 && status < http.StatusMultipleChoices {
		return nil
	}
	kind := common.KindRejected
	if authCodes[env.RetCode] {
		kind = common.KindAuth
	}
	code := strconv.Itoa(env.RetCode)
	if env.RetCode == 0 {
		code = strconv.Itoa(status)
	}
	return &common.Error{Kind: kind, Code: code, Message: env.RetMsg, Exchange: Name}
}

func (*Venue) PlaceOrder(req common.OrderRequest) (common.EndpointSpec, url.Values) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", req.Symbol)
	params.Set("side", titleSide(req.Side))
	if req.Type == common.OrderTypeLimit {
		params.Set("orderType", "Limit")
		params.Set("price", common.FormatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	} else {
		params.Set("orderType", "Market")
	}
	params.Set("qty", common.FormatFloat(req.Qty))
	if req.ClientID != "" {
		params.Set("orderLinkId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return common.EndpointSpec{Method: http.MethodPost, Path: "/v5/order/create", Signed: true}, params
}

func (*Venue) ParseOrderAck(body []byte) (common.OrderAck, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order result: %w", err)
	}
	if res.OrderID == "" {
		return common.OrderAck{}, fmt.Errorf("bybit did not return an orderId")
	}
	return common.OrderAck{ExchangeOrderID: res.OrderID, ClientID: res.OrderLinkID, Status: common.StatusNew}, nil
}

func (*Venue) Positions() (common.EndpointSpec, url.Values) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("settleCoin", settleCoin)
	return common.EndpointSpec{Method: http.MethodGet, Path: "/v5/position/list", Signed: true}, params
}

type positionRow struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	AvgPrice string `json:"avgPrice"`
}

func (*Venue) ParsePositions(body []byte) ([]common.LivePosition, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode position list: %w", err)
	}
	var res struct {
		List []positionRow `json:"list"`
	}
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &res); err != nil {
			return nil, fmt.Errorf("decode position result: %w", err)
		}
	}
	out := make([]common.LivePosition, 0, len(res.List))
	for _, r := range res.List {
		size := common.ParseFloat(r.Size)
		side, ok := common.ParseSide(r.Side)
		if size == 0 || !ok {
			continue
		}
		out = append(out, common.LivePosition{
			Exchange:   Name,
			Symbol:     r.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: common.ParseFloat(r.AvgPrice),
		})
	}
	return out, nil
}

func titleSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
