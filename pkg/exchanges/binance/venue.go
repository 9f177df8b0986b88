// Package binance implements the Binance USDT-M futures venue: query-string
// HMAC signing, endpoint layout and response parsing.
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"order-core/pkg/exchanges/common"
)

const (
	Name = "binance"

	headerAPIKey     = "X-MBX-APIKEY"
	headerUsedWeight = "X-MBX-USED-WEIGHT-1M"
	weightLimit      = 2400
)

var (
	mainnetURLs = []string{
		"https://fapi.binance.com",
		"https://fapi1.binance.com",
		"https://fapi2.binance.com",
	}
	testnetURLs = []string{
		"https://testnet.binancefuture.com",
	}
)

// authCodes are rejections caused by the key or the signature itself.
var authCodes = map[int]bool{
	-1002: true, // unauthorized
	-1021: true, // timestamp outside recvWindow
	-1022: true, // invalid signature
	-2008: true, // invalid api key id
	-2014: true, // api key format invalid
	-2015: true, // invalid api key, ip, or permissions
}

// Venue is the Binance USDT-M futures venue.
type Venue struct{}

// New returns the Binance venue.
func New() *Venue { return &Venue{} }

func (*Venue) Name() string { return Name }

func (*Venue) BaseURLs(env common.Environment) []string {
	if env == common.EnvTestnet {
		return append([]string(nil), testnetURLs...)
	}
	return append([]string(nil), mainnetURLs...)
}

func (*Venue) WeightHeader() (string, int) { return headerUsedWeight, weightLimit }

// Prepare signs the sorted, url-encoded parameter set and appends the
// signature as the last parameter.
func (*Venue) Prepare(in common.SignInput) (common.PreparedRequest, error) {
	if !in.Credential.Complete() {
		return common.PreparedRequest{}, fmt.Errorf("binance: API key/secret required")
	}
	params := common.CloneValues(in.Params)
	headers := map[string]string{headerAPIKey: in.Credential.APIKey}

	if !in.Endpoint.Signed {
		return common.PreparedRequest{Query: params.Encode(), Headers: headers}, nil
	}

	params.Set("timestamp", strconv.FormatInt(in.Timestamp, 10))
	if in.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(in.RecvWindow, 10))
	}
	payload := params.Encode()
	signed := payload + "&signature=" + sign(payload, in.Credential.APISecret)

	switch in.Endpoint.Method {
	case http.MethodGet, http.MethodDelete:
		return common.PreparedRequest{Query: signed, Headers: headers}, nil
	default:
		headers["Content-Type"] = "application/x-www-form-urlencoded"
		return common.PreparedRequest{Body: signed, Headers: headers}, nil
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (*Venue) CheckResponse(status int, body []byte) *common.Error {
	if status < http.StatusMultipleChoices {
		return nil
	}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &common.Error{Kind: common.KindTransport, Code: strconv.Itoa(status), Message: string(body), Exchange: Name}
	}

	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Code == 0 {
		kind := common.KindRejected
		if status == http.StatusUnauthorized {
			kind = common.KindAuth
		}
		return &common.Error{Kind: kind, Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body)), Exchange: Name}
	}

	kind := common.KindRejected
	if authCodes[ae.Code] || status == http.StatusUnauthorized {
		kind = common.KindAuth
	}
	return &common.Error{Kind: kind, Code: strconv.Itoa(ae.Code), Message: ae.Msg, Exchange: Name}
}

func (*Venue) PlaceOrder(req common.OrderRequest) (common.EndpointSpec, url.Values) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params.Set("type", string(ordType))
	params.Set("quantity", common.FormatFloat(req.Qty))
	if ordType == common.OrderTypeLimit {
		params.Set("price", common.FormatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")
	return common.EndpointSpec{Method: http.MethodPost, Path: "/fapi/v1/order", Signed: true}, params
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
}

func (*Venue) ParseOrderAck(body []byte) (common.OrderAck, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	if resp.OrderID == 0 {
		return common.OrderAck{}, fmt.Errorf("binance did not return an orderId")
	}
	return common.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          common.MapStatus(resp.Status),
		AvgPrice:        common.ParseFloat(resp.AvgPrice),
	}, nil
}

func (*Venue) Positions() (common.EndpointSpec, url.Values) {
	return common.EndpointSpec{Method: http.MethodGet, Path: "/fapi/v2/positionRisk", Signed: true}, url.Values{}
}

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	PositionSide string `json:"positionSide"`
}

// ParsePositions keeps non-zero positions. In hedge mode the side comes from
// positionSide, in one-way mode (BOTH) from the sign of positionAmt.
func (*Venue) ParsePositions(body []byte) ([]common.LivePosition, error) {
	var rows []positionRisk
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode position risk: %w", err)
	}
	out := make([]common.LivePosition, 0, len(rows))
	for _, r := range rows {
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		side, ok := common.ParseSide(r.PositionSide)
		if !ok {
			side = common.SideBuy
			if amt < 0 {
				side = common.SideSell
			}
		}
		out = append(out, common.LivePosition{
			Exchange:   Name,
			Symbol:     r.Symbol,
			Side:       side,
			Size:       math.Abs(amt),
			EntryPrice: common.ParseFloat(r.EntryPrice),
		})
	}
	return out, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
