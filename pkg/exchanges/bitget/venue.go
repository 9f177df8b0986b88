// Package bitget implements the Bitget v2 USDT-M futures venue.
package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"order-core/pkg/exchanges/common"
)

const (
	Name = "bitget"

	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
	successCode = "00000"
)

// Bitget serves demo trading from the production host, selected by header.
var baseURLs = []string{"https://api.bitget.com"}

var authCodes = map[string]bool{
	"40006": true, // invalid ACCESS_KEY
	"40009": true, // sign signature error
	"40012": true, // apikey/password is incorrect
	"40014": true, // incorrect permissions
	"40037": true, // apikey does not exist
}

type Venue struct{}

func New() *Venue { return &Venue{} }

func (*Venue) Name() string { return Name }

func (*Venue) BaseURLs(common.Environment) []string {
	return append([]string(nil), baseURLs...)
}

// Prepare signs timestamp+METHOD+path[?query]+body with base64 HMAC-SHA256.
func (*Venue) Prepare(in common.SignInput) (common.PreparedRequest, error) {
	if !in.Credential.Complete() || in.Credential.Passphrase == "" {
		return common.PreparedRequest{}, fmt.Errorf("bitget: API key/secret/passphrase required")
	}
	ts := strconv.FormatInt(in.Timestamp, 10)
	method := strings.ToUpper(in.Endpoint.Method)

	var out common.PreparedRequest
	requestPath := in.Endpoint.Path
	if method == http.MethodGet || method == http.MethodDelete {
		out.Query = in.Params.Encode()
		if out.Query != "" {
			requestPath += "?" + out.Query
		}
	} else {
		obj := make(map[string]string, len(in.Params))
		for k := range in.Params {
			obj[k] = in.Params.Get(k)
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return common.PreparedRequest{}, fmt.Errorf("encode bitget body: %w", err)
		}
		out.Body = string(b)
	}

	out.Headers = map[string]string{
		"ACCESS-KEY":        in.Credential.APIKey,
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": in.Credential.Passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
	if in.Endpoint.Signed {
		out.Headers["ACCESS-SIGN"] = sign(ts+method+requestPath+out.Body, in.Credential.APISecret)
	}
	if in.Environment == common.EnvTestnet {
		out.Headers["paptrading"] = "1"
	}
	return out, nil
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (*Venue) CheckResponse(status int, body []byte) *common.Error {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &common.Error{Kind: common.KindTransport, Code: strconv.Itoa(status), Message: string(body), Exchange: Name}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		kind := common.KindRejected
		if status == http.StatusUnauthorized {
			kind = common.KindAuth
		}
		return &common.Error{Kind: kind, Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body)), Exchange: Name}
	}
	if env.Code == successCode && status < http.StatusMultipleChoices {
		return nil
	}
	kind := common.KindRejected
	if authCodes[env.Code] || status == http.StatusUnauthorized {
		kind = common.KindAuth
	}
	code := env.Code
	if code == "" {
		code = strconv.Itoa(status)
	}
	return &common.Error{Kind: kind, Code: code, Message: env.Msg, Exchange: Name}
}

func (*Venue) PlaceOrder(req common.OrderRequest) (common.EndpointSpec, url.Values) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("productType", productType)
	params.Set("marginMode", "crossed")
	params.Set("marginCoin", marginCoin)
	params.Set("size", common.FormatFloat(req.Qty))
	params.Set("side", strings.ToLower(string(req.Side)))
	if req.Type == common.OrderTypeLimit {
		params.Set("orderType", "limit")
		params.Set("price", common.FormatFloat(req.Price))
		params.Set("force", "gtc")
	} else {
		params.Set("orderType", "market")
	}
	if req.ClientID != "" {
		params.Set("clientOid", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "YES")
	}
	return common.EndpointSpec{Method: http.MethodPost, Path: "/api/v2/mix/order/place-order", Signed: true}, params
}

func (*Venue) ParseOrderAck(body []byte) (common.OrderAck, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	var data struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order data: %w", err)
	}
	if data.OrderID == "" {
		return common.OrderAck{}, fmt.Errorf("bitget did not return an orderId")
	}
	return common.OrderAck{ExchangeOrderID: data.OrderID, ClientID: data.ClientOid, Status: common.StatusNew}, nil
}

func (*Venue) Positions() (common.EndpointSpec, url.Values) {
	params := url.Values{}
	params.Set("productType", productType)
	params.Set("marginCoin", marginCoin)
	return common.EndpointSpec{Method: http.MethodGet, Path: "/api/v2/mix/position/all-position", Signed: true}, params
}

type positionRow struct {
	Symbol       string `json:"symbol"`
	HoldSide     string `json:"holdSide"`
	Total        string `json:"total"`
	OpenPriceAvg string `json:"openPriceAvg"`
}

func (*Venue) ParsePositions(body []byte) ([]common.LivePosition, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var rows []positionRow
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode position data: %w", err)
		}
	}
	out := make([]common.LivePosition, 0, len(rows))
	for _, r := range rows {
		size := common.ParseFloat(r.Total)
		side, ok := common.ParseSide(r.HoldSide)
		if size == 0 || !ok {
			continue
		}
		out = append(out, common.LivePosition{
			Exchange:   Name,
			Symbol:     r.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: common.ParseFloat(r.OpenPriceAvg),
		})
	}
	return out, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
