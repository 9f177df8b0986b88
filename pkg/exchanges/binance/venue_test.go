package binance

import (
	"net/url"
	"strings"
	"testing"

	"order-core/pkg/exchanges/common"
)

const fixtureSignature = "c244cfc6cc2715d4a9311991878665535e66954babd926d5bf4b2c4befe97767"

func TestPrepareSignatureFixture(t *testing.T) {
	v := New()
	spec, _ := v.PlaceOrder(common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Qty: 0.01})

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quantity", "0.01")

	req, err := v.Prepare(common.SignInput{
		Endpoint:   spec,
		Params:     params,
		Credential: common.Credential{APIKey: "test-key", APISecret: "test-secret"},
		Timestamp:  1700000000000,
		RecvWindow: 5000,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	wantBody := "quantity=0.01&recvWindow=5000&side=BUY&symbol=BTCUSDT&timestamp=1700000000000&type=MARKET&signature=" + fixtureSignature
	if req.Body != wantBody {
		t.Fatalf("body mismatch:\n got %s\nwant %s", req.Body, wantBody)
	}
	if req.Query != "" {
		t.Fatalf("POST should not carry a query, got %q", req.Query)
	}
	if req.Headers["X-MBX-APIKEY"] != "test-key" {
		t.Fatalf("missing api key header: %v", req.Headers)
	}
	if _, ok := params["timestamp"]; ok {
		t.Fatalf("Prepare must not mutate caller params")
	}
}

func TestPrepareGetPutsSignatureInQuery(t *testing.T) {
	v := New()
	spec, params := v.Positions()
	req, err := v.Prepare(common.SignInput{
		Endpoint:   spec,
		Params:     params,
		Credential: common.Credential{APIKey: "k", APISecret: "s"},
		Timestamp:  1700000000000,
		RecvWindow: 5000,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !strings.HasPrefix(req.Query, "recvWindow=5000&timestamp=1700000000000&signature=") {
		t.Fatalf("unexpected query %q", req.Query)
	}
	if req.Body != "" {
		t.Fatalf("GET should not carry a body")
	}
}

func TestPrepareRequiresCredential(t *testing.T) {
	spec, params := New().Positions()
	if _, err := New().Prepare(common.SignInput{Endpoint: spec, Params: params}); err == nil {
		t.Fatalf("expected error without credential")
	}
}

func TestCheckResponse(t *testing.T) {
	v := New()
	tests := []struct {
		name   string
		status int
		body   string
		want   common.ErrorKind
		code   string
	}{
		{"ok", 200, `{}`, "", ""},
		{"bad signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, common.KindAuth, "-1022"},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, common.KindAuth, "-2015"},
		{"margin", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, common.KindRejected, "-2019"},
		{"unavailable", 503, `busy`, common.KindTransport, "503"},
		{"html", 403, `<html>waf</html>`, common.KindRejected, "403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.CheckResponse(tt.status, []byte(tt.body))
			if tt.want == "" {
				if got != nil {
					t.Fatalf("expected success, got %v", got)
				}
				return
			}
			if got == nil || got.Kind != tt.want || got.Code != tt.code {
				t.Fatalf("got %+v, want kind=%s code=%s", got, tt.want, tt.code)
			}
		})
	}
}

func TestParsePositions(t *testing.T) {
	body := `[
		{"symbol":"BTCUSDT","positionAmt":"0.010","entryPrice":"50000.0","positionSide":"BOTH"},
		{"symbol":"ETHUSDT","positionAmt":"-1.5","entryPrice":"3000","positionSide":"BOTH"},
		{"symbol":"SOLUSDT","positionAmt":"0","entryPrice":"0","positionSide":"BOTH"},
		{"symbol":"XRPUSDT","positionAmt":"-100","entryPrice":"0.5","positionSide":"SHORT"}
	]`
	got, err := New().ParsePositions([]byte(body))
	if err != nil {
		t.Fatalf("ParsePositions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(got))
	}
	if got[0].Side != common.SideBuy || got[0].Size != 0.01 {
		t.Errorf("BTC: %+v", got[0])
	}
	if got[1].Side != common.SideSell || got[1].Size != 1.5 {
		t.Errorf("ETH: %+v", got[1])
	}
	if got[2].Side != common.SideSell || got[2].Exchange != Name {
		t.Errorf("XRP: %+v", got[2])
	}
}

func TestParseOrderAck(t *testing.T) {
	ack, err := New().ParseOrderAck([]byte(`{"orderId":123456,"clientOrderId":"op-1","status":"FILLED","avgPrice":"50010.5"}`))
	if err != nil {
		t.Fatalf("ParseOrderAck: %v", err)
	}
	if ack.ExchangeOrderID != "123456" || ack.Status != common.StatusFilled || ack.AvgPrice != 50010.5 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if _, err := New().ParseOrderAck([]byte(`{"status":"NEW"}`)); err == nil {
		t.Fatalf("missing orderId should fail")
	}
}
