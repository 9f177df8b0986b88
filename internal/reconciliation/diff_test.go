package reconciliation

import (
	"testing"

	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

func TestDiffClassification(t *testing.T) {
	tracked := []db.TrackedPosition{
		{OperationID: "op-1", Exchange: "binance", Symbol: "BTCUSDT", Side: "BUY"},
		{OperationID: "op-2", Exchange: "binance", Symbol: "ETHUSDT", Side: "SELL"},
		{OperationID: "op-3", Exchange: "binance", Symbol: "ETHUSDT", Side: "BUY"},
	}
	live := []common.LivePosition{
		{Exchange: "binance", Symbol: "BTCUSDT", Side: common.SideBuy, Size: 0.5},
		{Exchange: "binance", Symbol: "ETHUSDT", Side: common.SideBuy, Size: 0},
		{Exchange: "binance", Symbol: "SOLUSDT", Side: common.SideSell, Size: 10},
		{Exchange: "binance", Symbol: "ADAUSDT", Side: common.SideBuy, Size: 100},
	}

	got := Diff(tracked, live)
	if len(got) != 4 {
		t.Fatalf("discrepancies = %+v", got)
	}

	closed := map[string]bool{}
	var opened []string
	for _, d := range got {
		switch d.Type {
		case ClosedExternally:
			if d.Tracked == nil || d.Live != nil {
				t.Fatalf("closed discrepancy shape: %+v", d)
			}
			closed[d.Tracked.OperationID] = true
		case OpenedExternally:
			if d.Live == nil || d.Tracked != nil {
				t.Fatalf("opened discrepancy shape: %+v", d)
			}
			opened = append(opened, d.Live.Symbol)
		}
	}
	// Side is part of the key and a zero-size entry is no position.
	if !closed["op-2"] || !closed["op-3"] || closed["op-1"] {
		t.Fatalf("closed = %v", closed)
	}
	if len(opened) != 2 || opened[0] != "ADAUSDT" || opened[1] != "SOLUSDT" {
		t.Fatalf("opened = %v", opened)
	}
}

func TestDiffNoDrift(t *testing.T) {
	tracked := []db.TrackedPosition{{OperationID: "op-1", Exchange: "bybit", Symbol: "BTCUSDT", Side: "SELL", Quantity: 1}}
	live := []common.LivePosition{{Exchange: "bybit", Symbol: "BTCUSDT", Side: common.SideSell, Size: 0.4}}
	if got := Diff(tracked, live); len(got) != 0 {
		t.Fatalf("quantity mismatch is not drift: %+v", got)
	}
	if got := Diff(nil, nil); len(got) != 0 {
		t.Fatalf("empty diff = %+v", got)
	}
}
