package reconciliation

import (
	"sort"

	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

// DiscrepancyType classifies drift between the ledger and an exchange.
type DiscrepancyType string

const (
	// ClosedExternally: tracked as OPEN, absent on the exchange.
	ClosedExternally DiscrepancyType = "CLOSED_EXTERNALLY"
	// OpenedExternally: present on the exchange, not tracked.
	OpenedExternally DiscrepancyType = "OPENED_EXTERNALLY"
)

// Discrepancy is one detected drift. Exactly one of Tracked and Live is set.
type Discrepancy struct {
	Type    DiscrepancyType      `json:"type"`
	Tracked *db.TrackedPosition  `json:"tracked,omitempty"`
	Live    *common.LivePosition `json:"live,omitempty"`
	Reason  string               `json:"reason"`
}

// Diff compares one account's open tracked positions with what the exchange
// reports, keyed by (exchange, symbol, side). Zero-size live entries count
// as absent. Quantity mismatches on a matched key are not drift.
func Diff(tracked []db.TrackedPosition, live []common.LivePosition) []Discrepancy {
	liveByKey := make(map[common.PositionKey]common.LivePosition, len(live))
	for _, lp := range live {
		if lp.Size == 0 {
			continue
		}
		liveByKey[lp.Key()] = lp
	}

	trackedKeys := make(map[common.PositionKey]bool, len(tracked))
	var out []Discrepancy
	for i := range tracked {
		tp := tracked[i]
		key := trackedKey(tp)
		trackedKeys[key] = true
		if _, ok := liveByKey[key]; ok {
			continue
		}
		out = append(out, Discrepancy{
			Type:    ClosedExternally,
			Tracked: &tp,
			Reason:  "no live position on " + tp.Exchange + " for " + tp.Symbol + " " + tp.Side,
		})
	}

	keys := make([]common.PositionKey, 0, len(liveByKey))
	for key := range liveByKey {
		if !trackedKeys[key] {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].Symbol != keys[b].Symbol {
			return keys[a].Symbol < keys[b].Symbol
		}
		return keys[a].Side < keys[b].Side
	})
	for _, key := range keys {
		lp := liveByKey[key]
		out = append(out, Discrepancy{
			Type:   OpenedExternally,
			Live:   &lp,
			Reason: "live position on " + lp.Exchange + " is not tracked",
		})
	}
	return out
}

func trackedKey(p db.TrackedPosition) common.PositionKey {
	side, ok := common.ParseSide(p.Side)
	if !ok {
		side = common.Side(p.Side)
	}
	return common.PositionKey{Exchange: p.Exchange, Symbol: p.Symbol, Side: side}
}
