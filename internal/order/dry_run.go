package order

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-core/pkg/exchanges/common"
)

// DryRunPlacer acknowledges orders locally without reaching any exchange.
// Fills happen at the order price with simulated slippage and gateway latency.
type DryRunPlacer struct {
	cfg    DryRunConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// DryRunConfig configures the simulation.
type DryRunConfig struct {
	SlippageBps float64       // applied against the taker on fills
	MinLatency  time.Duration // simulated gateway latency lower bound
	MaxLatency  time.Duration // simulated gateway latency upper bound
}

// NewDryRunPlacer creates a DryRunPlacer.
func NewDryRunPlacer(cfg DryRunConfig, logger *zap.Logger) *DryRunPlacer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxLatency > 0 && cfg.MinLatency > cfg.MaxLatency {
		cfg.MinLatency, cfg.MaxLatency = cfg.MaxLatency, cfg.MinLatency
	}
	return &DryRunPlacer{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SubmitOrder simulates an accepted, filled order.
func (d *DryRunPlacer) SubmitOrder(ctx context.Context, exchange string, env common.Environment, cred common.Credential, req common.OrderRequest) (common.OrderAck, *common.Error) {
	if !cred.Complete() {
		return common.OrderAck{}, &common.Error{Kind: common.KindValidation, Exchange: exchange, Message: "credential is incomplete"}
	}

	d.mu.Lock()
	delay := d.cfg.MinLatency
	if span := d.cfg.MaxLatency - d.cfg.MinLatency; span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span) + 1))
	}
	noise := d.rng.Float64() * d.cfg.SlippageBps / 10000.0
	d.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return common.OrderAck{}, &common.Error{Kind: common.KindCancelled, Exchange: exchange, Message: ctx.Err().Error(), Err: ctx.Err()}
		case <-t.C:
		}
	}

	price := req.Price
	if req.Side == common.SideBuy {
		price *= 1 + noise
	} else {
		price *= 1 - noise
	}

	ack := common.OrderAck{
		ExchangeOrderID: "dry-" + uuid.NewString(),
		ClientID:        req.ClientID,
		Status:          common.StatusFilled,
		AvgPrice:        price,
	}
	d.logger.Info("dry-run order acknowledged",
		zap.String("exchange", exchange),
		zap.String("environment", string(env)),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty),
		zap.String("exchange_order_id", ack.ExchangeOrderID))
	return ack, nil
}
