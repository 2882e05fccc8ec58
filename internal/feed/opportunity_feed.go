// Package feed turns detector signals arriving on the bus into typed
// opportunities for the coordinator.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/arbot/internal/domain"
)

// opportunityMessage is the JSON shape detectors publish to the
// "arbot.opportunities" channel.
type opportunityMessage struct {
	ID              string  `json:"id"`
	Type            string  `json:"type"`
	Symbol          string  `json:"symbol"`
	BuyExchange     string  `json:"buy_exchange"`
	SellExchange    string  `json:"sell_exchange"`
	BuyPrice        float64 `json:"buy_price"`
	SellPrice       float64 `json:"sell_price"`
	MaxQuantity     float64 `json:"max_quantity"`
	EstProfitUSD    float64 `json:"est_profit_usd"`
	MarginBps       float64 `json:"margin_bps"`
	ExecutionWindow int64   `json:"execution_window_ms"`
	DetectedAt      string  `json:"detected_at"`

	Futures *struct {
		Exchange   string  `json:"exchange"`
		Symbol     string  `json:"symbol"`
		HedgeRatio float64 `json:"hedge_ratio"`
		Price      float64 `json:"price"`
	} `json:"futures,omitempty"`

	RequiredBalances []struct {
		Exchange string  `json:"exchange"`
		Asset    string  `json:"asset"`
		Amount   float64 `json:"amount"`
	} `json:"required_balances,omitempty"`
}

// OpportunityFeed subscribes to the opportunities channel and delivers
// decoded opportunities to the coordinator. It implements
// domain.OpportunitySource.
type OpportunityFeed struct {
	bus    domain.SignalBus
	buffer int
	logger *slog.Logger
}

// NewOpportunityFeed creates an OpportunityFeed with the given channel
// buffer size.
func NewOpportunityFeed(bus domain.SignalBus, buffer int, logger *slog.Logger) *OpportunityFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &OpportunityFeed{
		bus:    bus,
		buffer: buffer,
		logger: logger.With(slog.String("component", "opportunity_feed")),
	}
}

// Opportunities subscribes to the bus and returns a channel of decoded
// opportunities. The channel closes when the subscription ends. Malformed
// payloads are logged and dropped, never delivered.
func (f *OpportunityFeed) Opportunities(ctx context.Context) (<-chan domain.ArbitrageOpportunity, error) {
	raw, err := f.bus.Subscribe(ctx, domain.ChannelOpportunities)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.ArbitrageOpportunity, f.buffer)
	go func() {
		defer close(out)
		f.logger.Info("opportunity feed started")
		defer f.logger.Info("opportunity feed stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-raw:
				if !ok {
					return
				}
				opp, err := decodeOpportunity(data)
				if err != nil {
					f.logger.Debug("dropping malformed opportunity",
						slog.String("error", err.Error()),
						slog.Int("payload_len", len(data)),
					)
					continue
				}
				select {
				case out <- opp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decodeOpportunity(data []byte) (domain.ArbitrageOpportunity, error) {
	var msg opportunityMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ArbitrageOpportunity{}, err
	}

	detectedAt := time.Now().UTC()
	if msg.DetectedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, msg.DetectedAt); err == nil {
			detectedAt = t
		}
	}

	opp := domain.ArbitrageOpportunity{
		ID:              strings.TrimSpace(msg.ID),
		Type:            domain.OpportunityType(strings.ToUpper(msg.Type)),
		Symbol:          msg.Symbol,
		BuyExchange:     msg.BuyExchange,
		SellExchange:    msg.SellExchange,
		BuyPrice:        msg.BuyPrice,
		SellPrice:       msg.SellPrice,
		MaxQuantity:     msg.MaxQuantity,
		EstProfitUSD:    msg.EstProfitUSD,
		MarginBps:       msg.MarginBps,
		ExecutionWindow: time.Duration(msg.ExecutionWindow) * time.Millisecond,
		DetectedAt:      detectedAt,
	}
	if msg.Type == "" {
		opp.Type = domain.OpportunityTypeSpotSpot
	}
	if msg.Futures != nil {
		opp.Futures = &domain.FuturesLeg{
			Exchange:   msg.Futures.Exchange,
			Symbol:     msg.Futures.Symbol,
			HedgeRatio: msg.Futures.HedgeRatio,
			Price:      msg.Futures.Price,
		}
	}
	for _, rb := range msg.RequiredBalances {
		opp.RequiredBalances = append(opp.RequiredBalances, domain.RequiredBalance{
			Exchange: rb.Exchange,
			Asset:    rb.Asset,
			Amount:   rb.Amount,
		})
	}

	if err := opp.Validate(); err != nil {
		return domain.ArbitrageOpportunity{}, err
	}
	return opp, nil
}

// Compile-time interface check.
var _ domain.OpportunitySource = (*OpportunityFeed)(nil)
