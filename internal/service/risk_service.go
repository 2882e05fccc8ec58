// Package service holds the application-facing facades: the pre-execution
// risk gate and the read-mostly query services the HTTP API is built on.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/quantfold/arbot/internal/config"
	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/lifecycle"
)

// RiskService gates opportunity admission. Every opportunity passes
// through Check before the coordinator reserves balance for it; a
// non-nil error names the first failed check and vetoes execution.
type RiskService struct {
	machine   *lifecycle.Machine
	positions *ledger.PositionLedger
	cfg       config.RiskConfig
	paused    atomic.Bool
	logger    *slog.Logger
}

// NewRiskService creates a RiskService with all required dependencies.
func NewRiskService(
	machine *lifecycle.Machine,
	positions *ledger.PositionLedger,
	cfg config.RiskConfig,
	logger *slog.Logger,
) *RiskService {
	return &RiskService{
		machine:   machine,
		positions: positions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk_service")),
	}
}

// Pause vetoes all new opportunities until Resume is called. In-flight
// operations are unaffected.
func (s *RiskService) Pause()       { s.paused.Store(true) }
func (s *RiskService) Resume()      { s.paused.Store(false) }
func (s *RiskService) Paused() bool { return s.paused.Load() }

// Check validates an opportunity against the configured risk limits.
//
// Checks performed:
//  1. Admission not paused
//  2. Maximum number of concurrent operations
//  3. Per-operation notional within limits
//  4. Profit margin above the minimum
//  5. Total exposure (open positions + this operation) within limits
func (s *RiskService) Check(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	if s.paused.Load() {
		return fmt.Errorf("risk_service: admission paused")
	}

	active := s.machine.ActiveCount()
	if active >= s.cfg.MaxConcurrentOps {
		s.logger.WarnContext(ctx, "max concurrent operations reached",
			slog.String("opportunity_id", opp.ID),
			slog.Int("active", active),
			slog.Int("max", s.cfg.MaxConcurrentOps),
		)
		return fmt.Errorf("risk_service: max concurrent operations reached (%d/%d)", active, s.cfg.MaxConcurrentOps)
	}

	notional := opp.BuyPrice * opp.MaxQuantity
	if opp.Futures != nil {
		notional += opp.Futures.Price * opp.MaxQuantity * opp.Futures.HedgeRatio
	}
	if notional > s.cfg.MaxNotionalPerOp {
		s.logger.WarnContext(ctx, "operation notional exceeds limit",
			slog.String("opportunity_id", opp.ID),
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxNotionalPerOp),
		)
		return fmt.Errorf("risk_service: notional %.2f exceeds max %.2f", notional, s.cfg.MaxNotionalPerOp)
	}

	if opp.MarginBps < s.cfg.MinMarginBps {
		return fmt.Errorf("risk_service: margin %.1f bps below minimum %.1f bps", opp.MarginBps, s.cfg.MinMarginBps)
	}

	exposure := s.positions.Exposure("")
	if exposure+notional > s.cfg.MaxTotalExposure {
		s.logger.WarnContext(ctx, "total exposure limit reached",
			slog.String("opportunity_id", opp.ID),
			slog.Float64("exposure", exposure),
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxTotalExposure),
		)
		return fmt.Errorf("risk_service: exposure %.2f + notional %.2f exceeds max %.2f", exposure, notional, s.cfg.MaxTotalExposure)
	}

	return nil
}
