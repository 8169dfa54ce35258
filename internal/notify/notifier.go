// Package notify delivers operator alerts for trading events over one or
// more channels. Alerts are best-effort: a delivery failure is logged and
// never blocks the trading loop.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quantara/perpbot/internal/domain"
)

// Event types operators can filter on.
const (
	EventTradeOpened  = "trade_opened"
	EventTradeClosed  = "trade_closed"
	EventPartialClose = "partial_close"
	EventRejected     = "action_rejected"
	EventHalted       = "halted"
	EventRecovered    = "recovered"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every configured sender, filtered by event
// type. An empty filter set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	log     *slog.Logger
}

// New creates a Notifier. events lists the event types to forward; empty
// means all.
func New(senders []Sender, events []string, log *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		log:     log.With("component", "notifier"),
	}
}

// TradeOpened announces a newly opened position.
func (n *Notifier) TradeOpened(ctx context.Context, pos domain.Position) {
	n.send(ctx, EventTradeOpened, "Position opened",
		fmt.Sprintf("%s %s %.6f @ %.2f (%dx)\nTP1 %.2f / TP2 %.2f / stop %.2f",
			strings.ToUpper(string(pos.Side)), pos.Instrument, pos.Size, pos.EntryPrice,
			pos.Leverage, pos.TP1, pos.TP2, pos.StopLoss))
}

// PartialClose announces a TP1 fill.
func (n *Notifier) PartialClose(ctx context.Context, pos domain.Position, realized float64) {
	n.send(ctx, EventPartialClose, "TP1 hit",
		fmt.Sprintf("%s closed %.0f%% for %+.2f, remaining %.6f, stop moved to %.2f",
			pos.Instrument, pos.TP1ClosePct*100, realized, pos.Size, pos.StopLoss))
}

// TradeClosed announces a fully closed trade.
func (n *Notifier) TradeClosed(ctx context.Context, trade domain.TradeRecord) {
	n.send(ctx, EventTradeClosed, "Position closed",
		fmt.Sprintf("%s %s closed (%s): %+.2f\nentry %.2f -> exit %.2f",
			strings.ToUpper(string(trade.Side)), trade.Instrument, trade.ExitReason,
			trade.RealizedPnL, trade.EntryPrice, trade.ExitPrice))
}

// Halted announces that the loop stopped taking new actions.
func (n *Notifier) Halted(ctx context.Context, reason string) {
	n.send(ctx, EventHalted, "TRADING HALTED", reason)
}

// Recovered announces completion of boot reconciliation.
func (n *Notifier) Recovered(ctx context.Context, positions int) {
	n.send(ctx, EventRecovered, "Reconciliation complete",
		fmt.Sprintf("%d open position(s) recovered, loop starting", positions))
}

// Rejected announces a risk-gate veto.
func (n *Notifier) Rejected(ctx context.Context, instrument string, err error) {
	n.send(ctx, EventRejected, "Action rejected",
		fmt.Sprintf("%s: %v", instrument, err))
}

func (n *Notifier) send(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.log.Warn("alert delivery failed", "sender", s.Name(), "event", event, "err", err)
		}
	}
}
