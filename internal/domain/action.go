package domain

// ActionKind discriminates the proposed actions a strategy can emit.
type ActionKind string

const (
	ActionNone         ActionKind = "none"
	ActionOpen         ActionKind = "open"
	ActionPartialClose ActionKind = "partial_close"
	ActionFullClose    ActionKind = "full_close"
)

// PendingAction is the transient value produced by the decision engine,
// validated by the risk engine, and consumed by the state machine within a
// single iteration. It is never persisted directly; only its outcome is.
type PendingAction struct {
	Kind       ActionKind
	Instrument string
	Side       Side

	// Open fields.
	Size       float64
	Leverage   int
	EntryPrice float64 // reference price at decision time
	TP1        float64
	TP2        float64
	StopLoss   float64
	Confidence float64

	// Close fields.
	CloseSize  float64
	ExitReason ExitReason
	Detail     string
}

// NoOp reports whether the action requires no work this iteration.
func (a PendingAction) NoOp() bool {
	return a.Kind == ActionNone || a.Kind == ""
}
