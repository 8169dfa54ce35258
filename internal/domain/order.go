package domain

// OrderStatus is the exchange-reported state of a submitted order.
type OrderStatus string

const (
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// OrderRequest is a submission to the execution gateway. Token is the
// idempotency token: re-delivering a request with the same token must not
// cause duplicate effects.
type OrderRequest struct {
	Token      string // idempotency token, required on every submission
	Instrument string
	Side       Side // direction of the resulting exposure
	Size       float64
	Leverage   int
	ReduceOnly bool // close or reduce the existing position only
}

// OrderResult is the fixed-schema outcome of a submission or status query.
type OrderResult struct {
	Token      string
	OrderID    string
	Status     OrderStatus
	FillPrice  float64
	FilledSize float64
	Message    string
	Retryable  bool // the gateway believes a resubmission may succeed
}

// ExchangePosition is the exchange's authoritative view of one instrument,
// used during boot reconciliation.
type ExchangePosition struct {
	Instrument string
	Side       Side
	Size       float64 // zero when flat
	EntryPrice float64
}
