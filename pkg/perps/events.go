package perps

// EventType tags an emitted engine event.
type EventType string

const (
	EventOrderCreated       EventType = "order_created"
	EventOrderCanceled      EventType = "order_canceled"
	EventOrderMatched       EventType = "order_matched"
	EventOrderReleased      EventType = "order_released"
	EventPositionOpened     EventType = "position_opened"
	EventPositionChanged    EventType = "position_changed"
	EventPositionClosed     EventType = "position_closed"
	EventCollateralIncrease EventType = "collateral_increased"
	EventCollateralRelease  EventType = "collateral_released"
	EventPositionLiquidated EventType = "position_liquidated"
	EventFundingUpdated     EventType = "funding_updated"
	EventReceiptsSettled    EventType = "receipts_settled"
)

// Event is the structured record every state-changing operation emits.
// Events are consumed by off-chain indexers and feeds, never by control
// flow.
type Event struct {
	Type        EventType `json:"type"`
	Market      string    `json:"market"`
	Symbol      string    `json:"symbol"`
	User        string    `json:"user,omitempty"`
	OrderID     uint64    `json:"orderId,omitempty"`
	PositionID  uint64    `json:"positionId,omitempty"`
	Side        string    `json:"side,omitempty"`
	Size        uint64    `json:"size,omitempty"`
	Price       uint64    `json:"price,omitempty"`
	Before      uint64    `json:"before,omitempty"`
	After       uint64    `json:"after,omitempty"`
	Fee         uint64    `json:"fee,omitempty"`
	Pnl         Signed    `json:"pnl,omitempty"`
	Funding     Signed    `json:"funding,omitempty"`
	TimestampMs int64     `json:"timestampMs"`
}

// EventSink receives engine events.
type EventSink interface {
	Emit(Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// ChanSink forwards events to a channel, dropping when the channel is
// full so the engine never blocks on a slow consumer.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a buffered channel sink.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

func (s *ChanSink) Emit(ev Event) {
	select {
	case s.C <- ev:
	default:
	}
}
