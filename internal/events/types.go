package events

// Event enumerates topics published on the bus.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventOrderFilled    Event = "order.filled"
	EventOrderTerminal  Event = "order.terminal"
	EventPositionChange Event = "position_change"
	EventCompliance     Event = "compliance"
	EventRiskAlert      Event = "risk_alert"
	EventSupervisor     Event = "supervisor"
)

// All lists every topic, used by subscribers that stream everything.
var All = []Event{
	EventPriceTick,
	EventOrderUpdate,
	EventOrderFilled,
	EventOrderTerminal,
	EventPositionChange,
	EventCompliance,
	EventRiskAlert,
	EventSupervisor,
}
