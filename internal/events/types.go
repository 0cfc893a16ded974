package events

// Event enumerates high-level topics inside the routing engine.
type Event string

const (
	EventOrderSubmitted   Event = "order.submitted"
	EventOrderAccepted    Event = "order.accepted"
	EventOrderRejected    Event = "order.rejected"
	EventOrderFilled      Event = "order.filled"
	EventOrderUpdate      Event = "order.update"
	EventHealthAlert      Event = "health.alert"
	EventReconDrift       Event = "recon.drift"
	EventAllocationDenied Event = "allocation.denied"
	EventStuckAllocation  Event = "allocation.stuck"
)
