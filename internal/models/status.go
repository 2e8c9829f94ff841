package models

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPending        Status = "pending"
	StatusAwaitingRider  Status = "awaiting_rider"
	StatusRiderAssigned  Status = "rider_assigned"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusPickedUp       Status = "picked_up"
	StatusOnTheWay       Status = "on_the_way"
	StatusDelivered      Status = "delivered"
	StatusRejected       Status = "rejected"
	StatusAutoRejected   Status = "auto_rejected"
	StatusCancelled      Status = "cancelled"
)

// validTransitions is the forward graph. preparing and ready are
// skippable so restaurants with a lighter workflow can jump straight
// to picked_up. Side branches (rejected/auto_rejected/cancelled) are
// reachable from any pre-picked_up state; auto_rejected additionally
// only fires while still pending, which the sweeper enforces.
var validTransitions = map[Status][]Status{
	StatusPendingPayment: {StatusPending, StatusRejected, StatusCancelled},
	StatusPending:        {StatusAwaitingRider, StatusRejected, StatusAutoRejected, StatusCancelled},
	StatusAwaitingRider:  {StatusRiderAssigned, StatusRejected, StatusCancelled},
	StatusRiderAssigned:  {StatusPreparing, StatusReady, StatusPickedUp, StatusRejected, StatusCancelled},
	StatusPreparing:      {StatusReady, StatusPickedUp, StatusRejected, StatusCancelled},
	StatusReady:          {StatusPickedUp, StatusRejected, StatusCancelled},
	StatusPickedUp:       {StatusOnTheWay, StatusDelivered},
	StatusOnTheWay:       {StatusDelivered},
	StatusDelivered:      {},
	StatusRejected:       {},
	StatusAutoRejected:   {},
	StatusCancelled:      {},
}

func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRejected, StatusAutoRejected, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LiveStatuses are the non-terminal states whose orders belong in the
// order registry, used when rebuilding projections on startup.
func LiveStatuses() []Status {
	return []Status{
		StatusPendingPayment, StatusPending, StatusAwaitingRider,
		StatusRiderAssigned, StatusPreparing, StatusReady,
		StatusPickedUp, StatusOnTheWay,
	}
}
