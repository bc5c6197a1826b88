package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

const (
	TimelineOrderCommitted      = "OrderCommitted"
	TimelineLinesUpdated        = "OrderLinesUpdated"
	TimelinePaymentConfirmed    = "PaymentConfirmed"
	TimelineReservationReleased = "ReservationReleased"
	TimelineStatusChanged       = "OrderStatusChanged"
)

// timelineByEvent сопоставляет события заказа в outbox записям timeline.
var timelineByEvent = map[string]string{
	EventOrderCommitted:      TimelineOrderCommitted,
	EventOrderLinesUpdated:   TimelineLinesUpdated,
	EventOrderPaid:           TimelinePaymentConfirmed,
	EventReservationReleased: TimelineReservationReleased,
	EventOrderStatusChanged:  TimelineStatusChanged,
}

// TimelineTypeFor возвращает тип записи timeline для события заказа.
// stock.restocked и прочие события склада в timeline заказа не попадают.
func TimelineTypeFor(eventType string) (string, bool) {
	timelineType, ok := timelineByEvent[eventType]
	return timelineType, ok
}
