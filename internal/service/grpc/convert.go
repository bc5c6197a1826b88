package grpcsvc

import (
	"time"

	checkoutv1 "github.com/vladislavdragonenkov/checkout/api/checkout/v1"
	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func fromAPILines(lines []checkoutv1.Line) []domain.Line {
	result := make([]domain.Line, 0, len(lines))
	for _, line := range lines {
		result = append(result, domain.Line{SKU: line.SKU, Qty: line.Qty})
	}
	return result
}

func fromAPIShipping(s checkoutv1.Shipping) domain.Shipping {
	return domain.Shipping{
		Recipient:    s.Recipient,
		Phone:        s.Phone,
		AddressLine1: s.AddressLine1,
		AddressLine2: s.AddressLine2,
		City:         s.City,
		PostalCode:   s.PostalCode,
		Country:      s.Country,
	}
}

func fromAPIPayments(payments []checkoutv1.Payment) []domain.Payment {
	result := make([]domain.Payment, 0, len(payments))
	for _, p := range payments {
		paymentStatus := domain.PaymentStatus(p.Status)
		if paymentStatus == "" {
			paymentStatus = domain.PaymentStatusPending
		}
		result = append(result, domain.Payment{
			Method:        p.Method,
			TransactionID: p.TransactionID,
			Status:        paymentStatus,
			AmountMinor:   p.AmountMinor,
		})
	}
	return result
}

func toAPICartLine(line domain.CartLine) checkoutv1.CartLine {
	return checkoutv1.CartLine{
		CartID:    line.CartID,
		SKU:       line.SKU,
		Qty:       line.Qty,
		UpdatedAt: line.UpdatedAt,
	}
}

func toAPIReasons(reasons []domain.RejectReason) []checkoutv1.RejectReason {
	result := make([]checkoutv1.RejectReason, 0, len(reasons))
	for _, reason := range reasons {
		result = append(result, checkoutv1.RejectReason{
			SKU:       reason.SKU,
			Code:      string(reason.Code),
			Requested: reason.Requested,
			Available: reason.Available,
		})
	}
	return result
}

func toAPIOrder(order domain.Order) checkoutv1.Order {
	lines := make([]checkoutv1.OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, checkoutv1.OrderLine{
			SKU:            line.SKU,
			Qty:            line.Qty,
			UnitPriceMinor: line.UnitPriceMinor,
			TotalMinor:     line.TotalMinor(),
		})
	}

	payments := make([]checkoutv1.Payment, 0, len(order.Payments))
	for _, p := range order.Payments {
		payments = append(payments, checkoutv1.Payment{
			ID:            p.ID,
			Method:        p.Method,
			TransactionID: p.TransactionID,
			Status:        string(p.Status),
			AmountMinor:   p.AmountMinor,
		})
	}

	return checkoutv1.Order{
		ID:         order.ID,
		Number:     order.Number,
		UserID:     order.UserID,
		Status:     string(order.Status),
		Currency:   order.Currency,
		TotalMinor: order.TotalMinor,
		Note:       order.Note,
		Shipping: checkoutv1.Shipping{
			Recipient:      order.Shipping.Recipient,
			Phone:          order.Shipping.Phone,
			AddressLine1:   order.Shipping.AddressLine1,
			AddressLine2:   order.Shipping.AddressLine2,
			City:           order.Shipping.City,
			PostalCode:     order.Shipping.PostalCode,
			Country:        order.Shipping.Country,
			Carrier:        order.Shipping.Carrier,
			TrackingNumber: order.Shipping.TrackingNumber,
			ShippedAt:      optionalTime(order.Shipping.ShippedAt),
			DeliveredAt:    optionalTime(order.Shipping.DeliveredAt),
		},
		Payments:        payments,
		Lines:           lines,
		Version:         order.Version,
		ReserveDeadline: order.ReserveDeadline,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func toAPITimeline(events []domain.TimelineEvent) []checkoutv1.TimelineEvent {
	result := make([]checkoutv1.TimelineEvent, 0, len(events))
	for _, event := range events {
		result = append(result, checkoutv1.TimelineEvent{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	return result
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
