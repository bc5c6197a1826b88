package domain

import (
	"strings"
	"time"
)

// Shipping: данные доставки заказа.
type Shipping struct {
	Recipient      string
	Phone          string
	AddressLine1   string
	AddressLine2   string
	City           string
	PostalCode     string
	Country        string
	Carrier        string
	TrackingNumber string
	ShippedAt      time.Time
	DeliveredAt    time.Time
}

// Validate проверяет, что адрес доставки заполнен.
func (s Shipping) Validate() []error {
	if strings.TrimSpace(s.Recipient) == "" ||
		strings.TrimSpace(s.AddressLine1) == "" ||
		strings.TrimSpace(s.City) == "" ||
		strings.TrimSpace(s.Country) == "" {
		return []error{ErrShippingAddressRequired}
	}
	return nil
}
