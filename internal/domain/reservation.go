package domain

import "time"

// BalanceReservation is a time-bounded claim on exchange funds held by
// one operation. Reservations are the only mechanism through which an
// operation may consider funds committed.
type BalanceReservation struct {
	ID          string
	Exchange    string
	Asset       string
	Amount      float64
	OperationID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the reservation has passed its TTL.
func (r BalanceReservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
