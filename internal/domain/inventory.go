package domain

import (
	"time"

	"github.com/google/uuid"
)

// InventoryRecord tracks finite stock for an item. Available never drops below zero.
type InventoryRecord struct {
	ItemID    uuid.UUID `json:"item_id"`
	Quantity  int64     `json:"quantity"`
	Reserved  int64     `json:"reserved_quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the stock that can still be reserved.
func (r InventoryRecord) Available() int64 {
	return r.Quantity - r.Reserved
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCommitted ReservationStatus = "committed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation holds stock for a pending transaction until it is committed,
// cancelled or expires.
type Reservation struct {
	ID            uuid.UUID         `json:"id"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	ItemID        uuid.UUID         `json:"item_id"`
	Quantity      int64             `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}
