package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemType discriminates the ItemDetails variants.
type ItemType string

const (
	ItemPhysical     ItemType = "physical"
	ItemDigital      ItemType = "digital"
	ItemSubscription ItemType = "subscription"
	ItemService      ItemType = "service"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemPhysical, ItemDigital, ItemSubscription, ItemService:
		return true
	}
	return false
}

// Item is a purchasable listing. InventoryCount is nil for items without finite stock.
type Item struct {
	ID                 uuid.UUID   `json:"id"`
	SellerID           uuid.UUID   `json:"seller_id"`
	Title              string      `json:"title"`
	ItemType           ItemType    `json:"item_type"`
	PriceCents         int64       `json:"price_cents"`
	Currency           string      `json:"currency"`
	InventoryCount     *int64      `json:"inventory_count,omitempty"`
	UsesEscrow         bool        `json:"uses_escrow"`
	EscrowReleaseType  ReleaseType `json:"escrow_release_type,omitempty"`
	EscrowReleaseAfter *int64      `json:"escrow_release_after_hours,omitempty"`
	AgreementID        *uuid.UUID  `json:"agreement_id,omitempty"`
	Details            ItemDetails `json:"details"`
	IsActive           bool        `json:"is_active"`
	CreatedAt          time.Time   `json:"created_at"`
}

// ItemDetails is the per-type metadata of an item. The concrete type always
// matches the item's ItemType.
type ItemDetails interface {
	ItemType() ItemType
	isItemDetails()
}

type PhysicalDetails struct {
	WeightGrams     int64    `json:"weight_grams,omitempty"`
	ShipsFrom       string   `json:"ships_from,omitempty"`
	ShippingRegions []string `json:"shipping_regions,omitempty"`
}

type DigitalDetails struct {
	DeliveryURL string `json:"delivery_url"`
	License     string `json:"license,omitempty"`
}

type SubscriptionDetails struct {
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
}

type ServiceDetails struct {
	DurationHours int        `json:"duration_hours,omitempty"`
	AgreementID   *uuid.UUID `json:"agreement_id,omitempty"`
}

func (PhysicalDetails) ItemType() ItemType     { return ItemPhysical }
func (DigitalDetails) ItemType() ItemType      { return ItemDigital }
func (SubscriptionDetails) ItemType() ItemType { return ItemSubscription }
func (ServiceDetails) ItemType() ItemType      { return ItemService }

func (PhysicalDetails) isItemDetails()     {}
func (DigitalDetails) isItemDetails()      {}
func (SubscriptionDetails) isItemDetails() {}
func (ServiceDetails) isItemDetails()      {}

// DecodeItemDetails parses the raw metadata blob stored with an item into the
// variant selected by itemType. Empty input yields the zero value of the variant.
func DecodeItemDetails(itemType ItemType, raw []byte) (ItemDetails, error) {
	empty := len(raw) == 0 || string(raw) == "null"
	switch itemType {
	case ItemPhysical:
		var d PhysicalDetails
		if err := decodeInto(empty, raw, &d, itemType); err != nil {
			return nil, err
		}
		return d, nil
	case ItemDigital:
		var d DigitalDetails
		if err := decodeInto(empty, raw, &d, itemType); err != nil {
			return nil, err
		}
		return d, nil
	case ItemSubscription:
		var d SubscriptionDetails
		if err := decodeInto(empty, raw, &d, itemType); err != nil {
			return nil, err
		}
		return d, nil
	case ItemService:
		var d ServiceDetails
		if err := decodeInto(empty, raw, &d, itemType); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown item type %q", itemType)
}

func decodeInto(empty bool, raw []byte, target any, itemType ItemType) error {
	if empty {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s details: %w", itemType, err)
	}
	return nil
}
