package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFixed      CommissionType = "fixed"
)

// AffiliateCampaign links an affiliate to an item with a commission rule.
// CommissionRate is a percentage in [0,100]; CommissionFixedCents applies to fixed campaigns.
type AffiliateCampaign struct {
	ID                   uuid.UUID       `json:"id"`
	AffiliateID          uuid.UUID       `json:"affiliate_id"`
	ItemID               uuid.UUID       `json:"item_id"`
	CommissionType       CommissionType  `json:"commission_type"`
	CommissionRate       decimal.Decimal `json:"commission_rate"`
	CommissionFixedCents int64           `json:"commission_fixed_cents"`
	CookieWindowDays     int             `json:"cookie_window_days"`
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Window is the attribution window of the campaign.
func (c AffiliateCampaign) Window() time.Duration {
	return time.Duration(c.CookieWindowDays) * 24 * time.Hour
}

// AffiliateLink is a short code resolving to a campaign destination.
type AffiliateLink struct {
	ShortCode      string    `json:"short_code"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	AffiliateID    uuid.UUID `json:"affiliate_id"`
	ItemID         uuid.UUID `json:"item_id"`
	DestinationURL string    `json:"destination_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// AffiliateClick is immutable after creation apart from Converted and ConversionID.
// Seq is the store-assigned insertion order used to break timestamp ties.
type AffiliateClick struct {
	ID           uuid.UUID  `json:"id"`
	Seq          int64      `json:"seq"`
	CampaignID   uuid.UUID  `json:"campaign_id"`
	AffiliateID  uuid.UUID  `json:"affiliate_id"`
	ItemID       uuid.UUID  `json:"item_id"`
	VisitorID    string     `json:"visitor_id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	ClickedAt    time.Time  `json:"clicked_at"`
	Converted    bool       `json:"converted"`
	ConversionID *uuid.UUID `json:"conversion_id,omitempty"`
}

// AffiliateConversion ties exactly one click to exactly one transaction.
type AffiliateConversion struct {
	ID               uuid.UUID `json:"id"`
	ClickID          uuid.UUID `json:"click_id"`
	TransactionID    uuid.UUID `json:"transaction_id"`
	CampaignID       uuid.UUID `json:"campaign_id"`
	AffiliateID      uuid.UUID `json:"affiliate_id"`
	CommissionAmount int64     `json:"commission_amount"`
	SubscriptionID   *string   `json:"subscription_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// AffiliateCommission is one commission credit, either the initial conversion
// or a recurring subscription charge tied to the original conversion.
type AffiliateCommission struct {
	ID            uuid.UUID `json:"id"`
	ConversionID  uuid.UUID `json:"conversion_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AffiliateID   uuid.UUID `json:"affiliate_id"`
	Amount        int64     `json:"amount"`
	Recurring     bool      `json:"recurring"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateCampaignRequest is the body of POST /affiliate/campaigns.
type CreateCampaignRequest struct {
	ItemID               uuid.UUID       `json:"item_id"`
	CommissionType       CommissionType  `json:"commission_type"`
	CommissionRate       decimal.Decimal `json:"commission_rate"`
	CommissionFixedCents int64           `json:"commission_fixed_cents"`
	CookieWindowDays     int             `json:"cookie_window_days"`
}
