package domain

import (
	"time"

	"github.com/google/uuid"
)

type AdCampaignStatus string

const (
	AdCampaignActive AdCampaignStatus = "active"
	AdCampaignPaused AdCampaignStatus = "paused"
)

// AdCreative is what gets rendered in the placement.
type AdCreative struct {
	Headline string `json:"headline"`
	Body     string `json:"body,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	ClickURL string `json:"click_url"`
}

// AdCampaign carries targeting rules and the daily budget. Spend is tracked by the budget ledger.
// ExhaustedOn is the UTC day on which the budget last ran out.
type AdCampaign struct {
	ID               uuid.UUID        `json:"id"`
	AdvertiserID     uuid.UUID        `json:"advertiser_id"`
	Name             string           `json:"name"`
	Status           AdCampaignStatus `json:"status"`
	PlacementTypes   []string         `json:"placement_types"`
	TargetSegments   []string         `json:"target_segments"`
	Keywords         []string         `json:"keywords"`
	Geo              []string         `json:"geo,omitempty"`
	Devices          []string         `json:"devices,omitempty"`
	BidAmountCents   int64            `json:"bid_amount_cents"`
	DailyBudgetCents int64            `json:"daily_budget_cents"`
	StartsAt         *time.Time       `json:"starts_at,omitempty"`
	EndsAt           *time.Time       `json:"ends_at,omitempty"`
	ExhaustedOn      *time.Time       `json:"exhausted_on,omitempty"`
	Creative         AdCreative       `json:"creative"`
	CreatedAt        time.Time        `json:"created_at"`
}

// PlacementRequest is the body of POST /ads/select.
type PlacementRequest struct {
	Placement      string   `json:"placement"`
	UserSegments   []string `json:"user_segments"`
	ThreadKeywords []string `json:"thread_keywords"`
	Geo            string   `json:"geo,omitempty"`
	Device         string   `json:"device,omitempty"`
}

// AdSelection is the winning ad for a placement.
type AdSelection struct {
	CampaignID   uuid.UUID  `json:"campaign_id"`
	ImpressionID uuid.UUID  `json:"impression_id"`
	Score        float64    `json:"score"`
	CostCents    int64      `json:"cost_cents"`
	Creative     AdCreative `json:"creative"`
}

// AdImpression records a served ad and the spend it consumed.
type AdImpression struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Placement  string    `json:"placement"`
	Score      float64   `json:"score"`
	CostCents  int64     `json:"cost_cents"`
	ServedAt   time.Time `json:"served_at"`
}
