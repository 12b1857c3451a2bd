/**
 * @description
 * Fee calculation for a single sale. The platform rate comes from the earner
 * type, adjusted per item type and lowered by trailing 30 day volume tiers down
 * to a floor. Processing is a percentage plus a fixed fee. All arithmetic runs
 * on decimals and lands on integer cents.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact decimal arithmetic.
 */

package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Rounding selects how the fractional cent of the processing fee is settled.
type Rounding string

const (
	RoundUp   Rounding = "up"
	RoundDown Rounding = "down"
)

// ParseRounding accepts "up" or "down", defaulting to up.
func ParseRounding(value string) Rounding {
	if strings.EqualFold(strings.TrimSpace(value), string(RoundDown)) {
		return RoundDown
	}
	return RoundUp
}

// VolumeTier lowers the platform rate by DiscountPoints once trailing volume reaches ThresholdCents.
type VolumeTier struct {
	ThresholdCents int64
	DiscountPoints decimal.Decimal
}

// FeeSchedule holds every rate used by the calculator. Rates are percentages.
type FeeSchedule struct {
	BaseRates            map[domain.EarnerType]decimal.Decimal
	ItemTypeAdjustments  map[domain.ItemType]decimal.Decimal
	VolumeTiers          []VolumeTier
	FloorPercent         decimal.Decimal
	ProcessingPercent    decimal.Decimal
	ProcessingFixedCents int64
	ProcessingRounding   Rounding
}

// DefaultFeeSchedule returns the published fee table.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BaseRates: map[domain.EarnerType]decimal.Decimal{
			domain.EarnerDeveloper:  decimal.NewFromInt(20),
			domain.EarnerCreator:    decimal.NewFromInt(15),
			domain.EarnerInfluencer: decimal.NewFromInt(15),
			domain.EarnerVendor:     decimal.NewFromInt(10),
			domain.EarnerAdvertiser: decimal.NewFromInt(10),
			domain.EarnerAffiliate:  decimal.NewFromInt(5),
		},
		ItemTypeAdjustments: map[domain.ItemType]decimal.Decimal{},
		VolumeTiers: []VolumeTier{
			{ThresholdCents: 1_000_000, DiscountPoints: decimal.NewFromInt(5)},
			{ThresholdCents: 5_000_000, DiscountPoints: decimal.NewFromInt(10)},
		},
		FloorPercent:         decimal.NewFromInt(2),
		ProcessingPercent:    decimal.RequireFromString("2.9"),
		ProcessingFixedCents: 30,
		ProcessingRounding:   RoundUp,
	}
}

// FeeInput is one sale to price.
type FeeInput struct {
	EarnerType          domain.EarnerType
	ItemType            domain.ItemType
	AmountCents         int64
	TrailingVolumeCents int64
}

var hundred = decimal.NewFromInt(100)

type FeeCalculator struct {
	schedule FeeSchedule
}

func NewFeeCalculator(schedule FeeSchedule) *FeeCalculator {
	tiers := append([]VolumeTier(nil), schedule.VolumeTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ThresholdCents > tiers[j].ThresholdCents })
	schedule.VolumeTiers = tiers
	if schedule.ProcessingRounding == "" {
		schedule.ProcessingRounding = RoundUp
	}
	return &FeeCalculator{schedule: schedule}
}

// Rate returns the platform percentage for the earner, item type and trailing volume.
func (c *FeeCalculator) Rate(earnerType domain.EarnerType, itemType domain.ItemType, trailingVolume int64) (decimal.Decimal, error) {
	base, ok := c.schedule.BaseRates[earnerType]
	if !ok {
		return decimal.Zero, &InvalidEarnerTypeError{EarnerType: earnerType}
	}
	if !itemType.Valid() {
		return decimal.Zero, validation("item_type", fmt.Sprintf("unknown item type %q", itemType))
	}
	if trailingVolume < 0 {
		return decimal.Zero, &NegativeAmountError{Amount: trailingVolume}
	}

	rate := base.Add(c.schedule.ItemTypeAdjustments[itemType])
	for _, tier := range c.schedule.VolumeTiers {
		if trailingVolume >= tier.ThresholdCents {
			rate = rate.Sub(tier.DiscountPoints)
			break
		}
	}
	if rate.LessThan(c.schedule.FloorPercent) {
		rate = c.schedule.FloorPercent
	}
	return rate, nil
}

// Calculate prices a sale. The three parts always add back to the amount.
func (c *FeeCalculator) Calculate(in FeeInput) (domain.FeeBreakdown, error) {
	if in.AmountCents <= 0 {
		return domain.FeeBreakdown{}, &NegativeAmountError{Amount: in.AmountCents}
	}
	rate, err := c.Rate(in.EarnerType, in.ItemType, in.TrailingVolumeCents)
	if err != nil {
		return domain.FeeBreakdown{}, err
	}

	amount := decimal.NewFromInt(in.AmountCents)
	platform := amount.Mul(rate).Div(hundred).Round(0).IntPart()

	processingPart := amount.Mul(c.schedule.ProcessingPercent).Div(hundred)
	if c.schedule.ProcessingRounding == RoundDown {
		processingPart = processingPart.Floor()
	} else {
		processingPart = processingPart.Ceil()
	}
	processing := processingPart.IntPart() + c.schedule.ProcessingFixedCents

	net := in.AmountCents - platform - processing
	if net < 0 {
		return domain.FeeBreakdown{}, validation("amount", fmt.Sprintf("fees of %d cents exceed amount %d", platform+processing, in.AmountCents))
	}
	if platform+processing+net != in.AmountCents {
		return domain.FeeBreakdown{}, fmt.Errorf("%w: fee parts do not sum to amount", ErrInvariantViolation)
	}

	return domain.FeeBreakdown{
		PlatformFee:    platform,
		ProcessingFee:  processing,
		Net:            net,
		PlatformRateBP: rate.Mul(hundred).Round(0).IntPart(),
	}, nil
}
