package pricing

import (
	"fmt"
	"math"

	"github.com/metermint/creditledger/internal/models"
)

// MicrosPerCredit is the fixed-point scale for credit amounts.
const MicrosPerCredit = 1_000_000

// MinChargeableMicros is the minimum chargeable unit: one hundredth of a
// credit. Final costs are rounded up to this unit, never down.
const MinChargeableMicros = 10_000

// Markup is a closed variant over the three markup strategies. Decoding from
// the rule row happens once, here; everything downstream dispatches on the
// kind, not on strings.
type Markup struct {
	kind  models.MarkupType
	value float64
}

// NewMarkup validates and constructs a Markup from rule columns.
func NewMarkup(kind models.MarkupType, value float64) (Markup, error) {
	switch kind {
	case models.MarkupPercentage, models.MarkupFixed, models.MarkupMultiplier:
	default:
		return Markup{}, fmt.Errorf("pricing: unknown markup type: %s", kind)
	}
	if value < 0 {
		return Markup{}, fmt.Errorf("pricing: negative markup value: %v", value)
	}
	return Markup{kind: kind, value: value}, nil
}

// Percentage returns a base*(1+v) markup.
func Percentage(v float64) Markup { return Markup{kind: models.MarkupPercentage, value: v} }

// Fixed returns a base+v markup, v in credits.
func Fixed(v float64) Markup { return Markup{kind: models.MarkupFixed, value: v} }

// Multiplier returns a base*v markup.
func Multiplier(v float64) Markup { return Markup{kind: models.MarkupMultiplier, value: v} }

// Apply transforms a base cost in micros.
func (m Markup) Apply(baseMicros int64) int64 {
	base := float64(baseMicros)
	switch m.kind {
	case models.MarkupPercentage:
		return int64(math.Ceil(base * (1 + m.value)))
	case models.MarkupFixed:
		return baseMicros + int64(math.Ceil(m.value*MicrosPerCredit))
	case models.MarkupMultiplier:
		return int64(math.Ceil(base * m.value))
	default:
		return baseMicros
	}
}

// CeilToChargeableUnit rounds micros up to the minimum chargeable unit.
func CeilToChargeableUnit(micros int64) int64 {
	if micros <= 0 {
		return 0
	}
	units := (micros + MinChargeableMicros - 1) / MinChargeableMicros
	return units * MinChargeableMicros
}
