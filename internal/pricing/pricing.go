package pricing

import (
	"github.com/ParcelPilot/ParcelDesk/internal/models"
	"github.com/shopspring/decimal"
)

// Rate is the fee schedule for one service tier.
type Rate struct {
	Base  decimal.Decimal // flat fee
	PerKg decimal.Decimal
}

var rates = map[string]Rate{
	models.ServiceTierStandard: {Base: dec("9.99"), PerKg: dec("2.00")},
	models.ServiceTierExpress:  {Base: dec("19.99"), PerKg: dec("3.00")},
	models.ServiceTierSameDay:  {Base: dec("39.99"), PerKg: dec("4.00")},
}

// Calculate derives the shipment price: base + weight*rate, rounded to two
// decimal places half-away-from-zero. Unknown tiers are priced as standard.
// The result is computed exactly once per package, at creation; weight
// validation happens at the boundary, not here.
func Calculate(serviceTier string, weight decimal.Decimal) decimal.Decimal {
	r, ok := rates[serviceTier]
	if !ok {
		r = rates[models.ServiceTierStandard]
	}
	return r.Base.Add(weight.Mul(r.PerKg)).Round(2)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
