// Package billing reconstructs the electricity bill of a simulated schedule.
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/raterudder/dersched/pkg/simulator"
	"github.com/raterudder/dersched/pkg/tariff"
	"github.com/raterudder/dersched/pkg/types"
)

// Charges is the unrounded breakdown of a bill.
type Charges struct {
	Energy    decimal.Decimal
	Tiers     decimal.Decimal
	Demand    decimal.Decimal
	NEMCredit decimal.Decimal
	Demands   []DemandCharge
}

// DemandCharge is the charge of a single demand charge instance.
type DemandCharge struct {
	Key    types.DemandChargeKey
	PeakKW float64
	Amount decimal.Decimal
}

// Total is what the customer pays.
func (c Charges) Total() decimal.Decimal {
	return c.Energy.Add(c.Tiers).Add(c.Demand).Sub(c.NEMCredit)
}

// Bill rounds every amount to cents.
func (c Charges) Bill() *types.Bill {
	b := &types.Bill{
		Energy:    cents(c.Energy),
		Tiers:     cents(c.Tiers),
		Demand:    cents(c.Demand),
		NEMCredit: cents(c.NEMCredit),
		Total:     cents(c.Total()),
	}
	for _, d := range c.Demands {
		b.Demands = append(b.Demands, types.DemandChargeLine{
			Key:    d.Key,
			PeakKW: d.PeakKW,
			Amount: cents(d.Amount),
		})
	}
	return b
}

func cents(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// Calculate bills the simulated steps. Energy and export prices come from
// the results, which already carry the tariff scaling. Demand charges are
// billed at their full rate on the largest net demand of their masked steps.
func Calculate(res *simulator.Results, series *tariff.Series, t types.Tariff) (Charges, error) {
	var c Charges
	if res.Year != series.Year || res.IntervalMinutes != series.IntervalMinutes {
		return c, fmt.Errorf("%w: results for %d/%dm do not match tariff series for %d/%dm",
			types.ErrConfiguration, res.Year, res.IntervalMinutes, series.Year, series.IntervalMinutes)
	}
	if res.Offset+res.Len() > len(series.Timestamps) {
		return c, fmt.Errorf("%w: results extend past the tariff series", types.ErrConfiguration)
	}
	hours := decimal.NewFromFloat(res.Hours())

	monthly := make(map[time.Month]float64)
	for i, net := range res.Net {
		if net > 0 {
			kwh := decimal.NewFromFloat(net).Mul(hours)
			c.Energy = c.Energy.Add(kwh.Mul(decimal.NewFromFloat(res.EnergyPrice[i])))
		}
		if series.NEMPrice != nil && res.Export[i] > 0 {
			kwh := decimal.NewFromFloat(res.Export[i]).Mul(hours)
			c.NEMCredit = c.NEMCredit.Add(kwh.Mul(decimal.NewFromFloat(res.NEMPrice[i])))
		}
		monthly[res.Timestamps[i].Month()] += net * res.Hours()
	}

	factor := decimal.NewFromFloat(t.Scaling.DemandFactor())
	for _, key := range series.Keys {
		cs := series.Charges[key]
		peak, ok := maskedPeak(res, cs.Mask)
		if !ok {
			continue
		}
		amount := decimal.NewFromFloat(cs.Rate).Mul(factor).Mul(decimal.NewFromFloat(peak))
		c.Demand = c.Demand.Add(amount)
		c.Demands = append(c.Demands, DemandCharge{Key: key, PeakKW: peak, Amount: amount})
	}

	for m := time.January; m <= time.December; m++ {
		kwh, ok := monthly[m]
		if !ok || kwh <= 0 {
			continue
		}
		c.Tiers = c.Tiers.Add(tierCharge(t.Tiers[int(m)], kwh))
	}
	return c, nil
}

// maskedPeak returns the largest non-negative net demand on the simulated
// steps flagged by mask. ok is false when the mask flags none of them.
func maskedPeak(res *simulator.Results, mask []bool) (float64, bool) {
	var peak float64
	var ok bool
	for i, net := range res.Net {
		if !mask[res.Offset+i] {
			continue
		}
		ok = true
		peak = max(peak, net)
	}
	return peak, ok
}

// tierCharge fills the tiers of a month in order. Usage past the last
// threshold is billed at the last rate.
func tierCharge(tiers []types.Tier, kwh float64) decimal.Decimal {
	total := decimal.Zero
	remaining := decimal.NewFromFloat(kwh)
	prev := decimal.Zero
	for i, tier := range tiers {
		if !remaining.IsPositive() {
			break
		}
		block := remaining
		if tier.Threshold > 0 && i < len(tiers)-1 {
			threshold := decimal.NewFromFloat(tier.Threshold)
			block = decimal.Min(remaining, threshold.Sub(prev))
			prev = threshold
		}
		total = total.Add(block.Mul(decimal.NewFromFloat(tier.Rate)))
		remaining = remaining.Sub(block)
	}
	return total
}
