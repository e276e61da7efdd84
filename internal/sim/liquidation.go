package sim

import "perp-paper-trader/config"

// maintenanceTier finds the first schedule row whose notional cap covers
// the position notional. The last tier applies when the notional exceeds
// every cap.
func maintenanceTier(tiers []config.MMRTier, notional float64) config.MMRTier {
	for _, t := range tiers {
		if notional <= t.NotionalUSDT {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// liquidationPrice approximates the isolated-margin liquidation price from
// the tiered maintenance schedule:
//
//	LONG:  liq = (margin - entry*qty - maint) / ((mmr - 1) * qty)
//	SHORT: liq = (margin + entry*qty - maint) / ((1 + mmr) * qty)
func liquidationPrice(tiers []config.MMRTier, side Side, entry, qty, margin float64) float64 {
	if qty <= 0 {
		return 0
	}
	tier := maintenanceTier(tiers, entry*qty)
	if side == Long {
		return (margin - entry*qty - tier.MaintAmount) / ((tier.MMR - 1) * qty)
	}
	return (margin + entry*qty - tier.MaintAmount) / ((1 + tier.MMR) * qty)
}
