package reward

// EligibleTier returns the highest tier whose threshold is at most
// stampCount, or false when stampCount is below every threshold.
func (t Table) EligibleTier(stampCount int) (Tier, bool) {
	for _, tier := range t.tiers {
		if stampCount >= tier.Threshold {
			return tier, true
		}
	}
	return Tier{}, false
}

// NextAvailableTier returns the tier a visitor with stampCount stamps would
// be allocated given the remaining quota in snap.
//
// The scan starts at the visitor's eligible tier and only moves down the
// table. A visitor below every threshold scans the whole table from the top.
// Callers are expected to gate on EligibleTier before offering a reward;
// this branch only keeps the resolution total.
func (t Table) NextAvailableTier(stampCount int, snap Snapshot) (Tier, bool) {
	start := 0
	if eligible, ok := t.EligibleTier(stampCount); ok {
		start = t.rank(eligible.Key)
	}
	for _, tier := range t.tiers[start:] {
		if snap.Remaining(tier.Key) > 0 {
			return tier, true
		}
	}
	return Tier{}, false
}
