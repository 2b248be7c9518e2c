package reward

// Snapshot is a point-in-time view of remaining capacity per tier key.
// Values are never negative.
type Snapshot map[string]int

// Remaining returns the remaining units for a tier key, zero when unknown.
func (s Snapshot) Remaining(key string) int {
	if n := s[key]; n > 0 {
		return n
	}
	return 0
}

// Derive computes the remaining quota from a full ledger listing:
// limit minus the number of records allocated to each tier, floored at zero.
// Records whose label matches no tier are ignored.
func (t Table) Derive(subs []Submission) Snapshot {
	counts := make(map[string]int, len(t.tiers))
	for _, s := range subs {
		if tier, ok := t.ByLabel(s.RewardLevel); ok {
			counts[tier.Key]++
		}
	}

	snap := make(Snapshot, len(t.tiers))
	for _, tier := range t.tiers {
		snap[tier.Key] = max(0, tier.Limit-counts[tier.Key])
	}
	return snap
}

// Full returns a snapshot with every tier at its configured limit.
func (t Table) Full() Snapshot {
	return t.Derive(nil)
}
