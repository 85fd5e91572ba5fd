package domain

// Location narrows targeting to a city/state pair. Empty City matches the
// whole state.
type Location struct {
	City  string `json:"city"`
	State string `json:"state"`
}

// PremiumRange bounds annual premium in the agency's base currency.
// A nil bound is open-ended.
type PremiumRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// TargetingCriteria is the declarative predicate the audience resolver
// turns into a recipient list.
//
// Resolution rule: the result is the union of SpecificIDs with the
// intersection of all populated set/range filters over the remaining
// population. AllClients short-circuits to the full active population
// (before preference filtering).
type TargetingCriteria struct {
	AllClients   bool          `json:"all_clients"`
	SpecificIDs  []string      `json:"specific_ids,omitempty"`
	ClientTypes  []ClientType  `json:"client_types,omitempty"`
	TierLevels   []TierLevel   `json:"tier_levels,omitempty"`
	Locations    []Location    `json:"locations,omitempty"`
	PolicyTypes  []string      `json:"policy_types,omitempty"`
	PolicyStatus []string      `json:"policy_status,omitempty"`
	PremiumRange *PremiumRange `json:"premium_range,omitempty"`
}

// HasFilters reports whether any set/range filter is populated.
func (tc TargetingCriteria) HasFilters() bool {
	return len(tc.ClientTypes) > 0 || len(tc.TierLevels) > 0 ||
		len(tc.Locations) > 0 || len(tc.PolicyTypes) > 0 ||
		len(tc.PolicyStatus) > 0 || tc.PremiumRange != nil
}

// IsEmpty reports whether the criteria can never match anyone: no
// AllClients short-circuit, no explicit IDs, and no filters.
func (tc TargetingCriteria) IsEmpty() bool {
	return !tc.AllClients && len(tc.SpecificIDs) == 0 && !tc.HasFilters()
}
