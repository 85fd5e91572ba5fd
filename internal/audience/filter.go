// Package audience turns declarative targeting criteria into concrete,
// preference-filtered recipient lists. Resolution is deterministic for a
// fixed criteria + preference snapshot so retries are reproducible.
package audience

import (
	"github.com/trustline/broadcast-engine/internal/domain"
)

// PreferenceFilter applies per-channel, per-category opt-in/opt-out rules
// to candidate recipients.
//
// Default semantics: transactional categories (policy renewal, payment
// due, claim update) are opt-in unless explicitly opted out; marketing
// categories are opt-in-unless-stated. In both cases only an explicit
// opt-out row blocks a channel — the difference is that the transactional
// default holds even for clients who opted out of the marketing umbrella,
// so the two paths are kept separate for auditability.
type PreferenceFilter struct{}

// NewPreferenceFilter creates a preference filter.
func NewPreferenceFilter() *PreferenceFilter { return &PreferenceFilter{} }

// EligibleChannels returns the subset of requested channels the recipient
// may be contacted on, given their explicit preferences for the category.
// prefs maps channel → explicit opt-in value and carries only rows stated
// against this category, so a marketing opt-out never bleeds into
// transactional sends. Absence of a row defaults to opt-in.
func (f *PreferenceFilter) EligibleChannels(prefs map[domain.Channel]bool, cat domain.Category, requested []domain.Channel) []domain.Channel {
	var eligible []domain.Channel
	for _, ch := range requested {
		if optIn, stated := prefs[ch]; stated && !optIn {
			continue
		}
		eligible = append(eligible, ch)
	}
	return eligible
}
