// Package recipients is the read-only adapter over the agency CRM's
// client records. The CRM owns these tables; this service only queries
// them to resolve broadcast audiences and preferences.
package recipients

import (
	"context"
	"errors"
	"time"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// ErrUnavailable wraps store-level failures so callers can treat them as
// transient and retry the whole resolution step.
var ErrUnavailable = errors.New("recipient store unavailable")

// AnchorKind names the date column a date-based automation trigger
// matches against.
type AnchorKind string

const (
	AnchorBirthday    AnchorKind = "birthday"
	AnchorAnniversary AnchorKind = "anniversary"
	AnchorRenewal     AnchorKind = "renewal"
	AnchorJoined      AnchorKind = "joined"
)

// AnchorFor maps a rule type onto the date column it fires on. The second
// return is false for rule types that are event-driven rather than
// date-driven.
func AnchorFor(rt domain.RuleType) (AnchorKind, bool) {
	switch rt {
	case domain.RuleBirthday:
		return AnchorBirthday, true
	case domain.RuleAnniversary:
		return AnchorAnniversary, true
	case domain.RuleRenewalReminder, domain.RulePolicyExpiry:
		return AnchorRenewal, true
	case domain.RuleWelcome:
		return AnchorJoined, true
	}
	return "", false
}

// Store is the recipient store adapter contract. Implementations must
// return results in a stable order (sorted by recipient ID) so audience
// resolution is reproducible across retries.
type Store interface {
	// FindCandidates resolves targeting criteria to the matching client
	// records: the union of SpecificIDs with the intersection of all
	// populated filters. AllClients short-circuits to the full active
	// population.
	FindCandidates(ctx context.Context, criteria domain.TargetingCriteria) ([]domain.Recipient, error)

	// FindPreference returns the client's explicit preference for a
	// channel+category pair, or nil when none was ever stated.
	FindPreference(ctx context.Context, recipientID string, ch domain.Channel, cat domain.Category) (*domain.Preference, error)

	// FindPreferences batch-loads explicit preferences for a set of
	// recipients, keyed by (recipientID, channel). Only rows for the
	// given category are returned.
	FindPreferences(ctx context.Context, recipientIDs []string, cat domain.Category) (map[string]map[domain.Channel]bool, error)

	// FindIDsByAnchorDate returns IDs of active clients whose anchor
	// date matches the given day (month+day for recurring anniversaries,
	// exact date for renewals and joins).
	FindIDsByAnchorDate(ctx context.Context, kind AnchorKind, day time.Time) ([]string, error)
}
