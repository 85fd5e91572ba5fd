package audience

import (
	"context"
	"fmt"
	"time"

	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/recipients"
)

// Resolver resolves targeting criteria into a deduplicated,
// preference-filtered recipient list.
type Resolver struct {
	store  recipients.Store
	filter *PreferenceFilter
}

// NewResolver creates an audience resolver over the given recipient store.
func NewResolver(store recipients.Store) *Resolver {
	return &Resolver{store: store, filter: NewPreferenceFilter()}
}

// Result is a resolved audience: eligible recipients in stable (ID) order
// plus the full recipient records for rendering and addressing.
type Result struct {
	Eligible   []domain.EligibleRecipient
	Recipients map[string]domain.Recipient
}

// PairCount returns the number of (recipient, channel) dispatch pairs in
// the resolved audience.
func (r Result) PairCount() int {
	n := 0
	for _, e := range r.Eligible {
		n += len(e.EligibleChannels)
	}
	return n
}

// Resolve fetches candidates per the criteria resolution rule, applies
// the preference filter per (channel, category), and drops candidates
// with zero eligible channels. An unresolvable criteria yields an empty
// result, not an error.
func (r *Resolver) Resolve(ctx context.Context, criteria domain.TargetingCriteria, channels []domain.Channel, cat domain.Category) (Result, error) {
	candidates, err := r.store.FindCandidates(ctx, criteria)
	if err != nil {
		return Result{}, fmt.Errorf("resolve audience: %w", err)
	}
	return r.filterCandidates(ctx, candidates, channels, cat)
}

// ResolveForDate resolves the criteria restricted to recipients whose
// anchor date (birthday, anniversary, renewal, join date) falls on the
// given day. Used by date-based automation triggers.
func (r *Resolver) ResolveForDate(ctx context.Context, criteria domain.TargetingCriteria, channels []domain.Channel, cat domain.Category, kind recipients.AnchorKind, day time.Time) (Result, error) {
	ids, err := r.store.FindIDsByAnchorDate(ctx, kind, day)
	if err != nil {
		return Result{}, fmt.Errorf("resolve anchor date: %w", err)
	}
	if len(ids) == 0 {
		return Result{}, nil
	}

	anchored := make(map[string]bool, len(ids))
	for _, id := range ids {
		anchored[id] = true
	}

	// A rule with no narrowing conditions targets exactly the anchored
	// set; otherwise the conditions resolve first and the anchor set
	// intersects them.
	var candidates []domain.Recipient
	if criteria.IsEmpty() {
		candidates, err = r.store.FindCandidates(ctx, domain.TargetingCriteria{SpecificIDs: ids})
	} else {
		candidates, err = r.store.FindCandidates(ctx, criteria)
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve audience: %w", err)
	}

	matched := candidates[:0:0]
	for _, c := range candidates {
		if anchored[c.ID] {
			matched = append(matched, c)
		}
	}
	return r.filterCandidates(ctx, matched, channels, cat)
}

func (r *Resolver) filterCandidates(ctx context.Context, candidates []domain.Recipient, channels []domain.Channel, cat domain.Category) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	prefs, err := r.store.FindPreferences(ctx, ids, cat)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}

	res := Result{Recipients: make(map[string]domain.Recipient, len(candidates))}
	for _, c := range candidates {
		eligible := r.filter.EligibleChannels(prefs[c.ID], cat, channels)
		if len(eligible) == 0 {
			continue
		}
		res.Eligible = append(res.Eligible, domain.EligibleRecipient{
			RecipientID:      c.ID,
			EligibleChannels: eligible,
		})
		res.Recipients[c.ID] = c
	}
	return res, nil
}

// Preview returns the eligible-recipient count and a bounded sample for
// the operator preview endpoint.
type Preview struct {
	Total  int                        `json:"total"`
	Sample []domain.EligibleRecipient `json:"sample"`
}

// PreviewAudience resolves the criteria and returns the count plus the
// first `limit` eligible recipients.
func (r *Resolver) PreviewAudience(ctx context.Context, criteria domain.TargetingCriteria, channels []domain.Channel, cat domain.Category, limit int) (Preview, error) {
	if limit <= 0 {
		limit = 10
	}
	res, err := r.Resolve(ctx, criteria, channels, cat)
	if err != nil {
		return Preview{}, err
	}
	sample := res.Eligible
	if len(sample) > limit {
		sample = sample[:limit]
	}
	return Preview{Total: len(res.Eligible), Sample: sample}, nil
}
