// Package abtest splits broadcast audiences into weighted variants and
// picks winners by comparing delivery rates.
package abtest

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/trustline/broadcast-engine/internal/domain"
)

var (
	// ErrBadWeights means variant weights do not sum to 100.
	ErrBadWeights = errors.New("variant weights must sum to 100")
	// ErrTooFewVariants means a test needs at least two arms.
	ErrTooFewVariants = errors.New("a test needs at least two variants")
)

// ValidateSpec checks a test configuration before the broadcast is
// accepted: at least two uniquely-named variants with weights summing
// to exactly 100.
func ValidateSpec(spec *domain.ABTestSpec) error {
	if spec == nil || !spec.Enabled {
		return nil
	}
	if len(spec.Variants) < 2 {
		return ErrTooFewVariants
	}
	sum := 0
	seen := make(map[string]bool, len(spec.Variants))
	for _, v := range spec.Variants {
		if v.Name == "" {
			return errors.New("variant with empty name")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate variant name %q", v.Name)
		}
		seen[v.Name] = true
		if v.WeightPercent <= 0 {
			return fmt.Errorf("variant %q has non-positive weight", v.Name)
		}
		sum += v.WeightPercent
	}
	if sum != 100 {
		return ErrBadWeights
	}
	return nil
}

// Assign places a recipient into a variant. The assignment hashes
// (broadcastID, recipientID), so it is stable across retries and
// restarts but independent between broadcasts. A recipient lands in the
// variant whose cumulative weight range covers its bucket.
func Assign(spec *domain.ABTestSpec, broadcastID, recipientID string) string {
	if spec == nil || !spec.Enabled || len(spec.Variants) == 0 {
		return ""
	}
	if spec.Winner != "" {
		return spec.Winner
	}

	sum := sha256.Sum256([]byte(broadcastID + ":" + recipientID))
	bucket := int(binary.BigEndian.Uint64(sum[:8]) % 100)

	cumulative := 0
	for _, v := range spec.Variants {
		cumulative += v.WeightPercent
		if bucket < cumulative {
			return v.Name
		}
	}
	// Weights summing short of 100 leave a tail; the last variant absorbs it.
	return spec.Variants[len(spec.Variants)-1].Name
}

// ContentFor returns the content to send a recipient: the assigned
// variant's content where set, the broadcast's own channel content
// otherwise.
func ContentFor(b *domain.Broadcast, ch domain.Channel, variant string) domain.ChannelContent {
	if b.ABTest != nil && variant != "" {
		for _, v := range b.ABTest.Variants {
			if v.Name == variant && !v.Content.IsEmpty() {
				return v.Content
			}
		}
	}
	return b.ContentFor(ch)
}
