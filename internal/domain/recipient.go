package domain

import "time"

// ClientType classifies a client record in the agency book.
type ClientType string

const (
	ClientIndividual ClientType = "individual"
	ClientCorporate  ClientType = "corporate"
	ClientGroup      ClientType = "group"
)

// TierLevel is the service tier assigned to a client.
type TierLevel string

const (
	TierBronze   TierLevel = "bronze"
	TierSilver   TierLevel = "silver"
	TierGold     TierLevel = "gold"
	TierPlatinum TierLevel = "platinum"
)

// PolicySummary is the slice of a client's policy the targeting filters
// care about. The policy system of record lives outside this service.
type PolicySummary struct {
	Type          string     `json:"type" db:"policy_type"`
	Status        string     `json:"status" db:"policy_status"`
	AnnualPremium float64    `json:"annual_premium" db:"annual_premium"`
	RenewalDate   *time.Time `json:"renewal_date,omitempty" db:"renewal_date"`
}

// Recipient is the read-model view of a client exposed by the recipient
// store adapter. The CRM owns the underlying records; this service only
// reads them.
type Recipient struct {
	ID          string          `json:"id" db:"id"`
	FullName    string          `json:"full_name" db:"full_name"`
	Type        ClientType      `json:"type" db:"client_type"`
	Tier        TierLevel       `json:"tier" db:"tier_level"`
	City        string          `json:"city" db:"city"`
	State       string          `json:"state" db:"state"`
	Email       string          `json:"email" db:"email"`
	Phone       string          `json:"phone" db:"phone"`
	WhatsApp    string          `json:"whatsapp" db:"whatsapp"`
	SocialHandle string         `json:"social_handle" db:"social_handle"`
	Birthday    *time.Time      `json:"birthday,omitempty" db:"birthday"`
	Anniversary *time.Time      `json:"anniversary,omitempty" db:"anniversary"`
	JoinedAt    time.Time       `json:"joined_at" db:"joined_at"`
	Active      bool            `json:"active" db:"active"`
	Policies    []PolicySummary `json:"policies,omitempty"`
}

// AddressFor returns the delivery address for a channel, empty if the
// client has none on file.
func (r *Recipient) AddressFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelWhatsApp:
		if r.WhatsApp != "" {
			return r.WhatsApp
		}
		return r.Phone
	case ChannelSocial:
		return r.SocialHandle
	}
	return ""
}

// Preference is an explicit per-channel, per-category opt-in/opt-out a
// client has stated. Absence of a row means "no explicit preference".
type Preference struct {
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Channel     Channel   `json:"channel" db:"channel"`
	Category    Category  `json:"category" db:"category"`
	OptIn       bool      `json:"opt_in" db:"opt_in"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// EligibleRecipient pairs a recipient with the channels it may be
// contacted on for a specific broadcast, as decided by the preference
// filter.
type EligibleRecipient struct {
	RecipientID      string    `json:"recipient_id"`
	EligibleChannels []Channel `json:"eligible_channels"`
}
