package domain

import "time"

// RuleType classifies an automation rule and doubles as the category of
// the broadcasts it materializes.
type RuleType string

const (
	RuleBirthday          RuleType = "birthday"
	RuleAnniversary       RuleType = "anniversary"
	RuleOfferNotification RuleType = "offer_notification"
	RulePointsUpdate      RuleType = "points_update"
	RuleRenewalReminder   RuleType = "renewal_reminder"
	RuleWelcome           RuleType = "welcome"
	RulePolicyExpiry      RuleType = "policy_expiry"
)

// Category maps a rule type onto the broadcast category its messages
// carry, which drives preference filtering and approval gating.
func (rt RuleType) Category() Category {
	switch rt {
	case RuleBirthday:
		return CategoryBirthday
	case RuleAnniversary:
		return CategoryAnniversary
	case RuleOfferNotification:
		return CategoryOffer
	case RulePointsUpdate:
		return CategoryAnnouncement
	case RuleRenewalReminder:
		return CategoryPolicyRenewal
	case RuleWelcome:
		return CategoryWelcome
	case RulePolicyExpiry:
		return CategoryPolicyRenewal
	}
	return CategoryAnnouncement
}

// TriggerEvent discriminates how a rule fires.
type TriggerEvent string

const (
	TriggerDateBased   TriggerEvent = "date_based"
	TriggerDomainEvent TriggerEvent = "domain_event"
)

// Trigger describes when a rule fires. Date-based triggers match an
// anchor date (birthday, anniversary, renewal) shifted by DaysOffset and
// fire at TimeOfDay ("HH:MM", agency-local). Domain-event triggers fire
// when the named event arrives (e.g. client_created).
type Trigger struct {
	Event      TriggerEvent `json:"event" db:"trigger_event"`
	DaysOffset int          `json:"days_offset" db:"days_offset"`
	TimeOfDay  string       `json:"time_of_day" db:"time_of_day"`
	EventName  string       `json:"event_name,omitempty" db:"event_name"`
}

// RuleAction describes what a firing rule sends.
type RuleAction struct {
	Channels     []Channel `json:"channels" db:"channels"`
	TemplateID   string    `json:"template_id" db:"template_id"`
	DelayMinutes int       `json:"delay_minutes" db:"delay_minutes"`
}

// RuleStats tracks evaluation history. SuccessfulSends is updated only
// after a materialized broadcast reaches a terminal non-failed state, so
// it lags TotalRuns.
type RuleStats struct {
	TotalRuns       int        `json:"total_runs" db:"total_runs"`
	SuccessfulSends int        `json:"successful_sends" db:"successful_sends"`
	LastRun         *time.Time `json:"last_run,omitempty" db:"last_run"`
	NextRun         *time.Time `json:"next_run,omitempty" db:"next_run"`

	// LastFiredDate is the logical day (YYYY-MM-DD) the rule last
	// produced a broadcast. Guards against double-firing when the tick
	// interval is shorter than the trigger granularity.
	LastFiredDate string `json:"last_fired_date,omitempty" db:"last_fired_date"`
}

// AutomationRule is a standing definition that materializes broadcasts
// without operator action. Rules are deactivated, never deleted.
type AutomationRule struct {
	ID         string            `json:"id" db:"id"`
	Name       string            `json:"name" db:"name"`
	Type       RuleType          `json:"type" db:"rule_type"`
	Trigger    Trigger           `json:"trigger"`
	Conditions TargetingCriteria `json:"conditions"`
	Action     RuleAction        `json:"action"`
	Stats      RuleStats         `json:"stats"`
	IsActive   bool              `json:"is_active" db:"is_active"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}
