package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from BroadcastState
		to   BroadcastState
		want bool
	}{
		{"draft to pending approval", BroadcastDraft, BroadcastPendingApproval, true},
		{"draft to scheduled", BroadcastDraft, BroadcastScheduled, true},
		{"draft straight to sending", BroadcastDraft, BroadcastSending, false},
		{"pending to approved", BroadcastPendingApproval, BroadcastApproved, true},
		{"pending to rejected", BroadcastPendingApproval, BroadcastRejected, true},
		{"approved to scheduled", BroadcastApproved, BroadcastScheduled, true},
		{"rejected to draft resubmission", BroadcastRejected, BroadcastDraft, true},
		{"rejected to scheduled", BroadcastRejected, BroadcastScheduled, false},
		{"scheduled to sending", BroadcastScheduled, BroadcastSending, true},
		{"scheduled to cancelled", BroadcastScheduled, BroadcastCancelled, true},
		{"sending to cancelled", BroadcastSending, BroadcastCancelled, false},
		{"sending to sent", BroadcastSending, BroadcastSent, true},
		{"sending to partially failed", BroadcastSending, BroadcastPartiallyFailed, true},
		{"sent is terminal", BroadcastSent, BroadcastDraft, false},
		{"no backward sending to scheduled", BroadcastSending, BroadcastScheduled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCategoryIsTransactional(t *testing.T) {
	transactional := []Category{CategoryPolicyRenewal, CategoryPaymentDue, CategoryClaimUpdate}
	for _, c := range transactional {
		if !c.IsTransactional() {
			t.Errorf("%s should be transactional", c)
		}
	}
	marketing := []Category{CategoryOffer, CategoryPromotion, CategoryNewsletter, CategoryBirthday}
	for _, c := range marketing {
		if c.IsTransactional() {
			t.Errorf("%s should not be transactional", c)
		}
	}
}

func TestChannelConfigValidate(t *testing.T) {
	valid := ChannelConfig{Channel: ChannelEmail, Email: &EmailConfig{FromEmail: "hello@trustline.example"}}
	if !valid.Validate() {
		t.Error("email config with email arm should validate")
	}

	twoArms := ChannelConfig{
		Channel: ChannelEmail,
		Email:   &EmailConfig{},
		SMS:     &SMSConfig{},
	}
	if twoArms.Validate() {
		t.Error("config with two arms populated should not validate")
	}

	wrongArm := ChannelConfig{Channel: ChannelSMS, Email: &EmailConfig{}}
	if wrongArm.Validate() {
		t.Error("config with mismatched arm should not validate")
	}
}

func TestIdempotencyKey(t *testing.T) {
	k1 := IdempotencyKey("b1", "r1", ChannelEmail, 1)
	k2 := IdempotencyKey("b1", "r1", ChannelEmail, 2)
	if k1 == k2 {
		t.Error("different attempts must produce different keys")
	}
	if k1 != IdempotencyKey("b1", "r1", ChannelEmail, 1) {
		t.Error("key must be stable for the same attempt")
	}
}

func TestTargetingCriteriaIsEmpty(t *testing.T) {
	if !(TargetingCriteria{}).IsEmpty() {
		t.Error("zero criteria should be empty")
	}
	if (TargetingCriteria{AllClients: true}).IsEmpty() {
		t.Error("all-clients criteria is not empty")
	}
	if (TargetingCriteria{SpecificIDs: []string{"c1"}}).IsEmpty() {
		t.Error("criteria with specific IDs is not empty")
	}
	if (TargetingCriteria{TierLevels: []TierLevel{TierGold}}).IsEmpty() {
		t.Error("criteria with a filter is not empty")
	}
}

func TestContentFor(t *testing.T) {
	b := Broadcast{
		Content: map[Channel]ChannelContent{
			ChannelEmail: {Subject: "Renewal due", Body: "<p>Hi {{ first_name }}</p>"},
		},
		Fallback: ChannelContent{Body: "Hi {{ first_name }}"},
	}

	if got := b.ContentFor(ChannelEmail); got.Subject != "Renewal due" {
		t.Errorf("expected email override, got %+v", got)
	}
	if got := b.ContentFor(ChannelSMS); got.Body != "Hi {{ first_name }}" {
		t.Errorf("expected fallback for sms, got %+v", got)
	}
}
