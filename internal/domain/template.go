package domain

import "time"

// MessageTemplate is reusable, pre-approved content that automation
// rules reference by ID. Per-channel overrides fall back to Fallback
// the same way broadcast content does.
type MessageTemplate struct {
	ID        string                     `json:"id" db:"id"`
	Name      string                     `json:"name" db:"name"`
	Content   map[Channel]ChannelContent `json:"content"`
	Fallback  ChannelContent             `json:"fallback"`
	CreatedAt time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at" db:"updated_at"`
}

// ContentFor returns the channel-specific content, falling back to the
// shared fallback where no override exists.
func (t *MessageTemplate) ContentFor(ch Channel) ChannelContent {
	if c, ok := t.Content[ch]; ok && !c.IsEmpty() {
		return c
	}
	return t.Fallback
}
