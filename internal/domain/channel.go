package domain

// Channel is a delivery medium for broadcast messages.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelSocial   Channel = "social"
)

// AllChannels lists every supported channel in a stable order.
var AllChannels = []Channel{ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelSocial}

// Valid reports whether ch is a known channel.
func (ch Channel) Valid() bool {
	switch ch {
	case ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelSocial:
		return true
	}
	return false
}

// ChannelContent is the renderable message body for one channel.
// Subject is meaningful for email only; MediaRef points at an uploaded
// asset (image/document) for channels that support attachments.
type ChannelContent struct {
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body"`
	MediaRef string `json:"media_ref,omitempty"`
}

// IsEmpty reports whether the content carries no renderable body.
func (c ChannelContent) IsEmpty() bool {
	return c.Body == "" && c.Subject == "" && c.MediaRef == ""
}

// EmailConfig holds email-gateway settings for a sending identity.
type EmailConfig struct {
	FromName  string `json:"from_name" yaml:"from_name"`
	FromEmail string `json:"from_email" yaml:"from_email"`
	ReplyTo   string `json:"reply_to" yaml:"reply_to"`
}

// WhatsAppConfig holds WhatsApp Business API settings.
type WhatsAppConfig struct {
	BusinessNumber string `json:"business_number" yaml:"business_number"`
	Namespace      string `json:"namespace" yaml:"namespace"`
}

// SMSConfig holds SMS gateway settings.
type SMSConfig struct {
	SenderID string `json:"sender_id" yaml:"sender_id"`
	Unicode  bool   `json:"unicode" yaml:"unicode"`
}

// SocialConfig holds social posting settings.
type SocialConfig struct {
	Platform string `json:"platform" yaml:"platform"`
	PageID   string `json:"page_id" yaml:"page_id"`
}

// ChannelConfig is a tagged union of per-channel gateway configuration.
// Exactly one arm matching Channel is populated; the zero arms stay nil.
// This replaces the untyped per-channel settings maps the legacy system
// stored in a single settings document.
type ChannelConfig struct {
	Channel  Channel         `json:"channel" yaml:"channel"`
	Email    *EmailConfig    `json:"email,omitempty" yaml:"email,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty" yaml:"whatsapp,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty" yaml:"sms,omitempty"`
	Social   *SocialConfig   `json:"social,omitempty" yaml:"social,omitempty"`
}

// Validate checks that exactly the arm matching Channel is set.
func (cc ChannelConfig) Validate() bool {
	switch cc.Channel {
	case ChannelEmail:
		return cc.Email != nil && cc.WhatsApp == nil && cc.SMS == nil && cc.Social == nil
	case ChannelWhatsApp:
		return cc.WhatsApp != nil && cc.Email == nil && cc.SMS == nil && cc.Social == nil
	case ChannelSMS:
		return cc.SMS != nil && cc.Email == nil && cc.WhatsApp == nil && cc.Social == nil
	case ChannelSocial:
		return cc.Social != nil && cc.Email == nil && cc.WhatsApp == nil && cc.SMS == nil
	}
	return false
}
