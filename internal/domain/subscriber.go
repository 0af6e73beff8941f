package domain

import (
	"strings"
	"time"
)

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberComplained   SubscriberStatus = "complained"
)

// Subscriber is the engine's read-only view of an email recipient.
type Subscriber struct {
	ID           string           `json:"id" db:"id"`
	Email        string           `json:"email" db:"email"`
	FirstName    string           `json:"first_name" db:"first_name"`
	LastName     string           `json:"last_name" db:"last_name"`
	Status       SubscriberStatus `json:"status" db:"status"`
	CustomFields map[string]any   `json:"custom_fields" db:"custom_fields"`
	Tags         []string         `json:"tags" db:"tags"`

	EngagementScore     float64    `json:"engagement_score" db:"engagement_score"`
	TotalEmailsReceived int        `json:"total_emails_received" db:"total_emails_received"`
	TotalOpens          int        `json:"total_opens" db:"total_opens"`
	TotalClicks         int        `json:"total_clicks" db:"total_clicks"`
	LastOpenAt          *time.Time `json:"last_open_at" db:"last_open_at"`
	LastClickAt         *time.Time `json:"last_click_at" db:"last_click_at"`
	LastEmailAt         *time.Time `json:"last_email_at" db:"last_email_at"`

	SubscribedAt time.Time `json:"subscribed_at" db:"subscribed_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Attributes flattens the subscriber into the map used as condition context.
// Custom fields are copied in first so built-in fields win on collision.
// Nil timestamps are left out so that is_null sees them as absent.
func (s *Subscriber) Attributes() map[string]any {
	attrs := make(map[string]any, len(s.CustomFields)+14)
	for k, v := range s.CustomFields {
		attrs[k] = v
	}

	attrs["id"] = s.ID
	attrs["email"] = s.Email
	attrs["email_domain"] = emailDomain(s.Email)
	attrs["first_name"] = s.FirstName
	attrs["last_name"] = s.LastName
	attrs["status"] = string(s.Status)
	attrs["engagement_score"] = s.EngagementScore
	attrs["total_emails_received"] = s.TotalEmailsReceived
	attrs["total_opens"] = s.TotalOpens
	attrs["total_clicks"] = s.TotalClicks

	tags := make([]any, len(s.Tags))
	for i, t := range s.Tags {
		tags[i] = t
	}
	attrs["tags"] = tags

	if s.LastOpenAt != nil {
		attrs["last_open_at"] = *s.LastOpenAt
	}
	if s.LastClickAt != nil {
		attrs["last_click_at"] = *s.LastClickAt
	}
	if s.LastEmailAt != nil {
		attrs["last_email_at"] = *s.LastEmailAt
	}
	if !s.SubscribedAt.IsZero() {
		attrs["subscribed_at"] = s.SubscribedAt
	}
	return attrs
}

// HasTag reports whether the subscriber carries tag (case-insensitive).
func (s *Subscriber) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
