package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Role is an account role. Only ADMIN and EMPLOYEE exist.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleEmployee Role = "EMPLOYEE"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleEmployee
}

// ParseRole normalizes a role name ("admin", " Employee ") to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Identity is the result of verifying a session token.
type Identity struct {
	UserID string
	Role   Role
}

// ID is a record identifier that accepts both JSON strings and numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the ID as a plain string.
func (id ID) String() string { return string(id) }

// -----------------------------------------------------------------------------
// Aggregates
// -----------------------------------------------------------------------------

// DashboardStats is the aggregate snapshot pushed with STATS_UPDATE.
type DashboardStats struct {
	TotalContacts   int64     `json:"totalContacts"`
	TotalLeads      int64     `json:"totalLeads"`
	NewLeadsToday   int64     `json:"newLeadsToday"`
	ConvertedLeads  int64     `json:"convertedLeads"`
	ActiveCampaigns int64     `json:"activeCampaigns"`
	MessagesToday   int64     `json:"messagesToday"`
	MessagesFailed  int64     `json:"messagesFailed"`
	UnreadMessages  int64     `json:"unreadMessages"`
	ConversionRate  float64   `json:"conversionRate"`
	ComputedAt      time.Time `json:"computedAt"`
}

// WithConversionRate fills ConversionRate from the lead counts.
func (s DashboardStats) WithConversionRate() DashboardStats {
	if s.TotalLeads > 0 {
		s.ConversionRate = float64(s.ConvertedLeads) / float64(s.TotalLeads)
	} else {
		s.ConversionRate = 0
	}
	return s
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// NotificationKind classifies a notification for the UI.
type NotificationKind string

const (
	NotifyMessageFailed     NotificationKind = "message_failed"
	NotifyCampaignCompleted NotificationKind = "campaign_completed"
	NotifyCampaignFailed    NotificationKind = "campaign_failed"
	NotifyLeadConverted     NotificationKind = "lead_converted"
)

// Notification is a persisted, user-facing alert about a significant transition.
// Exactly one of UserID or Role addresses it; Role is used when no owner is known.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Kind      NotificationKind `json:"kind"`
	UserID    string           `json:"userId,omitempty"`
	Role      Role             `json:"role,omitempty"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Ref       string           `json:"ref,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NewNotification creates a notification with a fresh ID. Unowned notifications go to admins.
func NewNotification(kind NotificationKind, userID, title, message, ref string) Notification {
	n := Notification{
		ID:        uuid.New(),
		Kind:      kind,
		UserID:    userID,
		Title:     title,
		Message:   message,
		Ref:       ref,
		CreatedAt: time.Now().UTC(),
	}
	if userID == "" {
		n.Role = RoleAdmin
	}
	return n
}

// -----------------------------------------------------------------------------
// Domain event payloads
// -----------------------------------------------------------------------------

// Message statuses reported by the messaging gateway.
const (
	MessageQueued    = "QUEUED"
	MessageSent      = "SENT"
	MessageDelivered = "DELIVERED"
	MessageFailed    = "FAILED"
	MessageRead      = "READ"
)

// Campaign statuses.
const (
	CampaignRunning   = "RUNNING"
	CampaignCompleted = "COMPLETED"
	CampaignFailed    = "FAILED"
)

// LeadConverted is the lead status that counts as a conversion.
const LeadConverted = "CONVERTED"

// MessageEvent describes an outbound or inbound message.
type MessageEvent struct {
	MessageID  ID     `json:"messageId"`
	ContactID  ID     `json:"contactId"`
	AssignedTo ID     `json:"assignedTo,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Status     string `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CampaignEvent describes campaign progress or a terminal transition.
type CampaignEvent struct {
	CampaignID ID     `json:"campaignId"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	OwnerID    ID     `json:"ownerId,omitempty"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Progress returns the completed fraction of the campaign in [0,1].
func (c CampaignEvent) Progress() float64 {
	if c.Total <= 0 {
		return 0
	}
	done := c.Sent + c.Failed
	if done >= c.Total {
		return 1
	}
	return float64(done) / float64(c.Total)
}

// LeadEvent describes a lead creation, update, or assignment.
type LeadEvent struct {
	LeadID         ID     `json:"leadId"`
	ContactID      ID     `json:"contactId,omitempty"`
	AssignedTo     ID     `json:"assignedTo,omitempty"`
	Name           string `json:"name,omitempty"`
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// Converted reports whether this event is a transition into the converted status.
func (l LeadEvent) Converted() bool {
	return strings.EqualFold(l.Status, LeadConverted) && !strings.EqualFold(l.PreviousStatus, LeadConverted)
}

// ContactEvent describes a contact change.
type ContactEvent struct {
	ContactID ID              `json:"contactId"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// SystemAlert is a broadcast operational message.
type SystemAlert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
