package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/crm-realtime/internal/model"
)

// Type tags an event.
type Type string

// Inbound (client → server).
const (
	TypePing        Type = "PING"
	TypeSubscribe   Type = "SUBSCRIBE"
	TypeUnsubscribe Type = "UNSUBSCRIBE"
	TypeTypingStart Type = "TYPING_START"
	TypeTypingStop  Type = "TYPING_STOP"
)

// Outbound (server → client). TYPING_START/TYPING_STOP are rebroadcast as-is.
const (
	TypeConnected           Type = "CONNECTED"
	TypePong                Type = "PONG"
	TypeSubscribed          Type = "SUBSCRIBED"
	TypeUnsubscribed        Type = "UNSUBSCRIBED"
	TypeNotification        Type = "NOTIFICATION"
	TypeStatsUpdate         Type = "STATS_UPDATE"
	TypeMessageReceived     Type = "MESSAGE_RECEIVED"
	TypeMessageStatusUpdate Type = "MESSAGE_STATUS_UPDATE"
	TypeCampaignProgress    Type = "CAMPAIGN_PROGRESS"
	TypeCampaignCompleted   Type = "CAMPAIGN_COMPLETED"
	TypeCampaignFailed      Type = "CAMPAIGN_FAILED"
	TypeLeadCreated         Type = "LEAD_CREATED"
	TypeLeadUpdated         Type = "LEAD_UPDATED"
	TypeLeadAssigned        Type = "LEAD_ASSIGNED"
	TypeContactUpdated      Type = "CONTACT_UPDATED"
	TypeSystemAlert         Type = "SYSTEM_ALERT"
	TypeError               Type = "ERROR"
)

type direction uint8

const (
	inbound direction = 1 << iota
	outbound
)

var types = map[Type]direction{
	TypePing:                inbound,
	TypeSubscribe:           inbound,
	TypeUnsubscribe:         inbound,
	TypeTypingStart:         inbound | outbound,
	TypeTypingStop:          inbound | outbound,
	TypeConnected:           outbound,
	TypePong:                outbound,
	TypeSubscribed:          outbound,
	TypeUnsubscribed:        outbound,
	TypeNotification:        outbound,
	TypeStatsUpdate:         outbound,
	TypeMessageReceived:     outbound,
	TypeMessageStatusUpdate: outbound,
	TypeCampaignProgress:    outbound,
	TypeCampaignCompleted:   outbound,
	TypeCampaignFailed:      outbound,
	TypeLeadCreated:         outbound,
	TypeLeadUpdated:         outbound,
	TypeLeadAssigned:        outbound,
	TypeContactUpdated:      outbound,
	TypeSystemAlert:         outbound,
	TypeError:               outbound,
}

// Known reports whether t is one of the recognized types.
func (t Type) Known() bool {
	_, ok := types[t]
	return ok
}

// Inbound reports whether clients may send t.
func (t Type) Inbound() bool {
	return types[t]&inbound != 0
}

// Outbound reports whether the server may push t.
func (t Type) Outbound() bool {
	return types[t]&outbound != 0
}

// ErrNoData is returned by Decode when the event carries no payload.
var ErrNoData = errors.New("event has no data")

// Target selects recipients. Topic, UserIDs and Roles are unioned; All overrides them.
// Exclude names a connection that never receives the event (e.g. the sender).
type Target struct {
	Topic   string
	UserIDs []string
	Roles   []model.Role
	All     bool
	Exclude string
}

// IsZero reports whether the target selects nobody.
func (t Target) IsZero() bool {
	return !t.All && t.Topic == "" && len(t.UserIDs) == 0 && len(t.Roles) == 0
}

// String renders the target for logs.
func (t Target) String() string {
	switch {
	case t.All:
		return "all"
	case t.IsZero():
		return "none"
	}
	return fmt.Sprintf("topic=%q users=%v roles=%v", t.Topic, t.UserIDs, t.Roles)
}

// Event is a unit of pushed information. Timestamp is set at emission, not delivery.
type Event struct {
	Type      Type
	Data      json.RawMessage
	Timestamp time.Time
	ID        string
	Target    Target
}

// New creates an event stamped with the current time and a fresh ID.
// A nil data value produces an event without a payload.
func New(t Type, data any) (Event, error) {
	e := Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		ID:        uuid.NewString(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s data: %w", t, err)
		}
		e.Data = raw
	}
	return e, nil
}

// Stamp sets the timestamp to now if it is unset.
func (e Event) Stamp() Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// To targets a single topic.
func (e Event) To(topic string) Event {
	e.Target.Topic = topic
	return e
}

// ToUsers adds user recipients.
func (e Event) ToUsers(ids ...string) Event {
	e.Target.UserIDs = append(append([]string(nil), e.Target.UserIDs...), ids...)
	return e
}

// ToRoles adds role recipients.
func (e Event) ToRoles(roles ...model.Role) Event {
	e.Target.Roles = append(append([]model.Role(nil), e.Target.Roles...), roles...)
	return e
}

// ToAll targets every live connection.
func (e Event) ToAll() Event {
	e.Target.All = true
	return e
}

// Excluding skips the given connection.
func (e Event) Excluding(connID string) Event {
	e.Target.Exclude = connID
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Control payloads
// -----------------------------------------------------------------------------

// RoomData is the payload of SUBSCRIBE, UNSUBSCRIBE, SUBSCRIBED and UNSUBSCRIBED.
type RoomData struct {
	Room string `json:"room"`
}

// TypingData is the payload of TYPING_START and TYPING_STOP.
// UserID is filled by the server on rebroadcast.
type TypingData struct {
	ContactID model.ID `json:"contactId"`
	UserID    string   `json:"userId,omitempty"`
}

// ConnectedData is the payload of CONNECTED.
type ConnectedData struct {
	ConnectionID string     `json:"connectionId"`
	UserID       string     `json:"userId"`
	Role         model.Role `json:"role"`
}

// ErrorData is the payload of ERROR.
type ErrorData struct {
	Message string `json:"message"`
}
